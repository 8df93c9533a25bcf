package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const flushTimeout = 10 * time.Second

type publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// NATS publishes messages on a subject. The destination is the subject.
type NATS struct {
	conn  publisher
	close func()
}

// NewNATS connects to the NATS server at url.
func NewNATS(url string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("dogwatch"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{conn: nc, close: nc.Close}, nil
}

// Send implements Notifier. It waits for the server to acknowledge the
// publish so a returned nil means the message left the process.
func (n *NATS) Send(ctx context.Context, destination, body string) error {
	if err := n.conn.Publish(destination, []byte(body)); err != nil {
		return fmt.Errorf("publish %s: %w", destination, err)
	}
	// FlushWithContext refuses contexts without a deadline.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Close closes the connection.
func (n *NATS) Close() error {
	if n.close != nil {
		n.close()
	}
	return nil
}
