// Package notifier delivers text messages to the configured destination.
package notifier

import "context"

// Notifier sends body to destination. The destination format depends on
// the channel: a phone number, a chat ID or a subject.
type Notifier interface {
	Send(ctx context.Context, destination, body string) error
}

// Compose renders the outbound message for a post.
func Compose(text, signature string) string {
	if signature == "" {
		return text
	}
	return text + "\n\n" + signature
}
