package notifier

import (
	"context"
	"fmt"
	"net/http"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twapi "github.com/twilio/twilio-go/rest/api/v2010"

	"dogwatch/internal/endpoint"
)

// TwilioConfig identifies the account and the sender.
// One of MessagingServiceSID and From must be set.
type TwilioConfig struct {
	// BaseURL replaces the public API host when set.
	BaseURL             string
	AccountSID          string
	AuthToken           string
	MessagingServiceSID string
	From                string
}

// Twilio sends SMS through the Programmable Messaging API.
type Twilio struct {
	rest *twilio.RestClient
	cfg  TwilioConfig
}

// NewTwilio creates a Twilio notifier. Requests are bounded by the
// timeout of client.
func NewTwilio(client *http.Client, cfg TwilioConfig) (*Twilio, error) {
	hc, err := endpoint.Client(client, cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	base := &twclient.Client{
		Credentials: twclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient:  hc,
	}
	base.SetAccountSid(cfg.AccountSID)
	return &Twilio{
		rest: twilio.NewRestClientWithParams(twilio.ClientParams{Client: base}),
		cfg:  cfg,
	}, nil
}

// Send implements Notifier. The SDK takes no context, so a cancelled ctx
// only prevents the request from starting.
func (t *Twilio) Send(ctx context.Context, destination, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twapi.CreateMessageParams{}
	params.SetTo(destination)
	params.SetBody(body)
	if t.cfg.MessagingServiceSID != "" {
		params.SetMessagingServiceSid(t.cfg.MessagingServiceSID)
	} else {
		params.SetFrom(t.cfg.From)
	}

	if _, err := t.rest.Api.CreateMessage(params); err != nil {
		return fmt.Errorf("twilio create message: %w", err)
	}
	return nil
}
