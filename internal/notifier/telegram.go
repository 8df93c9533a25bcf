package notifier

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends messages through a bot. The destination is a numeric chat
// ID or a public channel name such as "@dognews".
type Telegram struct {
	api telegramAPI
}

// NewTelegram creates a Telegram notifier for the bot with the given token.
func NewTelegram(token string) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return &Telegram{api: api}, nil
}

// Send implements Notifier.
func (t *Telegram) Send(ctx context.Context, destination, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var msg tgbotapi.MessageConfig
	destination = strings.TrimSpace(destination)
	if strings.HasPrefix(destination, "@") {
		msg = tgbotapi.NewMessageToChannel(destination, body)
	} else {
		chatID, err := strconv.ParseInt(destination, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat id %q: %w", destination, err)
		}
		msg = tgbotapi.NewMessage(chatID, body)
	}
	msg.DisableWebPagePreview = true

	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}
