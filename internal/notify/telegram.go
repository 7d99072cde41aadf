// Package notify defines the notification sink contract and its Telegram
// implementation. Sends may fail; callers must not surface failures.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Sink delivers operator-facing messages.
type Sink interface {
	Send(ctx context.Context, text, parseMode string) error
}

// Noop discards all messages. Used when no sink is configured.
type Noop struct{}

func (Noop) Send(context.Context, string, string) error { return nil }

// Telegram sends messages via the Bot API.
type Telegram struct {
	http   *resty.Client
	chatID string
	logger *slog.Logger
}

// NewTelegram creates a sink for one bot token and chat.
func NewTelegram(token, chatID string, logger *slog.Logger) *Telegram {
	httpClient := resty.New().
		SetBaseURL("https://api.telegram.org/bot" + token).
		SetTimeout(10 * time.Second)

	return &Telegram{
		http:   httpClient,
		chatID: chatID,
		logger: logger.With("component", "telegram"),
	}
}

// Send posts one message. parseMode may be empty, "Markdown", or "HTML".
func (t *Telegram) Send(ctx context.Context, text, parseMode string) error {
	body := map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	}
	if parseMode != "" {
		body["parse_mode"] = parseMode
	}

	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(body).
		Post("/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("telegram send: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
