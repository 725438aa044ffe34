// Package notify tells the operator when a conversation was handed to a human.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Escalation describes a conversation that now needs a human reply.
type Escalation struct {
	UserID    string
	AccountID string
	RemoteID  string
	Text      string
	Reason    string
	Signals   []string
}

// Notifier delivers escalation alerts.
type Notifier interface {
	NotifyEscalation(ctx context.Context, e Escalation) error
}

// TelegramNotifier posts escalations to an operator chat. A nil
// *TelegramNotifier is valid and does nothing.
type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *zap.Logger
}

// NewTelegramNotifier connects the bot. It returns nil, nil when no token or
// chat is configured.
func NewTelegramNotifier(token string, chatID int64, logger *zap.Logger) (*TelegramNotifier, error) {
	return newTelegramNotifier(token, chatID, tgbotapi.APIEndpoint, &http.Client{}, logger)
}

func newTelegramNotifier(token string, chatID int64, endpoint string, client *http.Client, logger *zap.Logger) (*TelegramNotifier, error) {
	if token == "" || chatID == 0 {
		logger.Info("Telegram notifier is disabled (notify.telegram_bot_token or chat id is empty)")
		return nil, nil
	}

	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot API: %w", err)
	}
	logger.Info("Telegram notifier authorized", zap.String("username", api.Self.UserName))

	return &TelegramNotifier{api: api, chatID: chatID, logger: logger.Named("notify")}, nil
}

// NotifyEscalation sends one alert message.
func (n *TelegramNotifier) NotifyEscalation(ctx context.Context, e Escalation) error {
	if n == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(n.chatID, formatEscalation(e))
	if _, err := n.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send escalation alert: %w", err)
	}
	n.logger.Debug("Escalation alert sent",
		zap.String("user_id", e.UserID),
		zap.String("remote_id", e.RemoteID))
	return nil
}

func formatEscalation(e Escalation) string {
	var b strings.Builder
	b.WriteString("🙋 Human reply needed\n")
	fmt.Fprintf(&b, "Account: %s\nContact: %s\n", e.AccountID, e.RemoteID)
	if e.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", e.Reason)
	}
	if len(e.Signals) > 0 {
		fmt.Fprintf(&b, "Signals: %s\n", strings.Join(e.Signals, ", "))
	}
	text := e.Text
	if r := []rune(text); len(r) > 300 {
		text = string(r[:300]) + "…"
	}
	fmt.Fprintf(&b, "\n%s", text)
	return b.String()
}
