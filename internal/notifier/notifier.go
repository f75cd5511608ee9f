// Package notifier pushes operator notifications on bot lifecycle events.
package notifier

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/desu777/stockstorm/internal/models"
)

// Notifier is told about terminal bot transitions.
type Notifier interface {
	// BotFinished fires when a bot closes out at its top boundary.
	BotFinished(st *models.BotState)
	// BotError fires when a bot halts on exhausted order retries.
	BotError(st *models.BotState, reason string)
}

// Noop discards all notifications.
type Noop struct{}

func (Noop) BotFinished(*models.BotState)      {}
func (Noop) BotError(*models.BotState, string) {}

// Telegram sends notifications to a single chat.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *zap.SugaredLogger
}

// NewTelegram authenticates against the Telegram bot API.
func NewTelegram(token string, chatID int64, logger *zap.SugaredLogger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &Telegram{api: api, chatID: chatID, logger: logger}, nil
}

func (t *Telegram) BotFinished(st *models.BotState) {
	t.send(fmt.Sprintf("✅ Bot %s (%s) finished: price crossed the top boundary. Capital: %s",
		st.ID, st.Symbol, st.Capital.StringFixed(2)))
}

func (t *Telegram) BotError(st *models.BotState, reason string) {
	t.send(fmt.Sprintf("🚨 Bot %s (%s) halted with ERROR: %s. Manual review needed.",
		st.ID, st.Symbol, reason))
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.api.Send(msg); err != nil {
		t.logger.Warnw("telegram send failed", "err", err)
	}
}
