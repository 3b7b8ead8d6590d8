package telegram

import (
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// API is the subset of the bot client used for sending and receiving.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// NewAPI connects to the Bot API. endpoint may be empty for the public one.
func NewAPI(token, endpoint string) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return api, nil
}

// Notifier sends tenant-facing messages. Send errors are logged, never returned: notifications are best effort.
type Notifier struct {
	api API
	log *slog.Logger
}

func NewNotifier(api API, log *slog.Logger) *Notifier {
	return &Notifier{api: api, log: log}
}

func (n *Notifier) SendMessage(chatID int64, text string) {
	if n == nil || chatID == 0 {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := n.api.Send(msg); err != nil {
		n.log.Error("send telegram message", slog.Int64("chat_id", chatID), slog.Any("error", err))
	}
}

// Notify renders key in lang and sends it.
func (n *Notifier) Notify(chatID int64, lang, key string, args ...any) {
	n.SendMessage(chatID, Render(lang, key, args...))
}
