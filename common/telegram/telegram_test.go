package telegram

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"
)

type sentMsg struct {
	ChatID int64
	Text   string
}

type mockAPI struct {
	mu   sync.Mutex
	sent []sentMsg
	err  error
}

func (m *mockAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.mu.Lock()
		m.sent = append(m.sent, sentMsg{ChatID: msg.ChatID, Text: msg.Text})
		m.mu.Unlock()
	}
	return tgbotapi.Message{}, m.err
}

func (m *mockAPI) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(tgbotapi.UpdatesChannel)
}

func (m *mockAPI) StopReceivingUpdates() {}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotify(t *testing.T) {
	api := &mockAPI{}
	n := NewNotifier(api, discard())

	n.Notify(42, "es", MsgPublished, "r/pics", "https://reddit.com/x")
	n.Notify(42, "fr", MsgNoCandidates)
	n.Notify(0, "en", MsgNoCandidates)

	want := []sentMsg{
		{ChatID: 42, Text: "Publicado en r/pics: https://reddit.com/x"},
		{ChatID: 42, Text: "No eligible subreddit right now. Try again later."},
	}
	if diff := cmp.Diff(want, api.sent); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestSendErrorsAreSwallowed(t *testing.T) {
	api := &mockAPI{err: errors.New("blocked by user")}
	NewNotifier(api, discard()).SendMessage(1, "hi")

	if len(api.sent) != 1 {
		t.Fatalf("expected one attempt, got %d", len(api.sent))
	}
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	n.SendMessage(1, "ignored")
}

func TestCatalogComplete(t *testing.T) {
	for lang, msgs := range catalog {
		for key := range catalog["en"] {
			if _, ok := msgs[key]; !ok {
				t.Errorf("%s is missing %q", lang, key)
			}
		}
	}
}
