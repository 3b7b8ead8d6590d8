// Package bot answers operator commands sent to the Telegram bot from a model's linked chat.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/forbiddencoding/social-autoposter/common/lifecycle"
	"github.com/forbiddencoding/social-autoposter/common/persistence"
	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/telegram"
	"github.com/forbiddencoding/social-autoposter/services/queue"
	"github.com/forbiddencoding/social-autoposter/services/strategy"
	"github.com/go-playground/validator/v10"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	CommandPost   = "post"
	CommandPlan   = "plan"
	CommandQueue  = "queue"
	CommandStatus = "status"
	CommandCollab = "collab"
	CommandAgreed = "agreed"

	updateTimeout = 60
	queueListMax  = 10
)

type BudgetReader interface {
	Remaining(ctx context.Context) (int64, error)
}

type Bot struct {
	api       telegram.API
	db        persistence.Persistence
	producer  queue.Producer
	budget    BudgetReader
	notifier  *telegram.Notifier
	validator *validator.Validate
	log       *slog.Logger

	runner lifecycle.Runner
}

func New(
	api telegram.API,
	db persistence.Persistence,
	producer queue.Producer,
	budget BudgetReader,
	validator *validator.Validate,
	log *slog.Logger,
) *Bot {
	return &Bot{
		api:       api,
		db:        db,
		producer:  producer,
		budget:    budget,
		notifier:  telegram.NewNotifier(api, log),
		validator: validator,
		log:       log,
	}
}

// Start long-polls for updates until Close.
func (b *Bot) Start() error {
	return b.runner.Run(func(ctx context.Context) error {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = updateTimeout
		updates := b.api.GetUpdatesChan(u)

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case update, ok := <-updates:
				if !ok {
					return nil
				}
				if update.Message == nil || !update.Message.IsCommand() {
					continue
				}
				b.Handle(ctx, update.Message)
			}
		}
	})
}

func (b *Bot) Close() error {
	b.api.StopReceivingUpdates()
	return b.runner.Close()
}

// Handle runs one command and replies in the model's language.
func (b *Bot) Handle(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	m, err := b.modelForChat(ctx, chatID)
	if err != nil {
		b.log.Error("failed to resolve model for chat", slog.Int64("chat_id", chatID), slog.Any("error", err))
		return
	}
	if m == nil {
		b.notifier.Notify(chatID, "en", telegram.MsgUnknownChat)
		return
	}

	lang := m.Lang()
	log := b.log.With(slog.Int64("model_id", m.ID), slog.String("command", msg.Command()))

	switch msg.Command() {
	case CommandPost, CommandPlan:
		err = b.enqueue(ctx, m, msg.Command(), msg.CommandArguments())
	case CommandQueue:
		err = b.queue(ctx, m)
	case CommandStatus:
		err = b.status(ctx, m)
	case CommandCollab:
		err = b.collabs(ctx, m)
	case CommandAgreed:
		err = b.agreed(ctx, m, msg.CommandArguments())
	default:
		b.notifier.Notify(chatID, lang, telegram.MsgUsage)
	}

	var validationErrs validator.ValidationErrors
	switch {
	case err == nil:
	case errors.As(err, &validationErrs), errors.Is(err, errUsage):
		b.notifier.Notify(chatID, lang, telegram.MsgUsage)
	default:
		log.Error("command failed", slog.Any("error", err))
	}
}

var errUsage = errors.New("usage")

func (b *Bot) modelForChat(ctx context.Context, chatID int64) (*entity.Model, error) {
	out, err := b.db.GetModel(ctx, &entity.GetModelInput{TelegramChatID: chatID})
	if errors.Is(err, entity.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out.Model, nil
}

// enqueue parses "<image url> <caption...>".
func (b *Bot) enqueue(ctx context.Context, m *entity.Model, command, args string) error {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return errUsage
	}

	kind := queue.CommandPostNow
	if command == CommandPlan {
		kind = queue.CommandPlan
	}
	in := &queue.CommandWorkflowInput{
		Kind:    kind,
		ModelID: m.ID,
		Content: strategy.Content{
			MediaURL: fields[0],
			Caption:  strings.Join(fields[1:], " "),
		},
	}
	if err := b.validator.Struct(in); err != nil {
		return err
	}

	jobID, err := b.producer.EnqueueCommand(ctx, in)
	if err != nil {
		return err
	}
	b.notifier.Notify(m.TelegramChatID, m.Lang(), telegram.MsgAccepted, jobID)
	return nil
}

func (b *Bot) queue(ctx context.Context, m *entity.Model) error {
	out, err := b.db.ListScheduledPosts(ctx, &entity.ListScheduledPostsInput{
		ModelID:  m.ID,
		Statuses: []entity.ScheduledPostStatus{entity.StatusReady, entity.StatusQueued},
		Limit:    queueListMax,
	})
	if err != nil {
		return err
	}
	if len(out.Posts) == 0 {
		b.notifier.Notify(m.TelegramChatID, m.Lang(), telegram.MsgQueueEmpty)
		return nil
	}

	lines := make([]string, 0, len(out.Posts))
	for _, p := range out.Posts {
		lines = append(lines, queueLine(p))
	}
	b.notifier.Notify(m.TelegramChatID, m.Lang(), telegram.MsgQueue, strings.Join(lines, "\n"))
	return nil
}

func queueLine(p *entity.ScheduledPost) string {
	if p.ScheduledFor == nil {
		return fmt.Sprintf("- %s: %s", p.Status, p.Title)
	}
	return fmt.Sprintf("- r/%s %s UTC: %s", p.TargetSubreddit, p.ScheduledFor.UTC().Format("Mon 15:04"), p.Title)
}

func (b *Bot) status(ctx context.Context, m *entity.Model) error {
	out, err := b.db.ListScheduledPosts(ctx, &entity.ListScheduledPostsInput{
		ModelID:  m.ID,
		Statuses: []entity.ScheduledPostStatus{entity.StatusReady, entity.StatusQueued},
	})
	if err != nil {
		return err
	}
	var ready, queued int
	for _, p := range out.Posts {
		if p.Status == entity.StatusReady {
			ready++
		} else {
			queued++
		}
	}

	remaining, err := b.budget.Remaining(ctx)
	if err != nil {
		return err
	}
	b.notifier.Notify(m.TelegramChatID, m.Lang(), telegram.MsgStatus, ready, queued, max(remaining, 0))
	return nil
}

func (b *Bot) collabs(ctx context.Context, m *entity.Model) error {
	out, err := b.db.ListCollabs(ctx, &entity.ListCollabsInput{ModelID: m.ID})
	if err != nil {
		return err
	}
	if len(out.Collabs) == 0 {
		b.notifier.Notify(m.TelegramChatID, m.Lang(), telegram.MsgCollabNone)
		return nil
	}

	lines := make([]string, 0, len(out.Collabs))
	for _, c := range out.Collabs {
		lines = append(lines, fmt.Sprintf("- @%s: %s", c.Handle, c.Status))
	}
	b.notifier.Notify(m.TelegramChatID, m.Lang(), telegram.MsgCollabs, strings.Join(lines, "\n"))
	return nil
}

// agreed confirms a collab the other side replied to.
func (b *Bot) agreed(ctx context.Context, m *entity.Model, args string) error {
	handle := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(args), "@"))
	if handle == "" {
		return errUsage
	}

	out, err := b.db.ListCollabs(ctx, &entity.ListCollabsInput{ModelID: m.ID, Status: entity.CollabResponded})
	if err != nil {
		return err
	}
	for _, c := range out.Collabs {
		if c.Handle != handle {
			continue
		}
		res, err := b.db.TransitionCollab(ctx, &entity.TransitionCollabInput{
			ID:   c.ID,
			From: entity.CollabResponded,
			To:   entity.CollabAgreed,
		})
		if err != nil {
			return err
		}
		if res.Applied {
			b.notifier.Notify(m.TelegramChatID, m.Lang(), telegram.MsgAgreed, handle)
			return nil
		}
	}
	b.notifier.Notify(m.TelegramChatID, m.Lang(), telegram.MsgAgreedNotFound, handle)
	return nil
}
