// Package engines runs the recurring Twitter loops: trend riding, presence posts and collab hunting.
package engines

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/budget"
	"github.com/forbiddencoding/social-autoposter/common/config"
	"github.com/forbiddencoding/social-autoposter/common/ids"
	"github.com/forbiddencoding/social-autoposter/common/lifecycle"
	"github.com/forbiddencoding/social-autoposter/common/metrics"
	"github.com/forbiddencoding/social-autoposter/common/persistence"
	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/platform"
	"github.com/forbiddencoding/social-autoposter/common/twitter"
	"github.com/forbiddencoding/social-autoposter/services/content"
	"github.com/forbiddencoding/social-autoposter/services/scheduler"
	"golang.org/x/sync/errgroup"
)

const (
	TrendRiderName   = "trend_rider"
	PresenceName     = "presence"
	CollabHunterName = "collab_hunter"
)

// Tweeter is the per-model Twitter surface the engines use.
type Tweeter interface {
	UserID() string
	PostTweet(ctx context.Context, text string, mediaIDs ...string) platform.Result
	Reply(ctx context.Context, inReplyTo, text string) platform.Result
	SendDM(ctx context.Context, recipientID, text string) platform.Result
	ListDMEvents(ctx context.Context, limit int) ([]twitter.DMEvent, error)
	LookupUser(ctx context.Context, username string) (*twitter.User, error)
	SearchRecent(ctx context.Context, query string, limit int) ([]twitter.Tweet, error)
}

type Writer interface {
	ComposeTweet(ctx context.Context, m *entity.Model, brief content.TweetBrief) (string, error)
	DraftCollabDM(ctx context.Context, m *entity.Model, handle, theirBio string) (string, error)
}

type Budget interface {
	Action(kind string) string
	HasWriteBudget(ctx context.Context, need int) (bool, error)
	Reserve(ctx context.Context, modelID int64, kind string, need int, details map[string]any) error
}

var _ Budget = (*budget.Guard)(nil)

type Deps struct {
	DB         persistence.Persistence
	Writer     Writer
	Budget     Budget
	Notifier   scheduler.Notifier
	IDs        ids.Generator
	Metrics    *metrics.Metrics
	Log        *slog.Logger
	TweeterFor func(ctx context.Context, m *entity.Model) (Tweeter, error)
}

// TweeterFromClient adapts the shared Twitter client to the per-model factory the engines take.
func TweeterFromClient(c *twitter.Client) func(ctx context.Context, m *entity.Model) (Tweeter, error) {
	return func(ctx context.Context, m *entity.Model) (Tweeter, error) {
		u, err := c.ForModel(ctx, m)
		if err != nil {
			return nil, err
		}
		return u, nil
	}
}

// base holds what every loop shares.
type base struct {
	Deps
	name string
	now  func() time.Time
}

func newBase(d Deps, name string) base {
	return base{Deps: d, name: name, now: time.Now}
}

// forEachModel runs fn for every model with Twitter enabled. A failing model is logged and skipped.
func (b *base) forEachModel(ctx context.Context, fn func(ctx context.Context, m *entity.Model) error) error {
	out, err := b.DB.ListModels(ctx, &entity.ListModelsInput{Platform: entity.PlatformTwitter})
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, m := range out.Models {
		if err = fn(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.Metrics.EngineRun(b.name, "failed")
			b.Log.Error("engine run failed", slog.String("engine", b.name), slog.Int64("model_id", m.ID), slog.Any("error", err))
		}
	}
	return nil
}

// hasBudget reports whether need writes are available, recording a skip when they are not.
func (b *base) hasBudget(ctx context.Context, m *entity.Model, need int) (bool, error) {
	ok, err := b.Budget.HasWriteBudget(ctx, need)
	if err != nil {
		return false, err
	}
	if !ok {
		b.Metrics.EngineRun(b.name, "skipped_budget")
		b.Log.Info("write budget exhausted, skipping", slog.String("engine", b.name), slog.Int64("model_id", m.ID))
	}
	return ok, nil
}

// tweet reserves one write, posts text and records the post. A non-empty inReplyTo posts it as a reply.
func (b *base) tweet(ctx context.Context, m *entity.Model, tw Tweeter, kind, text, inReplyTo string, details map[string]any) (platform.Result, error) {
	if details == nil {
		details = map[string]any{}
	}
	details["text"] = text
	if inReplyTo != "" {
		details["in_reply_to"] = inReplyTo
	}
	if err := b.Budget.Reserve(ctx, m.ID, kind, 1, details); err != nil {
		return platform.Result{}, err
	}

	var res platform.Result
	if inReplyTo != "" {
		res = tw.Reply(ctx, inReplyTo, text)
	} else {
		res = tw.PostTweet(ctx, text)
	}
	if !res.Success {
		b.Metrics.EngineRun(b.name, "failed")
		return res, fmt.Errorf("post tweet: %w", res.Err)
	}

	id, err := b.IDs.NextID()
	if err != nil {
		return res, fmt.Errorf("failed to generate ID: %w", err)
	}
	if _, err = b.DB.CreatePost(ctx, &entity.CreatePostInput{Post: &entity.Post{
		ID:          id,
		ModelID:     m.ID,
		Platform:    entity.PlatformTwitter,
		ExternalID:  res.ID,
		ExternalURL: res.URL,
		Content:     text,
		CreatedAt:   b.now(),
	}}); err != nil {
		return res, fmt.Errorf("record post: %w", err)
	}
	b.Metrics.EngineRun(b.name, "posted")
	return res, nil
}

// NextDailyRun returns the first instant after now at which the wall clock at utcOffsetHours reads at ("15:04").
func NextDailyRun(now time.Time, at string, utcOffsetHours int) (time.Time, error) {
	clock, err := time.Parse("15:04", at)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse daily time %q: %w", at, err)
	}
	loc := time.FixedZone("", utcOffsetHours*3600)
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.UTC(), nil
}

// Service runs all three engines until Close.
type Service struct {
	trend    *TrendRider
	presence *Presence
	collab   *CollabHunter
	conf     config.Engines
	log      *slog.Logger
	runner   lifecycle.Runner
}

func New(d Deps, conf config.Engines) *Service {
	return &Service{
		trend:    NewTrendRider(d, conf.SearchQuery),
		presence: NewPresence(d),
		collab:   NewCollabHunter(d, conf.SearchQuery, conf.CollabDailyDMs),
		conf:     conf,
		log:      d.Log,
	}
}

func (s *Service) Start() error {
	return s.runner.Run(func(ctx context.Context) error {
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return s.every(ctx, TrendRiderName, s.conf.TrendRiderInterval, s.trend.Run) })
		g.Go(func() error { return s.every(ctx, PresenceName, s.conf.PresenceInterval, s.presence.Run) })
		g.Go(func() error { return s.daily(ctx, CollabHunterName, s.collab.Run) })
		return g.Wait()
	})
}

func (s *Service) Close() error {
	return s.runner.Close()
}

// every waits one interval before the first run.
func (s *Service) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	s.log.Info("engine started", slog.String("engine", name), slog.Duration("interval", interval))
	if err := lifecycle.Sleep(ctx, interval); err != nil {
		return err
	}
	return lifecycle.Every(ctx, interval, fn, func(err error) {
		s.log.Error("engine run failed", slog.String("engine", name), slog.Any("error", err))
	})
}

// daily re-arms a one-shot timer for the next configured wall-clock time after every run.
func (s *Service) daily(ctx context.Context, name string, fn func(context.Context) error) error {
	for {
		next, err := NextDailyRun(time.Now(), s.conf.CollabHunterAt, s.conf.UTCOffsetHours)
		if err != nil {
			return err
		}
		s.log.Info("engine armed", slog.String("engine", name), slog.Time("next_run", next))
		if err = lifecycle.Sleep(ctx, time.Until(next)); err != nil {
			return err
		}
		if err = fn(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("engine run failed", slog.String("engine", name), slog.Any("error", err))
		}
	}
}
