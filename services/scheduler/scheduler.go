// Package scheduler slots queued content into peak-hour windows and publishes scheduled posts when they fall due.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/config"
	"github.com/forbiddencoding/social-autoposter/common/ids"
	"github.com/forbiddencoding/social-autoposter/common/lifecycle"
	"github.com/forbiddencoding/social-autoposter/common/metrics"
	"github.com/forbiddencoding/social-autoposter/common/persistence"
	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/platform"
	"github.com/forbiddencoding/social-autoposter/common/telegram"
	"github.com/forbiddencoding/social-autoposter/services/publisher"
)

const (
	LeaseExpiredError         = "processing lease expired"
	SubredditNotEligibleError = "subreddit not eligible"

	ActionPublished = "scheduled_post_published"
	ActionFailed    = "scheduled_post_failed"
	ActionPlanned   = "scheduled_post_planned"
)

// Notifier delivers tenant-facing messages.
type Notifier interface {
	Notify(chatID int64, lang, key string, args ...any)
}

type Scheduler struct {
	db        persistence.Persistence
	publisher publisher.Servicer
	notifier  Notifier
	ids       ids.Generator
	metrics   *metrics.Metrics
	log       *slog.Logger
	conf      config.Scheduler

	now    func() time.Time
	jitter func() int
	sleep  func(ctx context.Context, d time.Duration) error

	runner lifecycle.Runner
}

func New(
	db persistence.Persistence,
	pub publisher.Servicer,
	notifier Notifier,
	gen ids.Generator,
	m *metrics.Metrics,
	log *slog.Logger,
	conf config.Scheduler,
) *Scheduler {
	if len(conf.PeakHoursET) == 0 {
		conf.PeakHoursET = DefaultPeakHoursET
	}
	return &Scheduler{
		db:        db,
		publisher: pub,
		notifier:  notifier,
		ids:       gen,
		metrics:   m,
		log:       log,
		conf:      conf,
		now:       time.Now,
		jitter:    randomJitter,
		sleep:     lifecycle.Sleep,
	}
}

// Start runs a tick immediately and then every TickInterval until Close.
func (s *Scheduler) Start() error {
	return s.runner.Run(func(ctx context.Context) error {
		s.log.Info("scheduler started", slog.Duration("interval", s.conf.TickInterval))
		return lifecycle.Every(ctx, s.conf.TickInterval, s.Tick, func(err error) {
			s.log.Error("scheduler tick failed", slog.Any("error", err))
		})
	})
}

func (s *Scheduler) Close() error {
	return s.runner.Close()
}

// GetNextPostingSlots returns the next count peak-hour slots after from.
func (s *Scheduler) GetNextPostingSlots(count int, from time.Time) []time.Time {
	return NextPostingSlots(count, from, s.conf.PeakHoursET, s.jitter)
}

// Tick expires stale leases, publishes due posts and slots queued content for every model.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	defer s.metrics.SchedulerTick(now)

	var errs []error
	if err := s.sweepStale(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.ProcessScheduledPosts(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.planAll(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Scheduler) sweepStale(ctx context.Context, now time.Time) error {
	out, err := s.db.SweepStaleProcessing(ctx, &entity.SweepStaleProcessingInput{
		OlderThan: now.Add(-s.conf.ProcessingLease),
		Error:     LeaseExpiredError,
		Now:       now,
	})
	if err != nil {
		return fmt.Errorf("sweep stale processing: %w", err)
	}

	for _, p := range out.Swept {
		if p.Status == entity.StatusPublished {
			s.metrics.ScheduledPostTransition(string(entity.StatusPublished))
			s.log.Info("settled expired lease as published", slog.Int64("scheduled_post_id", p.ID), slog.String("url", p.ExternalURL))
			continue
		}
		s.metrics.ScheduledPostTransition(string(entity.StatusFailed))
		s.log.Warn("expired processing lease", slog.Int64("scheduled_post_id", p.ID), slog.Int64("model_id", p.ModelID))
		s.notifyModel(ctx, p.ModelID, telegram.MsgPublishFailed, target(p), LeaseExpiredError)
	}
	return nil
}

// ProcessScheduledPosts publishes up to BatchSize due posts, oldest first, spaced by PublishSpacing. Every post it
// claims ends published or failed.
func (s *Scheduler) ProcessScheduledPosts(ctx context.Context) (int, error) {
	out, err := s.db.ListDueScheduledPosts(ctx, &entity.ListDueScheduledPostsInput{
		Now:   s.now(),
		Limit: s.conf.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list due scheduled posts: %w", err)
	}

	processed := 0
	for i, p := range out.Posts {
		if i > 0 {
			if err = s.sleep(ctx, s.conf.PublishSpacing); err != nil {
				return processed, err
			}
		}
		if err = s.ProcessPost(ctx, p); err != nil {
			s.log.Error("process scheduled post", slog.Int64("scheduled_post_id", p.ID), slog.Any("error", err))
			continue
		}
		processed++
	}
	return processed, nil
}

// ProcessPostByID loads and publishes one scheduled post if it is still ready.
func (s *Scheduler) ProcessPostByID(ctx context.Context, id int64) error {
	out, err := s.db.GetScheduledPost(ctx, &entity.GetScheduledPostInput{ID: id})
	if err != nil {
		return err
	}
	if out.Post.Status != entity.StatusReady {
		s.log.Info("scheduled post no longer ready", slog.Int64("scheduled_post_id", id), slog.String("status", string(out.Post.Status)))
		return nil
	}
	return s.ProcessPost(ctx, out.Post)
}

// ProcessPost claims p (ready to processing), publishes it and records the outcome. A post claimed by someone else
// is skipped.
func (s *Scheduler) ProcessPost(ctx context.Context, p *entity.ScheduledPost) error {
	now := s.now()
	claim, err := s.db.TransitionScheduledPost(ctx, &entity.TransitionScheduledPostInput{
		ID:   p.ID,
		From: entity.StatusReady,
		To:   entity.StatusProcessing,
		Now:  now,
	})
	if err != nil {
		return fmt.Errorf("claim scheduled post: %w", err)
	}
	if !claim.Applied {
		return nil
	}
	s.metrics.ScheduledPostTransition(string(entity.StatusProcessing))

	// The outcome must be written even if the tick is being cancelled.
	ctx = context.WithoutCancel(ctx)

	modelOut, err := s.db.GetModel(ctx, &entity.GetModelInput{ID: p.ModelID})
	if err != nil {
		return s.fail(ctx, p, nil, fmt.Sprintf("load model: %v", err))
	}
	m := modelOut.Model

	if p.Platform == entity.PlatformReddit {
		ok, err := s.subredditEligible(ctx, m.ID, p.TargetSubreddit)
		if err != nil {
			return s.fail(ctx, p, m, fmt.Sprintf("load subreddits: %v", err))
		}
		if !ok {
			return s.fail(ctx, p, m, SubredditNotEligibleError)
		}
	}

	res := s.publisher.Publish(ctx, &publisher.PublishInput{
		Model:     m,
		Platform:  p.Platform,
		Subreddit: p.TargetSubreddit,
		Title:     p.Title,
		MediaURL:  p.MediaURL,
		NSFW:      p.NSFW,
	})
	if !res.Success {
		msg := "publish failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		if res.Kind == platform.KindBanned && p.Platform == entity.PlatformReddit {
			if _, err = s.db.MarkSubredditBanned(ctx, &entity.MarkSubredditBannedInput{ModelID: m.ID, Name: p.TargetSubreddit}); err != nil {
				s.log.Error("mark subreddit banned", slog.String("subreddit", p.TargetSubreddit), slog.Any("error", err))
			}
		}
		return s.fail(ctx, p, m, msg)
	}

	s.recordPost(ctx, p, m, res.ID, res.URL)

	if _, err = s.db.TransitionScheduledPost(ctx, &entity.TransitionScheduledPostInput{
		ID:          p.ID,
		From:        entity.StatusProcessing,
		To:          entity.StatusPublished,
		ExternalURL: res.URL,
		Now:         s.now(),
	}); err != nil {
		return fmt.Errorf("mark scheduled post published: %w", err)
	}
	s.metrics.ScheduledPostTransition(string(entity.StatusPublished))

	if p.Platform == entity.PlatformReddit {
		if _, err = s.db.MarkSubredditPosted(ctx, &entity.MarkSubredditPostedInput{
			ModelID:  m.ID,
			Name:     p.TargetSubreddit,
			PostedAt: s.now(),
		}); err != nil {
			s.log.Error("mark subreddit posted", slog.String("subreddit", p.TargetSubreddit), slog.Any("error", err))
		}
	}

	s.appendLog(ctx, m.ID, ActionPublished, map[string]any{
		"scheduled_post_id": p.ID,
		"platform":          p.Platform,
		"subreddit":         p.TargetSubreddit,
		"url":               res.URL,
	})
	s.notifier.Notify(m.TelegramChatID, m.Lang(), telegram.MsgPublished, target(p), res.URL)
	return nil
}

// subredditEligible reports whether name is still approved and not banned for the model. A subreddit can be banned
// or unapproved between planning and publishing.
func (s *Scheduler) subredditEligible(ctx context.Context, modelID int64, name string) (bool, error) {
	out, err := s.db.ListSubreddits(ctx, &entity.ListSubredditsInput{ModelID: modelID, EligibleOnly: true})
	if err != nil {
		return false, err
	}
	for _, sub := range out.Subreddits {
		if strings.EqualFold(sub.Name, name) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scheduler) recordPost(ctx context.Context, p *entity.ScheduledPost, m *entity.Model, externalID, url string) {
	postID, err := s.ids.NextID()
	if err != nil {
		s.log.Error("failed to generate ID", slog.Any("error", err))
		return
	}
	if _, err = s.db.CreatePost(ctx, &entity.CreatePostInput{Post: &entity.Post{
		ID:              postID,
		ModelID:         m.ID,
		ScheduledPostID: p.ID,
		Platform:        p.Platform,
		ExternalID:      externalID,
		ExternalURL:     url,
		Subreddit:       p.TargetSubreddit,
		Content:         p.Title,
		MediaURL:        p.MediaURL,
		CreatedAt:       s.now(),
	}}); err != nil {
		s.log.Error("record published post", slog.Int64("scheduled_post_id", p.ID), slog.Any("error", err))
	}
}

func (s *Scheduler) fail(ctx context.Context, p *entity.ScheduledPost, m *entity.Model, msg string) error {
	if _, err := s.db.TransitionScheduledPost(ctx, &entity.TransitionScheduledPostInput{
		ID:    p.ID,
		From:  entity.StatusProcessing,
		To:    entity.StatusFailed,
		Error: msg,
		Now:   s.now(),
	}); err != nil {
		return fmt.Errorf("mark scheduled post failed: %w", err)
	}
	s.metrics.ScheduledPostTransition(string(entity.StatusFailed))
	s.log.Warn("scheduled post failed", slog.Int64("scheduled_post_id", p.ID), slog.String("error", msg))

	s.appendLog(ctx, p.ModelID, ActionFailed, map[string]any{
		"scheduled_post_id": p.ID,
		"platform":          p.Platform,
		"subreddit":         p.TargetSubreddit,
		"error":             msg,
	})
	if m != nil {
		s.notifier.Notify(m.TelegramChatID, m.Lang(), telegram.MsgPublishFailed, target(p), msg)
	}
	return nil
}

func (s *Scheduler) planAll(ctx context.Context) error {
	out, err := s.db.ListModels(ctx, &entity.ListModelsInput{})
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, m := range out.Models {
		if _, err = s.PlanQueued(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Error("plan queued posts", slog.Int64("model_id", m.ID), slog.Any("error", err))
		}
	}
	return nil
}

// PlanQueued assigns the model's queued posts to upcoming peak slots, choosing a subreddit per Reddit post, and
// reports the plan to the model. Posts without a usable subreddit stay queued.
func (s *Scheduler) PlanQueued(ctx context.Context, m *entity.Model) (int, error) {
	queued, err := s.db.ListQueuedScheduledPosts(ctx, &entity.ListQueuedScheduledPostsInput{ModelID: m.ID})
	if err != nil {
		return 0, fmt.Errorf("list queued posts: %w", err)
	}
	if len(queued.Posts) == 0 {
		return 0, nil
	}

	now := s.now()
	slots := s.GetNextPostingSlots(len(queued.Posts), now)

	var candidates []*entity.Subreddit
	for _, p := range queued.Posts {
		if p.Platform == entity.PlatformReddit {
			subs, err := s.db.ListSubreddits(ctx, &entity.ListSubredditsInput{ModelID: m.ID, EligibleOnly: true})
			if err != nil {
				return 0, fmt.Errorf("list subreddits: %w", err)
			}
			candidates = subs.Subreddits
			break
		}
	}

	// planned holds this run's picks per day so two slots on one day do not target the same subreddit.
	planned := make(map[time.Time]map[string]bool)
	var lines []string
	for i, slot := range slots {
		p := queued.Posts[i]

		var subreddit string
		if p.Platform == entity.PlatformReddit {
			day := dayStart(slot)
			pending, err := s.pendingOnDay(ctx, m.ID, candidates, day, planned[day])
			if err != nil {
				return len(lines), err
			}
			best := PickBestSubreddit(candidates, pending, slot)
			if best == nil {
				s.notifier.Notify(m.TelegramChatID, m.Lang(), telegram.MsgNoCandidates)
				break
			}
			subreddit = best.Name
			if planned[day] == nil {
				planned[day] = make(map[string]bool)
			}
			planned[day][strings.ToLower(best.Name)] = true
		}

		out, err := s.db.AssignSlot(ctx, &entity.AssignSlotInput{
			ID:           p.ID,
			Subreddit:    subreddit,
			ScheduledFor: slot,
			Now:          now,
		})
		if err != nil {
			return len(lines), fmt.Errorf("assign slot: %w", err)
		}
		if !out.Applied {
			continue
		}
		s.metrics.ScheduledPostTransition(string(entity.StatusReady))

		p.TargetSubreddit = subreddit
		lines = append(lines, fmt.Sprintf("%s at %s UTC", target(p), slot.Format("Mon 15:04")))
		s.appendLog(ctx, m.ID, ActionPlanned, map[string]any{
			"scheduled_post_id": p.ID,
			"subreddit":         subreddit,
			"scheduled_for":     slot,
		})
	}

	if len(lines) > 0 {
		s.notifier.Notify(m.TelegramChatID, m.Lang(), telegram.MsgPlanned, len(lines), strings.Join(lines, "\n"))
	}
	return len(lines), nil
}

func (s *Scheduler) pendingOnDay(ctx context.Context, modelID int64, candidates []*entity.Subreddit, day time.Time, planned map[string]bool) (map[string]bool, error) {
	pending := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		key := strings.ToLower(c.Name)
		if planned[key] {
			pending[key] = true
			continue
		}
		out, err := s.db.CountPendingForSubredditOnDay(ctx, &entity.CountPendingForSubredditOnDayInput{
			ModelID:   modelID,
			Subreddit: c.Name,
			DayStart:  day,
		})
		if err != nil {
			return nil, fmt.Errorf("count pending posts: %w", err)
		}
		pending[key] = out.Count > 0
	}
	return pending, nil
}

func (s *Scheduler) appendLog(ctx context.Context, modelID int64, action string, details map[string]any) {
	id, err := s.ids.NextID()
	if err != nil {
		s.log.Error("failed to generate ID", slog.Any("error", err))
		return
	}
	if _, err = s.db.AppendAgentLog(ctx, &entity.AppendAgentLogInput{Log: &entity.AgentLog{
		ID:        id,
		ModelID:   modelID,
		Action:    action,
		Details:   details,
		CreatedAt: s.now(),
	}}); err != nil {
		s.log.Error("append agent log", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Scheduler) notifyModel(ctx context.Context, modelID int64, key string, args ...any) {
	out, err := s.db.GetModel(ctx, &entity.GetModelInput{ID: modelID})
	if err != nil {
		s.log.Warn("load model for notification", slog.Int64("model_id", modelID), slog.Any("error", err))
		return
	}
	s.notifier.Notify(out.Model.TelegramChatID, out.Model.Lang(), key, args...)
}

func target(p *entity.ScheduledPost) string {
	if p.Platform == entity.PlatformReddit && p.TargetSubreddit != "" {
		return "r/" + p.TargetSubreddit
	}
	return string(p.Platform)
}
