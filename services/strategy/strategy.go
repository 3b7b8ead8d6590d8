// Package strategy chooses where and when a new piece of content goes, with the LLM ranking the model's subreddits.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/ids"
	"github.com/forbiddencoding/social-autoposter/common/persistence"
	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/platform"
	"github.com/forbiddencoding/social-autoposter/common/telegram"
	"github.com/forbiddencoding/social-autoposter/services/content"
	"github.com/forbiddencoding/social-autoposter/services/publisher"
	"github.com/forbiddencoding/social-autoposter/services/scheduler"
)

const (
	MaxPicks   = 3
	MaxRetries = 2

	statsWindow = 30 * 24 * time.Hour
	pickSpacing = 2 * time.Hour

	ActionPostNow = "strategy_post_now"
	ActionPlanned = "strategy_planned"
)

var ErrNoCandidates = errors.New("no eligible subreddit")

// Writer is the subset of the content generator the engine needs.
type Writer interface {
	ImproveCaption(ctx context.Context, m *entity.Model, caption, subreddit string) (string, error)
	RankSubreddits(ctx context.Context, m *entity.Model, caption string, candidates []content.Candidate, n int) ([]content.RankedPick, error)
	PickSubreddit(ctx context.Context, m *entity.Model, caption string, candidates []content.Candidate) (string, error)
	AnalyzeImage(ctx context.Context, m *entity.Model, imageURL string) (string, error)
}

type (
	// Content is one captioned image awaiting a destination.
	Content struct {
		Caption  string `json:"caption" validate:"required"`
		MediaURL string `json:"media_url" validate:"required,url"`
		NSFW     bool   `json:"nsfw"`
	}

	Pick struct {
		Subreddit    string    `json:"subreddit"`
		HourET       int       `json:"hour_et"`
		Reason       string    `json:"reason"`
		ScheduledFor time.Time `json:"scheduled_for"`
	}

	PostResult struct {
		Subreddit string          `json:"subreddit"`
		Title     string          `json:"title"`
		Attempts  int             `json:"attempts"`
		Result    platform.Result `json:"-"`
	}
)

type Engine struct {
	db        persistence.Persistence
	writer    Writer
	publisher publisher.Servicer
	notifier  scheduler.Notifier
	ids       ids.Generator
	log       *slog.Logger

	now   func() time.Time
	intn  func(n int) int
	peaks []int
}

func New(
	db persistence.Persistence,
	writer Writer,
	pub publisher.Servicer,
	notifier scheduler.Notifier,
	gen ids.Generator,
	log *slog.Logger,
) *Engine {
	return &Engine{
		db:        db,
		writer:    writer,
		publisher: pub,
		notifier:  notifier,
		ids:       gen,
		log:       log,
		now:       time.Now,
		intn:      rand.IntN,
		peaks:     scheduler.DefaultPeakHoursET,
	}
}

// CalculateScheduleTime places the index-th pick of a plan at hourET Eastern plus two hours per index, on now's UTC
// day or, if that has passed, the next day.
func CalculateScheduleTime(hourET, index int, now time.Time) time.Time {
	now = now.UTC()
	offset := int(scheduler.EasternOffset/time.Hour) + index*int(pickSpacing/time.Hour)
	at := time.Date(now.Year(), now.Month(), now.Day(), hourET+offset, 0, 0, 0, time.UTC)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

// candidates returns the eligible subreddits with the 30 day feature summary the LLM ranks on.
func (e *Engine) candidates(ctx context.Context, m *entity.Model) ([]*entity.Subreddit, []content.Candidate, error) {
	subs, err := e.db.ListSubreddits(ctx, &entity.ListSubredditsInput{ModelID: m.ID, EligibleOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("list subreddits: %w", err)
	}
	if len(subs.Subreddits) == 0 {
		return nil, nil, nil
	}

	now := e.now()
	stats, err := e.db.SubredditStats(ctx, &entity.SubredditStatsInput{ModelID: m.ID, Since: now.Add(-statsWindow)})
	if err != nil {
		return nil, nil, fmt.Errorf("subreddit stats: %w", err)
	}
	byName := make(map[string]*entity.SubredditStats, len(stats.Stats))
	for _, s := range stats.Stats {
		byName[strings.ToLower(s.Subreddit)] = s
	}

	cands := make([]content.Candidate, 0, len(subs.Subreddits))
	for _, s := range subs.Subreddits {
		c := content.Candidate{
			Name:            s.Name,
			Members:         s.Members,
			EngagementScore: s.EngagementScore,
			InCooldown:      s.InCooldown(now),
		}
		if st, ok := byName[strings.ToLower(s.Name)]; ok {
			c.AvgUpvotes = st.AvgUpvotes
			c.Removals = st.Removals
		}
		cands = append(cands, c)
	}
	return subs.Subreddits, cands, nil
}

// GetPostingStrategy ranks up to n subreddits for c. Picks naming a subreddit outside the candidate set are dropped,
// so the result may be empty. When the LLM is unavailable the picks fall back to engagement order.
func (e *Engine) GetPostingStrategy(ctx context.Context, m *entity.Model, c *Content, n int) ([]Pick, error) {
	n = min(max(n, 1), MaxPicks)

	subs, cands, err := e.candidates(ctx, m)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrNoCandidates
	}

	ranked, err := e.writer.RankSubreddits(ctx, m, e.describe(ctx, m, c), cands, n)
	if err != nil {
		e.log.Warn("ranking unavailable, using engagement order", slog.Int64("model_id", m.ID), slog.Any("error", err))
		ranked = e.heuristicRanking(subs, n)
	}

	byName := make(map[string]*entity.Subreddit, len(subs))
	for _, s := range subs {
		byName[strings.ToLower(s.Name)] = s
	}

	now := e.now()
	picks := make([]Pick, 0, n)
	seen := make(map[string]bool, n)
	for _, r := range ranked {
		if len(picks) == n {
			break
		}
		key := strings.ToLower(r.Subreddit)
		sub, ok := byName[key]
		if !ok {
			e.log.Info("discarding unknown subreddit pick", slog.Int64("model_id", m.ID), slog.String("subreddit", r.Subreddit))
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		hour := r.Hour
		if hour < 0 || hour > 23 {
			hour = e.peaks[len(picks)%len(e.peaks)]
		}
		picks = append(picks, Pick{
			Subreddit:    sub.Name,
			HourET:       hour,
			Reason:       r.Reason,
			ScheduledFor: CalculateScheduleTime(hour, len(picks), now),
		})
	}
	return picks, nil
}

// describe is the caption plus, when the vision call succeeds, a description of the image.
func (e *Engine) describe(ctx context.Context, m *entity.Model, c *Content) string {
	desc, err := e.writer.AnalyzeImage(ctx, m, c.MediaURL)
	if err != nil || desc == "" {
		if err != nil {
			e.log.Warn("image analysis failed", slog.Int64("model_id", m.ID), slog.Any("error", err))
		}
		return c.Caption
	}
	return c.Caption + "\nImage: " + desc
}

func (e *Engine) heuristicRanking(subs []*entity.Subreddit, n int) []content.RankedPick {
	now := e.now()
	out := make([]content.RankedPick, 0, n)
	for _, s := range subs {
		if len(out) == n {
			break
		}
		if s.InCooldown(now) {
			continue
		}
		out = append(out, content.RankedPick{
			Subreddit: s.Name,
			Hour:      e.peaks[len(out)%len(e.peaks)],
			Reason:    "highest engagement out of cooldown",
		})
	}
	return out
}

// PickBestForNow returns one subreddit that is out of cooldown and not in tried (keyed by lower-cased name). An LLM
// answer outside that set is replaced by a uniformly random choice.
func (e *Engine) PickBestForNow(ctx context.Context, m *entity.Model, caption string, tried map[string]bool) (*entity.Subreddit, error) {
	subs, cands, err := e.candidates(ctx, m)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var (
		open      []*entity.Subreddit
		openCands []content.Candidate
	)
	for i, s := range subs {
		if tried[strings.ToLower(s.Name)] || s.InCooldown(now) {
			continue
		}
		open = append(open, s)
		openCands = append(openCands, cands[i])
	}
	if len(open) == 0 {
		return nil, ErrNoCandidates
	}

	name, err := e.writer.PickSubreddit(ctx, m, caption, openCands)
	if err != nil {
		e.log.Warn("pick subreddit", slog.Int64("model_id", m.ID), slog.Any("error", err))
	} else {
		for _, s := range open {
			if strings.EqualFold(s.Name, name) {
				return s, nil
			}
		}
		e.log.Info("discarding unknown subreddit pick", slog.Int64("model_id", m.ID), slog.String("subreddit", name))
	}
	return open[e.intn(len(open))], nil
}

// PostNow publishes c immediately. A retryable failure moves on to another untried subreddit with a fresh title, at
// most MaxRetries times. The returned error is reserved for storage failures and ErrNoCandidates; a failed publish
// is reported in PostResult.
func (e *Engine) PostNow(ctx context.Context, m *entity.Model, c *Content) (*PostResult, error) {
	tried := make(map[string]bool)
	var last *PostResult

	for attempt := 1; attempt <= MaxRetries+1; attempt++ {
		sub, err := e.PickBestForNow(ctx, m, c.Caption, tried)
		if errors.Is(err, ErrNoCandidates) && last != nil {
			break
		}
		if err != nil {
			if errors.Is(err, ErrNoCandidates) {
				e.notifier.Notify(m.TelegramChatID, m.Lang(), telegram.MsgNoCandidates)
			}
			return nil, err
		}
		tried[strings.ToLower(sub.Name)] = true

		claim, err := e.db.ClaimSubredditCooldown(ctx, &entity.ClaimSubredditCooldownInput{ID: sub.ID, Now: e.now()})
		if err != nil {
			return nil, fmt.Errorf("claim subreddit cooldown: %w", err)
		}
		if !claim.Claimed {
			e.log.Info("subreddit claimed concurrently", slog.Int64("model_id", m.ID), slog.String("subreddit", sub.Name))
			continue
		}

		title, err := e.writer.ImproveCaption(ctx, m, c.Caption, sub.Name)
		if err != nil {
			e.log.Warn("improve caption, posting original", slog.Int64("model_id", m.ID), slog.Any("error", err))
			title = c.Caption
		}

		res := e.publisher.Publish(ctx, &publisher.PublishInput{
			Model:     m,
			Platform:  entity.PlatformReddit,
			Subreddit: sub.Name,
			Title:     title,
			MediaURL:  c.MediaURL,
			NSFW:      c.NSFW,
		})
		last = &PostResult{Subreddit: sub.Name, Title: title, Attempts: attempt, Result: res}

		if res.Success {
			e.recordPost(ctx, m, last, c)
			e.notifier.Notify(m.TelegramChatID, m.Lang(), telegram.MsgPublished, "r/"+sub.Name, res.URL)
			return last, nil
		}

		e.log.Warn("post now attempt failed",
			slog.Int64("model_id", m.ID),
			slog.String("subreddit", sub.Name),
			slog.Int("attempt", attempt),
			slog.String("kind", string(res.Kind)),
			slog.Any("error", res.Err),
		)
		if !res.Kind.TargetSpecific() {
			e.releaseCooldown(ctx, sub, claim)
		}
		if res.Kind == platform.KindBanned {
			if _, err = e.db.MarkSubredditBanned(ctx, &entity.MarkSubredditBannedInput{ModelID: m.ID, Name: sub.Name}); err != nil {
				e.log.Error("mark subreddit banned", slog.String("subreddit", sub.Name), slog.Any("error", err))
			}
		}
		if !res.Kind.Retryable() {
			break
		}
	}

	if last == nil {
		e.notifier.Notify(m.TelegramChatID, m.Lang(), telegram.MsgNoCandidates)
		return nil, ErrNoCandidates
	}
	msg := "publish failed"
	if last.Result.Err != nil {
		msg = last.Result.Err.Error()
	}
	e.notifier.Notify(m.TelegramChatID, m.Lang(), telegram.MsgPublishFailed, "r/"+last.Subreddit, msg)
	return last, nil
}

// releaseCooldown gives back a claim whose publish failed for reasons unrelated to the subreddit.
func (e *Engine) releaseCooldown(ctx context.Context, sub *entity.Subreddit, claim *entity.ClaimSubredditCooldownOutput) {
	if _, err := e.db.ReleaseSubredditCooldown(context.WithoutCancel(ctx), &entity.ReleaseSubredditCooldownInput{
		ID:        sub.ID,
		ClaimedAt: claim.ClaimedAt,
		Previous:  claim.Previous,
	}); err != nil {
		e.log.Error("release subreddit cooldown", slog.String("subreddit", sub.Name), slog.Any("error", err))
	}
}

func (e *Engine) recordPost(ctx context.Context, m *entity.Model, r *PostResult, c *Content) {
	id, err := e.ids.NextID()
	if err != nil {
		e.log.Error("failed to generate ID", slog.Any("error", err))
		return
	}
	if _, err = e.db.CreatePost(ctx, &entity.CreatePostInput{Post: &entity.Post{
		ID:          id,
		ModelID:     m.ID,
		Platform:    entity.PlatformReddit,
		ExternalID:  r.Result.ID,
		ExternalURL: r.Result.URL,
		Subreddit:   r.Subreddit,
		Content:     r.Title,
		MediaURL:    c.MediaURL,
		CreatedAt:   e.now(),
	}}); err != nil {
		e.log.Error("record post", slog.Int64("model_id", m.ID), slog.Any("error", err))
	}
	e.appendLog(ctx, m.ID, ActionPostNow, map[string]any{
		"subreddit": r.Subreddit,
		"url":       r.Result.URL,
		"attempts":  r.Attempts,
	})
}

// PlanStrategy stores one ready scheduled post per strategy pick and tells the model when each goes out. The rows
// are written in one batch so a failed attempt leaves nothing behind to duplicate on retry.
func (e *Engine) PlanStrategy(ctx context.Context, m *entity.Model, c *Content) ([]*entity.ScheduledPost, error) {
	picks, err := e.GetPostingStrategy(ctx, m, c, MaxPicks)
	if err != nil && !errors.Is(err, ErrNoCandidates) {
		return nil, err
	}
	if len(picks) == 0 {
		e.notifier.Notify(m.TelegramChatID, m.Lang(), telegram.MsgNoCandidates)
		return nil, ErrNoCandidates
	}

	planned := make([]*entity.ScheduledPost, 0, len(picks))
	for _, pick := range picks {
		title, err := e.writer.ImproveCaption(ctx, m, c.Caption, pick.Subreddit)
		if err != nil {
			e.log.Warn("improve caption, scheduling original", slog.Int64("model_id", m.ID), slog.Any("error", err))
			title = c.Caption
		}

		id, err := e.ids.NextID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate ID: %w", err)
		}
		at := pick.ScheduledFor
		planned = append(planned, &entity.ScheduledPost{
			ID:              id,
			ModelID:         m.ID,
			Platform:        entity.PlatformReddit,
			Status:          entity.StatusReady,
			ScheduledFor:    &at,
			TargetSubreddit: pick.Subreddit,
			Title:           title,
			MediaURL:        c.MediaURL,
			NSFW:            c.NSFW,
			CreatedAt:       e.now(),
		})
	}

	if _, err = e.db.CreateScheduledPosts(ctx, &entity.CreateScheduledPostsInput{Posts: planned}); err != nil {
		return nil, fmt.Errorf("create scheduled posts: %w", err)
	}

	for i, p := range planned {
		e.appendLog(ctx, m.ID, ActionPlanned, map[string]any{
			"scheduled_post_id": p.ID,
			"subreddit":         p.TargetSubreddit,
			"scheduled_for":     *p.ScheduledFor,
			"reason":            picks[i].Reason,
		})
		e.notifier.Notify(m.TelegramChatID, m.Lang(), telegram.MsgScheduled, p.TargetSubreddit, p.ScheduledFor.Format("Mon 15:04"))
	}
	return planned, nil
}

func (e *Engine) appendLog(ctx context.Context, modelID int64, action string, details map[string]any) {
	id, err := e.ids.NextID()
	if err != nil {
		e.log.Error("failed to generate ID", slog.Any("error", err))
		return
	}
	if _, err = e.db.AppendAgentLog(ctx, &entity.AppendAgentLogInput{Log: &entity.AgentLog{
		ID:        id,
		ModelID:   modelID,
		Action:    action,
		Details:   details,
		CreatedAt: e.now(),
	}}); err != nil {
		e.log.Error("append agent log", slog.String("action", action), slog.Any("error", err))
	}
}
