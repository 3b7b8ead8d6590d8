// Package memory is a process-local Persistence used for development and tests.
// It mirrors the conditional-update semantics of the Postgres handle under a single mutex.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
)

type Store struct {
	mu             sync.Mutex
	models         map[int64]*entity.Model
	subreddits     map[int64]*entity.Subreddit
	scheduledPosts map[int64]*entity.ScheduledPost
	posts          map[int64]*entity.Post
	performance    map[int64]*entity.SubPerformance
	logs           []*entity.AgentLog
	collabs        map[int64]*entity.TwitterCollab
}

func New() *Store {
	return &Store{
		models:         make(map[int64]*entity.Model),
		subreddits:     make(map[int64]*entity.Subreddit),
		scheduledPosts: make(map[int64]*entity.ScheduledPost),
		posts:          make(map[int64]*entity.Post),
		performance:    make(map[int64]*entity.SubPerformance),
		collabs:        make(map[int64]*entity.TwitterCollab),
	}
}

func (s *Store) Close(context.Context) error {
	return nil
}

// PutModel inserts or replaces a model.
func (s *Store) PutModel(m *entity.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *m
	s.models[m.ID] = &c
}

// PutSubreddit inserts or replaces a subreddit.
func (s *Store) PutSubreddit(sr *entity.Subreddit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *sr
	s.subreddits[sr.ID] = &c
}

func (s *Store) ListModels(_ context.Context, in *entity.ListModelsInput) (*entity.ListModelsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entity.Model
	for _, id := range sortedKeys(s.models) {
		m := s.models[id]
		if in.Platform != "" && !m.Enabled(in.Platform) {
			continue
		}
		c := *m
		out = append(out, &c)
	}
	return &entity.ListModelsOutput{Models: out}, nil
}

func (s *Store) GetModel(_ context.Context, in *entity.GetModelInput) (*entity.GetModelOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ID != 0 {
		if m, ok := s.models[in.ID]; ok {
			c := *m
			return &entity.GetModelOutput{Model: &c}, nil
		}
	} else if in.TelegramChatID != 0 {
		for _, id := range sortedKeys(s.models) {
			if m := s.models[id]; m.TelegramChatID == in.TelegramChatID {
				c := *m
				return &entity.GetModelOutput{Model: &c}, nil
			}
		}
	}
	return nil, fmt.Errorf("model %d: %w", in.ID, entity.ErrNotFound)
}

func (s *Store) UpdateModelTwitterToken(_ context.Context, in *entity.UpdateModelTwitterTokenInput) (*entity.UpdateModelTwitterTokenOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.models[in.ID]
	if !ok {
		return nil, fmt.Errorf("model %d: %w", in.ID, entity.ErrNotFound)
	}
	expiry := in.Expiry
	m.TwitterAccessToken = in.AccessToken
	m.TwitterRefreshToken = in.RefreshToken
	m.TwitterTokenExpiry = &expiry
	return &entity.UpdateModelTwitterTokenOutput{}, nil
}

func (s *Store) ListSubreddits(_ context.Context, in *entity.ListSubredditsInput) (*entity.ListSubredditsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entity.Subreddit
	for _, sr := range s.subreddits {
		if sr.ModelID != in.ModelID || (in.EligibleOnly && !sr.Eligible()) {
			continue
		}
		c := *sr
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *entity.Subreddit) int {
		if c := cmp.Compare(b.EngagementScore, a.EngagementScore); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return &entity.ListSubredditsOutput{Subreddits: out}, nil
}

func (s *Store) ClaimSubredditCooldown(_ context.Context, in *entity.ClaimSubredditCooldownInput) (*entity.ClaimSubredditCooldownOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr, ok := s.subreddits[in.ID]
	if !ok || !sr.Eligible() || sr.InCooldown(in.Now) {
		return &entity.ClaimSubredditCooldownOutput{Claimed: false}, nil
	}
	var previous *time.Time
	if sr.LastPostedAt != nil {
		p := *sr.LastPostedAt
		previous = &p
	}
	now := in.Now
	sr.LastPostedAt = &now
	return &entity.ClaimSubredditCooldownOutput{Claimed: true, ClaimedAt: now, Previous: previous}, nil
}

func (s *Store) ReleaseSubredditCooldown(_ context.Context, in *entity.ReleaseSubredditCooldownInput) (*entity.ReleaseSubredditCooldownOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr, ok := s.subreddits[in.ID]
	if !ok || sr.LastPostedAt == nil || !sr.LastPostedAt.Equal(in.ClaimedAt) {
		return &entity.ReleaseSubredditCooldownOutput{Released: false}, nil
	}
	sr.LastPostedAt = nil
	if in.Previous != nil {
		p := *in.Previous
		sr.LastPostedAt = &p
	}
	return &entity.ReleaseSubredditCooldownOutput{Released: true}, nil
}

func (s *Store) MarkSubredditPosted(_ context.Context, in *entity.MarkSubredditPostedInput) (*entity.MarkSubredditPostedOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sr := s.subredditByName(in.ModelID, in.Name); sr != nil {
		if sr.LastPostedAt == nil || in.PostedAt.After(*sr.LastPostedAt) {
			at := in.PostedAt
			sr.LastPostedAt = &at
		}
	}
	return &entity.MarkSubredditPostedOutput{}, nil
}

func (s *Store) MarkSubredditBanned(_ context.Context, in *entity.MarkSubredditBannedInput) (*entity.MarkSubredditBannedOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sr := s.subredditByName(in.ModelID, in.Name); sr != nil {
		sr.IsBanned = true
	}
	return &entity.MarkSubredditBannedOutput{}, nil
}

func (s *Store) UpdateSubredditMetrics(_ context.Context, in *entity.UpdateSubredditMetricsInput) (*entity.UpdateSubredditMetricsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sr, ok := s.subreddits[in.ID]; ok {
		sr.Members = in.Members
		sr.EngagementScore = in.EngagementScore
	}
	return &entity.UpdateSubredditMetricsOutput{}, nil
}

func (s *Store) SubredditStats(_ context.Context, in *entity.SubredditStatsInput) (*entity.SubredditStatsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type acc struct {
		sum, posts, removals int64
	}
	byName := make(map[string]*acc)
	for _, p := range s.performance {
		if p.ModelID != in.ModelID || p.MeasuredAt.Before(in.Since) {
			continue
		}
		a, ok := byName[p.Subreddit]
		if !ok {
			a = &acc{}
			byName[p.Subreddit] = a
		}
		a.sum += int64(p.Upvotes)
		a.posts++
		if p.Removed {
			a.removals++
		}
	}

	out := make([]*entity.SubredditStats, 0, len(byName))
	for _, name := range slices.Sorted(maps.Keys(byName)) {
		a := byName[name]
		out = append(out, &entity.SubredditStats{
			Subreddit:  name,
			AvgUpvotes: float64(a.sum) / float64(a.posts),
			Removals:   a.removals,
			Posts:      a.posts,
		})
	}
	return &entity.SubredditStatsOutput{Stats: out}, nil
}

func (s *Store) CreateScheduledPost(_ context.Context, in *entity.CreateScheduledPostInput) (*entity.CreateScheduledPostOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scheduledPosts[in.Post.ID]; ok {
		return nil, fmt.Errorf("scheduled post %d already exists", in.Post.ID)
	}
	c := *in.Post
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	s.scheduledPosts[c.ID] = &c
	return &entity.CreateScheduledPostOutput{}, nil
}

func (s *Store) CreateScheduledPosts(_ context.Context, in *entity.CreateScheduledPostsInput) (*entity.CreateScheduledPostsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]bool, len(in.Posts))
	for _, p := range in.Posts {
		if _, ok := s.scheduledPosts[p.ID]; ok || seen[p.ID] {
			return nil, fmt.Errorf("scheduled post %d already exists", p.ID)
		}
		seen[p.ID] = true
	}
	for _, p := range in.Posts {
		c := *p
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
		c.UpdatedAt = c.CreatedAt
		s.scheduledPosts[c.ID] = &c
	}
	return &entity.CreateScheduledPostsOutput{}, nil
}

func (s *Store) GetScheduledPost(_ context.Context, in *entity.GetScheduledPostInput) (*entity.GetScheduledPostOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.scheduledPosts[in.ID]
	if !ok {
		return nil, fmt.Errorf("scheduled post %d: %w", in.ID, entity.ErrNotFound)
	}
	c := *p
	return &entity.GetScheduledPostOutput{Post: &c}, nil
}

func (s *Store) ListDueScheduledPosts(_ context.Context, in *entity.ListDueScheduledPostsInput) (*entity.ListDueScheduledPostsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.filterScheduled(func(p *entity.ScheduledPost) bool {
		return p.Status == entity.StatusReady && p.ScheduledFor != nil && !p.ScheduledFor.After(in.Now)
	})
	if in.Limit > 0 && len(out) > in.Limit {
		out = out[:in.Limit]
	}
	return &entity.ListDueScheduledPostsOutput{Posts: out}, nil
}

func (s *Store) ListScheduledPosts(_ context.Context, in *entity.ListScheduledPostsInput) (*entity.ListScheduledPostsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.filterScheduled(func(p *entity.ScheduledPost) bool {
		return p.ModelID == in.ModelID && (len(in.Statuses) == 0 || slices.Contains(in.Statuses, p.Status))
	})
	if in.Limit > 0 && len(out) > in.Limit {
		out = out[:in.Limit]
	}
	return &entity.ListScheduledPostsOutput{Posts: out}, nil
}

func (s *Store) ListQueuedScheduledPosts(_ context.Context, in *entity.ListQueuedScheduledPostsInput) (*entity.ListQueuedScheduledPostsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.filterScheduled(func(p *entity.ScheduledPost) bool {
		return p.ModelID == in.ModelID && p.Status == entity.StatusQueued
	})
	slices.SortStableFunc(out, func(a, b *entity.ScheduledPost) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return &entity.ListQueuedScheduledPostsOutput{Posts: out}, nil
}

func (s *Store) CountPendingForSubredditOnDay(_ context.Context, in *entity.CountPendingForSubredditOnDayInput) (*entity.CountPendingForSubredditOnDayOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := in.DayStart.Add(24 * time.Hour)
	var count int64
	for _, p := range s.scheduledPosts {
		if p.ModelID != in.ModelID || !strings.EqualFold(p.TargetSubreddit, in.Subreddit) {
			continue
		}
		if p.Status != entity.StatusReady && p.Status != entity.StatusProcessing {
			continue
		}
		if p.ScheduledFor == nil || p.ScheduledFor.Before(in.DayStart) || !p.ScheduledFor.Before(end) {
			continue
		}
		count++
	}
	return &entity.CountPendingForSubredditOnDayOutput{Count: count}, nil
}

func (s *Store) TransitionScheduledPost(_ context.Context, in *entity.TransitionScheduledPostInput) (*entity.TransitionScheduledPostOutput, error) {
	if !in.From.CanTransition(in.To) {
		return nil, fmt.Errorf("%w: %s -> %s", entity.ErrInvalidTransition, in.From, in.To)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.scheduledPosts[in.ID]
	if !ok || p.Status != in.From {
		return &entity.TransitionScheduledPostOutput{Applied: false}, nil
	}
	p.Status = in.To
	if in.To == entity.StatusFailed {
		p.Error = in.Error
	}
	if in.ExternalURL != "" {
		p.ExternalURL = in.ExternalURL
	}
	if in.To == entity.StatusProcessing {
		p.Attempts++
	}
	p.UpdatedAt = nowOr(in.Now)
	return &entity.TransitionScheduledPostOutput{Applied: true}, nil
}

func (s *Store) AssignSlot(_ context.Context, in *entity.AssignSlotInput) (*entity.AssignSlotOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.scheduledPosts[in.ID]
	if !ok || p.Status != entity.StatusQueued {
		return &entity.AssignSlotOutput{Applied: false}, nil
	}
	at := in.ScheduledFor
	p.Status = entity.StatusReady
	p.TargetSubreddit = in.Subreddit
	p.ScheduledFor = &at
	p.UpdatedAt = nowOr(in.Now)
	return &entity.AssignSlotOutput{Applied: true}, nil
}

func (s *Store) SweepStaleProcessing(_ context.Context, in *entity.SweepStaleProcessingInput) (*entity.SweepStaleProcessingOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var swept []*entity.ScheduledPost
	for _, id := range sortedKeys(s.scheduledPosts) {
		p := s.scheduledPosts[id]
		if p.Status != entity.StatusProcessing || !p.UpdatedAt.Before(in.OlderThan) {
			continue
		}
		if post := s.postForScheduled(p.ID); post != nil {
			p.Status = entity.StatusPublished
			p.Error = ""
			p.ExternalURL = post.ExternalURL
		} else {
			p.Status = entity.StatusFailed
			p.Error = in.Error
		}
		p.UpdatedAt = nowOr(in.Now)
		c := *p
		swept = append(swept, &c)
	}
	return &entity.SweepStaleProcessingOutput{Swept: swept}, nil
}

func (s *Store) postForScheduled(scheduledID int64) *entity.Post {
	var latest *entity.Post
	for _, p := range s.posts {
		if p.ScheduledPostID == scheduledID && (latest == nil || p.CreatedAt.After(latest.CreatedAt)) {
			latest = p
		}
	}
	return latest
}

func (s *Store) CreatePost(_ context.Context, in *entity.CreatePostInput) (*entity.CreatePostOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *in.Post
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.posts[c.ID] = &c
	return &entity.CreatePostOutput{}, nil
}

func (s *Store) ListRecentPosts(_ context.Context, in *entity.ListRecentPostsInput) (*entity.ListRecentPostsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entity.Post
	for _, p := range s.posts {
		if p.ModelID != in.ModelID || (in.Platform != "" && p.Platform != in.Platform) || p.CreatedAt.Before(in.Since) {
			continue
		}
		c := *p
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *entity.Post) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if in.Limit > 0 && len(out) > in.Limit {
		out = out[:in.Limit]
	}
	return &entity.ListRecentPostsOutput{Posts: out}, nil
}

func (s *Store) RecordSubPerformance(_ context.Context, in *entity.RecordSubPerformanceInput) (*entity.RecordSubPerformanceOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *in.Performance
	if c.MeasuredAt.IsZero() {
		c.MeasuredAt = time.Now().UTC()
	}
	if existing, ok := s.performance[c.PostID]; ok {
		c.ID = existing.ID
	}
	s.performance[c.PostID] = &c
	return &entity.RecordSubPerformanceOutput{}, nil
}

func (s *Store) AppendAgentLog(_ context.Context, in *entity.AppendAgentLogInput) (*entity.AppendAgentLogOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendLog(in.Log)
	return &entity.AppendAgentLogOutput{}, nil
}

func (s *Store) CountAgentLogs(_ context.Context, in *entity.CountAgentLogsInput) (*entity.CountAgentLogsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &entity.CountAgentLogsOutput{Count: s.countLogs(in.ModelID, in.ActionPrefix, in.Since)}, nil
}

func (s *Store) ListRecentAgentLogs(_ context.Context, in *entity.ListRecentAgentLogsInput) (*entity.ListRecentAgentLogsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := in.Limit
	if limit <= 0 {
		limit = 20
	}

	var out []*entity.AgentLog
	for i := len(s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		l := s.logs[i]
		if l.ModelID != in.ModelID || !strings.HasPrefix(l.Action, in.ActionPrefix) {
			continue
		}
		c := *l
		out = append(out, &c)
	}
	return &entity.ListRecentAgentLogsOutput{Logs: out}, nil
}

func (s *Store) ReserveWrites(_ context.Context, in *entity.ReserveWritesInput) (*entity.ReserveWritesOutput, error) {
	for _, l := range in.Logs {
		if !strings.HasPrefix(l.Action, in.ActionPrefix) {
			return nil, fmt.Errorf("reserved log action %q does not carry prefix %q", l.Action, in.ActionPrefix)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	used := s.countLogs(0, in.ActionPrefix, in.Since)
	if used+int64(len(in.Logs)) > in.Ceiling {
		return &entity.ReserveWritesOutput{Reserved: false, Used: used}, nil
	}
	for _, l := range in.Logs {
		s.appendLog(l)
	}
	return &entity.ReserveWritesOutput{Reserved: true, Used: used + int64(len(in.Logs))}, nil
}

func (s *Store) CreateCollab(_ context.Context, in *entity.CreateCollabInput) (*entity.CreateCollabOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *in.Collab
	c.Handle = strings.ToLower(c.Handle)
	for _, existing := range s.collabs {
		if existing.ModelID == c.ModelID && existing.Handle == c.Handle {
			return &entity.CreateCollabOutput{Created: false}, nil
		}
	}
	if c.Status == "" {
		c.Status = entity.CollabSuggested
	}
	c.CreatedAt = nowOr(c.CreatedAt)
	c.UpdatedAt = c.CreatedAt
	s.collabs[c.ID] = &c
	return &entity.CreateCollabOutput{Created: true}, nil
}

func (s *Store) ListCollabs(_ context.Context, in *entity.ListCollabsInput) (*entity.ListCollabsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entity.TwitterCollab
	for _, id := range sortedKeys(s.collabs) {
		c := s.collabs[id]
		if c.ModelID != in.ModelID || (in.Status != "" && c.Status != in.Status) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return &entity.ListCollabsOutput{Collabs: out}, nil
}

func (s *Store) TransitionCollab(_ context.Context, in *entity.TransitionCollabInput) (*entity.TransitionCollabOutput, error) {
	if !in.From.CanTransition(in.To) {
		return nil, fmt.Errorf("%w: %s -> %s", entity.ErrInvalidTransition, in.From, in.To)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collabs[in.ID]
	if !ok || c.Status != in.From {
		return &entity.TransitionCollabOutput{Applied: false}, nil
	}
	c.Status = in.To
	if in.Note != "" {
		c.Note = in.Note
	}
	if in.TargetUserID != "" {
		c.TargetUserID = in.TargetUserID
	}
	c.UpdatedAt = nowOr(in.Now)
	return &entity.TransitionCollabOutput{Applied: true}, nil
}

func (s *Store) RecordCollabDMFailure(_ context.Context, in *entity.RecordCollabDMFailureInput) (*entity.RecordCollabDMFailureOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collabs[in.ID]
	if !ok || c.Status != entity.CollabSuggested {
		return &entity.RecordCollabDMFailureOutput{}, nil
	}
	c.DMFailures++
	c.UpdatedAt = nowOr(in.Now)
	return &entity.RecordCollabDMFailureOutput{Failures: c.DMFailures}, nil
}

func (s *Store) subredditByName(modelID int64, name string) *entity.Subreddit {
	for _, sr := range s.subreddits {
		if sr.ModelID == modelID && strings.EqualFold(sr.Name, name) {
			return sr
		}
	}
	return nil
}

func (s *Store) filterScheduled(keep func(*entity.ScheduledPost) bool) []*entity.ScheduledPost {
	var out []*entity.ScheduledPost
	for _, p := range s.scheduledPosts {
		if keep(p) {
			c := *p
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *entity.ScheduledPost) int {
		switch {
		case a.ScheduledFor == nil && b.ScheduledFor == nil:
			return cmp.Compare(a.ID, b.ID)
		case a.ScheduledFor == nil:
			return 1
		case b.ScheduledFor == nil:
			return -1
		}
		if c := a.ScheduledFor.Compare(*b.ScheduledFor); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (s *Store) appendLog(l *entity.AgentLog) {
	c := *l
	c.CreatedAt = nowOr(c.CreatedAt)
	s.logs = append(s.logs, &c)
}

func (s *Store) countLogs(modelID int64, prefix string, since time.Time) int64 {
	var n int64
	for _, l := range s.logs {
		if !strings.HasPrefix(l.Action, prefix) || l.CreatedAt.Before(since) {
			continue
		}
		if modelID != 0 && l.ModelID != modelID {
			continue
		}
		n++
	}
	return n
}

func sortedKeys[V any](m map[int64]V) []int64 {
	return slices.Sorted(maps.Keys(m))
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
