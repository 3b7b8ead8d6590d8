package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionScheduledPostIsConditional(t *testing.T) {
	ctx := context.Background()
	s := New()
	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.CreateScheduledPost(ctx, &entity.CreateScheduledPostInput{Post: &entity.ScheduledPost{
		ID: 1, ModelID: 7, Platform: entity.PlatformReddit, Status: entity.StatusReady, ScheduledFor: &due, Title: "t",
	}})
	require.NoError(t, err)

	out, err := s.TransitionScheduledPost(ctx, &entity.TransitionScheduledPostInput{ID: 1, From: entity.StatusReady, To: entity.StatusProcessing})
	require.NoError(t, err)
	assert.True(t, out.Applied)

	out, err = s.TransitionScheduledPost(ctx, &entity.TransitionScheduledPostInput{ID: 1, From: entity.StatusReady, To: entity.StatusProcessing})
	require.NoError(t, err)
	assert.False(t, out.Applied, "second claim must lose")

	_, err = s.TransitionScheduledPost(ctx, &entity.TransitionScheduledPostInput{ID: 1, From: entity.StatusPublished, To: entity.StatusReady})
	require.ErrorIs(t, err, entity.ErrInvalidTransition)

	out, err = s.TransitionScheduledPost(ctx, &entity.TransitionScheduledPostInput{
		ID: 1, From: entity.StatusProcessing, To: entity.StatusFailed, Error: "boom",
	})
	require.NoError(t, err)
	assert.True(t, out.Applied)

	got, err := s.GetScheduledPost(ctx, &entity.GetScheduledPostInput{ID: 1})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, got.Post.Status)
	assert.Equal(t, "boom", got.Post.Error)
	assert.Equal(t, 1, got.Post.Attempts)
}

func TestListDueScheduledPostsOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, offset := range []time.Duration{-time.Minute, -3 * time.Hour, time.Hour, -2 * time.Hour, -30 * time.Minute} {
		at := now.Add(offset)
		_, err := s.CreateScheduledPost(ctx, &entity.CreateScheduledPostInput{Post: &entity.ScheduledPost{
			ID: int64(i + 1), ModelID: 1, Status: entity.StatusReady, ScheduledFor: &at, Title: fmt.Sprint(i),
		}})
		require.NoError(t, err)
	}

	out, err := s.ListDueScheduledPosts(ctx, &entity.ListDueScheduledPostsInput{Now: now, Limit: 3})
	require.NoError(t, err)
	require.Len(t, out.Posts, 3)
	assert.Equal(t, []int64{2, 4, 5}, []int64{out.Posts[0].ID, out.Posts[1].ID, out.Posts[2].ID})
}

func TestClaimSubredditCooldown(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)

	s.PutSubreddit(&entity.Subreddit{ID: 1, ModelID: 1, Name: "a", CooldownHours: 24, LastPostedAt: &recent, IsApproved: true})
	s.PutSubreddit(&entity.Subreddit{ID: 2, ModelID: 1, Name: "b", CooldownHours: 24, IsApproved: true})
	s.PutSubreddit(&entity.Subreddit{ID: 3, ModelID: 1, Name: "c", CooldownHours: 24, IsApproved: true, IsBanned: true})

	claim := func(id int64) bool {
		out, err := s.ClaimSubredditCooldown(ctx, &entity.ClaimSubredditCooldownInput{ID: id, Now: now})
		require.NoError(t, err)
		return out.Claimed
	}

	assert.False(t, claim(1), "in cooldown")
	assert.True(t, claim(2))
	assert.False(t, claim(2), "claim starts a new cooldown")
	assert.False(t, claim(3), "banned")
}

func TestReleaseSubredditCooldown(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour)
	s.PutSubreddit(&entity.Subreddit{ID: 1, ModelID: 1, Name: "a", CooldownHours: 24, LastPostedAt: &old, IsApproved: true})

	claim, err := s.ClaimSubredditCooldown(ctx, &entity.ClaimSubredditCooldownInput{ID: 1, Now: now})
	require.NoError(t, err)
	require.True(t, claim.Claimed)
	require.NotNil(t, claim.Previous)
	assert.Equal(t, old, *claim.Previous)

	stale, err := s.ReleaseSubredditCooldown(ctx, &entity.ReleaseSubredditCooldownInput{ID: 1, ClaimedAt: now.Add(-time.Minute), Previous: claim.Previous})
	require.NoError(t, err)
	assert.False(t, stale.Released, "a claim that no longer holds is left alone")

	out, err := s.ReleaseSubredditCooldown(ctx, &entity.ReleaseSubredditCooldownInput{ID: 1, ClaimedAt: claim.ClaimedAt, Previous: claim.Previous})
	require.NoError(t, err)
	assert.True(t, out.Released)

	again, err := s.ClaimSubredditCooldown(ctx, &entity.ClaimSubredditCooldownInput{ID: 1, Now: now})
	require.NoError(t, err)
	assert.True(t, again.Claimed, "released subreddit is postable")
}

func TestReserveWritesNeverExceedsCeiling(t *testing.T) {
	ctx := context.Background()
	s := New()
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int
	)
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := s.ReserveWrites(ctx, &entity.ReserveWritesInput{
				ActionPrefix: "twitter_write",
				Since:        since,
				Ceiling:      20,
				Logs: []*entity.AgentLog{{
					ID: int64(i + 1), ModelID: 1, Action: "twitter_write:presence", CreatedAt: since.Add(time.Hour),
				}},
			})
			if !assert.NoError(t, err) {
				return
			}
			if out.Reserved {
				mu.Lock()
				reserved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, reserved)

	count, err := s.CountAgentLogs(ctx, &entity.CountAgentLogsInput{ActionPrefix: "twitter_write", Since: since})
	require.NoError(t, err)
	assert.EqualValues(t, 20, count.Count)
}

func TestReserveWritesRejectsForeignAction(t *testing.T) {
	_, err := New().ReserveWrites(context.Background(), &entity.ReserveWritesInput{
		ActionPrefix: "twitter_write",
		Ceiling:      10,
		Logs:         []*entity.AgentLog{{ID: 1, Action: "reddit_post"}},
	})
	require.Error(t, err)
}

func TestCreateScheduledPostsIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.CreateScheduledPost(ctx, &entity.CreateScheduledPostInput{Post: &entity.ScheduledPost{
		ID: 2, ModelID: 1, Status: entity.StatusReady, ScheduledFor: &start, Title: "existing", CreatedAt: start,
	}})
	require.NoError(t, err)

	_, err = s.CreateScheduledPosts(ctx, &entity.CreateScheduledPostsInput{Posts: []*entity.ScheduledPost{
		{ID: 1, ModelID: 1, Status: entity.StatusReady, ScheduledFor: &start, Title: "a", CreatedAt: start},
		{ID: 2, ModelID: 1, Status: entity.StatusReady, ScheduledFor: &start, Title: "b", CreatedAt: start},
	}})
	require.Error(t, err)

	_, err = s.GetScheduledPost(ctx, &entity.GetScheduledPostInput{ID: 1})
	require.ErrorIs(t, err, entity.ErrNotFound, "a failed batch writes nothing")

	_, err = s.CreateScheduledPosts(ctx, &entity.CreateScheduledPostsInput{Posts: []*entity.ScheduledPost{
		{ID: 1, ModelID: 1, Status: entity.StatusReady, ScheduledFor: &start, Title: "a", CreatedAt: start},
		{ID: 3, ModelID: 1, Status: entity.StatusReady, ScheduledFor: &start, Title: "c", CreatedAt: start},
	}})
	require.NoError(t, err)

	out, err := s.ListScheduledPosts(ctx, &entity.ListScheduledPostsInput{ModelID: 1})
	require.NoError(t, err)
	assert.Len(t, out.Posts, 3)
}

func TestSweepStaleProcessing(t *testing.T) {
	ctx := context.Background()
	s := New()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for id := int64(1); id <= 2; id++ {
		_, err := s.CreateScheduledPost(ctx, &entity.CreateScheduledPostInput{Post: &entity.ScheduledPost{
			ID: id, ModelID: 1, Status: entity.StatusReady, ScheduledFor: &start, Title: "t", CreatedAt: start,
		}})
		require.NoError(t, err)
	}

	_, err := s.TransitionScheduledPost(ctx, &entity.TransitionScheduledPostInput{ID: 1, From: entity.StatusReady, To: entity.StatusProcessing, Now: start})
	require.NoError(t, err)
	_, err = s.TransitionScheduledPost(ctx, &entity.TransitionScheduledPostInput{ID: 2, From: entity.StatusReady, To: entity.StatusProcessing, Now: start.Add(50 * time.Minute)})
	require.NoError(t, err)

	out, err := s.SweepStaleProcessing(ctx, &entity.SweepStaleProcessingInput{
		OlderThan: start.Add(30 * time.Minute),
		Error:     "processing lease expired",
	})
	require.NoError(t, err)
	require.Len(t, out.Swept, 1)
	assert.EqualValues(t, 1, out.Swept[0].ID)
	assert.Equal(t, entity.StatusFailed, out.Swept[0].Status)
}

func TestSweepStaleProcessingKeepsRecordedPublish(t *testing.T) {
	ctx := context.Background()
	s := New()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.CreateScheduledPost(ctx, &entity.CreateScheduledPostInput{Post: &entity.ScheduledPost{
		ID: 1, ModelID: 1, Status: entity.StatusReady, ScheduledFor: &start, Title: "t", CreatedAt: start,
	}})
	require.NoError(t, err)
	_, err = s.TransitionScheduledPost(ctx, &entity.TransitionScheduledPostInput{ID: 1, From: entity.StatusReady, To: entity.StatusProcessing, Now: start})
	require.NoError(t, err)
	_, err = s.CreatePost(ctx, &entity.CreatePostInput{Post: &entity.Post{
		ID: 5, ModelID: 1, ScheduledPostID: 1, Platform: entity.PlatformReddit, ExternalURL: "https://reddit.com/r/pics/1", CreatedAt: start,
	}})
	require.NoError(t, err)

	out, err := s.SweepStaleProcessing(ctx, &entity.SweepStaleProcessingInput{
		OlderThan: start.Add(30 * time.Minute),
		Error:     "processing lease expired",
	})
	require.NoError(t, err)
	require.Len(t, out.Swept, 1)
	assert.Equal(t, entity.StatusPublished, out.Swept[0].Status)
	assert.Equal(t, "https://reddit.com/r/pics/1", out.Swept[0].ExternalURL)
	assert.Empty(t, out.Swept[0].Error)
}

func TestCollabStateMachine(t *testing.T) {
	ctx := context.Background()
	s := New()

	created, err := s.CreateCollab(ctx, &entity.CreateCollabInput{Collab: &entity.TwitterCollab{ID: 1, ModelID: 1, Handle: "Someone"}})
	require.NoError(t, err)
	assert.True(t, created.Created)

	created, err = s.CreateCollab(ctx, &entity.CreateCollabInput{Collab: &entity.TwitterCollab{ID: 2, ModelID: 1, Handle: "someone"}})
	require.NoError(t, err)
	assert.False(t, created.Created, "handles are unique per model")

	_, err = s.TransitionCollab(ctx, &entity.TransitionCollabInput{ID: 1, From: entity.CollabSuggested, To: entity.CollabAgreed})
	require.ErrorIs(t, err, entity.ErrInvalidTransition)

	for _, step := range [][2]entity.CollabStatus{
		{entity.CollabSuggested, entity.CollabDMSent},
		{entity.CollabDMSent, entity.CollabResponded},
		{entity.CollabResponded, entity.CollabAgreed},
	} {
		out, err := s.TransitionCollab(ctx, &entity.TransitionCollabInput{ID: 1, From: step[0], To: step[1]})
		require.NoError(t, err)
		assert.True(t, out.Applied, "%s -> %s", step[0], step[1])
	}

	list, err := s.ListCollabs(ctx, &entity.ListCollabsInput{ModelID: 1, Status: entity.CollabAgreed})
	require.NoError(t, err)
	require.Len(t, list.Collabs, 1)
	assert.Equal(t, "someone", list.Collabs[0].Handle)
}

func TestSubredditStats(t *testing.T) {
	ctx := context.Background()
	s := New()
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	records := []entity.SubPerformance{
		{PostID: 1, ModelID: 1, Subreddit: "a", Upvotes: 100, MeasuredAt: since.Add(time.Hour)},
		{PostID: 2, ModelID: 1, Subreddit: "a", Upvotes: 50, Removed: true, MeasuredAt: since.Add(time.Hour)},
		{PostID: 3, ModelID: 1, Subreddit: "b", Upvotes: 10, MeasuredAt: since.Add(-time.Hour)},
	}
	for _, r := range records {
		_, err := s.RecordSubPerformance(ctx, &entity.RecordSubPerformanceInput{Performance: &r})
		require.NoError(t, err)
	}

	out, err := s.SubredditStats(ctx, &entity.SubredditStatsInput{ModelID: 1, Since: since})
	require.NoError(t, err)
	require.Len(t, out.Stats, 1)
	assert.Equal(t, "a", out.Stats[0].Subreddit)
	assert.InDelta(t, 75.0, out.Stats[0].AvgUpvotes, 1e-9)
	assert.EqualValues(t, 1, out.Stats[0].Removals)
	assert.EqualValues(t, 2, out.Stats[0].Posts)
}
