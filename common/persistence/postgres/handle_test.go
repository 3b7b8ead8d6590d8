package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/config"
	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/persistence/migrations"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestHandle connects to ASP_TEST_POSTGRES_DSN, resets the schema and returns a handle.
func newTestHandle(t *testing.T) *Handle {
	t.Helper()

	dsn := os.Getenv("ASP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ASP_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_ = migrations.Run(ctx, db, migrations.CommandDown)
	require.NoError(t, migrations.Run(ctx, db, migrations.CommandUp))

	h, err := NewHandle(ctx, &config.Persistence{Driver: "postgres", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(ctx) })

	pool, err := h.db()
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO models (id, name, enabled_platforms) VALUES (1, 'm', '{reddit,twitter}')`)
	require.NoError(t, err)

	return h
}

func TestScheduledPostLifecycle(t *testing.T) {
	h := newTestHandle(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	past := now.Add(-time.Minute)

	_, err := h.CreateScheduledPost(ctx, &entity.CreateScheduledPostInput{Post: &entity.ScheduledPost{
		ID: 10, ModelID: 1, Platform: entity.PlatformReddit, Status: entity.StatusReady,
		ScheduledFor: &past, TargetSubreddit: "pics", Title: "hello",
	}})
	require.NoError(t, err)

	due, err := h.ListDueScheduledPosts(ctx, &entity.ListDueScheduledPostsInput{Now: now, Limit: 3})
	require.NoError(t, err)
	require.Len(t, due.Posts, 1)

	tr, err := h.TransitionScheduledPost(ctx, &entity.TransitionScheduledPostInput{ID: 10, From: entity.StatusReady, To: entity.StatusProcessing, Now: now})
	require.NoError(t, err)
	assert.True(t, tr.Applied)

	tr, err = h.TransitionScheduledPost(ctx, &entity.TransitionScheduledPostInput{ID: 10, From: entity.StatusReady, To: entity.StatusProcessing, Now: now})
	require.NoError(t, err)
	assert.False(t, tr.Applied)

	tr, err = h.TransitionScheduledPost(ctx, &entity.TransitionScheduledPostInput{
		ID: 10, From: entity.StatusProcessing, To: entity.StatusPublished, ExternalURL: "https://reddit.com/x", Now: now,
	})
	require.NoError(t, err)
	assert.True(t, tr.Applied)

	got, err := h.GetScheduledPost(ctx, &entity.GetScheduledPostInput{ID: 10})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPublished, got.Post.Status)
	assert.Equal(t, "https://reddit.com/x", got.Post.ExternalURL)
	assert.Equal(t, 1, got.Post.Attempts)
}

func TestCreateScheduledPostsRollsBack(t *testing.T) {
	h := newTestHandle(t)
	ctx := context.Background()
	at := time.Now().UTC().Add(time.Hour)

	_, err := h.CreateScheduledPost(ctx, &entity.CreateScheduledPostInput{Post: &entity.ScheduledPost{
		ID: 41, ModelID: 1, Platform: entity.PlatformReddit, Status: entity.StatusReady, ScheduledFor: &at, Title: "existing",
	}})
	require.NoError(t, err)

	_, err = h.CreateScheduledPosts(ctx, &entity.CreateScheduledPostsInput{Posts: []*entity.ScheduledPost{
		{ID: 40, ModelID: 1, Platform: entity.PlatformReddit, Status: entity.StatusReady, ScheduledFor: &at, Title: "a"},
		{ID: 41, ModelID: 1, Platform: entity.PlatformReddit, Status: entity.StatusReady, ScheduledFor: &at, Title: "b"},
	}})
	require.Error(t, err)

	_, err = h.GetScheduledPost(ctx, &entity.GetScheduledPostInput{ID: 40})
	require.ErrorIs(t, err, entity.ErrNotFound)
}

func TestSweepStaleProcessingPostgres(t *testing.T) {
	h := newTestHandle(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	past := now.Add(-2 * time.Hour)

	for _, id := range []int64{20, 21} {
		_, err := h.CreateScheduledPost(ctx, &entity.CreateScheduledPostInput{Post: &entity.ScheduledPost{
			ID: id, ModelID: 1, Platform: entity.PlatformReddit, Status: entity.StatusReady,
			ScheduledFor: &past, TargetSubreddit: "pics", Title: "t",
		}})
		require.NoError(t, err)
		_, err = h.TransitionScheduledPost(ctx, &entity.TransitionScheduledPostInput{ID: id, From: entity.StatusReady, To: entity.StatusProcessing, Now: past})
		require.NoError(t, err)
	}
	_, err := h.CreatePost(ctx, &entity.CreatePostInput{Post: &entity.Post{
		ID: 30, ModelID: 1, ScheduledPostID: 21, Platform: entity.PlatformReddit, ExternalURL: "https://reddit.com/r/pics/21", CreatedAt: past,
	}})
	require.NoError(t, err)

	out, err := h.SweepStaleProcessing(ctx, &entity.SweepStaleProcessingInput{OlderThan: now.Add(-time.Hour), Error: "processing lease expired", Now: now})
	require.NoError(t, err)
	require.Len(t, out.Swept, 2)

	got := make(map[int64]*entity.ScheduledPost, len(out.Swept))
	for _, p := range out.Swept {
		got[p.ID] = p
	}
	assert.Equal(t, entity.StatusFailed, got[20].Status)
	assert.Equal(t, "processing lease expired", got[20].Error)
	assert.Equal(t, entity.StatusPublished, got[21].Status)
	assert.Equal(t, "https://reddit.com/r/pics/21", got[21].ExternalURL)
}

func TestReserveWritesRespectsCeiling(t *testing.T) {
	h := newTestHandle(t)
	ctx := context.Background()
	since := entity.MonthStart(time.Now())

	for i := range 3 {
		out, err := h.ReserveWrites(ctx, &entity.ReserveWritesInput{
			ActionPrefix: "twitter_write",
			Since:        since,
			Ceiling:      2,
			Logs:         []*entity.AgentLog{{ID: int64(100 + i), ModelID: 1, Action: "twitter_write:trend"}},
		})
		require.NoError(t, err)
		assert.Equal(t, i < 2, out.Reserved, "reservation %d", i)
	}
}

func TestClaimSubredditCooldownPostgres(t *testing.T) {
	h := newTestHandle(t)
	ctx := context.Background()

	pool, err := h.db()
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO subreddits (id, model_id, name, cooldown_hours, is_approved) VALUES (5, 1, 'pics', 24, true)`)
	require.NoError(t, err)

	now := time.Now().UTC()
	first, err := h.ClaimSubredditCooldown(ctx, &entity.ClaimSubredditCooldownInput{ID: 5, Now: now})
	require.NoError(t, err)
	assert.True(t, first.Claimed)

	second, err := h.ClaimSubredditCooldown(ctx, &entity.ClaimSubredditCooldownInput{ID: 5, Now: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, second.Claimed)

	assert.Nil(t, first.Previous)
	released, err := h.ReleaseSubredditCooldown(ctx, &entity.ReleaseSubredditCooldownInput{ID: 5, ClaimedAt: first.ClaimedAt, Previous: first.Previous})
	require.NoError(t, err)
	assert.True(t, released.Released)

	third, err := h.ClaimSubredditCooldown(ctx, &entity.ClaimSubredditCooldownInput{ID: 5, Now: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, third.Claimed)
}
