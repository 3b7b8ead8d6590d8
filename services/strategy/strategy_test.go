package strategy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/ids"
	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/persistence/memory"
	"github.com/forbiddencoding/social-autoposter/common/platform"
	"github.com/forbiddencoding/social-autoposter/common/telegram"
	"github.com/forbiddencoding/social-autoposter/services/content"
	"github.com/forbiddencoding/social-autoposter/services/publisher"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	ranked    []content.RankedPick
	rankErr   error
	pick      string
	pickErr   error
	captions  int
	rankCands []content.Candidate
	rankText  string
	image     string
}

func (f *fakeWriter) ImproveCaption(_ context.Context, _ *entity.Model, caption, subreddit string) (string, error) {
	f.captions++
	return caption + " for " + subreddit, nil
}

func (f *fakeWriter) RankSubreddits(_ context.Context, _ *entity.Model, caption string, candidates []content.Candidate, _ int) ([]content.RankedPick, error) {
	f.rankCands = candidates
	f.rankText = caption
	return f.ranked, f.rankErr
}

func (f *fakeWriter) AnalyzeImage(context.Context, *entity.Model, string) (string, error) {
	if f.image == "" {
		return "", errors.New("vision unavailable")
	}
	return f.image, nil
}

func (f *fakeWriter) PickSubreddit(context.Context, *entity.Model, string, []content.Candidate) (string, error) {
	return f.pick, f.pickErr
}

type fakePublisher struct {
	mu      sync.Mutex
	results map[string]platform.Result
	calls   []*publisher.PublishInput
}

func (f *fakePublisher) Publish(_ context.Context, in *publisher.PublishInput) platform.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if res, ok := f.results[in.Subreddit]; ok {
		return res
	}
	return platform.Succeeded("t3_x", "https://reddit.com/r/"+in.Subreddit+"/x")
}

type fakeNotifier struct {
	keys []string
}

func (f *fakeNotifier) Notify(_ int64, _, key string, _ ...any) {
	f.keys = append(f.keys, key)
}

// Monday 2025-03-10 14:00 UTC.
var testNow = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

type fixture struct {
	db       *memory.Store
	writer   *fakeWriter
	pub      *fakePublisher
	notifier *fakeNotifier
	engine   *Engine
	model    *entity.Model
}

func newFixture(t *testing.T, subreddits ...*entity.Subreddit) *fixture {
	t.Helper()
	f := &fixture{
		db:       memory.New(),
		writer:   &fakeWriter{},
		pub:      &fakePublisher{results: map[string]platform.Result{}},
		notifier: &fakeNotifier{},
		model:    &entity.Model{ID: 1, Name: "mia", TelegramChatID: 100},
	}
	f.db.PutModel(f.model)
	for i, s := range subreddits {
		s.ID = int64(i + 1)
		s.ModelID = 1
		s.IsApproved = true
		f.db.PutSubreddit(s)
	}
	f.engine = New(f.db, f.writer, f.pub, f.notifier, &ids.Sequence{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.engine.now = func() time.Time { return testNow }
	f.engine.intn = func(int) int { return 0 }
	return f
}

func TestCalculateScheduleTime(t *testing.T) {
	// 12:00 ET is 17:00 UTC, still ahead of 14:00 UTC.
	first := CalculateScheduleTime(12, 0, testNow)
	second := CalculateScheduleTime(12, 1, testNow)
	third := CalculateScheduleTime(12, 2, testNow)

	assert.Equal(t, time.Date(2025, 3, 10, 17, 0, 0, 0, time.UTC), first)
	assert.Equal(t, 2*time.Hour, second.Sub(first))
	assert.Equal(t, 2*time.Hour, third.Sub(second))

	// 07:00 ET is 12:00 UTC, already past.
	past := CalculateScheduleTime(7, 0, testNow)
	assert.Equal(t, time.Date(2025, 3, 11, 12, 0, 0, 0, time.UTC), past)

	// Exactly now rolls over too.
	assert.Equal(t, testNow.AddDate(0, 0, 1), CalculateScheduleTime(9, 0, testNow))
}

func TestCalculateScheduleTimeAlwaysFuture(t *testing.T) {
	for hour := 0; hour < 24; hour++ {
		for index := 0; index < MaxPicks; index++ {
			at := CalculateScheduleTime(hour, index, testNow)
			assert.True(t, at.After(testNow), "hour %d index %d", hour, index)
			assert.Zero(t, at.Minute())
		}
	}
}

func TestGetPostingStrategyDiscardsUnknownPicks(t *testing.T) {
	f := newFixture(t, &entity.Subreddit{Name: "Pics", EngagementScore: 3}, &entity.Subreddit{Name: "aww", EngagementScore: 1})
	f.writer.ranked = []content.RankedPick{
		{Subreddit: "pics", Hour: 12, Reason: "big audience"},
		{Subreddit: "madeup", Hour: 17, Reason: "hallucinated"},
		{Subreddit: "AWW", Hour: 20, Reason: "cute"},
	}

	got, err := f.engine.GetPostingStrategy(context.Background(), f.model, &Content{Caption: "hi"}, 3)
	require.NoError(t, err)

	want := []Pick{
		{Subreddit: "Pics", HourET: 12, Reason: "big audience", ScheduledFor: time.Date(2025, 3, 10, 17, 0, 0, 0, time.UTC)},
		{Subreddit: "aww", HourET: 20, Reason: "cute", ScheduledFor: time.Date(2025, 3, 11, 3, 0, 0, 0, time.UTC)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetPostingStrategy() mismatch (-want +got):\n%s", diff)
	}
}

func TestGetPostingStrategyAllInvalid(t *testing.T) {
	f := newFixture(t, &entity.Subreddit{Name: "pics"})
	f.writer.ranked = []content.RankedPick{{Subreddit: "a"}, {Subreddit: "b"}, {Subreddit: "c"}}

	got, err := f.engine.GetPostingStrategy(context.Background(), f.model, &Content{Caption: "hi"}, 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetPostingStrategyFallsBackWithoutLLM(t *testing.T) {
	last := testNow.Add(-time.Hour)
	f := newFixture(t,
		&entity.Subreddit{Name: "hot", EngagementScore: 9, CooldownHours: 24, LastPostedAt: &last},
		&entity.Subreddit{Name: "warm", EngagementScore: 5},
		&entity.Subreddit{Name: "cold", EngagementScore: 1},
	)
	f.writer.rankErr = errors.New("llm down")

	got, err := f.engine.GetPostingStrategy(context.Background(), f.model, &Content{Caption: "hi"}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "warm", got[0].Subreddit)
	assert.Equal(t, "cold", got[1].Subreddit)
}

func TestGetPostingStrategyFeatures(t *testing.T) {
	last := testNow.Add(-time.Hour)
	f := newFixture(t, &entity.Subreddit{Name: "pics", Members: 1000, EngagementScore: 2, CooldownHours: 24, LastPostedAt: &last})

	_, err := f.engine.GetPostingStrategy(context.Background(), f.model, &Content{Caption: "hi"}, 1)
	require.NoError(t, err)

	want := []content.Candidate{{Name: "pics", Members: 1000, EngagementScore: 2, InCooldown: true}}
	if diff := cmp.Diff(want, f.writer.rankCands); diff != "" {
		t.Errorf("candidates mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "hi", f.writer.rankText)
}

func TestGetPostingStrategyIncludesImageDescription(t *testing.T) {
	f := newFixture(t, &entity.Subreddit{Name: "pics"})
	f.writer.image = "Sunset on a pier."

	_, err := f.engine.GetPostingStrategy(context.Background(), f.model, &Content{Caption: "hi", MediaURL: "https://cdn.example.com/a.jpg"}, 1)
	require.NoError(t, err)
	assert.Equal(t, "hi\nImage: Sunset on a pier.", f.writer.rankText)
}

func TestGetPostingStrategyNoSubreddits(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.GetPostingStrategy(context.Background(), f.model, &Content{Caption: "hi"}, 3)
	require.ErrorIs(t, err, ErrNoCandidates)
}

func TestPickBestForNow(t *testing.T) {
	f := newFixture(t, &entity.Subreddit{Name: "pics"}, &entity.Subreddit{Name: "aww"})

	f.writer.pick = "AWW"
	got, err := f.engine.PickBestForNow(context.Background(), f.model, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "aww", got.Name)

	f.writer.pick = "aww"
	got, err = f.engine.PickBestForNow(context.Background(), f.model, "hi", map[string]bool{"aww": true})
	require.NoError(t, err)
	assert.Equal(t, "pics", got.Name, "tried pick replaced by random untried")

	_, err = f.engine.PickBestForNow(context.Background(), f.model, "hi", map[string]bool{"aww": true, "pics": true})
	require.ErrorIs(t, err, ErrNoCandidates)
}

func TestPostNowRetriesRetryableFailures(t *testing.T) {
	f := newFixture(t, &entity.Subreddit{Name: "pics", CooldownHours: 24}, &entity.Subreddit{Name: "aww", CooldownHours: 24})
	f.writer.pickErr = errors.New("llm down")
	f.pub.results["aww"] = platform.Failed(platform.KindPrivate, errors.New("subreddit is private"))

	// Random choice always takes the first untried candidate: aww, then pics.
	res, err := f.engine.PostNow(context.Background(), f.model, &Content{Caption: "hi", MediaURL: "https://cdn.example.com/a.jpg"})
	require.NoError(t, err)

	assert.True(t, res.Result.Success)
	assert.Equal(t, "pics", res.Subreddit)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, f.writer.captions, "fresh caption per attempt")
	require.Len(t, f.pub.calls, 2)
	assert.Equal(t, "hi for aww", f.pub.calls[0].Title)
	assert.Equal(t, "hi for pics", f.pub.calls[1].Title)

	posts, err := f.db.ListRecentPosts(context.Background(), &entity.ListRecentPostsInput{ModelID: 1})
	require.NoError(t, err)
	require.Len(t, posts.Posts, 1)
	assert.Equal(t, "pics", posts.Posts[0].Subreddit)
	assert.Equal(t, []string{telegram.MsgPublished}, f.notifier.keys)
}

func TestPostNowStopsAfterMaxRetries(t *testing.T) {
	f := newFixture(t,
		&entity.Subreddit{Name: "a"}, &entity.Subreddit{Name: "b"},
		&entity.Subreddit{Name: "c"}, &entity.Subreddit{Name: "d"},
	)
	f.writer.pickErr = errors.New("llm down")
	for _, name := range []string{"a", "b", "c", "d"} {
		f.pub.results[name] = platform.Failed(platform.KindTimeout, errors.New("timeout"))
	}

	res, err := f.engine.PostNow(context.Background(), f.model, &Content{Caption: "hi"})
	require.NoError(t, err)
	assert.False(t, res.Result.Success)
	assert.Equal(t, MaxRetries+1, res.Attempts)
	assert.Len(t, f.pub.calls, MaxRetries+1)
	assert.Equal(t, []string{telegram.MsgPublishFailed}, f.notifier.keys)
}

func TestPostNowDoesNotRetryAuthFailures(t *testing.T) {
	f := newFixture(t, &entity.Subreddit{Name: "a"}, &entity.Subreddit{Name: "b"})
	f.writer.pickErr = errors.New("llm down")
	f.pub.results["a"] = platform.Failed(platform.KindAuth, errors.New("invalid_grant"))

	res, err := f.engine.PostNow(context.Background(), f.model, &Content{Caption: "hi"})
	require.NoError(t, err)
	assert.False(t, res.Result.Success)
	assert.Len(t, f.pub.calls, 1)
}

func TestPostNowFailureReleasesCooldown(t *testing.T) {
	old := testNow.Add(-48 * time.Hour)
	f := newFixture(t, &entity.Subreddit{Name: "a", CooldownHours: 24, LastPostedAt: &old})
	f.writer.pickErr = errors.New("llm down")
	f.pub.results["a"] = platform.Failed(platform.KindAuth, errors.New("invalid_grant"))

	res, err := f.engine.PostNow(context.Background(), f.model, &Content{Caption: "hi"})
	require.NoError(t, err)
	require.False(t, res.Result.Success)

	subs, err := f.db.ListSubreddits(context.Background(), &entity.ListSubredditsInput{ModelID: 1})
	require.NoError(t, err)
	require.Len(t, subs.Subreddits, 1)
	require.NotNil(t, subs.Subreddits[0].LastPostedAt)
	assert.Equal(t, old, *subs.Subreddits[0].LastPostedAt)
	assert.False(t, subs.Subreddits[0].InCooldown(testNow))

	delete(f.pub.results, "a")
	res, err = f.engine.PostNow(context.Background(), f.model, &Content{Caption: "hi"})
	require.NoError(t, err)
	assert.True(t, res.Result.Success)
}

func TestPostNowTargetFailureKeepsCooldown(t *testing.T) {
	f := newFixture(t, &entity.Subreddit{Name: "a", CooldownHours: 24})
	f.writer.pickErr = errors.New("llm down")
	f.pub.results["a"] = platform.Failed(platform.KindPrivate, errors.New("subreddit is private"))

	_, err := f.engine.PostNow(context.Background(), f.model, &Content{Caption: "hi"})
	require.NoError(t, err)

	subs, err := f.db.ListSubreddits(context.Background(), &entity.ListSubredditsInput{ModelID: 1})
	require.NoError(t, err)
	assert.True(t, subs.Subreddits[0].InCooldown(testNow))
}

func TestPostNowBannedMarksSubreddit(t *testing.T) {
	f := newFixture(t, &entity.Subreddit{Name: "a"}, &entity.Subreddit{Name: "b"})
	f.writer.pickErr = errors.New("llm down")
	f.pub.results["a"] = platform.Failed(platform.KindBanned, errors.New("banned"))

	res, err := f.engine.PostNow(context.Background(), f.model, &Content{Caption: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Subreddit)

	subs, err := f.db.ListSubreddits(context.Background(), &entity.ListSubredditsInput{ModelID: 1, EligibleOnly: true})
	require.NoError(t, err)
	require.Len(t, subs.Subreddits, 1)
	assert.Equal(t, "b", subs.Subreddits[0].Name)
}

func TestPostNowWithoutCandidates(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.PostNow(context.Background(), f.model, &Content{Caption: "hi"})
	require.ErrorIs(t, err, ErrNoCandidates)
	assert.Equal(t, []string{telegram.MsgNoCandidates}, f.notifier.keys)
}

func TestPlanStrategyCreatesReadyPosts(t *testing.T) {
	f := newFixture(t, &entity.Subreddit{Name: "pics"}, &entity.Subreddit{Name: "aww"})
	f.writer.ranked = []content.RankedPick{{Subreddit: "pics", Hour: 12}, {Subreddit: "aww", Hour: 12}}

	planned, err := f.engine.PlanStrategy(context.Background(), f.model, &Content{Caption: "hi", MediaURL: "https://cdn.example.com/a.jpg", NSFW: true})
	require.NoError(t, err)
	require.Len(t, planned, 2)

	out, err := f.db.ListScheduledPosts(context.Background(), &entity.ListScheduledPostsInput{
		ModelID:  1,
		Statuses: []entity.ScheduledPostStatus{entity.StatusReady},
	})
	require.NoError(t, err)
	require.Len(t, out.Posts, 2)

	assert.Equal(t, "pics", out.Posts[0].TargetSubreddit)
	assert.Equal(t, "hi for pics", out.Posts[0].Title)
	assert.True(t, out.Posts[0].NSFW)
	assert.Equal(t, 2*time.Hour, out.Posts[1].ScheduledFor.Sub(*out.Posts[0].ScheduledFor))
	assert.Equal(t, []string{telegram.MsgScheduled, telegram.MsgScheduled}, f.notifier.keys)
}

// flakyBatchStore fails the first n batch inserts the way a dropped connection mid-batch would.
type flakyBatchStore struct {
	*memory.Store
	failures int
}

func (s *flakyBatchStore) CreateScheduledPosts(ctx context.Context, in *entity.CreateScheduledPostsInput) (*entity.CreateScheduledPostsOutput, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("conn closed")
	}
	return s.Store.CreateScheduledPosts(ctx, in)
}

func TestPlanStrategyRetryAfterFailedInsertDoesNotDuplicate(t *testing.T) {
	f := newFixture(t, &entity.Subreddit{Name: "pics"}, &entity.Subreddit{Name: "aww"})
	f.writer.ranked = []content.RankedPick{{Subreddit: "pics", Hour: 12}, {Subreddit: "aww", Hour: 12}}
	f.engine.db = &flakyBatchStore{Store: f.db, failures: 1}
	ctx := context.Background()

	_, err := f.engine.PlanStrategy(ctx, f.model, &Content{Caption: "hi"})
	require.Error(t, err)

	out, err := f.db.ListScheduledPosts(ctx, &entity.ListScheduledPostsInput{ModelID: 1})
	require.NoError(t, err)
	assert.Empty(t, out.Posts)
	assert.NotContains(t, f.notifier.keys, telegram.MsgScheduled)

	planned, err := f.engine.PlanStrategy(ctx, f.model, &Content{Caption: "hi"})
	require.NoError(t, err)
	require.Len(t, planned, 2)

	out, err = f.db.ListScheduledPosts(ctx, &entity.ListScheduledPostsInput{ModelID: 1})
	require.NoError(t, err)
	assert.Len(t, out.Posts, 2)
	assert.Equal(t, []string{telegram.MsgScheduled, telegram.MsgScheduled}, f.notifier.keys)
}

func TestPlanStrategyNothingValid(t *testing.T) {
	f := newFixture(t, &entity.Subreddit{Name: "pics"})
	f.writer.ranked = []content.RankedPick{{Subreddit: "nope"}}

	_, err := f.engine.PlanStrategy(context.Background(), f.model, &Content{Caption: "hi"})
	require.ErrorIs(t, err, ErrNoCandidates)
	assert.Equal(t, []string{telegram.MsgNoCandidates}, f.notifier.keys)
}
