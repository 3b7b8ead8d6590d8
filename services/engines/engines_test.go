package engines

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/budget"
	"github.com/forbiddencoding/social-autoposter/common/config"
	"github.com/forbiddencoding/social-autoposter/common/ids"
	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/persistence/memory"
	"github.com/forbiddencoding/social-autoposter/common/platform"
	"github.com/forbiddencoding/social-autoposter/common/telegram"
	"github.com/forbiddencoding/social-autoposter/common/twitter"
	"github.com/forbiddencoding/social-autoposter/services/content"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

type fakeTweeter struct {
	mu      sync.Mutex
	id      string
	tweets  []string
	replies map[string]string
	dms     map[string]string
	search  []twitter.Tweet
	events  []twitter.DMEvent
	postErr error
	dmErr   error
}

func (f *fakeTweeter) UserID() string { return f.id }

func (f *fakeTweeter) PostTweet(_ context.Context, text string, _ ...string) platform.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return platform.Failed(platform.KindOf(f.postErr), f.postErr)
	}
	f.tweets = append(f.tweets, text)
	return platform.Succeeded("1", "https://x.com/i/status/1")
}

func (f *fakeTweeter) Reply(_ context.Context, inReplyTo, text string) platform.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replies == nil {
		f.replies = map[string]string{}
	}
	f.replies[inReplyTo] = text
	return platform.Succeeded("2", "https://x.com/i/status/2")
}

func (f *fakeTweeter) SendDM(_ context.Context, recipientID, text string) platform.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dmErr != nil {
		return platform.Failed(platform.KindOf(f.dmErr), f.dmErr)
	}
	if f.dms == nil {
		f.dms = make(map[string]string)
	}
	f.dms[recipientID] = text
	return platform.Succeeded("dm1", "")
}

func (f *fakeTweeter) ListDMEvents(context.Context, int) ([]twitter.DMEvent, error) {
	return f.events, nil
}

func (f *fakeTweeter) LookupUser(_ context.Context, username string) (*twitter.User, error) {
	return &twitter.User{ID: "id-" + username, Username: username, Description: "looked up"}, nil
}

func (f *fakeTweeter) SearchRecent(context.Context, string, int) ([]twitter.Tweet, error) {
	return f.search, nil
}

type fakeWriter struct {
	mu     sync.Mutex
	text   string
	err    error
	briefs []content.TweetBrief
	dms    []string
}

func (f *fakeWriter) ComposeTweet(_ context.Context, _ *entity.Model, brief content.TweetBrief) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.briefs = append(f.briefs, brief)
	return f.text, f.err
}

func (f *fakeWriter) DraftCollabDM(_ context.Context, _ *entity.Model, handle, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dms = append(f.dms, handle)
	return "hey @" + handle + ", s4s?", f.err
}

type fakeNotifier struct {
	mu   sync.Mutex
	keys []string
	args [][]any
}

func (f *fakeNotifier) Notify(_ int64, _, key string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.args = append(f.args, args)
}

type fixture struct {
	db       *memory.Store
	tweeter  *fakeTweeter
	writer   *fakeWriter
	notifier *fakeNotifier
	deps     Deps
}

func newFixture(t *testing.T, ceiling int) *fixture {
	t.Helper()
	f := &fixture{
		db:       memory.New(),
		tweeter:  &fakeTweeter{id: "self"},
		writer:   &fakeWriter{text: "hot take"},
		notifier: &fakeNotifier{},
	}
	gen := &ids.Sequence{}
	f.deps = Deps{
		DB:       f.db,
		Writer:   f.writer,
		Budget:   budget.New(f.db, gen, &config.Budget{MonthlyCeiling: ceiling, WritePrefix: "twitter_write"}, nil),
		Notifier: f.notifier,
		IDs:      gen,
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		TweeterFor: func(context.Context, *entity.Model) (Tweeter, error) {
			return f.tweeter, nil
		},
	}
	f.db.PutModel(&entity.Model{ID: 1, Name: "mia", TelegramChatID: 100, EnabledPlatforms: []entity.Platform{entity.PlatformTwitter}})
	return f
}

func (f *fixture) writes(t *testing.T) int64 {
	t.Helper()
	out, err := f.db.CountAgentLogs(context.Background(), &entity.CountAgentLogsInput{ActionPrefix: "twitter_write"})
	require.NoError(t, err)
	return out.Count
}

func (f *fixture) model(t *testing.T) *entity.Model {
	t.Helper()
	out, err := f.db.GetModel(context.Background(), &entity.GetModelInput{ID: 1})
	require.NoError(t, err)
	return out.Model
}

func tweet(text string, likes int) twitter.Tweet {
	tw := twitter.Tweet{ID: "t-" + text, Text: text}
	tw.Metrics.Likes = likes
	return tw
}

func author(id, username string, followers int) *twitter.User {
	u := &twitter.User{ID: id, Username: username, Description: "bio of " + username}
	u.PublicMetrics.Followers = followers
	return u
}

func TestNextDailyRun(t *testing.T) {
	tests := []struct {
		name   string
		now    time.Time
		at     string
		offset int
		want   time.Time
	}{
		{
			name:   "later today",
			now:    time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC),
			at:     "10:00",
			offset: -5,
			want:   time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC),
		},
		{
			name:   "already passed",
			now:    time.Date(2025, 3, 10, 16, 0, 0, 0, time.UTC),
			at:     "10:00",
			offset: -5,
			want:   time.Date(2025, 3, 11, 15, 0, 0, 0, time.UTC),
		},
		{
			name:   "exactly now",
			now:    time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC),
			at:     "10:00",
			offset: -5,
			want:   time.Date(2025, 3, 11, 15, 0, 0, 0, time.UTC),
		},
		{
			name:   "local day ahead of utc",
			now:    time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
			at:     "01:30",
			offset: 2,
			want:   time.Date(2025, 3, 10, 23, 30, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextDailyRun(tt.now, tt.at, tt.offset)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := NextDailyRun(testNow, "25:00", 0)
	require.Error(t, err)
}

func TestTrendRiderPostsAndReserves(t *testing.T) {
	f := newFixture(t, 400)
	_, err := f.db.CreatePost(context.Background(), &entity.CreatePostInput{Post: &entity.Post{
		ID:        99,
		ModelID:   1,
		Platform:  entity.PlatformReddit,
		Content:   "beach day",
		CreatedAt: time.Now().Add(-time.Hour),
	}})
	require.NoError(t, err)
	f.tweeter.search = []twitter.Tweet{tweet("meh", 1), tweet("viral", 500)}

	rider := NewTrendRider(f.deps, "gym")
	require.NoError(t, rider.Run(context.Background()))

	assert.Empty(t, f.tweeter.tweets)
	assert.Equal(t, map[string]string{"t-viral": "hot take"}, f.tweeter.replies)
	assert.Equal(t, int64(1), f.writes(t))
	require.Len(t, f.writer.briefs, 1)
	assert.Equal(t, content.StyleTrend, f.writer.briefs[0].Style)
	assert.Equal(t, []string{"beach day", "viral", "meh"}, f.writer.briefs[0].Signals)

	posts, err := f.db.ListRecentPosts(context.Background(), &entity.ListRecentPostsInput{ModelID: 1, Platform: entity.PlatformTwitter})
	require.NoError(t, err)
	require.Len(t, posts.Posts, 1)
	assert.Equal(t, "hot take", posts.Posts[0].Content)
}

func TestTrendRiderPostsStandaloneBelowReplyThreshold(t *testing.T) {
	f := newFixture(t, 400)
	f.tweeter.search = []twitter.Tweet{tweet("quiet", 3)}

	require.NoError(t, NewTrendRider(f.deps, "gym").Run(context.Background()))

	assert.Equal(t, []string{"hot take"}, f.tweeter.tweets)
	assert.Empty(t, f.tweeter.replies)
}

func TestTrendRiderSkipsWithoutSignals(t *testing.T) {
	f := newFixture(t, 400)

	require.NoError(t, NewTrendRider(f.deps, "").Run(context.Background()))
	assert.Empty(t, f.writer.briefs)
	assert.Empty(t, f.tweeter.tweets)
}

func TestEnginesSkipWithoutBudget(t *testing.T) {
	f := newFixture(t, 0)
	f.tweeter.search = []twitter.Tweet{tweet("viral", 1)}

	require.NoError(t, NewTrendRider(f.deps, "gym").Run(context.Background()))
	require.NoError(t, NewPresence(f.deps).Run(context.Background()))

	assert.Empty(t, f.writer.briefs, "no LLM call without budget")
	assert.Empty(t, f.tweeter.tweets)
	assert.Zero(t, f.writes(t))
}

func TestPresenceRotatesContentType(t *testing.T) {
	f := newFixture(t, 400)
	presence := NewPresence(f.deps)

	for range 3 {
		require.NoError(t, presence.Run(context.Background()))
	}

	require.Len(t, f.writer.briefs, 3)
	got := make([]string, 0, 3)
	for _, b := range f.writer.briefs {
		assert.Equal(t, content.StylePresence, b.Style)
		got = append(got, b.ContentType)
	}
	assert.Equal(t, PresenceContentTypes[:3], got)
	assert.Equal(t, int64(3), f.writes(t))
}

func TestRefusalSkipsWithoutWrite(t *testing.T) {
	f := newFixture(t, 400)
	f.writer.err = content.ErrRefusal

	require.NoError(t, NewPresence(f.deps).Run(context.Background()))
	assert.Empty(t, f.tweeter.tweets)
	assert.Zero(t, f.writes(t))
}

func TestFailingModelDoesNotStopLoop(t *testing.T) {
	f := newFixture(t, 400)
	f.db.PutModel(&entity.Model{ID: 2, Name: "zoe", EnabledPlatforms: []entity.Platform{entity.PlatformTwitter}})
	f.db.PutModel(&entity.Model{ID: 3, Name: "reddit only", EnabledPlatforms: []entity.Platform{entity.PlatformReddit}})

	var seen []int64
	f.deps.TweeterFor = func(_ context.Context, m *entity.Model) (Tweeter, error) {
		seen = append(seen, m.ID)
		if m.ID == 1 {
			return nil, errors.New("token revoked")
		}
		return f.tweeter, nil
	}

	require.NoError(t, NewPresence(f.deps).Run(context.Background()))
	assert.Equal(t, []int64{1, 2}, seen)
	assert.Len(t, f.tweeter.tweets, 1)
}

func TestCollabHunterLifecycle(t *testing.T) {
	f := newFixture(t, 400)
	f.tweeter.search = []twitter.Tweet{
		{Text: "a", Author: author("small", "Tiny", 500)},
		{Text: "b", Author: author("good", "GoodFit", 5_000)},
		{Text: "c", Author: author("self", "me", 5_000)},
		{Text: "d", Author: author("good", "GoodFit", 5_000)},
	}

	hunter := NewCollabHunter(f.deps, "fitness", 3)
	hunter.now = func() time.Time { return testNow }
	require.NoError(t, hunter.Run(context.Background()))

	collabs, err := f.db.ListCollabs(context.Background(), &entity.ListCollabsInput{ModelID: 1})
	require.NoError(t, err)
	require.Len(t, collabs.Collabs, 1)
	assert.Equal(t, "goodfit", collabs.Collabs[0].Handle)
	assert.Equal(t, entity.CollabDMSent, collabs.Collabs[0].Status)
	assert.Equal(t, map[string]string{"good": "hey @goodfit, s4s?"}, f.tweeter.dms)
	assert.Equal(t, int64(1), f.writes(t))

	f.tweeter.events = []twitter.DMEvent{
		{SenderID: "self", Text: "hey", CreatedAt: testNow.Add(time.Minute)},
		{SenderID: "good", Text: "sure!", CreatedAt: testNow.Add(time.Hour)},
	}
	require.NoError(t, hunter.Run(context.Background()))

	collabs, err = f.db.ListCollabs(context.Background(), &entity.ListCollabsInput{ModelID: 1})
	require.NoError(t, err)
	require.Len(t, collabs.Collabs, 1)
	assert.Equal(t, entity.CollabResponded, collabs.Collabs[0].Status)
	assert.Equal(t, "sure!", collabs.Collabs[0].Note)
	assert.Equal(t, []string{telegram.MsgCollabReplied}, f.notifier.keys)
	assert.Equal(t, []any{"goodfit"}, f.notifier.args[0])
}

func TestCollabHunterDailyLimit(t *testing.T) {
	f := newFixture(t, 400)
	for i, handle := range []string{"a", "b", "c", "d"} {
		_, err := f.db.CreateCollab(context.Background(), &entity.CreateCollabInput{Collab: &entity.TwitterCollab{
			ID:      int64(100 + i),
			ModelID: 1,
			Handle:  handle,
			Status:  entity.CollabSuggested,
		}})
		require.NoError(t, err)
	}

	hunter := NewCollabHunter(f.deps, "", 2)
	require.NoError(t, hunter.Run(context.Background()))

	assert.Len(t, f.tweeter.dms, 2)
	assert.Contains(t, f.tweeter.dms, "id-a", "target resolved by lookup")
	assert.Equal(t, int64(2), f.writes(t))
}

func TestCollabHunterStopsRetryingFailedDM(t *testing.T) {
	f := newFixture(t, 400)
	_, err := f.db.CreateCollab(context.Background(), &entity.CreateCollabInput{Collab: &entity.TwitterCollab{
		ID:           100,
		ModelID:      1,
		Handle:       "closed",
		TargetUserID: "id-closed",
		Status:       entity.CollabSuggested,
	}})
	require.NoError(t, err)
	f.tweeter.dmErr = errors.New("dm not permitted")

	hunter := NewCollabHunter(f.deps, "", 1)
	for range collabMaxDMFailures + 2 {
		require.NoError(t, hunter.Run(context.Background()))
	}

	assert.Equal(t, int64(collabMaxDMFailures), f.writes(t), "budget charged once per attempt, then never again")
	assert.Len(t, f.writer.dms, collabMaxDMFailures)

	collabs, err := f.db.ListCollabs(context.Background(), &entity.ListCollabsInput{ModelID: 1})
	require.NoError(t, err)
	require.Len(t, collabs.Collabs, 1)
	assert.Equal(t, entity.CollabSuggested, collabs.Collabs[0].Status)
	assert.Equal(t, collabMaxDMFailures, collabs.Collabs[0].DMFailures)
}

func TestServiceStartClose(t *testing.T) {
	f := newFixture(t, 400)
	svc := New(f.deps, config.Engines{
		TrendRiderInterval: time.Hour,
		PresenceInterval:   time.Hour,
		CollabHunterAt:     "10:00",
		CollabDailyDMs:     1,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start() }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, svc.Close())
	require.NoError(t, <-errCh)
}
