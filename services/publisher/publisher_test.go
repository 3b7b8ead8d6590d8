package publisher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/platform"
	"github.com/forbiddencoding/social-autoposter/common/reddit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReddit struct {
	calls []*reddit.SubmitImagePostInput
	res   platform.Result
}

func (f *fakeReddit) SubmitImagePost(_ context.Context, in *reddit.SubmitImagePostInput) platform.Result {
	f.calls = append(f.calls, in)
	return f.res
}

type fakeTweeter struct {
	uploadErr error
	texts     []string
	media     [][]string
}

func (f *fakeTweeter) PostTweet(_ context.Context, text string, mediaIDs ...string) platform.Result {
	f.texts = append(f.texts, text)
	f.media = append(f.media, mediaIDs)
	return platform.Succeeded("1", "https://x.com/i/status/1")
}

func (f *fakeTweeter) UploadMedia(_ context.Context, _ string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	return "m1", nil
}

func newService(rd *fakeReddit, tw *fakeTweeter) (*Service, *int) {
	builds := 0
	s := New(nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.redditFor = func(context.Context, *entity.Model) (redditPoster, error) {
		builds++
		return rd, nil
	}
	s.twitterFor = func(context.Context, *entity.Model) (tweeter, error) {
		builds++
		return tw, nil
	}
	return s, &builds
}

func model() *entity.Model {
	return &entity.Model{
		ID:               1,
		RedditUsername:   "mia",
		RedditPassword:   "pw",
		EnabledPlatforms: []entity.Platform{entity.PlatformReddit, entity.PlatformTwitter},
	}
}

func TestPublishReddit(t *testing.T) {
	rd := &fakeReddit{res: platform.Succeeded("t3_x", "https://reddit.com/r/pics/x")}
	s, builds := newService(rd, nil)

	for range 2 {
		res := s.Publish(context.Background(), &PublishInput{
			Model:     model(),
			Platform:  entity.PlatformReddit,
			Subreddit: "pics",
			Title:     "hello",
			MediaURL:  "https://cdn.example.com/a.jpg",
			NSFW:      true,
		})
		require.True(t, res.Success)
	}

	assert.Equal(t, 1, *builds, "client is cached")
	require.Len(t, rd.calls, 2)
	assert.Equal(t, &reddit.SubmitImagePostInput{Subreddit: "pics", Title: "hello", URL: "https://cdn.example.com/a.jpg", NSFW: true}, rd.calls[0])
}

func TestRedditClientCacheExpires(t *testing.T) {
	rd := &fakeReddit{res: platform.Succeeded("t3_x", "u")}
	s, builds := newService(rd, nil)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	in := &PublishInput{Model: model(), Platform: entity.PlatformReddit, Subreddit: "pics"}
	s.Publish(context.Background(), in)
	now = now.Add(clientTTL + time.Second)
	s.Publish(context.Background(), in)

	assert.Equal(t, 2, *builds)
}

func TestAuthFailureDropsCachedClient(t *testing.T) {
	rd := &fakeReddit{res: platform.Failed(platform.KindAuth, errors.New("invalid_grant"))}
	s, builds := newService(rd, nil)

	in := &PublishInput{Model: model(), Platform: entity.PlatformReddit, Subreddit: "pics"}
	s.Publish(context.Background(), in)
	s.Publish(context.Background(), in)

	assert.Equal(t, 2, *builds)
}

func TestPublishRedditWithoutSubreddit(t *testing.T) {
	s, _ := newService(&fakeReddit{}, nil)

	res := s.Publish(context.Background(), &PublishInput{Model: model(), Platform: entity.PlatformReddit})
	assert.False(t, res.Success)
	assert.Equal(t, platform.KindPrivate, res.Kind)
}

func TestPublishDisabledPlatform(t *testing.T) {
	s, _ := newService(&fakeReddit{}, &fakeTweeter{})
	m := model()
	m.EnabledPlatforms = []entity.Platform{entity.PlatformReddit}

	res := s.Publish(context.Background(), &PublishInput{Model: m, Platform: entity.PlatformTwitter, Title: "hi"})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrPlatformDisabled)
}

func TestPublishTwitterWithMedia(t *testing.T) {
	tw := &fakeTweeter{}
	s, _ := newService(nil, tw)

	res := s.Publish(context.Background(), &PublishInput{
		Model:    model(),
		Platform: entity.PlatformTwitter,
		Title:    "new set is up",
		MediaURL: "https://cdn.example.com/a.jpg",
	})
	require.True(t, res.Success)
	assert.Equal(t, []string{"new set is up"}, tw.texts)
	assert.Equal(t, [][]string{{"m1"}}, tw.media)
}

func TestPublishTwitterUploadFailure(t *testing.T) {
	tw := &fakeTweeter{uploadErr: errors.New("boom")}
	s, _ := newService(nil, tw)

	res := s.Publish(context.Background(), &PublishInput{
		Model:    model(),
		Platform: entity.PlatformTwitter,
		Title:    "x",
		MediaURL: "https://cdn.example.com/a.jpg",
	})
	assert.False(t, res.Success)
	assert.Equal(t, platform.KindUpload, res.Kind)
	assert.Empty(t, tw.texts)
}
