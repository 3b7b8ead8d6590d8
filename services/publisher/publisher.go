// Package publisher dispatches content to the platform integrations on behalf of a model.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/metrics"
	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/platform"
	"github.com/forbiddencoding/social-autoposter/common/reddit"
	"github.com/forbiddencoding/social-autoposter/common/twitter"
)

const clientTTL = 50 * time.Minute

type (
	Servicer interface {
		Publish(ctx context.Context, in *PublishInput) platform.Result
	}

	PublishInput struct {
		Model     *entity.Model
		Platform  entity.Platform
		Subreddit string
		Title     string
		MediaURL  string
		NSFW      bool
	}

	redditPoster interface {
		SubmitImagePost(ctx context.Context, in *reddit.SubmitImagePostInput) platform.Result
	}

	tweeter interface {
		PostTweet(ctx context.Context, text string, mediaIDs ...string) platform.Result
		UploadMedia(ctx context.Context, mediaURL string) (string, error)
	}

	cached[T any] struct {
		client  T
		expires time.Time
	}

	Service struct {
		redditFor  func(ctx context.Context, m *entity.Model) (redditPoster, error)
		twitterFor func(ctx context.Context, m *entity.Model) (tweeter, error)
		metrics    *metrics.Metrics
		log        *slog.Logger
		now        func() time.Time

		mu            sync.Mutex
		redditUsers   map[int64]cached[redditPoster]
		twitterUsers  map[int64]cached[tweeter]
		redditSecrets map[int64]string
	}
)

var _ Servicer = (*Service)(nil)

var ErrPlatformDisabled = errors.New("platform not enabled for model")

// New wires the platform clients. tw may be nil when Twitter is not configured.
func New(rd *reddit.Client, tw *twitter.Client, m *metrics.Metrics, log *slog.Logger) *Service {
	s := &Service{
		metrics:       m,
		log:           log,
		now:           time.Now,
		redditUsers:   make(map[int64]cached[redditPoster]),
		twitterUsers:  make(map[int64]cached[tweeter]),
		redditSecrets: make(map[int64]string),
	}
	s.redditFor = func(ctx context.Context, m *entity.Model) (redditPoster, error) {
		if rd == nil {
			return nil, errors.New("reddit is not configured")
		}
		if m.RedditUsername == "" || m.RedditPassword == "" {
			return nil, &platform.Error{Kind: platform.KindAuth, Err: errors.New("model has no reddit credentials")}
		}
		return rd.ForUser(ctx, m.RedditUsername, m.RedditPassword), nil
	}
	s.twitterFor = func(ctx context.Context, m *entity.Model) (tweeter, error) {
		if tw == nil {
			return nil, errors.New("twitter is not configured")
		}
		u, err := tw.ForModel(ctx, m)
		if err != nil {
			return nil, &platform.Error{Kind: platform.KindAuth, Err: err}
		}
		return u, nil
	}
	return s
}

func (s *Service) Publish(ctx context.Context, in *PublishInput) platform.Result {
	var res platform.Result
	switch {
	case in.Model == nil:
		res = platform.Failed(platform.KindUnknown, errors.New("publish without model"))
	case !in.Model.Enabled(in.Platform):
		res = platform.Failed(platform.KindAuth, fmt.Errorf("%w: %s", ErrPlatformDisabled, in.Platform))
	case in.Platform == entity.PlatformReddit:
		res = s.publishReddit(ctx, in)
	case in.Platform == entity.PlatformTwitter:
		res = s.publishTwitter(ctx, in)
	default:
		res = platform.Failed(platform.KindUnknown, fmt.Errorf("unsupported platform %q", in.Platform))
	}

	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	s.metrics.Publish(string(in.Platform), outcome, string(res.Kind))
	return res
}

func (s *Service) publishReddit(ctx context.Context, in *PublishInput) platform.Result {
	if in.Subreddit == "" {
		return platform.Failed(platform.KindPrivate, errors.New("no target subreddit"))
	}
	client, err := s.reddit(ctx, in.Model)
	if err != nil {
		return platform.Failed(platform.KindOf(err), err)
	}

	res := client.SubmitImagePost(ctx, &reddit.SubmitImagePostInput{
		Subreddit: in.Subreddit,
		Title:     in.Title,
		URL:       in.MediaURL,
		NSFW:      in.NSFW,
	})
	if res.Kind == platform.KindAuth {
		s.forget(in.Model.ID)
	}
	return res
}

func (s *Service) publishTwitter(ctx context.Context, in *PublishInput) platform.Result {
	client, err := s.twitter(ctx, in.Model)
	if err != nil {
		return platform.Failed(platform.KindOf(err), err)
	}

	var mediaIDs []string
	if in.MediaURL != "" {
		id, err := client.UploadMedia(ctx, in.MediaURL)
		if err != nil {
			kind := platform.KindOf(err)
			if kind == platform.KindUnknown {
				kind = platform.KindUpload
			}
			return platform.Failed(kind, fmt.Errorf("upload media: %w", err))
		}
		mediaIDs = append(mediaIDs, id)
	}

	res := client.PostTweet(ctx, in.Title, mediaIDs...)
	if res.Kind == platform.KindAuth {
		s.forget(in.Model.ID)
	}
	return res
}

// reddit returns the cached client for m. A changed password invalidates the entry.
func (s *Service) reddit(ctx context.Context, m *entity.Model) (redditPoster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.redditUsers[m.ID]; ok && s.now().Before(c.expires) && s.redditSecrets[m.ID] == m.RedditPassword {
		return c.client, nil
	}
	client, err := s.redditFor(ctx, m)
	if err != nil {
		return nil, err
	}
	s.redditUsers[m.ID] = cached[redditPoster]{client: client, expires: s.now().Add(clientTTL)}
	s.redditSecrets[m.ID] = m.RedditPassword
	return client, nil
}

func (s *Service) twitter(ctx context.Context, m *entity.Model) (tweeter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.twitterUsers[m.ID]; ok && s.now().Before(c.expires) {
		return c.client, nil
	}
	client, err := s.twitterFor(ctx, m)
	if err != nil {
		return nil, err
	}
	s.twitterUsers[m.ID] = cached[tweeter]{client: client, expires: s.now().Add(clientTTL)}
	return client, nil
}

func (s *Service) forget(modelID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.redditUsers, modelID)
	delete(s.twitterUsers, modelID)
	delete(s.redditSecrets, modelID)
	s.log.Info("dropped cached platform clients", slog.Int64("model_id", modelID))
}
