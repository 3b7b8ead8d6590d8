package engines

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/budget"
	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/twitter"
	"github.com/forbiddencoding/social-autoposter/services/content"
)

const (
	trendKind       = "trend"
	trendSignals    = 5
	trendLookback   = 24 * time.Hour
	trendSearchSize = 20
	trendReplyLikes = 100
)

// TrendRider tweets riffs on what is currently doing well: the model's recent Reddit posts and the top results of
// the configured search. When the top search result has at least trendReplyLikes likes the riff goes out as a reply
// to it.
type TrendRider struct {
	base
	query string
}

func NewTrendRider(d Deps, query string) *TrendRider {
	return &TrendRider{base: newBase(d, TrendRiderName), query: query}
}

func (t *TrendRider) Run(ctx context.Context) error {
	return t.forEachModel(ctx, t.RunModel)
}

func (t *TrendRider) RunModel(ctx context.Context, m *entity.Model) error {
	ok, err := t.hasBudget(ctx, m, 1)
	if err != nil || !ok {
		return err
	}

	tw, err := t.TweeterFor(ctx, m)
	if err != nil {
		return err
	}

	signals, replyTo, err := t.signals(ctx, m, tw)
	if err != nil {
		return err
	}
	if len(signals) == 0 {
		t.Metrics.EngineRun(t.name, "skipped_no_signals")
		t.Log.Info("no trend signals", slog.Int64("model_id", m.ID))
		return nil
	}

	text, err := t.Writer.ComposeTweet(ctx, m, content.TweetBrief{Style: content.StyleTrend, Signals: signals})
	if errors.Is(err, content.ErrRefusal) {
		t.Metrics.EngineRun(t.name, "refused")
		t.Log.Warn("trend tweet refused", slog.Int64("model_id", m.ID))
		return nil
	}
	if err != nil {
		return err
	}

	res, err := t.tweet(ctx, m, tw, trendKind, text, replyTo, map[string]any{"engine": t.name})
	if errors.Is(err, budget.ErrNoBudget) {
		t.Metrics.EngineRun(t.name, "skipped_budget")
		return nil
	}
	if err != nil {
		return err
	}
	t.Log.Info("trend tweet posted", slog.Int64("model_id", m.ID), slog.String("url", res.URL))
	return nil
}

func (t *TrendRider) signals(ctx context.Context, m *entity.Model, tw Tweeter) ([]string, string, error) {
	posts, err := t.DB.ListRecentPosts(ctx, &entity.ListRecentPostsInput{
		ModelID:  m.ID,
		Platform: entity.PlatformReddit,
		Since:    t.now().Add(-trendLookback),
		Limit:    trendSignals,
	})
	if err != nil {
		return nil, "", err
	}
	signals := make([]string, 0, trendSignals*2)
	for _, p := range posts.Posts {
		signals = append(signals, p.Content)
	}

	if t.query == "" {
		return signals, "", nil
	}
	tweets, err := tw.SearchRecent(ctx, t.query, trendSearchSize)
	if err != nil {
		t.Log.Warn("trend search failed", slog.Int64("model_id", m.ID), slog.Any("error", err))
		return signals, "", nil
	}
	slices.SortStableFunc(tweets, func(a, b twitter.Tweet) int {
		return cmp.Compare(b.Metrics.Likes+b.Metrics.Retweets, a.Metrics.Likes+a.Metrics.Retweets)
	})

	var replyTo string
	if len(tweets) > 0 && tweets[0].Metrics.Likes >= trendReplyLikes {
		replyTo = tweets[0].ID
	}
	for i, tweet := range tweets {
		if i == trendSignals {
			break
		}
		signals = append(signals, tweet.Text)
	}
	return signals, replyTo, nil
}
