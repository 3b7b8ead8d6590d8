package engines

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/forbiddencoding/social-autoposter/common/budget"
	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/services/content"
)

const presenceKind = "presence"

// PresenceContentTypes rotate so consecutive presence tweets differ.
var PresenceContentTypes = []string{"question", "behind_the_scenes", "mood", "teaser"}

// Presence keeps an account active between content drops with persona-driven filler tweets.
type Presence struct {
	base
}

func NewPresence(d Deps) *Presence {
	return &Presence{base: newBase(d, PresenceName)}
}

func (p *Presence) Run(ctx context.Context) error {
	return p.forEachModel(ctx, p.RunModel)
}

func (p *Presence) RunModel(ctx context.Context, m *entity.Model) error {
	ok, err := p.hasBudget(ctx, m, 1)
	if err != nil || !ok {
		return err
	}

	tw, err := p.TweeterFor(ctx, m)
	if err != nil {
		return err
	}

	contentType, err := p.nextContentType(ctx, m)
	if err != nil {
		return err
	}

	text, err := p.Writer.ComposeTweet(ctx, m, content.TweetBrief{Style: content.StylePresence, ContentType: contentType})
	if errors.Is(err, content.ErrRefusal) {
		p.Metrics.EngineRun(p.name, "refused")
		p.Log.Warn("presence tweet refused", slog.Int64("model_id", m.ID))
		return nil
	}
	if err != nil {
		return err
	}

	res, err := p.tweet(ctx, m, tw, presenceKind, text, "", map[string]any{"engine": p.name, "content_type": contentType})
	if errors.Is(err, budget.ErrNoBudget) {
		p.Metrics.EngineRun(p.name, "skipped_budget")
		return nil
	}
	if err != nil {
		return err
	}
	p.Log.Info("presence tweet posted", slog.Int64("model_id", m.ID), slog.String("content_type", contentType), slog.String("url", res.URL))
	return nil
}

// nextContentType follows the last presence tweet's type in PresenceContentTypes.
func (p *Presence) nextContentType(ctx context.Context, m *entity.Model) (string, error) {
	out, err := p.DB.ListRecentAgentLogs(ctx, &entity.ListRecentAgentLogsInput{
		ModelID:      m.ID,
		ActionPrefix: p.Budget.Action(presenceKind),
		Limit:        1,
	})
	if err != nil {
		return "", err
	}
	if len(out.Logs) == 0 {
		return PresenceContentTypes[0], nil
	}
	last, _ := out.Logs[0].Details["content_type"].(string)
	i := slices.Index(PresenceContentTypes, last)
	return PresenceContentTypes[(i+1)%len(PresenceContentTypes)], nil
}
