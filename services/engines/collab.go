package engines

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/forbiddencoding/social-autoposter/common/budget"
	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/telegram"
	"github.com/forbiddencoding/social-autoposter/services/content"
)

const (
	collabKind = "collab_dm"

	collabSearchSize   = 50
	collabSuggestLimit = 10
	collabMinFollowers = 1_000
	collabMaxFollowers = 100_000
	collabDMScan       = 50

	// A candidate whose DM failed this many times is not messaged again.
	collabMaxDMFailures = 3
)

// CollabHunter finds similar accounts, proposes shoutout swaps by DM and watches for replies. A collab moves
// suggested, dm_sent, responded and finally agreed, the last step taken by the model.
type CollabHunter struct {
	base
	query    string
	dailyDMs int
}

func NewCollabHunter(d Deps, query string, dailyDMs int) *CollabHunter {
	return &CollabHunter{base: newBase(d, CollabHunterName), query: query, dailyDMs: dailyDMs}
}

func (c *CollabHunter) Run(ctx context.Context) error {
	return c.forEachModel(ctx, c.RunModel)
}

func (c *CollabHunter) RunModel(ctx context.Context, m *entity.Model) error {
	tw, err := c.TweeterFor(ctx, m)
	if err != nil {
		return err
	}

	if err = c.scanReplies(ctx, m, tw); err != nil {
		c.Log.Warn("scan collab replies", slog.Int64("model_id", m.ID), slog.Any("error", err))
	}
	if err = c.suggest(ctx, m, tw); err != nil {
		c.Log.Warn("suggest collabs", slog.Int64("model_id", m.ID), slog.Any("error", err))
	}
	return c.sendDMs(ctx, m, tw)
}

// scanReplies marks dm_sent collabs whose target wrote back after our DM as responded.
func (c *CollabHunter) scanReplies(ctx context.Context, m *entity.Model, tw Tweeter) error {
	sent, err := c.DB.ListCollabs(ctx, &entity.ListCollabsInput{ModelID: m.ID, Status: entity.CollabDMSent})
	if err != nil {
		return err
	}
	if len(sent.Collabs) == 0 {
		return nil
	}

	byUser := make(map[string]*entity.TwitterCollab, len(sent.Collabs))
	for _, collab := range sent.Collabs {
		if collab.TargetUserID != "" {
			byUser[collab.TargetUserID] = collab
		}
	}

	events, err := tw.ListDMEvents(ctx, collabDMScan)
	if err != nil {
		return fmt.Errorf("list dm events: %w", err)
	}
	self := tw.UserID()
	for _, ev := range events {
		if ev.SenderID == self {
			continue
		}
		collab, ok := byUser[ev.SenderID]
		if !ok || !ev.CreatedAt.After(collab.UpdatedAt) {
			continue
		}
		delete(byUser, ev.SenderID)

		out, err := c.DB.TransitionCollab(ctx, &entity.TransitionCollabInput{
			ID:   collab.ID,
			From: entity.CollabDMSent,
			To:   entity.CollabResponded,
			Note: ev.Text,
			Now:  c.now(),
		})
		if err != nil {
			return err
		}
		if out.Applied {
			c.Notifier.Notify(m.TelegramChatID, m.Lang(), telegram.MsgCollabReplied, collab.Handle)
		}
	}
	return nil
}

// suggest stores mid-sized authors from the search as new collab candidates.
func (c *CollabHunter) suggest(ctx context.Context, m *entity.Model, tw Tweeter) error {
	if c.query == "" {
		return nil
	}
	tweets, err := tw.SearchRecent(ctx, c.query, collabSearchSize)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	self := tw.UserID()
	created := 0
	seen := make(map[string]bool)
	for _, t := range tweets {
		if created == collabSuggestLimit {
			break
		}
		u := t.Author
		if u == nil || u.ID == self || seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		if f := u.PublicMetrics.Followers; f < collabMinFollowers || f > collabMaxFollowers {
			continue
		}

		id, err := c.IDs.NextID()
		if err != nil {
			return fmt.Errorf("failed to generate ID: %w", err)
		}
		out, err := c.DB.CreateCollab(ctx, &entity.CreateCollabInput{Collab: &entity.TwitterCollab{
			ID:           id,
			ModelID:      m.ID,
			Handle:       strings.ToLower(u.Username),
			TargetUserID: u.ID,
			Status:       entity.CollabSuggested,
			Note:         u.Description,
			CreatedAt:    c.now(),
		}})
		if err != nil {
			return err
		}
		if out.Created {
			created++
		}
	}
	if created > 0 {
		c.Log.Info("collab candidates found", slog.Int64("model_id", m.ID), slog.Int("count", created))
	}
	return nil
}

// sendDMs messages up to dailyDMs suggested candidates, one budgeted write each. Failed DMs are counted and a
// candidate is dropped after collabMaxDMFailures of them.
func (c *CollabHunter) sendDMs(ctx context.Context, m *entity.Model, tw Tweeter) error {
	suggested, err := c.DB.ListCollabs(ctx, &entity.ListCollabsInput{ModelID: m.ID, Status: entity.CollabSuggested})
	if err != nil {
		return err
	}

	sent := 0
	for _, collab := range suggested.Collabs {
		if sent == c.dailyDMs {
			break
		}
		if collab.DMFailures >= collabMaxDMFailures {
			continue
		}
		ok, err := c.hasBudget(ctx, m, 1)
		if err != nil || !ok {
			return err
		}

		targetID, bio := collab.TargetUserID, collab.Note
		if targetID == "" {
			u, err := tw.LookupUser(ctx, collab.Handle)
			if err != nil {
				c.Log.Warn("lookup collab target", slog.String("handle", collab.Handle), slog.Any("error", err))
				continue
			}
			targetID, bio = u.ID, u.Description
		}

		text, err := c.Writer.DraftCollabDM(ctx, m, collab.Handle, bio)
		if errors.Is(err, content.ErrRefusal) {
			c.Metrics.EngineRun(c.name, "refused")
			continue
		}
		if err != nil {
			return err
		}

		if err = c.Budget.Reserve(ctx, m.ID, collabKind, 1, map[string]any{"engine": c.name, "handle": collab.Handle}); err != nil {
			if errors.Is(err, budget.ErrNoBudget) {
				c.Metrics.EngineRun(c.name, "skipped_budget")
				return nil
			}
			return err
		}

		res := tw.SendDM(ctx, targetID, text)
		if !res.Success {
			c.Metrics.EngineRun(c.name, "failed")
			c.Log.Warn("collab dm failed", slog.String("handle", collab.Handle), slog.Any("error", res.Err))
			if _, err = c.DB.RecordCollabDMFailure(ctx, &entity.RecordCollabDMFailureInput{ID: collab.ID, Now: c.now()}); err != nil {
				return err
			}
			continue
		}
		sent++

		if _, err = c.DB.TransitionCollab(ctx, &entity.TransitionCollabInput{
			ID:           collab.ID,
			From:         entity.CollabSuggested,
			To:           entity.CollabDMSent,
			TargetUserID: targetID,
			Now:          c.now(),
		}); err != nil {
			return err
		}
		c.Metrics.EngineRun(c.name, "dm_sent")
	}
	return nil
}
