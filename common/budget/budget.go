// Package budget guards the monthly platform write quota.
package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/config"
	"github.com/forbiddencoding/social-autoposter/common/ids"
	"github.com/forbiddencoding/social-autoposter/common/metrics"
	"github.com/forbiddencoding/social-autoposter/common/persistence"
	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
)

var ErrNoBudget = errors.New("monthly write budget exhausted")

type Guard struct {
	store   persistence.AgentLogStore
	ids     ids.Generator
	ceiling int64
	prefix  string
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(store persistence.AgentLogStore, gen ids.Generator, conf *config.Budget, m *metrics.Metrics) *Guard {
	return &Guard{
		store:   store,
		ids:     gen,
		ceiling: int64(conf.MonthlyCeiling),
		prefix:  conf.WritePrefix,
		metrics: m,
		now:     time.Now,
	}
}

// Action returns the agent-log action name counted against the budget.
func (g *Guard) Action(kind string) string {
	return g.prefix + ":" + kind
}

// Usage counts writes across all tenants for the current calendar month.
func (g *Guard) Usage(ctx context.Context) (int64, error) {
	out, err := g.store.CountAgentLogs(ctx, &entity.CountAgentLogsInput{
		ActionPrefix: g.prefix,
		Since:        entity.MonthStart(g.now()),
	})
	if err != nil {
		return 0, fmt.Errorf("count writes: %w", err)
	}
	return out.Count, nil
}

// Remaining is ceiling minus usage; it may be negative if the ceiling was lowered mid-month.
func (g *Guard) Remaining(ctx context.Context) (int64, error) {
	used, err := g.Usage(ctx)
	if err != nil {
		return 0, err
	}
	return g.ceiling - used, nil
}

// HasWriteBudget is advisory. Callers that go on to write must Reserve.
func (g *Guard) HasWriteBudget(ctx context.Context, need int) (bool, error) {
	remaining, err := g.Remaining(ctx)
	if err != nil {
		return false, err
	}
	ok := remaining >= int64(need)
	if !ok {
		g.metrics.WriteBudget("exhausted")
	}
	return ok, nil
}

// Reserve records need writes of the given kind for modelID, failing with ErrNoBudget if that would exceed the
// ceiling. The count and insert happen atomically in the store.
func (g *Guard) Reserve(ctx context.Context, modelID int64, kind string, need int, details map[string]any) error {
	if need <= 0 {
		return nil
	}
	action := g.Action(kind)
	if !strings.HasPrefix(action, g.prefix) {
		return fmt.Errorf("action %q outside budget prefix", action)
	}

	now := g.now()
	logs := make([]*entity.AgentLog, 0, need)
	for range need {
		id, err := g.ids.NextID()
		if err != nil {
			return fmt.Errorf("failed to generate ID: %w", err)
		}
		logs = append(logs, &entity.AgentLog{
			ID:        id,
			ModelID:   modelID,
			Action:    action,
			Details:   details,
			CreatedAt: now,
		})
	}

	out, err := g.store.ReserveWrites(ctx, &entity.ReserveWritesInput{
		ActionPrefix: g.prefix,
		Since:        entity.MonthStart(now),
		Ceiling:      g.ceiling,
		Logs:         logs,
	})
	if err != nil {
		return fmt.Errorf("reserve writes: %w", err)
	}
	if !out.Reserved {
		g.metrics.WriteBudget("rejected")
		return ErrNoBudget
	}

	g.metrics.WriteBudget("reserved")
	return nil
}
