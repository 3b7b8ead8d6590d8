package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/persistence/postgres/models"
	"github.com/jackc/pgx/v5"
)

const appendAgentLogQuery = `
INSERT INTO agent_logs (id, model_id, action, details, created_at)
VALUES (@id, @model_id, @action, @details, @created_at);
`

func (h *Handle) AppendAgentLog(ctx context.Context, in *entity.AppendAgentLogInput) (*entity.AppendAgentLogOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	if _, err = db.Exec(ctx, appendAgentLogQuery, agentLogArgs(in.Log)); err != nil {
		return nil, fmt.Errorf("insert agent log %q: %w", in.Log.Action, err)
	}

	return &entity.AppendAgentLogOutput{}, nil
}

const countAgentLogsQuery = `
SELECT COUNT(*)
FROM agent_logs
WHERE starts_with(action, @prefix)
  AND created_at >= @since
  AND (@model_id = 0 OR model_id = @model_id);
`

func (h *Handle) CountAgentLogs(ctx context.Context, in *entity.CountAgentLogsInput) (*entity.CountAgentLogsOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	var count int64
	if err = db.QueryRow(ctx, countAgentLogsQuery, pgx.NamedArgs{
		"prefix":   in.ActionPrefix,
		"since":    in.Since,
		"model_id": in.ModelID,
	}).Scan(&count); err != nil {
		return nil, err
	}

	return &entity.CountAgentLogsOutput{Count: count}, nil
}

const listRecentAgentLogsQuery = `
SELECT id, model_id, action, details, created_at
FROM agent_logs
WHERE model_id = @model_id AND starts_with(action, @prefix)
ORDER BY created_at DESC
LIMIT @limit;
`

func (h *Handle) ListRecentAgentLogs(ctx context.Context, in *entity.ListRecentAgentLogsInput) (*entity.ListRecentAgentLogsOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.Query(ctx, listRecentAgentLogsQuery, pgx.NamedArgs{
		"model_id": in.ModelID,
		"prefix":   in.ActionPrefix,
		"limit":    limit,
	})
	if err != nil {
		return nil, err
	}

	dbModels, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.AgentLog])
	if err != nil {
		return nil, err
	}

	out := make([]*entity.AgentLog, 0, len(dbModels))
	for _, l := range dbModels {
		out = append(out, l.Entity())
	}

	return &entity.ListRecentAgentLogsOutput{Logs: out}, nil
}

const lockWriteBudgetQuery = `SELECT pg_advisory_xact_lock(hashtext('write_budget:' || @prefix));`

var ErrReservationPrefix = errors.New("reserved log action does not carry the budget prefix")

// ReserveWrites serialises reservations for a prefix with a transaction-scoped advisory lock, then counts and
// inserts inside the same transaction.
func (h *Handle) ReserveWrites(ctx context.Context, in *entity.ReserveWritesInput) (*entity.ReserveWritesOutput, error) {
	for _, l := range in.Logs {
		if !strings.HasPrefix(l.Action, in.ActionPrefix) {
			return nil, fmt.Errorf("%w: %q", ErrReservationPrefix, l.Action)
		}
	}

	db, err := h.db()
	if err != nil {
		return nil, err
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err = tx.Exec(ctx, lockWriteBudgetQuery, pgx.NamedArgs{"prefix": in.ActionPrefix}); err != nil {
		return nil, fmt.Errorf("lock write budget: %w", err)
	}

	var used int64
	if err = tx.QueryRow(ctx, countAgentLogsQuery, pgx.NamedArgs{
		"prefix":   in.ActionPrefix,
		"since":    in.Since,
		"model_id": int64(0),
	}).Scan(&used); err != nil {
		return nil, err
	}

	if used+int64(len(in.Logs)) > in.Ceiling {
		return &entity.ReserveWritesOutput{Reserved: false, Used: used}, nil
	}

	batch := &pgx.Batch{}
	for _, l := range in.Logs {
		batch.Queue(appendAgentLogQuery, agentLogArgs(l))
	}

	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("insert reserved writes: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &entity.ReserveWritesOutput{Reserved: true, Used: used + int64(len(in.Logs))}, nil
}

func agentLogArgs(l *entity.AgentLog) pgx.NamedArgs {
	details := l.Details
	if details == nil {
		details = map[string]any{}
	}
	return pgx.NamedArgs{
		"id":         l.ID,
		"model_id":   l.ModelID,
		"action":     l.Action,
		"details":    details,
		"created_at": nowOr(l.CreatedAt),
	}
}
