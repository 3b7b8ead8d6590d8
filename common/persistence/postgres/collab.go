package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/persistence/postgres/models"
	"github.com/jackc/pgx/v5"
)

const createCollabQuery = `
INSERT INTO twitter_collabs (id, model_id, handle, target_user_id, status, note, created_at, updated_at)
VALUES (@id, @model_id, lower(@handle), @target_user_id, @status, @note, @now, @now)
ON CONFLICT (model_id, handle) DO NOTHING;
`

func (h *Handle) CreateCollab(ctx context.Context, in *entity.CreateCollabInput) (*entity.CreateCollabOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	c := in.Collab
	status := c.Status
	if status == "" {
		status = entity.CollabSuggested
	}

	tag, err := db.Exec(ctx, createCollabQuery, pgx.NamedArgs{
		"id":             c.ID,
		"model_id":       c.ModelID,
		"handle":         c.Handle,
		"target_user_id": c.TargetUserID,
		"status":         string(status),
		"note":           c.Note,
		"now":            nowOr(c.CreatedAt),
	})
	if err != nil {
		return nil, err
	}

	return &entity.CreateCollabOutput{Created: tag.RowsAffected() == 1}, nil
}

const listCollabsQuery = `
SELECT id, model_id, handle, target_user_id, status, note, dm_failures, created_at, updated_at
FROM twitter_collabs
WHERE model_id = @model_id AND (@status = '' OR status = @status)
ORDER BY created_at ASC;
`

func (h *Handle) ListCollabs(ctx context.Context, in *entity.ListCollabsInput) (*entity.ListCollabsOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, listCollabsQuery, pgx.NamedArgs{
		"model_id": in.ModelID,
		"status":   string(in.Status),
	})
	if err != nil {
		return nil, err
	}

	dbModels, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.TwitterCollab])
	if err != nil {
		return nil, err
	}

	out := make([]*entity.TwitterCollab, 0, len(dbModels))
	for _, c := range dbModels {
		out = append(out, c.Entity())
	}

	return &entity.ListCollabsOutput{Collabs: out}, nil
}

const transitionCollabQuery = `
UPDATE twitter_collabs
SET status = @to,
    note = CASE WHEN @note <> '' THEN @note ELSE note END,
    target_user_id = CASE WHEN @target_user_id <> '' THEN @target_user_id ELSE target_user_id END,
    updated_at = @now
WHERE id = @id AND status = @from;
`

func (h *Handle) TransitionCollab(ctx context.Context, in *entity.TransitionCollabInput) (*entity.TransitionCollabOutput, error) {
	if !in.From.CanTransition(in.To) {
		return nil, fmt.Errorf("%w: %s -> %s", entity.ErrInvalidTransition, in.From, in.To)
	}

	db, err := h.db()
	if err != nil {
		return nil, err
	}

	tag, err := db.Exec(ctx, transitionCollabQuery, pgx.NamedArgs{
		"id":             in.ID,
		"from":           string(in.From),
		"to":             string(in.To),
		"note":           in.Note,
		"target_user_id": in.TargetUserID,
		"now":            nowOr(in.Now),
	})
	if err != nil {
		return nil, err
	}

	return &entity.TransitionCollabOutput{Applied: tag.RowsAffected() == 1}, nil
}

const recordCollabDMFailureQuery = `
UPDATE twitter_collabs
SET dm_failures = dm_failures + 1, updated_at = @now
WHERE id = @id AND status = 'suggested'
RETURNING dm_failures;
`

func (h *Handle) RecordCollabDMFailure(ctx context.Context, in *entity.RecordCollabDMFailureInput) (*entity.RecordCollabDMFailureOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	var failures int
	err = db.QueryRow(ctx, recordCollabDMFailureQuery, pgx.NamedArgs{
		"id":  in.ID,
		"now": nowOr(in.Now),
	}).Scan(&failures)
	if errors.Is(err, pgx.ErrNoRows) {
		return &entity.RecordCollabDMFailureOutput{}, nil
	}
	if err != nil {
		return nil, err
	}

	return &entity.RecordCollabDMFailureOutput{Failures: failures}, nil
}
