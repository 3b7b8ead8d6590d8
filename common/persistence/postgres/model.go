package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/persistence/postgres/models"
	"github.com/jackc/pgx/v5"
)

const modelColumns = `
	id, name, persona, bio, language, telegram_chat_id,
	reddit_username, reddit_password,
	twitter_user_id, twitter_access_token, twitter_refresh_token, twitter_token_expiry,
	twitter_oauth1_token, twitter_oauth1_secret, enabled_platforms`

const listModelsQuery = `
SELECT` + modelColumns + `
FROM models
WHERE @platform = '' OR @platform = ANY (enabled_platforms)
ORDER BY id;
`

func (h *Handle) ListModels(ctx context.Context, in *entity.ListModelsInput) (*entity.ListModelsOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, listModelsQuery, pgx.NamedArgs{
		"platform": string(in.Platform),
	})
	if err != nil {
		return nil, err
	}

	dbModels, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.Model])
	if err != nil {
		return nil, err
	}

	out := make([]*entity.Model, 0, len(dbModels))
	for _, m := range dbModels {
		out = append(out, m.Entity())
	}

	return &entity.ListModelsOutput{Models: out}, nil
}

const getModelQuery = `
SELECT` + modelColumns + `
FROM models
WHERE (@id <> 0 AND id = @id) OR (@id = 0 AND @chat_id <> 0 AND telegram_chat_id = @chat_id)
LIMIT 1;
`

func (h *Handle) GetModel(ctx context.Context, in *entity.GetModelInput) (*entity.GetModelOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, getModelQuery, pgx.NamedArgs{
		"id":      in.ID,
		"chat_id": in.TelegramChatID,
	})
	if err != nil {
		return nil, err
	}

	m, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[models.Model])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("model %d: %w", in.ID, entity.ErrNotFound)
		}
		return nil, err
	}

	return &entity.GetModelOutput{Model: m.Entity()}, nil
}

const updateModelTwitterTokenQuery = `
UPDATE models
SET twitter_access_token = @access_token,
    twitter_refresh_token = @refresh_token,
    twitter_token_expiry = @expiry
WHERE id = @id;
`

func (h *Handle) UpdateModelTwitterToken(ctx context.Context, in *entity.UpdateModelTwitterTokenInput) (*entity.UpdateModelTwitterTokenOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	tag, err := db.Exec(ctx, updateModelTwitterTokenQuery, pgx.NamedArgs{
		"id":            in.ID,
		"access_token":  in.AccessToken,
		"refresh_token": in.RefreshToken,
		"expiry":        in.Expiry,
	})
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("model %d: %w", in.ID, entity.ErrNotFound)
	}

	return &entity.UpdateModelTwitterTokenOutput{}, nil
}
