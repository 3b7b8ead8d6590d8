package postgres

import (
	"context"
	"fmt"

	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/persistence/postgres/models"
	"github.com/jackc/pgx/v5"
)

const createPostQuery = `
INSERT INTO posts (id, model_id, scheduled_post_id, platform, external_id, external_url, subreddit, content, media_url, created_at)
VALUES (@id, @model_id, @scheduled_post_id, @platform, @external_id, @external_url, @subreddit, @content, @media_url, @created_at);
`

func (h *Handle) CreatePost(ctx context.Context, in *entity.CreatePostInput) (*entity.CreatePostOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	p := in.Post

	var scheduledPostID *int64
	if p.ScheduledPostID != 0 {
		scheduledPostID = &p.ScheduledPostID
	}

	if _, err = db.Exec(ctx, createPostQuery, pgx.NamedArgs{
		"id":                p.ID,
		"model_id":          p.ModelID,
		"scheduled_post_id": scheduledPostID,
		"platform":          string(p.Platform),
		"external_id":       p.ExternalID,
		"external_url":      p.ExternalURL,
		"subreddit":         p.Subreddit,
		"content":           p.Content,
		"media_url":         p.MediaURL,
		"created_at":        nowOr(p.CreatedAt),
	}); err != nil {
		return nil, fmt.Errorf("insert post %d: %w", p.ID, err)
	}

	return &entity.CreatePostOutput{}, nil
}

const listRecentPostsQuery = `
SELECT id, model_id, scheduled_post_id, platform, external_id, external_url, subreddit, content, media_url, created_at
FROM posts
WHERE model_id = @model_id
  AND (@platform = '' OR platform = @platform)
  AND created_at >= @since
ORDER BY created_at DESC
LIMIT @limit;
`

func (h *Handle) ListRecentPosts(ctx context.Context, in *entity.ListRecentPostsInput) (*entity.ListRecentPostsOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.Query(ctx, listRecentPostsQuery, pgx.NamedArgs{
		"model_id": in.ModelID,
		"platform": string(in.Platform),
		"since":    in.Since,
		"limit":    limit,
	})
	if err != nil {
		return nil, err
	}

	dbModels, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.Post])
	if err != nil {
		return nil, err
	}

	out := make([]*entity.Post, 0, len(dbModels))
	for _, p := range dbModels {
		out = append(out, p.Entity())
	}

	return &entity.ListRecentPostsOutput{Posts: out}, nil
}

// One row per post; later measurements replace earlier ones.
const recordSubPerformanceQuery = `
INSERT INTO sub_performance (id, model_id, post_id, subreddit, upvotes, comments, removed, measured_at)
VALUES (@id, @model_id, @post_id, @subreddit, @upvotes, @comments, @removed, @measured_at)
ON CONFLICT (post_id) DO UPDATE
SET upvotes = EXCLUDED.upvotes,
    comments = EXCLUDED.comments,
    removed = EXCLUDED.removed,
    measured_at = EXCLUDED.measured_at;
`

func (h *Handle) RecordSubPerformance(ctx context.Context, in *entity.RecordSubPerformanceInput) (*entity.RecordSubPerformanceOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	p := in.Performance

	if _, err = db.Exec(ctx, recordSubPerformanceQuery, pgx.NamedArgs{
		"id":          p.ID,
		"model_id":    p.ModelID,
		"post_id":     p.PostID,
		"subreddit":   p.Subreddit,
		"upvotes":     p.Upvotes,
		"comments":    p.Comments,
		"removed":     p.Removed,
		"measured_at": nowOr(p.MeasuredAt),
	}); err != nil {
		return nil, err
	}

	return &entity.RecordSubPerformanceOutput{}, nil
}
