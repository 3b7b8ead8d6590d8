package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/persistence/postgres/models"
	"github.com/jackc/pgx/v5"
)

const scheduledPostColumns = `
	id, model_id, platform, status, scheduled_for, target_subreddit, title, media_url, nsfw,
	attempts, error, external_url, created_at, updated_at`

const createScheduledPostQuery = `
INSERT INTO scheduled_posts (id, model_id, platform, status, scheduled_for, target_subreddit, title, media_url, nsfw, created_at, updated_at)
VALUES (@id, @model_id, @platform, @status, @scheduled_for, @target_subreddit, @title, @media_url, @nsfw, @now, @now);
`

func (h *Handle) CreateScheduledPost(ctx context.Context, in *entity.CreateScheduledPostInput) (*entity.CreateScheduledPostOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	p := in.Post
	if _, err = db.Exec(ctx, createScheduledPostQuery, scheduledPostArgs(p)); err != nil {
		return nil, fmt.Errorf("insert scheduled post %d: %w", p.ID, err)
	}

	return &entity.CreateScheduledPostOutput{}, nil
}

func (h *Handle) CreateScheduledPosts(ctx context.Context, in *entity.CreateScheduledPostsInput) (*entity.CreateScheduledPostsOutput, error) {
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

	batch := &pgx.Batch{}
	for _, p := range in.Posts {
		batch.Queue(createScheduledPostQuery, scheduledPostArgs(p))
	}

	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("insert scheduled posts: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &entity.CreateScheduledPostsOutput{}, nil
}

func scheduledPostArgs(p *entity.ScheduledPost) pgx.NamedArgs {
	now := p.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return pgx.NamedArgs{
		"id":               p.ID,
		"model_id":         p.ModelID,
		"platform":         string(p.Platform),
		"status":           string(p.Status),
		"scheduled_for":    p.ScheduledFor,
		"target_subreddit": p.TargetSubreddit,
		"title":            p.Title,
		"media_url":        p.MediaURL,
		"nsfw":             p.NSFW,
		"now":              now,
	}
}

const getScheduledPostQuery = `SELECT` + scheduledPostColumns + ` FROM scheduled_posts WHERE id = @id;`

func (h *Handle) GetScheduledPost(ctx context.Context, in *entity.GetScheduledPostInput) (*entity.GetScheduledPostOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, getScheduledPostQuery, pgx.NamedArgs{"id": in.ID})
	if err != nil {
		return nil, err
	}

	p, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[models.ScheduledPost])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("scheduled post %d: %w", in.ID, entity.ErrNotFound)
		}
		return nil, err
	}

	return &entity.GetScheduledPostOutput{Post: p.Entity()}, nil
}

const listDueScheduledPostsQuery = `
SELECT` + scheduledPostColumns + `
FROM scheduled_posts
WHERE status = 'ready' AND scheduled_for <= @now
ORDER BY scheduled_for ASC
LIMIT @limit;
`

func (h *Handle) ListDueScheduledPosts(ctx context.Context, in *entity.ListDueScheduledPostsInput) (*entity.ListDueScheduledPostsOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, listDueScheduledPostsQuery, pgx.NamedArgs{
		"now":   in.Now,
		"limit": in.Limit,
	})
	if err != nil {
		return nil, err
	}

	posts, err := collectScheduledPosts(rows)
	if err != nil {
		return nil, err
	}

	return &entity.ListDueScheduledPostsOutput{Posts: posts}, nil
}

const listScheduledPostsQuery = `
SELECT` + scheduledPostColumns + `
FROM scheduled_posts
WHERE model_id = @model_id
  AND (cardinality(@statuses::text[]) = 0 OR status = ANY (@statuses::text[]))
ORDER BY scheduled_for ASC NULLS LAST, id ASC
LIMIT @limit;
`

func (h *Handle) ListScheduledPosts(ctx context.Context, in *entity.ListScheduledPostsInput) (*entity.ListScheduledPostsOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	statuses := make([]string, 0, len(in.Statuses))
	for _, s := range in.Statuses {
		statuses = append(statuses, string(s))
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.Query(ctx, listScheduledPostsQuery, pgx.NamedArgs{
		"model_id": in.ModelID,
		"statuses": statuses,
		"limit":    limit,
	})
	if err != nil {
		return nil, err
	}

	posts, err := collectScheduledPosts(rows)
	if err != nil {
		return nil, err
	}

	return &entity.ListScheduledPostsOutput{Posts: posts}, nil
}

const listQueuedScheduledPostsQuery = `
SELECT` + scheduledPostColumns + `
FROM scheduled_posts
WHERE model_id = @model_id AND status = 'queued'
ORDER BY created_at ASC, id ASC;
`

func (h *Handle) ListQueuedScheduledPosts(ctx context.Context, in *entity.ListQueuedScheduledPostsInput) (*entity.ListQueuedScheduledPostsOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, listQueuedScheduledPostsQuery, pgx.NamedArgs{"model_id": in.ModelID})
	if err != nil {
		return nil, err
	}

	posts, err := collectScheduledPosts(rows)
	if err != nil {
		return nil, err
	}

	return &entity.ListQueuedScheduledPostsOutput{Posts: posts}, nil
}

const countPendingForSubredditOnDayQuery = `
SELECT COUNT(*)
FROM scheduled_posts
WHERE model_id = @model_id
  AND lower(target_subreddit) = lower(@subreddit)
  AND status IN ('ready', 'processing')
  AND scheduled_for >= @day_start AND scheduled_for < @day_end;
`

func (h *Handle) CountPendingForSubredditOnDay(ctx context.Context, in *entity.CountPendingForSubredditOnDayInput) (*entity.CountPendingForSubredditOnDayOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	var count int64
	if err = db.QueryRow(ctx, countPendingForSubredditOnDayQuery, pgx.NamedArgs{
		"model_id":  in.ModelID,
		"subreddit": in.Subreddit,
		"day_start": in.DayStart,
		"day_end":   in.DayStart.Add(24 * time.Hour),
	}).Scan(&count); err != nil {
		return nil, err
	}

	return &entity.CountPendingForSubredditOnDayOutput{Count: count}, nil
}

// The status guard in the WHERE clause makes every transition a compare-and-set.
const transitionScheduledPostQuery = `
UPDATE scheduled_posts
SET status = @to,
    error = CASE WHEN @to = 'failed' THEN @error ELSE error END,
    external_url = CASE WHEN @external_url <> '' THEN @external_url ELSE external_url END,
    attempts = attempts + CASE WHEN @to = 'processing' THEN 1 ELSE 0 END,
    updated_at = @now
WHERE id = @id AND status = @from;
`

func (h *Handle) TransitionScheduledPost(ctx context.Context, in *entity.TransitionScheduledPostInput) (*entity.TransitionScheduledPostOutput, error) {
	if !in.From.CanTransition(in.To) {
		return nil, fmt.Errorf("%w: %s -> %s", entity.ErrInvalidTransition, in.From, in.To)
	}

	db, err := h.db()
	if err != nil {
		return nil, err
	}

	tag, err := db.Exec(ctx, transitionScheduledPostQuery, pgx.NamedArgs{
		"id":           in.ID,
		"from":         string(in.From),
		"to":           string(in.To),
		"error":        in.Error,
		"external_url": in.ExternalURL,
		"now":          nowOr(in.Now),
	})
	if err != nil {
		return nil, err
	}

	return &entity.TransitionScheduledPostOutput{Applied: tag.RowsAffected() == 1}, nil
}

const assignSlotQuery = `
UPDATE scheduled_posts
SET status = 'ready', target_subreddit = @subreddit, scheduled_for = @scheduled_for, updated_at = @now
WHERE id = @id AND status = 'queued';
`

func (h *Handle) AssignSlot(ctx context.Context, in *entity.AssignSlotInput) (*entity.AssignSlotOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	tag, err := db.Exec(ctx, assignSlotQuery, pgx.NamedArgs{
		"id":            in.ID,
		"subreddit":     in.Subreddit,
		"scheduled_for": in.ScheduledFor,
		"now":           nowOr(in.Now),
	})
	if err != nil {
		return nil, err
	}

	return &entity.AssignSlotOutput{Applied: tag.RowsAffected() == 1}, nil
}

// sweepStaleProcessingQuery settles expired leases. A row whose publish was already recorded in posts is marked
// published with that URL; the rest fail.
const sweepStaleProcessingQuery = `
UPDATE scheduled_posts sp
SET status       = CASE WHEN stale.published_url IS NULL THEN 'failed' ELSE 'published' END,
    error        = CASE WHEN stale.published_url IS NULL THEN @error ELSE '' END,
    external_url = COALESCE(stale.published_url, sp.external_url),
    updated_at   = @now
FROM (
    SELECT s.id AS stale_id,
           (SELECT p.external_url FROM posts p WHERE p.scheduled_post_id = s.id ORDER BY p.created_at DESC LIMIT 1) AS published_url
    FROM scheduled_posts s
    WHERE s.status = 'processing' AND s.updated_at < @older_than
) stale
WHERE sp.id = stale.stale_id AND sp.status = 'processing'
RETURNING` + scheduledPostColumns + `;
`

func (h *Handle) SweepStaleProcessing(ctx context.Context, in *entity.SweepStaleProcessingInput) (*entity.SweepStaleProcessingOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, sweepStaleProcessingQuery, pgx.NamedArgs{
		"older_than": in.OlderThan,
		"error":      in.Error,
		"now":        nowOr(in.Now),
	})
	if err != nil {
		return nil, err
	}

	posts, err := collectScheduledPosts(rows)
	if err != nil {
		return nil, err
	}

	return &entity.SweepStaleProcessingOutput{Swept: posts}, nil
}

func collectScheduledPosts(rows pgx.Rows) ([]*entity.ScheduledPost, error) {
	dbModels, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.ScheduledPost])
	if err != nil {
		return nil, err
	}

	out := make([]*entity.ScheduledPost, 0, len(dbModels))
	for _, p := range dbModels {
		out = append(out, p.Entity())
	}
	return out, nil
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
