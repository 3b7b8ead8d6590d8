package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/persistence/postgres/models"
	"github.com/jackc/pgx/v5"
)

const listSubredditsQuery = `
SELECT id, model_id, name, cooldown_hours, last_posted_at, engagement_score, members, is_approved, is_banned, nsfw
FROM subreddits
WHERE model_id = @model_id
  AND (NOT @eligible_only OR (is_approved AND NOT is_banned))
ORDER BY engagement_score DESC, name;
`

func (h *Handle) ListSubreddits(ctx context.Context, in *entity.ListSubredditsInput) (*entity.ListSubredditsOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, listSubredditsQuery, pgx.NamedArgs{
		"model_id":      in.ModelID,
		"eligible_only": in.EligibleOnly,
	})
	if err != nil {
		return nil, err
	}

	dbModels, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.Subreddit])
	if err != nil {
		return nil, err
	}

	out := make([]*entity.Subreddit, 0, len(dbModels))
	for _, s := range dbModels {
		out = append(out, s.Entity())
	}

	return &entity.ListSubredditsOutput{Subreddits: out}, nil
}

// The cooldown check and the write happen in one statement so concurrent claims cannot both succeed. The locked
// prev row supplies the value a failed publish restores.
const claimSubredditCooldownQuery = `
WITH prev AS (
    SELECT id, last_posted_at FROM subreddits WHERE id = @id FOR UPDATE
)
UPDATE subreddits s
SET last_posted_at = @now
FROM prev
WHERE s.id = prev.id
  AND s.is_approved AND NOT s.is_banned
  AND (s.last_posted_at IS NULL OR s.last_posted_at + make_interval(hours => s.cooldown_hours) <= @now)
RETURNING prev.last_posted_at, s.last_posted_at;
`

func (h *Handle) ClaimSubredditCooldown(ctx context.Context, in *entity.ClaimSubredditCooldownInput) (*entity.ClaimSubredditCooldownOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	var (
		previous  *time.Time
		claimedAt time.Time
	)
	err = db.QueryRow(ctx, claimSubredditCooldownQuery, pgx.NamedArgs{
		"id":  in.ID,
		"now": in.Now,
	}).Scan(&previous, &claimedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &entity.ClaimSubredditCooldownOutput{Claimed: false}, nil
	}
	if err != nil {
		return nil, err
	}

	return &entity.ClaimSubredditCooldownOutput{Claimed: true, ClaimedAt: claimedAt, Previous: previous}, nil
}

const releaseSubredditCooldownQuery = `
UPDATE subreddits
SET last_posted_at = @previous
WHERE id = @id AND last_posted_at = @claimed_at;
`

func (h *Handle) ReleaseSubredditCooldown(ctx context.Context, in *entity.ReleaseSubredditCooldownInput) (*entity.ReleaseSubredditCooldownOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	tag, err := db.Exec(ctx, releaseSubredditCooldownQuery, pgx.NamedArgs{
		"id":         in.ID,
		"claimed_at": in.ClaimedAt,
		"previous":   in.Previous,
	})
	if err != nil {
		return nil, err
	}

	return &entity.ReleaseSubredditCooldownOutput{Released: tag.RowsAffected() == 1}, nil
}

const markSubredditPostedQuery = `
UPDATE subreddits
SET last_posted_at = GREATEST(COALESCE(last_posted_at, @posted_at), @posted_at)
WHERE model_id = @model_id AND lower(name) = lower(@name);
`

func (h *Handle) MarkSubredditPosted(ctx context.Context, in *entity.MarkSubredditPostedInput) (*entity.MarkSubredditPostedOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	if _, err = db.Exec(ctx, markSubredditPostedQuery, pgx.NamedArgs{
		"model_id":  in.ModelID,
		"name":      in.Name,
		"posted_at": in.PostedAt,
	}); err != nil {
		return nil, err
	}

	return &entity.MarkSubredditPostedOutput{}, nil
}

const markSubredditBannedQuery = `
UPDATE subreddits SET is_banned = true WHERE model_id = @model_id AND lower(name) = lower(@name);
`

func (h *Handle) MarkSubredditBanned(ctx context.Context, in *entity.MarkSubredditBannedInput) (*entity.MarkSubredditBannedOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	if _, err = db.Exec(ctx, markSubredditBannedQuery, pgx.NamedArgs{
		"model_id": in.ModelID,
		"name":     in.Name,
	}); err != nil {
		return nil, err
	}

	return &entity.MarkSubredditBannedOutput{}, nil
}

const updateSubredditMetricsQuery = `
UPDATE subreddits SET members = @members, engagement_score = @engagement_score WHERE id = @id;
`

func (h *Handle) UpdateSubredditMetrics(ctx context.Context, in *entity.UpdateSubredditMetricsInput) (*entity.UpdateSubredditMetricsOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	if _, err = db.Exec(ctx, updateSubredditMetricsQuery, pgx.NamedArgs{
		"id":               in.ID,
		"members":          in.Members,
		"engagement_score": in.EngagementScore,
	}); err != nil {
		return nil, err
	}

	return &entity.UpdateSubredditMetricsOutput{}, nil
}

const subredditStatsQuery = `
SELECT
    sp.subreddit AS subreddit,
    COALESCE(AVG(sp.upvotes), 0)::float8 AS avg_upvotes,
    COUNT(*) FILTER (WHERE sp.removed) AS removals,
    COUNT(*) AS posts
FROM sub_performance sp
WHERE sp.model_id = @model_id AND sp.measured_at >= @since
GROUP BY sp.subreddit;
`

func (h *Handle) SubredditStats(ctx context.Context, in *entity.SubredditStatsInput) (*entity.SubredditStatsOutput, error) {
	db, err := h.db()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, subredditStatsQuery, pgx.NamedArgs{
		"model_id": in.ModelID,
		"since":    in.Since,
	})
	if err != nil {
		return nil, err
	}

	dbModels, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.SubredditStats])
	if err != nil {
		return nil, err
	}

	out := make([]*entity.SubredditStats, 0, len(dbModels))
	for _, s := range dbModels {
		out = append(out, s.Entity())
	}

	return &entity.SubredditStatsOutput{Stats: out}, nil
}
