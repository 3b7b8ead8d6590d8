// Package models holds the row shapes scanned by pgx.RowToStructByName.
package models

import (
	"time"

	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
)

type (
	Model struct {
		ID                  int64      `db:"id"`
		Name                string     `db:"name"`
		Persona             string     `db:"persona"`
		Bio                 string     `db:"bio"`
		Language            string     `db:"language"`
		TelegramChatID      int64      `db:"telegram_chat_id"`
		RedditUsername      string     `db:"reddit_username"`
		RedditPassword      string     `db:"reddit_password"`
		TwitterUserID       string     `db:"twitter_user_id"`
		TwitterAccessToken  string     `db:"twitter_access_token"`
		TwitterRefreshToken string     `db:"twitter_refresh_token"`
		TwitterTokenExpiry  *time.Time `db:"twitter_token_expiry"`
		TwitterOAuth1Token  string     `db:"twitter_oauth1_token"`
		TwitterOAuth1Secret string     `db:"twitter_oauth1_secret"`
		EnabledPlatforms    []string   `db:"enabled_platforms"`
	}

	Subreddit struct {
		ID              int64      `db:"id"`
		ModelID         int64      `db:"model_id"`
		Name            string     `db:"name"`
		CooldownHours   int        `db:"cooldown_hours"`
		LastPostedAt    *time.Time `db:"last_posted_at"`
		EngagementScore float64    `db:"engagement_score"`
		Members         int64      `db:"members"`
		IsApproved      bool       `db:"is_approved"`
		IsBanned        bool       `db:"is_banned"`
		NSFW            bool       `db:"nsfw"`
	}

	SubredditStats struct {
		Subreddit  string  `db:"subreddit"`
		AvgUpvotes float64 `db:"avg_upvotes"`
		Removals   int64   `db:"removals"`
		Posts      int64   `db:"posts"`
	}

	ScheduledPost struct {
		ID              int64      `db:"id"`
		ModelID         int64      `db:"model_id"`
		Platform        string     `db:"platform"`
		Status          string     `db:"status"`
		ScheduledFor    *time.Time `db:"scheduled_for"`
		TargetSubreddit string     `db:"target_subreddit"`
		Title           string     `db:"title"`
		MediaURL        string     `db:"media_url"`
		NSFW            bool       `db:"nsfw"`
		Attempts        int        `db:"attempts"`
		Error           string     `db:"error"`
		ExternalURL     string     `db:"external_url"`
		CreatedAt       time.Time  `db:"created_at"`
		UpdatedAt       time.Time  `db:"updated_at"`
	}

	Post struct {
		ID              int64     `db:"id"`
		ModelID         int64     `db:"model_id"`
		ScheduledPostID *int64    `db:"scheduled_post_id"`
		Platform        string    `db:"platform"`
		ExternalID      string    `db:"external_id"`
		ExternalURL     string    `db:"external_url"`
		Subreddit       string    `db:"subreddit"`
		Content         string    `db:"content"`
		MediaURL        string    `db:"media_url"`
		CreatedAt       time.Time `db:"created_at"`
	}

	AgentLog struct {
		ID        int64          `db:"id"`
		ModelID   int64          `db:"model_id"`
		Action    string         `db:"action"`
		Details   map[string]any `db:"details"`
		CreatedAt time.Time      `db:"created_at"`
	}

	TwitterCollab struct {
		ID           int64     `db:"id"`
		ModelID      int64     `db:"model_id"`
		Handle       string    `db:"handle"`
		TargetUserID string    `db:"target_user_id"`
		Status       string    `db:"status"`
		Note         string    `db:"note"`
		DMFailures   int       `db:"dm_failures"`
		CreatedAt    time.Time `db:"created_at"`
		UpdatedAt    time.Time `db:"updated_at"`
	}
)

func (m Model) Entity() *entity.Model {
	platforms := make([]entity.Platform, 0, len(m.EnabledPlatforms))
	for _, p := range m.EnabledPlatforms {
		platforms = append(platforms, entity.Platform(p))
	}
	return &entity.Model{
		ID:                  m.ID,
		Name:                m.Name,
		Persona:             m.Persona,
		Bio:                 m.Bio,
		Language:            m.Language,
		TelegramChatID:      m.TelegramChatID,
		RedditUsername:      m.RedditUsername,
		RedditPassword:      m.RedditPassword,
		TwitterUserID:       m.TwitterUserID,
		TwitterAccessToken:  m.TwitterAccessToken,
		TwitterRefreshToken: m.TwitterRefreshToken,
		TwitterTokenExpiry:  m.TwitterTokenExpiry,
		TwitterOAuth1Token:  m.TwitterOAuth1Token,
		TwitterOAuth1Secret: m.TwitterOAuth1Secret,
		EnabledPlatforms:    platforms,
	}
}

func (s Subreddit) Entity() *entity.Subreddit {
	return &entity.Subreddit{
		ID:              s.ID,
		ModelID:         s.ModelID,
		Name:            s.Name,
		CooldownHours:   s.CooldownHours,
		LastPostedAt:    s.LastPostedAt,
		EngagementScore: s.EngagementScore,
		Members:         s.Members,
		IsApproved:      s.IsApproved,
		IsBanned:        s.IsBanned,
		NSFW:            s.NSFW,
	}
}

func (s SubredditStats) Entity() *entity.SubredditStats {
	return &entity.SubredditStats{
		Subreddit:  s.Subreddit,
		AvgUpvotes: s.AvgUpvotes,
		Removals:   s.Removals,
		Posts:      s.Posts,
	}
}

func (p ScheduledPost) Entity() *entity.ScheduledPost {
	return &entity.ScheduledPost{
		ID:              p.ID,
		ModelID:         p.ModelID,
		Platform:        entity.Platform(p.Platform),
		Status:          entity.ScheduledPostStatus(p.Status),
		ScheduledFor:    p.ScheduledFor,
		TargetSubreddit: p.TargetSubreddit,
		Title:           p.Title,
		MediaURL:        p.MediaURL,
		NSFW:            p.NSFW,
		Attempts:        p.Attempts,
		Error:           p.Error,
		ExternalURL:     p.ExternalURL,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func (p Post) Entity() *entity.Post {
	out := &entity.Post{
		ID:          p.ID,
		ModelID:     p.ModelID,
		Platform:    entity.Platform(p.Platform),
		ExternalID:  p.ExternalID,
		ExternalURL: p.ExternalURL,
		Subreddit:   p.Subreddit,
		Content:     p.Content,
		MediaURL:    p.MediaURL,
		CreatedAt:   p.CreatedAt,
	}
	if p.ScheduledPostID != nil {
		out.ScheduledPostID = *p.ScheduledPostID
	}
	return out
}

func (l AgentLog) Entity() *entity.AgentLog {
	return &entity.AgentLog{
		ID:        l.ID,
		ModelID:   l.ModelID,
		Action:    l.Action,
		Details:   l.Details,
		CreatedAt: l.CreatedAt,
	}
}

func (c TwitterCollab) Entity() *entity.TwitterCollab {
	return &entity.TwitterCollab{
		ID:           c.ID,
		ModelID:      c.ModelID,
		Handle:       c.Handle,
		TargetUserID: c.TargetUserID,
		Status:       entity.CollabStatus(c.Status),
		Note:         c.Note,
		DMFailures:   c.DMFailures,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}
