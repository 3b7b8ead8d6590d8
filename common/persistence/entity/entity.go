package entity

import (
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Platform string

const (
	PlatformReddit  Platform = "reddit"
	PlatformTwitter Platform = "twitter"
)

type ScheduledPostStatus string

const (
	StatusQueued     ScheduledPostStatus = "queued"
	StatusReady      ScheduledPostStatus = "ready"
	StatusProcessing ScheduledPostStatus = "processing"
	StatusPublished  ScheduledPostStatus = "published"
	StatusFailed     ScheduledPostStatus = "failed"
)

// CanTransition reports whether a scheduled post may move from s to next.
func (s ScheduledPostStatus) CanTransition(next ScheduledPostStatus) bool {
	switch s {
	case StatusQueued:
		return next == StatusReady || next == StatusFailed
	case StatusReady:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusPublished || next == StatusFailed
	default:
		return false
	}
}

type CollabStatus string

const (
	CollabSuggested CollabStatus = "suggested"
	CollabDMSent    CollabStatus = "dm_sent"
	CollabResponded CollabStatus = "responded"
	CollabAgreed    CollabStatus = "agreed"
)

func (s CollabStatus) CanTransition(next CollabStatus) bool {
	switch s {
	case CollabSuggested:
		return next == CollabDMSent
	case CollabDMSent:
		return next == CollabResponded
	case CollabResponded:
		return next == CollabAgreed
	default:
		return false
	}
}

type (
	Model struct {
		ID                  int64      `json:"id"`
		Name                string     `json:"name"`
		Persona             string     `json:"persona"`
		Bio                 string     `json:"bio"`
		Language            string     `json:"language"`
		TelegramChatID      int64      `json:"telegram_chat_id"`
		RedditUsername      string     `json:"reddit_username"`
		RedditPassword      string     `json:"-"`
		TwitterUserID       string     `json:"twitter_user_id"`
		TwitterAccessToken  string     `json:"-"`
		TwitterRefreshToken string     `json:"-"`
		TwitterTokenExpiry  *time.Time `json:"-"`
		TwitterOAuth1Token  string     `json:"-"`
		TwitterOAuth1Secret string     `json:"-"`
		EnabledPlatforms    []Platform `json:"enabled_platforms"`
	}

	Subreddit struct {
		ID              int64      `json:"id"`
		ModelID         int64      `json:"model_id"`
		Name            string     `json:"name"`
		CooldownHours   int        `json:"cooldown_hours"`
		LastPostedAt    *time.Time `json:"last_posted_at,omitempty"`
		EngagementScore float64    `json:"engagement_score"`
		Members         int64      `json:"members"`
		IsApproved      bool       `json:"is_approved"`
		IsBanned        bool       `json:"is_banned"`
		NSFW            bool       `json:"nsfw"`
	}

	SubredditStats struct {
		Subreddit  string  `json:"subreddit"`
		AvgUpvotes float64 `json:"avg_upvotes"`
		Removals   int64   `json:"removals"`
		Posts      int64   `json:"posts"`
	}

	ScheduledPost struct {
		ID              int64               `json:"id"`
		ModelID         int64               `json:"model_id"`
		Platform        Platform            `json:"platform"`
		Status          ScheduledPostStatus `json:"status"`
		ScheduledFor    *time.Time          `json:"scheduled_for,omitempty"`
		TargetSubreddit string              `json:"target_subreddit,omitempty"`
		Title           string              `json:"title"`
		MediaURL        string              `json:"media_url,omitempty"`
		NSFW            bool                `json:"nsfw"`
		Attempts        int                 `json:"attempts"`
		Error           string              `json:"error,omitempty"`
		ExternalURL     string              `json:"external_url,omitempty"`
		CreatedAt       time.Time           `json:"created_at"`
		UpdatedAt       time.Time           `json:"updated_at"`
	}

	Post struct {
		ID              int64     `json:"id"`
		ModelID         int64     `json:"model_id"`
		ScheduledPostID int64     `json:"scheduled_post_id,omitzero"`
		Platform        Platform  `json:"platform"`
		ExternalID      string    `json:"external_id"`
		ExternalURL     string    `json:"external_url"`
		Subreddit       string    `json:"subreddit,omitempty"`
		Content         string    `json:"content"`
		MediaURL        string    `json:"media_url,omitempty"`
		CreatedAt       time.Time `json:"created_at"`
	}

	SubPerformance struct {
		ID         int64     `json:"id"`
		ModelID    int64     `json:"model_id"`
		PostID     int64     `json:"post_id"`
		Subreddit  string    `json:"subreddit"`
		Upvotes    int       `json:"upvotes"`
		Comments   int       `json:"comments"`
		Removed    bool      `json:"removed"`
		MeasuredAt time.Time `json:"measured_at"`
	}

	AgentLog struct {
		ID        int64          `json:"id"`
		ModelID   int64          `json:"model_id"`
		Action    string         `json:"action"`
		Details   map[string]any `json:"details,omitempty"`
		CreatedAt time.Time      `json:"created_at"`
	}

	TwitterCollab struct {
		ID           int64        `json:"id"`
		ModelID      int64        `json:"model_id"`
		Handle       string       `json:"handle"`
		TargetUserID string       `json:"target_user_id,omitempty"`
		Status       CollabStatus `json:"status"`
		Note         string       `json:"note,omitempty"`
		DMFailures   int          `json:"dm_failures,omitzero"`
		CreatedAt    time.Time    `json:"created_at"`
		UpdatedAt    time.Time    `json:"updated_at"`
	}
)

func (m *Model) Enabled(p Platform) bool {
	return slices.Contains(m.EnabledPlatforms, p)
}

// Lang returns the notification language, defaulting to English.
func (m *Model) Lang() string {
	if m.Language == "" {
		return "en"
	}
	return strings.ToLower(m.Language)
}

// Eligible reports whether the subreddit may be targeted at all.
func (s *Subreddit) Eligible() bool {
	return s.IsApproved && !s.IsBanned
}

// InCooldown reports whether at is still inside the cooldown window after the last post.
func (s *Subreddit) InCooldown(at time.Time) bool {
	if s.LastPostedAt == nil || s.CooldownHours <= 0 {
		return false
	}
	return at.Sub(*s.LastPostedAt) < time.Duration(s.CooldownHours)*time.Hour
}

// MonthStart returns the first instant of t's calendar month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
