package models

import (
	"time"

	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/services/strategy"
)

type (
	ScheduledPost struct {
		ID              int64      `json:"id"`
		Platform        string     `json:"platform"`
		Status          string     `json:"status"`
		ScheduledFor    *time.Time `json:"scheduledFor,omitempty"`
		TargetSubreddit string     `json:"targetSubreddit,omitempty"`
		Title           string     `json:"title"`
		MediaURL        string     `json:"mediaUrl,omitempty"`
		NSFW            bool       `json:"nsfw"`
		Attempts        int        `json:"attempts"`
		Error           string     `json:"error,omitempty"`
		ExternalURL     string     `json:"externalUrl,omitempty"`
		CreatedAt       time.Time  `json:"createdAt"`
	}

	Subreddit struct {
		ID              int64      `json:"id"`
		Name            string     `json:"name"`
		CooldownHours   int        `json:"cooldownHours"`
		LastPostedAt    *time.Time `json:"lastPostedAt,omitempty"`
		EngagementScore float64    `json:"engagementScore"`
		Members         int64      `json:"members"`
		IsApproved      bool       `json:"isApproved"`
		IsBanned        bool       `json:"isBanned"`
		NSFW            bool       `json:"nsfw"`
	}

	ListScheduledPostsInput struct {
		ModelID  int64    `json:"modelID" validate:"required"`
		Statuses []string `json:"statuses" validate:"dive,oneof=queued ready processing published failed"`
	}

	ListScheduledPostsOutput struct {
		Posts []*ScheduledPost `json:"posts"`
	}

	// QueueContentInput adds captioned media without a slot. The scheduler assigns subreddit and time later.
	QueueContentInput struct {
		ModelID  int64  `json:"modelID" validate:"required"`
		Caption  string `json:"caption" validate:"required,max=300"`
		MediaURL string `json:"mediaUrl" validate:"required,url"`
		NSFW     bool   `json:"nsfw"`
	}

	QueueContentOutput struct {
		ID int64 `json:"id"`
	}

	PreviewStrategyInput struct {
		ModelID int64            `json:"modelID" validate:"required"`
		Content strategy.Content `json:"content"`
		Count   int              `json:"count" validate:"min=0,max=3"`
	}

	PreviewStrategyOutput struct {
		Picks []strategy.Pick `json:"picks"`
	}

	PostNowInput struct {
		ModelID int64            `json:"modelID" validate:"required"`
		Content strategy.Content `json:"content"`
	}

	PostNowOutput struct {
		WorkflowID string `json:"workflowID"`
	}

	PlanInput struct {
		ModelID int64            `json:"modelID" validate:"required"`
		Content strategy.Content `json:"content"`
	}

	PlanOutput struct {
		WorkflowID string `json:"workflowID"`
	}

	PublishScheduledPostInput struct {
		ModelID         int64 `json:"modelID" validate:"required"`
		ScheduledPostID int64 `json:"scheduledPostID" validate:"required"`
	}

	PublishScheduledPostOutput struct {
		WorkflowID string `json:"workflowID"`
	}

	RefreshDiscoveryInput struct {
		ModelID int64 `json:"modelID" validate:"required"`
	}

	RefreshDiscoveryOutput struct {
		WorkflowID string `json:"workflowID"`
	}

	ListSubredditsInput struct {
		ModelID      int64 `json:"modelID" validate:"required"`
		EligibleOnly bool  `json:"eligibleOnly"`
	}

	ListSubredditsOutput struct {
		Subreddits []*Subreddit `json:"subreddits"`
	}

	GetBudgetInput struct {
	}

	GetBudgetOutput struct {
		Used      int64 `json:"used"`
		Remaining int64 `json:"remaining"`
	}
)

func toScheduledPost(p *entity.ScheduledPost) *ScheduledPost {
	return &ScheduledPost{
		ID:              p.ID,
		Platform:        string(p.Platform),
		Status:          string(p.Status),
		ScheduledFor:    p.ScheduledFor,
		TargetSubreddit: p.TargetSubreddit,
		Title:           p.Title,
		MediaURL:        p.MediaURL,
		NSFW:            p.NSFW,
		Attempts:        p.Attempts,
		Error:           p.Error,
		ExternalURL:     p.ExternalURL,
		CreatedAt:       p.CreatedAt,
	}
}

func toSubreddit(s *entity.Subreddit) *Subreddit {
	return &Subreddit{
		ID:              s.ID,
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
