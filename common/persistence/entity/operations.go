package entity

import "time"

type (
	ListModelsInput struct {
		// Platform filters to models with the platform enabled. Empty lists all models.
		Platform Platform `json:"platform,omitempty"`
	}

	ListModelsOutput struct {
		Models []*Model `json:"models"`
	}

	// GetModelInput looks a model up by ID or, when ID is zero, by Telegram chat.
	GetModelInput struct {
		ID             int64 `json:"id,omitzero"`
		TelegramChatID int64 `json:"telegram_chat_id,omitzero"`
	}

	GetModelOutput struct {
		Model *Model `json:"model"`
	}

	UpdateModelTwitterTokenInput struct {
		ID           int64     `json:"id"`
		AccessToken  string    `json:"-"`
		RefreshToken string    `json:"-"`
		Expiry       time.Time `json:"expiry"`
	}

	UpdateModelTwitterTokenOutput struct {
	}

	ListSubredditsInput struct {
		ModelID      int64 `json:"model_id"`
		EligibleOnly bool  `json:"eligible_only"`
	}

	ListSubredditsOutput struct {
		Subreddits []*Subreddit `json:"subreddits"`
	}

	ClaimSubredditCooldownInput struct {
		ID  int64     `json:"id"`
		Now time.Time `json:"now"`
	}

	// ClaimSubredditCooldownOutput carries what ReleaseSubredditCooldown needs to undo the claim.
	ClaimSubredditCooldownOutput struct {
		Claimed   bool       `json:"claimed"`
		ClaimedAt time.Time  `json:"claimed_at"`
		Previous  *time.Time `json:"previous,omitempty"`
	}

	// ReleaseSubredditCooldownInput restores Previous only while the subreddit still holds the claim made at ClaimedAt.
	ReleaseSubredditCooldownInput struct {
		ID        int64      `json:"id"`
		ClaimedAt time.Time  `json:"claimed_at"`
		Previous  *time.Time `json:"previous,omitempty"`
	}

	ReleaseSubredditCooldownOutput struct {
		Released bool `json:"released"`
	}

	MarkSubredditPostedInput struct {
		ModelID  int64     `json:"model_id"`
		Name     string    `json:"name"`
		PostedAt time.Time `json:"posted_at"`
	}

	MarkSubredditPostedOutput struct {
	}

	MarkSubredditBannedInput struct {
		ModelID int64  `json:"model_id"`
		Name    string `json:"name"`
	}

	MarkSubredditBannedOutput struct {
	}

	UpdateSubredditMetricsInput struct {
		ID              int64   `json:"id"`
		Members         int64   `json:"members"`
		EngagementScore float64 `json:"engagement_score"`
	}

	UpdateSubredditMetricsOutput struct {
	}

	SubredditStatsInput struct {
		ModelID int64     `json:"model_id"`
		Since   time.Time `json:"since"`
	}

	SubredditStatsOutput struct {
		Stats []*SubredditStats `json:"stats"`
	}

	CreateScheduledPostInput struct {
		Post *ScheduledPost `json:"post"`
	}

	CreateScheduledPostOutput struct {
	}

	// CreateScheduledPostsInput inserts every post or none of them.
	CreateScheduledPostsInput struct {
		Posts []*ScheduledPost `json:"posts"`
	}

	CreateScheduledPostsOutput struct {
	}

	GetScheduledPostInput struct {
		ID int64 `json:"id"`
	}

	GetScheduledPostOutput struct {
		Post *ScheduledPost `json:"post"`
	}

	ListDueScheduledPostsInput struct {
		Now   time.Time `json:"now"`
		Limit int       `json:"limit"`
	}

	ListDueScheduledPostsOutput struct {
		Posts []*ScheduledPost `json:"posts"`
	}

	ListScheduledPostsInput struct {
		ModelID  int64                 `json:"model_id"`
		Statuses []ScheduledPostStatus `json:"statuses,omitempty"`
		Limit    int                   `json:"limit,omitzero"`
	}

	ListScheduledPostsOutput struct {
		Posts []*ScheduledPost `json:"posts"`
	}

	ListQueuedScheduledPostsInput struct {
		ModelID int64 `json:"model_id"`
	}

	ListQueuedScheduledPostsOutput struct {
		Posts []*ScheduledPost `json:"posts"`
	}

	// CountPendingForSubredditOnDayInput counts ready or processing rows for the subreddit within [DayStart, DayStart+24h).
	CountPendingForSubredditOnDayInput struct {
		ModelID   int64     `json:"model_id"`
		Subreddit string    `json:"subreddit"`
		DayStart  time.Time `json:"day_start"`
	}

	CountPendingForSubredditOnDayOutput struct {
		Count int64 `json:"count"`
	}

	TransitionScheduledPostInput struct {
		ID          int64               `json:"id"`
		From        ScheduledPostStatus `json:"from"`
		To          ScheduledPostStatus `json:"to"`
		Error       string              `json:"error,omitempty"`
		ExternalURL string              `json:"external_url,omitempty"`
		Now         time.Time           `json:"now"`
	}

	TransitionScheduledPostOutput struct {
		Applied bool `json:"applied"`
	}

	AssignSlotInput struct {
		ID           int64     `json:"id"`
		Subreddit    string    `json:"subreddit"`
		ScheduledFor time.Time `json:"scheduled_for"`
		Now          time.Time `json:"now"`
	}

	AssignSlotOutput struct {
		Applied bool `json:"applied"`
	}

	SweepStaleProcessingInput struct {
		OlderThan time.Time `json:"older_than"`
		Error     string    `json:"error"`
		Now       time.Time `json:"now"`
	}

	// SweepStaleProcessingOutput lists the settled rows. A row whose publish was already recorded as a Post ends
	// published, every other row ends failed.
	SweepStaleProcessingOutput struct {
		Swept []*ScheduledPost `json:"swept"`
	}

	CreatePostInput struct {
		Post *Post `json:"post"`
	}

	CreatePostOutput struct {
	}

	ListRecentPostsInput struct {
		ModelID  int64     `json:"model_id"`
		Platform Platform  `json:"platform,omitempty"`
		Since    time.Time `json:"since"`
		Limit    int       `json:"limit"`
	}

	ListRecentPostsOutput struct {
		Posts []*Post `json:"posts"`
	}

	RecordSubPerformanceInput struct {
		Performance *SubPerformance `json:"performance"`
	}

	RecordSubPerformanceOutput struct {
	}

	AppendAgentLogInput struct {
		Log *AgentLog `json:"log"`
	}

	AppendAgentLogOutput struct {
	}

	// CountAgentLogsInput counts rows whose action starts with ActionPrefix. ModelID zero counts across all models.
	CountAgentLogsInput struct {
		ModelID      int64     `json:"model_id,omitzero"`
		ActionPrefix string    `json:"action_prefix"`
		Since        time.Time `json:"since"`
	}

	CountAgentLogsOutput struct {
		Count int64 `json:"count"`
	}

	ListRecentAgentLogsInput struct {
		ModelID      int64  `json:"model_id"`
		ActionPrefix string `json:"action_prefix"`
		Limit        int    `json:"limit"`
	}

	ListRecentAgentLogsOutput struct {
		Logs []*AgentLog `json:"logs"`
	}

	// ReserveWritesInput inserts Logs only if the count of rows matching ActionPrefix since Since plus len(Logs)
	// stays within Ceiling. Every log action must carry the prefix.
	ReserveWritesInput struct {
		ActionPrefix string      `json:"action_prefix"`
		Since        time.Time   `json:"since"`
		Ceiling      int64       `json:"ceiling"`
		Logs         []*AgentLog `json:"logs"`
	}

	ReserveWritesOutput struct {
		Reserved bool  `json:"reserved"`
		Used     int64 `json:"used"`
	}

	CreateCollabInput struct {
		Collab *TwitterCollab `json:"collab"`
	}

	CreateCollabOutput struct {
		Created bool `json:"created"`
	}

	ListCollabsInput struct {
		ModelID int64        `json:"model_id"`
		Status  CollabStatus `json:"status,omitempty"`
	}

	ListCollabsOutput struct {
		Collabs []*TwitterCollab `json:"collabs"`
	}

	TransitionCollabInput struct {
		ID           int64        `json:"id"`
		From         CollabStatus `json:"from"`
		To           CollabStatus `json:"to"`
		Note         string       `json:"note,omitempty"`
		TargetUserID string       `json:"target_user_id,omitempty"`
		Now          time.Time    `json:"now"`
	}

	TransitionCollabOutput struct {
		Applied bool `json:"applied"`
	}

	// RecordCollabDMFailureInput counts a failed DM against a still suggested collab.
	RecordCollabDMFailureInput struct {
		ID  int64     `json:"id"`
		Now time.Time `json:"now"`
	}

	RecordCollabDMFailureOutput struct {
		Failures int `json:"failures"`
	}
)
