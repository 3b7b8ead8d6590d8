package persistence

import (
	"context"
	"errors"

	"github.com/forbiddencoding/social-autoposter/common/config"
	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/persistence/memory"
	"github.com/forbiddencoding/social-autoposter/common/persistence/postgres"
)

type Persistence interface {
	Close(ctx context.Context) error
	ModelStore
	SubredditStore
	ScheduledPostStore
	PostStore
	AgentLogStore
	CollabStore
}

type ModelStore interface {
	ListModels(ctx context.Context, in *entity.ListModelsInput) (*entity.ListModelsOutput, error)
	GetModel(ctx context.Context, in *entity.GetModelInput) (*entity.GetModelOutput, error)
	UpdateModelTwitterToken(ctx context.Context, in *entity.UpdateModelTwitterTokenInput) (*entity.UpdateModelTwitterTokenOutput, error)
}

type SubredditStore interface {
	ListSubreddits(ctx context.Context, in *entity.ListSubredditsInput) (*entity.ListSubredditsOutput, error)
	ClaimSubredditCooldown(ctx context.Context, in *entity.ClaimSubredditCooldownInput) (*entity.ClaimSubredditCooldownOutput, error)
	ReleaseSubredditCooldown(ctx context.Context, in *entity.ReleaseSubredditCooldownInput) (*entity.ReleaseSubredditCooldownOutput, error)
	MarkSubredditPosted(ctx context.Context, in *entity.MarkSubredditPostedInput) (*entity.MarkSubredditPostedOutput, error)
	MarkSubredditBanned(ctx context.Context, in *entity.MarkSubredditBannedInput) (*entity.MarkSubredditBannedOutput, error)
	UpdateSubredditMetrics(ctx context.Context, in *entity.UpdateSubredditMetricsInput) (*entity.UpdateSubredditMetricsOutput, error)
	SubredditStats(ctx context.Context, in *entity.SubredditStatsInput) (*entity.SubredditStatsOutput, error)
}

type ScheduledPostStore interface {
	CreateScheduledPost(ctx context.Context, in *entity.CreateScheduledPostInput) (*entity.CreateScheduledPostOutput, error)
	CreateScheduledPosts(ctx context.Context, in *entity.CreateScheduledPostsInput) (*entity.CreateScheduledPostsOutput, error)
	GetScheduledPost(ctx context.Context, in *entity.GetScheduledPostInput) (*entity.GetScheduledPostOutput, error)
	ListDueScheduledPosts(ctx context.Context, in *entity.ListDueScheduledPostsInput) (*entity.ListDueScheduledPostsOutput, error)
	ListScheduledPosts(ctx context.Context, in *entity.ListScheduledPostsInput) (*entity.ListScheduledPostsOutput, error)
	ListQueuedScheduledPosts(ctx context.Context, in *entity.ListQueuedScheduledPostsInput) (*entity.ListQueuedScheduledPostsOutput, error)
	CountPendingForSubredditOnDay(ctx context.Context, in *entity.CountPendingForSubredditOnDayInput) (*entity.CountPendingForSubredditOnDayOutput, error)
	TransitionScheduledPost(ctx context.Context, in *entity.TransitionScheduledPostInput) (*entity.TransitionScheduledPostOutput, error)
	AssignSlot(ctx context.Context, in *entity.AssignSlotInput) (*entity.AssignSlotOutput, error)
	SweepStaleProcessing(ctx context.Context, in *entity.SweepStaleProcessingInput) (*entity.SweepStaleProcessingOutput, error)
}

type PostStore interface {
	CreatePost(ctx context.Context, in *entity.CreatePostInput) (*entity.CreatePostOutput, error)
	ListRecentPosts(ctx context.Context, in *entity.ListRecentPostsInput) (*entity.ListRecentPostsOutput, error)
	RecordSubPerformance(ctx context.Context, in *entity.RecordSubPerformanceInput) (*entity.RecordSubPerformanceOutput, error)
}

type AgentLogStore interface {
	AppendAgentLog(ctx context.Context, in *entity.AppendAgentLogInput) (*entity.AppendAgentLogOutput, error)
	CountAgentLogs(ctx context.Context, in *entity.CountAgentLogsInput) (*entity.CountAgentLogsOutput, error)
	ListRecentAgentLogs(ctx context.Context, in *entity.ListRecentAgentLogsInput) (*entity.ListRecentAgentLogsOutput, error)
	ReserveWrites(ctx context.Context, in *entity.ReserveWritesInput) (*entity.ReserveWritesOutput, error)
}

type CollabStore interface {
	CreateCollab(ctx context.Context, in *entity.CreateCollabInput) (*entity.CreateCollabOutput, error)
	ListCollabs(ctx context.Context, in *entity.ListCollabsInput) (*entity.ListCollabsOutput, error)
	TransitionCollab(ctx context.Context, in *entity.TransitionCollabInput) (*entity.TransitionCollabOutput, error)
	RecordCollabDMFailure(ctx context.Context, in *entity.RecordCollabDMFailureInput) (*entity.RecordCollabDMFailureOutput, error)
}

var ErrUnsupportedPersistenceDriver = errors.New("unsupported persistence driver")

var (
	_ Persistence = (*postgres.Handle)(nil)
	_ Persistence = (*memory.Store)(nil)
)

func New(ctx context.Context, config *config.Persistence) (Persistence, error) {
	switch config.Driver {
	case "postgres":
		handle, err := postgres.NewHandle(ctx, config)
		if err != nil {
			return nil, err
		}
		return handle, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, ErrUnsupportedPersistenceDriver
	}
}
