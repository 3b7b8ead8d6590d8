package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/ids"
	"github.com/forbiddencoding/social-autoposter/common/persistence"
	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/common/reddit"
	"github.com/forbiddencoding/social-autoposter/common/temporalx"
	"github.com/forbiddencoding/social-autoposter/services/strategy"
	"go.temporal.io/sdk/activity"
)

const (
	RunCommandActivityName           = "run_command"
	PublishScheduledPostActivityName = "publish_scheduled_post"
	ListDiscoveryModelsActivityName  = "list_discovery_models"
	RefreshPerformanceActivityName   = "refresh_performance"
	RefreshSubredditsActivityName    = "refresh_subreddits"

	performanceWindow = 7 * 24 * time.Hour
	statsWindow       = 30 * 24 * time.Hour
	maxInfoBatch      = 100

	// A subreddit that removed this many of the model's posts inside the window is treated as banned.
	removalBanThreshold = 2
)

type Strategist interface {
	PostNow(ctx context.Context, m *entity.Model, c *strategy.Content) (*strategy.PostResult, error)
	PlanStrategy(ctx context.Context, m *entity.Model, c *strategy.Content) ([]*entity.ScheduledPost, error)
}

type PostProcessor interface {
	ProcessPostByID(ctx context.Context, id int64) error
}

type RedditReader interface {
	GetPostInfo(ctx context.Context, fullnames []string) ([]reddit.Post, error)
	AboutSubreddit(ctx context.Context, name string) (*reddit.SubredditAbout, error)
}

type Activities struct {
	db       persistence.Persistence
	strategy Strategist
	posts    PostProcessor
	reddit   RedditReader
	ids      ids.Generator
	now      func() time.Time
}

func NewActivities(db persistence.Persistence, s Strategist, posts PostProcessor, rd RedditReader, gen ids.Generator) *Activities {
	return &Activities{
		db:       db,
		strategy: s,
		posts:    posts,
		reddit:   rd,
		ids:      gen,
		now:      time.Now,
	}
}

func (a *Activities) RunCommand(ctx context.Context, in *CommandWorkflowInput) (*CommandWorkflowOutput, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("RunCommand started", "kind", in.Kind, "model_id", in.ModelID)

	m, err := a.db.GetModel(ctx, &entity.GetModelInput{ID: in.ModelID})
	if errors.Is(err, entity.ErrNotFound) {
		return nil, temporalx.Permanent("model not found", err)
	}
	if err != nil {
		return nil, err
	}

	switch in.Kind {
	case CommandPostNow:
		res, err := a.strategy.PostNow(ctx, m.Model, &in.Content)
		if errors.Is(err, strategy.ErrNoCandidates) {
			return &CommandWorkflowOutput{Error: err.Error()}, nil
		}
		if err != nil {
			return nil, err
		}
		out := &CommandWorkflowOutput{
			Success:   res.Result.Success,
			Subreddit: res.Subreddit,
			URL:       res.Result.URL,
			Attempts:  res.Attempts,
		}
		if res.Result.Err != nil {
			out.Error = res.Result.Err.Error()
		}
		return out, nil
	case CommandPlan:
		planned, err := a.strategy.PlanStrategy(ctx, m.Model, &in.Content)
		if errors.Is(err, strategy.ErrNoCandidates) {
			return &CommandWorkflowOutput{Error: err.Error()}, nil
		}
		if err != nil {
			return nil, err
		}
		return &CommandWorkflowOutput{Success: true, Planned: len(planned)}, nil
	default:
		return nil, temporalx.Permanent(fmt.Sprintf("unknown command %q", in.Kind), nil)
	}
}

type PublishScheduledPostInput struct {
	ScheduledPostID int64 `json:"scheduled_post_id"`
}

func (a *Activities) PublishScheduledPost(ctx context.Context, in *PublishScheduledPostInput) (*PublishWorkflowOutput, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("PublishScheduledPost started", "scheduled_post_id", in.ScheduledPostID)

	if err := a.posts.ProcessPostByID(ctx, in.ScheduledPostID); err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return nil, temporalx.Permanent("scheduled post not found", err)
		}
		return nil, err
	}

	p, err := a.db.GetScheduledPost(ctx, &entity.GetScheduledPostInput{ID: in.ScheduledPostID})
	if err != nil {
		return nil, err
	}
	return &PublishWorkflowOutput{
		Status:      string(p.Post.Status),
		ExternalURL: p.Post.ExternalURL,
		Error:       p.Post.Error,
	}, nil
}

type (
	ListDiscoveryModelsInput struct {
		ModelID int64 `json:"model_id,omitzero"`
	}

	ListDiscoveryModelsOutput struct {
		ModelIDs []int64 `json:"model_ids"`
	}
)

func (a *Activities) ListDiscoveryModels(ctx context.Context, in *ListDiscoveryModelsInput) (*ListDiscoveryModelsOutput, error) {
	if in.ModelID != 0 {
		return &ListDiscoveryModelsOutput{ModelIDs: []int64{in.ModelID}}, nil
	}
	out, err := a.db.ListModels(ctx, &entity.ListModelsInput{Platform: entity.PlatformReddit})
	if err != nil {
		return nil, err
	}
	modelIDs := make([]int64, 0, len(out.Models))
	for _, m := range out.Models {
		modelIDs = append(modelIDs, m.ID)
	}
	return &ListDiscoveryModelsOutput{ModelIDs: modelIDs}, nil
}

type (
	RefreshPerformanceInput struct {
		ModelID int64 `json:"model_id"`
	}

	RefreshPerformanceOutput struct {
		Measured int `json:"measured"`
		Banned   int `json:"banned"`
	}
)

// RefreshPerformance records current score, comments and removal state of the model's recent Reddit posts and
// flags subreddits that keep removing them.
func (a *Activities) RefreshPerformance(ctx context.Context, in *RefreshPerformanceInput) (*RefreshPerformanceOutput, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("RefreshPerformance started", "model_id", in.ModelID)

	now := a.now()
	recent, err := a.db.ListRecentPosts(ctx, &entity.ListRecentPostsInput{
		ModelID:  in.ModelID,
		Platform: entity.PlatformReddit,
		Since:    now.Add(-performanceWindow),
		Limit:    maxInfoBatch,
	})
	if err != nil {
		return nil, err
	}

	byFullname := make(map[string]*entity.Post, len(recent.Posts))
	fullnames := make([]string, 0, len(recent.Posts))
	for _, p := range recent.Posts {
		if !strings.HasPrefix(p.ExternalID, "t3_") {
			continue
		}
		byFullname[p.ExternalID] = p
		fullnames = append(fullnames, p.ExternalID)
	}
	if len(fullnames) == 0 {
		return &RefreshPerformanceOutput{}, nil
	}

	infos, err := a.reddit.GetPostInfo(ctx, fullnames)
	if err != nil {
		return nil, temporalx.ActivityError("get post info", err)
	}

	out := &RefreshPerformanceOutput{}
	for _, info := range infos {
		p, ok := byFullname[info.Name]
		if !ok {
			continue
		}
		id, err := a.ids.NextID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate ID: %w", err)
		}
		if _, err = a.db.RecordSubPerformance(ctx, &entity.RecordSubPerformanceInput{Performance: &entity.SubPerformance{
			ID:         id,
			ModelID:    in.ModelID,
			PostID:     p.ID,
			Subreddit:  p.Subreddit,
			Upvotes:    info.Score,
			Comments:   info.NumComments,
			Removed:    info.Removed(),
			MeasuredAt: now,
		}}); err != nil {
			return nil, err
		}
		out.Measured++
	}

	stats, err := a.db.SubredditStats(ctx, &entity.SubredditStatsInput{ModelID: in.ModelID, Since: now.Add(-performanceWindow)})
	if err != nil {
		return nil, err
	}
	for _, s := range stats.Stats {
		if s.Removals < removalBanThreshold {
			continue
		}
		if _, err = a.db.MarkSubredditBanned(ctx, &entity.MarkSubredditBannedInput{ModelID: in.ModelID, Name: s.Subreddit}); err != nil {
			return nil, err
		}
		logger.Warn("subreddit keeps removing posts, flagged as banned", "model_id", in.ModelID, "subreddit", s.Subreddit, "removals", s.Removals)
		out.Banned++
	}
	return out, nil
}

type (
	RefreshSubredditsInput struct {
		ModelID int64 `json:"model_id"`
	}

	RefreshSubredditsOutput struct {
		Updated int `json:"updated"`
		Banned  int `json:"banned"`
	}
)

// RefreshSubreddits updates member counts and engagement scores of the model's eligible subreddits.
func (a *Activities) RefreshSubreddits(ctx context.Context, in *RefreshSubredditsInput) (*RefreshSubredditsOutput, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("RefreshSubreddits started", "model_id", in.ModelID)

	subs, err := a.db.ListSubreddits(ctx, &entity.ListSubredditsInput{ModelID: in.ModelID, EligibleOnly: true})
	if err != nil {
		return nil, err
	}
	stats, err := a.db.SubredditStats(ctx, &entity.SubredditStatsInput{ModelID: in.ModelID, Since: a.now().Add(-statsWindow)})
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*entity.SubredditStats, len(stats.Stats))
	for _, s := range stats.Stats {
		byName[strings.ToLower(s.Subreddit)] = s
	}

	out := &RefreshSubredditsOutput{}
	for _, s := range subs.Subreddits {
		about, err := a.reddit.AboutSubreddit(ctx, s.Name)
		if err != nil {
			return nil, temporalx.ActivityError("about subreddit", err)
		}
		if about.UserIsBanned {
			if _, err = a.db.MarkSubredditBanned(ctx, &entity.MarkSubredditBannedInput{ModelID: in.ModelID, Name: s.Name}); err != nil {
				return nil, err
			}
			out.Banned++
			continue
		}

		score := s.EngagementScore
		if st, ok := byName[strings.ToLower(s.Name)]; ok {
			score = EngagementScore(st)
		}
		if _, err = a.db.UpdateSubredditMetrics(ctx, &entity.UpdateSubredditMetricsInput{
			ID:              s.ID,
			Members:         about.Subscribers,
			EngagementScore: score,
		}); err != nil {
			return nil, err
		}
		out.Updated++
	}
	return out, nil
}

// EngagementScore is the average upvotes discounted by the share of removed posts.
func EngagementScore(s *entity.SubredditStats) float64 {
	if s.Posts == 0 {
		return 0
	}
	kept := 1 - float64(s.Removals)/float64(s.Posts)
	return s.AvgUpvotes * kept
}
