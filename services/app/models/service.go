package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/ids"
	"github.com/forbiddencoding/social-autoposter/common/persistence"
	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/services/queue"
	"github.com/forbiddencoding/social-autoposter/services/strategy"
	"github.com/go-playground/validator/v10"
)

// ErrForeignPost is returned when a scheduled post does not belong to the model in the request.
var ErrForeignPost = errors.New("scheduled post belongs to another model")

type (
	Servicer interface {
		ListScheduledPosts(ctx context.Context, in *ListScheduledPostsInput) (*ListScheduledPostsOutput, error)
		QueueContent(ctx context.Context, in *QueueContentInput) (*QueueContentOutput, error)
		PreviewStrategy(ctx context.Context, in *PreviewStrategyInput) (*PreviewStrategyOutput, error)
		PostNow(ctx context.Context, in *PostNowInput) (*PostNowOutput, error)
		Plan(ctx context.Context, in *PlanInput) (*PlanOutput, error)
		PublishScheduledPost(ctx context.Context, in *PublishScheduledPostInput) (*PublishScheduledPostOutput, error)
		RefreshDiscovery(ctx context.Context, in *RefreshDiscoveryInput) (*RefreshDiscoveryOutput, error)
		ListSubreddits(ctx context.Context, in *ListSubredditsInput) (*ListSubredditsOutput, error)
		GetBudget(ctx context.Context, in *GetBudgetInput) (*GetBudgetOutput, error)
	}

	// Planner previews a posting strategy without writing anything.
	Planner interface {
		GetPostingStrategy(ctx context.Context, m *entity.Model, c *strategy.Content, n int) ([]strategy.Pick, error)
	}

	BudgetReader interface {
		Usage(ctx context.Context) (int64, error)
		Remaining(ctx context.Context) (int64, error)
	}

	Service struct {
		db        persistence.Persistence
		planner   Planner
		producer  queue.Producer
		budget    BudgetReader
		ids       ids.Generator
		validator *validator.Validate
		now       func() time.Time
	}
)

var _ Servicer = (*Service)(nil)

func NewService(
	db persistence.Persistence,
	planner Planner,
	producer queue.Producer,
	budget BudgetReader,
	gen ids.Generator,
	validator *validator.Validate,
) *Service {
	return &Service{
		db:        db,
		planner:   planner,
		producer:  producer,
		budget:    budget,
		ids:       gen,
		validator: validator,
		now:       time.Now,
	}
}

func (s *Service) model(ctx context.Context, id int64) (*entity.Model, error) {
	out, err := s.db.GetModel(ctx, &entity.GetModelInput{ID: id})
	if err != nil {
		return nil, err
	}
	return out.Model, nil
}

func (s *Service) ListScheduledPosts(ctx context.Context, in *ListScheduledPostsInput) (*ListScheduledPostsOutput, error) {
	if err := s.validator.Struct(in); err != nil {
		return nil, err
	}
	if _, err := s.model(ctx, in.ModelID); err != nil {
		return nil, err
	}

	statuses := make([]entity.ScheduledPostStatus, 0, len(in.Statuses))
	for _, st := range in.Statuses {
		statuses = append(statuses, entity.ScheduledPostStatus(st))
	}

	out, err := s.db.ListScheduledPosts(ctx, &entity.ListScheduledPostsInput{
		ModelID:  in.ModelID,
		Statuses: statuses,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled posts: %w", err)
	}

	posts := make([]*ScheduledPost, 0, len(out.Posts))
	for _, p := range out.Posts {
		posts = append(posts, toScheduledPost(p))
	}
	return &ListScheduledPostsOutput{Posts: posts}, nil
}

func (s *Service) QueueContent(ctx context.Context, in *QueueContentInput) (*QueueContentOutput, error) {
	if err := s.validator.Struct(in); err != nil {
		return nil, err
	}
	if _, err := s.model(ctx, in.ModelID); err != nil {
		return nil, err
	}

	id, err := s.ids.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	now := s.now().UTC()
	if _, err = s.db.CreateScheduledPost(ctx, &entity.CreateScheduledPostInput{Post: &entity.ScheduledPost{
		ID:        id,
		ModelID:   in.ModelID,
		Platform:  entity.PlatformReddit,
		Status:    entity.StatusQueued,
		Title:     in.Caption,
		MediaURL:  in.MediaURL,
		NSFW:      in.NSFW,
		CreatedAt: now,
		UpdatedAt: now,
	}}); err != nil {
		return nil, fmt.Errorf("failed to queue content: %w", err)
	}
	return &QueueContentOutput{ID: id}, nil
}

func (s *Service) PreviewStrategy(ctx context.Context, in *PreviewStrategyInput) (*PreviewStrategyOutput, error) {
	if err := s.validator.Struct(in); err != nil {
		return nil, err
	}
	m, err := s.model(ctx, in.ModelID)
	if err != nil {
		return nil, err
	}

	n := in.Count
	if n == 0 {
		n = strategy.MaxPicks
	}
	picks, err := s.planner.GetPostingStrategy(ctx, m, &in.Content, n)
	if err != nil {
		return nil, err
	}
	return &PreviewStrategyOutput{Picks: picks}, nil
}

func (s *Service) PostNow(ctx context.Context, in *PostNowInput) (*PostNowOutput, error) {
	id, err := s.enqueue(ctx, queue.CommandPostNow, in.ModelID, in.Content)
	if err != nil {
		return nil, err
	}
	return &PostNowOutput{WorkflowID: id}, nil
}

func (s *Service) Plan(ctx context.Context, in *PlanInput) (*PlanOutput, error) {
	id, err := s.enqueue(ctx, queue.CommandPlan, in.ModelID, in.Content)
	if err != nil {
		return nil, err
	}
	return &PlanOutput{WorkflowID: id}, nil
}

func (s *Service) enqueue(ctx context.Context, kind queue.CommandKind, modelID int64, c strategy.Content) (string, error) {
	cmd := &queue.CommandWorkflowInput{Kind: kind, ModelID: modelID, Content: c}
	if err := s.validator.Struct(cmd); err != nil {
		return "", err
	}
	if _, err := s.model(ctx, modelID); err != nil {
		return "", err
	}
	return s.producer.EnqueueCommand(ctx, cmd)
}

func (s *Service) PublishScheduledPost(ctx context.Context, in *PublishScheduledPostInput) (*PublishScheduledPostOutput, error) {
	if err := s.validator.Struct(in); err != nil {
		return nil, err
	}

	out, err := s.db.GetScheduledPost(ctx, &entity.GetScheduledPostInput{ID: in.ScheduledPostID})
	if err != nil {
		return nil, err
	}
	if out.Post.ModelID != in.ModelID {
		return nil, ErrForeignPost
	}

	id, err := s.producer.EnqueuePublish(ctx, in.ScheduledPostID)
	if err != nil {
		return nil, err
	}
	return &PublishScheduledPostOutput{WorkflowID: id}, nil
}

// RefreshDiscovery starts an out-of-schedule engagement refresh for one model.
func (s *Service) RefreshDiscovery(ctx context.Context, in *RefreshDiscoveryInput) (*RefreshDiscoveryOutput, error) {
	if err := s.validator.Struct(in); err != nil {
		return nil, err
	}
	if _, err := s.model(ctx, in.ModelID); err != nil {
		return nil, err
	}

	id, err := s.producer.EnqueueDiscovery(ctx, in.ModelID)
	if err != nil {
		return nil, err
	}
	return &RefreshDiscoveryOutput{WorkflowID: id}, nil
}

func (s *Service) ListSubreddits(ctx context.Context, in *ListSubredditsInput) (*ListSubredditsOutput, error) {
	if err := s.validator.Struct(in); err != nil {
		return nil, err
	}
	if _, err := s.model(ctx, in.ModelID); err != nil {
		return nil, err
	}

	out, err := s.db.ListSubreddits(ctx, &entity.ListSubredditsInput{ModelID: in.ModelID, EligibleOnly: in.EligibleOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to list subreddits: %w", err)
	}

	subs := make([]*Subreddit, 0, len(out.Subreddits))
	for _, sr := range out.Subreddits {
		subs = append(subs, toSubreddit(sr))
	}
	return &ListSubredditsOutput{Subreddits: subs}, nil
}

func (s *Service) GetBudget(ctx context.Context, _ *GetBudgetInput) (*GetBudgetOutput, error) {
	used, err := s.budget.Usage(ctx)
	if err != nil {
		return nil, err
	}
	remaining, err := s.budget.Remaining(ctx)
	if err != nil {
		return nil, err
	}
	return &GetBudgetOutput{Used: used, Remaining: remaining}, nil
}
