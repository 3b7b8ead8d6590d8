package queue

import (
	"time"

	"github.com/forbiddencoding/social-autoposter/common/temporalx"
	"github.com/forbiddencoding/social-autoposter/services/strategy"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	CommandWorkflowName   = "command"
	PublishWorkflowName   = "publish"
	DiscoveryWorkflowName = "discovery"
)

type CommandKind string

const (
	CommandPostNow CommandKind = "post_now"
	CommandPlan    CommandKind = "plan"
)

type (
	CommandWorkflowInput struct {
		Kind    CommandKind      `json:"kind" validate:"required,oneof=post_now plan"`
		ModelID int64            `json:"model_id" validate:"required"`
		Content strategy.Content `json:"content"`
	}

	CommandWorkflowOutput struct {
		Success   bool   `json:"success"`
		Subreddit string `json:"subreddit,omitempty"`
		URL       string `json:"url,omitempty"`
		Attempts  int    `json:"attempts,omitzero"`
		Error     string `json:"error,omitempty"`
		Planned   int    `json:"planned,omitzero"`
	}

	PublishWorkflowInput struct {
		ScheduledPostID int64 `json:"scheduled_post_id"`
	}

	PublishWorkflowOutput struct {
		Status      string `json:"status"`
		ExternalURL string `json:"external_url,omitempty"`
		Error       string `json:"error,omitempty"`
	}

	// DiscoveryWorkflowInput limits a run to one model. Zero covers every model with Reddit enabled.
	DiscoveryWorkflowInput struct {
		ModelID int64 `json:"model_id,omitzero"`
	}

	DiscoveryWorkflowOutput struct {
		Models   int `json:"models"`
		Measured int `json:"measured"`
		Banned   int `json:"banned"`
		Failed   int `json:"failed"`
	}
)

func CommandWorkflow(ctx workflow.Context, in *CommandWorkflowInput) (*CommandWorkflowOutput, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("CommandWorkflow started", "kind", in.Kind, "model_id", in.ModelID)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        10 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        2 * time.Minute,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{temporalx.ErrTypePermanent},
		},
	})

	var out CommandWorkflowOutput
	if err := workflow.ExecuteActivity(ctx, RunCommandActivityName, in).Get(ctx, &out); err != nil {
		logger.Error("Failed to run command", "error", err, "model_id", in.ModelID)
		return nil, err
	}
	return &out, nil
}

func PublishWorkflow(ctx workflow.Context, in *PublishWorkflowInput) (*PublishWorkflowOutput, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("PublishWorkflow started", "scheduled_post_id", in.ScheduledPostID)

	// Retries are safe: a post is only published out of the ready state.
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        30 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        5 * time.Minute,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{temporalx.ErrTypePermanent},
		},
	})

	var out PublishWorkflowOutput
	if err := workflow.ExecuteActivity(ctx, PublishScheduledPostActivityName, &PublishScheduledPostInput{
		ScheduledPostID: in.ScheduledPostID,
	}).Get(ctx, &out); err != nil {
		logger.Error("Failed to publish scheduled post", "error", err, "scheduled_post_id", in.ScheduledPostID)
		return nil, err
	}
	return &out, nil
}

// DiscoveryWorkflow refreshes performance and subreddit metrics model by model. One model failing does not stop the
// others.
func DiscoveryWorkflow(ctx workflow.Context, in *DiscoveryWorkflowInput) (*DiscoveryWorkflowOutput, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("DiscoveryWorkflow started", "model_id", in.ModelID)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        30 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        5 * time.Minute,
			MaximumAttempts:        5,
			NonRetryableErrorTypes: []string{temporalx.ErrTypePermanent},
		},
	})

	var targets ListDiscoveryModelsOutput
	if err := workflow.ExecuteActivity(ctx, ListDiscoveryModelsActivityName, &ListDiscoveryModelsInput{
		ModelID: in.ModelID,
	}).Get(ctx, &targets); err != nil {
		logger.Error("Failed to list models", "error", err)
		return nil, err
	}

	out := &DiscoveryWorkflowOutput{Models: len(targets.ModelIDs)}
	for _, id := range targets.ModelIDs {
		var perf RefreshPerformanceOutput
		if err := workflow.ExecuteActivity(ctx, RefreshPerformanceActivityName, &RefreshPerformanceInput{
			ModelID: id,
		}).Get(ctx, &perf); err != nil {
			logger.Error("Failed to refresh performance", "error", err, "model_id", id)
			out.Failed++
			continue
		}

		var subs RefreshSubredditsOutput
		if err := workflow.ExecuteActivity(ctx, RefreshSubredditsActivityName, &RefreshSubredditsInput{
			ModelID: id,
		}).Get(ctx, &subs); err != nil {
			logger.Error("Failed to refresh subreddits", "error", err, "model_id", id)
			out.Failed++
			continue
		}

		out.Measured += perf.Measured
		out.Banned += perf.Banned + subs.Banned
	}
	return out, nil
}
