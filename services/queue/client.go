package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/config"
	"github.com/google/uuid"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
)

const DiscoveryScheduleID = "discovery"

// Producer is what request handlers and the bot need to enqueue work.
type Producer interface {
	EnqueueCommand(ctx context.Context, in *CommandWorkflowInput) (string, error)
	EnqueuePublish(ctx context.Context, scheduledPostID int64) (string, error)
	EnqueueDiscovery(ctx context.Context, modelID int64) (string, error)
}

type Client struct {
	temporal client.Client
	queues   config.Queues
}

var _ Producer = (*Client)(nil)

func NewClient(c client.Client, queues config.Queues) *Client {
	return &Client{temporal: c, queues: queues}
}

// EnqueueCommand starts a command workflow and returns its workflow ID.
func (c *Client) EnqueueCommand(ctx context.Context, in *CommandWorkflowInput) (string, error) {
	run, err := c.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       fmt.Sprintf("command::%d::%s", in.ModelID, uuid.NewString()),
		TaskQueue:                c.queues.Commands.Name,
		WorkflowExecutionTimeout: time.Hour,
	}, CommandWorkflowName, in)
	if err != nil {
		return "", fmt.Errorf("start command workflow: %w", err)
	}
	return run.GetID(), nil
}

// EnqueuePublish starts publishing one scheduled post. The workflow ID is derived from the post, so a second
// request while one is running joins the running workflow.
func (c *Client) EnqueuePublish(ctx context.Context, scheduledPostID int64) (string, error) {
	run, err := c.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       fmt.Sprintf("publish::%d", scheduledPostID),
		TaskQueue:                c.queues.Posts.Name,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
		WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
		WorkflowExecutionTimeout: 30 * time.Minute,
	}, PublishWorkflowName, &PublishWorkflowInput{ScheduledPostID: scheduledPostID})
	if err != nil {
		return "", fmt.Errorf("start publish workflow: %w", err)
	}
	return run.GetID(), nil
}

func (c *Client) EnqueueDiscovery(ctx context.Context, modelID int64) (string, error) {
	run, err := c.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        fmt.Sprintf("discovery::%d::%s", modelID, uuid.NewString()),
		TaskQueue: c.queues.Discovery.Name,
	}, DiscoveryWorkflowName, &DiscoveryWorkflowInput{ModelID: modelID})
	if err != nil {
		return "", fmt.Errorf("start discovery workflow: %w", err)
	}
	return run.GetID(), nil
}

// EnsureDiscoverySchedule registers the recurring discovery run for all models. An existing schedule is kept.
func (c *Client) EnsureDiscoverySchedule(ctx context.Context) error {
	if c.queues.DiscoveryInterval <= 0 {
		return nil
	}
	_, err := c.temporal.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: DiscoveryScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: c.queues.DiscoveryInterval}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        "discovery::scheduled",
			Workflow:  DiscoveryWorkflowName,
			Args:      []any{&DiscoveryWorkflowInput{}},
			TaskQueue: c.queues.Discovery.Name,
		},
		Overlap: enums.SCHEDULE_OVERLAP_POLICY_SKIP,
	})
	if errors.Is(err, temporal.ErrScheduleAlreadyRunning) {
		return nil
	}
	return err
}
