// Package queue runs command, publish and discovery jobs as Temporal workflows, one task queue each with its own
// concurrency and rate limit.
package queue

import (
	"context"

	"github.com/forbiddencoding/social-autoposter/common/config"
	"github.com/forbiddencoding/social-autoposter/common/lifecycle"
	"github.com/forbiddencoding/social-autoposter/common/temporalx"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"golang.org/x/sync/errgroup"
)

type Worker struct {
	workers []worker.Worker
	runner  lifecycle.Runner
}

// Options turns a queue's limits into worker options. A limit of 10 per 60s becomes 1/6 activities per second for the
// whole task queue.
func Options(q config.Queue) worker.Options {
	return worker.Options{
		MaxConcurrentActivityExecutionSize: q.Concurrency,
		TaskQueueActivitiesPerSecond:       q.ActivitiesPerSecond(),
	}
}

func NewWorker(c client.Client, queues config.Queues, activities *Activities) *Worker {
	worker.EnableVerboseLogging(false)

	commands := worker.New(c, queues.Commands.Name, Options(queues.Commands))
	commands.RegisterWorkflowWithOptions(CommandWorkflow, workflow.RegisterOptions{Name: CommandWorkflowName})
	commands.RegisterActivityWithOptions(activities.RunCommand, activity.RegisterOptions{Name: RunCommandActivityName})

	posts := worker.New(c, queues.Posts.Name, Options(queues.Posts))
	posts.RegisterWorkflowWithOptions(PublishWorkflow, workflow.RegisterOptions{Name: PublishWorkflowName})
	posts.RegisterActivityWithOptions(activities.PublishScheduledPost, activity.RegisterOptions{Name: PublishScheduledPostActivityName})

	discovery := worker.New(c, queues.Discovery.Name, Options(queues.Discovery))
	discovery.RegisterWorkflowWithOptions(DiscoveryWorkflow, workflow.RegisterOptions{Name: DiscoveryWorkflowName})
	discovery.RegisterActivityWithOptions(activities.ListDiscoveryModels, activity.RegisterOptions{Name: ListDiscoveryModelsActivityName})
	discovery.RegisterActivityWithOptions(activities.RefreshPerformance, activity.RegisterOptions{Name: RefreshPerformanceActivityName})
	discovery.RegisterActivityWithOptions(activities.RefreshSubreddits, activity.RegisterOptions{Name: RefreshSubredditsActivityName})

	return &Worker{
		workers: []worker.Worker{commands, posts, discovery},
	}
}

func (w *Worker) Start() error {
	return w.runner.Run(func(ctx context.Context) error {
		g, ctx := errgroup.WithContext(ctx)
		for _, qw := range w.workers {
			g.Go(func() error {
				return qw.Run(temporalx.WorkerInterruptFromCtxChan(ctx))
			})
		}
		return g.Wait()
	})
}

func (w *Worker) Close() error {
	return w.runner.Close()
}
