package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/budget"
	"github.com/forbiddencoding/social-autoposter/common/config"
	"github.com/forbiddencoding/social-autoposter/common/ids"
	"github.com/forbiddencoding/social-autoposter/common/llm"
	"github.com/forbiddencoding/social-autoposter/common/metrics"
	"github.com/forbiddencoding/social-autoposter/common/persistence"
	"github.com/forbiddencoding/social-autoposter/common/reddit"
	"github.com/forbiddencoding/social-autoposter/common/server"
	"github.com/forbiddencoding/social-autoposter/common/telegram"
	"github.com/forbiddencoding/social-autoposter/common/tokencache"
	"github.com/forbiddencoding/social-autoposter/common/twitter"
	"github.com/forbiddencoding/social-autoposter/services/app"
	"github.com/forbiddencoding/social-autoposter/services/app/api"
	"github.com/forbiddencoding/social-autoposter/services/bot"
	"github.com/forbiddencoding/social-autoposter/services/content"
	"github.com/forbiddencoding/social-autoposter/services/engines"
	"github.com/forbiddencoding/social-autoposter/services/publisher"
	"github.com/forbiddencoding/social-autoposter/services/queue"
	"github.com/forbiddencoding/social-autoposter/services/scheduler"
	"github.com/forbiddencoding/social-autoposter/services/strategy"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v3"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"golang.org/x/sync/errgroup"
)

const (
	ServiceApp       = "app"
	ServiceScheduler = "scheduler"
	ServiceEngines   = "engines"
	ServiceWorker    = "worker"
	ServiceBot       = "bot"
)

type ServiceFactory func(ctx context.Context, infra *infrastructure, conf *config.Config, v *validator.Validate) (Service, error)

type Service interface {
	io.Closer
	Start() error
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "start autoposter services",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "services",
				Aliases: []string{"s"},
				Usage:   "comma-separated list of services (app, scheduler, engines, worker, bot)",
				Value:   strings.Join([]string{ServiceApp, ServiceScheduler, ServiceEngines, ServiceWorker, ServiceBot}, ","),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if cmd.String("services") == "" {
				return ctx, fmt.Errorf("no services provided")
			}
			return ctx, nil
		},
		Action: start,
	}
}

func start(ctx context.Context, cmd *cli.Command) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	defer func() {
		if r := recover(); r != nil {
			var buf bytes.Buffer
			if err := pprof.Lookup("goroutine").WriteTo(&buf, 2); err != nil {
				slog.Error("failed to write goroutine stack trace", slog.Any("error", err))
			}
			slog.Error("application panic", slog.Any("panic", r), slog.String("goroutines", buf.String()))
			os.Exit(1)
		}
	}()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	validate := validator.New(validator.WithRequiredStructEnabled())
	conf, err := config.LoadConfig(ctx, cmd.String("config"), validate)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	infra, err := bootstrapInfrastructure(ctx, conf)
	if err != nil {
		return err
	}
	defer infra.Close()

	registry := map[string]ServiceFactory{
		ServiceApp:       startAppService,
		ServiceScheduler: startSchedulerService,
		ServiceEngines:   startEnginesService,
		ServiceWorker:    startWorkerService,
		ServiceBot:       startBotService,
	}

	g, ctx := errgroup.WithContext(ctx)

	for serviceName := range strings.SplitSeq(cmd.String("services"), ",") {
		name := strings.TrimSpace(serviceName)
		if name == "" {
			continue
		}

		factory, ok := registry[name]
		if !ok {
			return fmt.Errorf("unknown service: %s", name)
		}

		shutdownComplete := make(chan struct{})

		g.Go(func() error {
			svc, err := factory(ctx, infra, conf, validate)
			if err != nil {
				return fmt.Errorf("failed to init %s: %w", name, err)
			}

			slog.Info("starting service", slog.String("service", name))

			stop := context.AfterFunc(ctx, func() {
				slog.Info("closing service", slog.String("service", name))
				if err := svc.Close(); err != nil {
					slog.Error("closing service", slog.String("service", name), slog.Any("error", err))
				}
				close(shutdownComplete)
			})
			defer stop()

			err = svc.Start()
			if ctx.Err() != nil {
				<-shutdownComplete
			}

			return err
		})
	}

	if err = g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	return nil
}

// infrastructure holds the clients shared by every service in the process.
type infrastructure struct {
	temporal  client.Client
	db        persistence.Persistence
	tokens    tokencache.Cache
	metrics   *metrics.Metrics
	ids       ids.Generator
	reddit    *reddit.Client
	twitter   *twitter.Client
	telegram  telegram.API
	notifier  *telegram.Notifier
	writer    *content.Generator
	publisher *publisher.Service
	budget    *budget.Guard
	strategy  *strategy.Engine
	scheduler *scheduler.Scheduler
	producer  *queue.Client
}

func (i *infrastructure) Close() {
	if i.db != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := i.db.Close(closeCtx); err != nil {
			slog.Error("failed to close database", slog.Any("error", err))
		}
	}
	if i.tokens != nil {
		if err := i.tokens.Close(); err != nil {
			slog.Error("failed to close token cache", slog.Any("error", err))
		}
	}
	if i.temporal != nil {
		i.temporal.Close()
	}
}

func bootstrapInfrastructure(ctx context.Context, conf *config.Config) (_ *infrastructure, err error) {
	infra := &infrastructure{metrics: metrics.New()}
	defer func() {
		if err != nil {
			infra.Close()
		}
	}()

	infra.temporal, err = client.DialContext(ctx, client.Options{
		HostPort:  conf.Temporal.HostPort,
		Namespace: conf.Temporal.Namespace,
		Logger:    log.NewStructuredLogger(slog.Default()),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to temporal: %w", err)
	}

	infra.db, err = persistence.New(ctx, &conf.Persistence)
	if err != nil {
		return nil, fmt.Errorf("create persistence handle: %w", err)
	}

	infra.tokens, err = tokencache.New(ctx, &conf.Redis)
	if err != nil {
		return nil, fmt.Errorf("create token cache: %w", err)
	}

	infra.ids, err = ids.New()
	if err != nil {
		return nil, fmt.Errorf("create id generator: %w", err)
	}

	infra.reddit, err = reddit.New(ctx, &conf.Reddit, infra.tokens, infra.metrics.CircuitStateChanged)
	if err != nil {
		return nil, fmt.Errorf("create reddit client: %w", err)
	}

	if conf.Twitter.ClientID != "" {
		infra.twitter, err = twitter.New(&conf.Twitter, infra.tokens, infra.db, infra.metrics.CircuitStateChanged)
		if err != nil {
			return nil, fmt.Errorf("create twitter client: %w", err)
		}
	}

	tg, err := telegram.NewAPI(conf.Telegram.Token, conf.Telegram.APIEndpoint)
	if err != nil {
		return nil, err
	}
	infra.telegram = tg
	infra.notifier = telegram.NewNotifier(tg, slog.Default())

	completer, err := llm.New(&conf.Anthropic, infra.metrics)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	infra.writer = content.New(completer, slog.Default())

	infra.publisher = publisher.New(infra.reddit, infra.twitter, infra.metrics, slog.Default())
	infra.budget = budget.New(infra.db, infra.ids, &conf.Budget, infra.metrics)
	infra.strategy = strategy.New(infra.db, infra.writer, infra.publisher, infra.notifier, infra.ids, slog.Default())
	infra.scheduler = scheduler.New(infra.db, infra.publisher, infra.notifier, infra.ids, infra.metrics, slog.Default(), conf.Scheduler)
	infra.producer = queue.NewClient(infra.temporal, conf.Queues)

	return infra, nil
}

func startAppService(_ context.Context, infra *infrastructure, conf *config.Config, v *validator.Validate) (Service, error) {
	appInstance := app.New(conf, infra.db, infra.strategy, infra.producer, infra.budget, infra.ids, v, infra.metrics)
	return server.New(api.NewRouter(appInstance), &conf.Server), nil
}

func startSchedulerService(_ context.Context, infra *infrastructure, _ *config.Config, _ *validator.Validate) (Service, error) {
	return infra.scheduler, nil
}

func startEnginesService(_ context.Context, infra *infrastructure, conf *config.Config, _ *validator.Validate) (Service, error) {
	if infra.twitter == nil {
		return nil, errors.New("engines need twitter credentials")
	}
	return engines.New(engines.Deps{
		DB:         infra.db,
		Writer:     infra.writer,
		Budget:     infra.budget,
		Notifier:   infra.notifier,
		IDs:        infra.ids,
		Metrics:    infra.metrics,
		Log:        slog.Default(),
		TweeterFor: engines.TweeterFromClient(infra.twitter),
	}, conf.Engines), nil
}

func startWorkerService(ctx context.Context, infra *infrastructure, conf *config.Config, _ *validator.Validate) (Service, error) {
	if err := infra.producer.EnsureDiscoverySchedule(ctx); err != nil {
		return nil, fmt.Errorf("ensure discovery schedule: %w", err)
	}
	activities := queue.NewActivities(infra.db, infra.strategy, infra.scheduler, infra.reddit, infra.ids)
	return queue.NewWorker(infra.temporal, conf.Queues, activities), nil
}

func startBotService(_ context.Context, infra *infrastructure, _ *config.Config, v *validator.Validate) (Service, error) {
	return bot.New(infra.telegram, infra.db, infra.producer, infra.budget, v, slog.Default()), nil
}
