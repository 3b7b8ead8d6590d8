package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	cmd := buildCLI()

	args := os.Args
	if len(args) == 1 {
		args = append(args, "start")
	}

	if err := cmd.Run(context.Background(), args); err != nil {
		slog.Error("application exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func buildCLI() *cli.Command {
	return &cli.Command{
		Name:  "autoposter",
		Usage: "multi-tenant social media autoposter",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				Value:   "./config/config.yml",
				Sources: cli.EnvVars("ASP_CONFIG"),
			},
		},
		Before: func(ctx context.Context, _ *cli.Command) (context.Context, error) {
			if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
				slog.Debug(fmt.Sprintf(format, args...))
			})); err != nil {
				slog.Warn("failed to set GOMAXPROCS", slog.Any("error", err))
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			startCommand(),
			migrateCommand(),
			slotsCommand(),
		},
	}
}
