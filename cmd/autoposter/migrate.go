package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/forbiddencoding/social-autoposter/common/persistence/migrations"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/urfave/cli/v3"
)

func migrateCommand() *cli.Command {
	dsn := &cli.StringFlag{
		Name:     "dsn",
		Usage:    "Postgres connection string",
		Sources:  cli.EnvVars("ASP_PERSISTENCE_DSN"),
		Required: true,
	}

	sub := func(name, usage string) *cli.Command {
		return &cli.Command{
			Name:  name,
			Usage: usage,
			Flags: []cli.Flag{dsn},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return migrate(ctx, cmd.String("dsn"), name)
			},
		}
	}

	return &cli.Command{
		Name:  "migrate",
		Usage: "manage the Postgres schema",
		Commands: []*cli.Command{
			sub(migrations.CommandUp, "apply all pending migrations"),
			sub(migrations.CommandDown, "roll back the latest migration"),
			sub(migrations.CommandStatus, "print migration status"),
		},
	}
}

func migrate(ctx context.Context, dsn, command string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err = db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	return migrations.Run(ctx, db, command)
}
