package main

import (
	"context"
	"fmt"
	"time"

	"github.com/forbiddencoding/social-autoposter/services/scheduler"
	"github.com/urfave/cli/v3"
)

func slotsCommand() *cli.Command {
	return &cli.Command{
		Name:  "slots",
		Usage: "print the next posting slots",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "count",
				Usage: "number of slots",
				Value: 5,
			},
			&cli.TimestampFlag{
				Name:  "from",
				Usage: "start instant, defaults to now",
				Config: cli.TimestampConfig{
					Layouts: []string{time.RFC3339},
				},
			},
			&cli.IntSliceFlag{
				Name:  "peak-hours",
				Usage: "peak hours in Eastern Time",
				Value: scheduler.DefaultPeakHoursET,
			},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			from := cmd.Timestamp("from")
			if from.IsZero() {
				from = time.Now()
			}

			noJitter := func() int { return 0 }
			for _, slot := range scheduler.NextPostingSlots(int(cmd.Int("count")), from, cmd.IntSlice("peak-hours"), noJitter) {
				fmt.Fprintln(cmd.Root().Writer, slot.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}
