package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"potion-flow-monitor/internal/app"
)

var (
	backfillFrom   string
	backfillTo     string
	backfillDryRun bool
	backfillChunk  time.Duration
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Persist a historical window of cauldron levels",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom == "" || backfillTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := time.Parse(time.RFC3339, backfillFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to, err := time.Parse(time.RFC3339, backfillTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}

		opts := app.BackfillOptions{
			From:   from,
			To:     to,
			Chunk:  backfillChunk,
			DryRun: backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "End timestamp (RFC3339, exclusive)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Fetch without writing to storage")
	backfillCmd.Flags().DurationVar(&backfillChunk, "chunk", 24*time.Hour, "Upstream request window size")
}
