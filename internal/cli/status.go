package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"potion-flow-monitor/internal/app"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarise the cache refresh journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusLimit < 0 {
			return fmt.Errorf("--limit must not be negative")
		}
		return getApp().Status(cmd.Context(), app.StatusOptions{Limit: statusLimit})
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 15, "Number of recent refresh events to list")
}
