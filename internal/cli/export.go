package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"potion-flow-monitor/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export cauldron level history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportMaxPoints < 0 {
			return fmt.Errorf("--max-points must not be negative")
		}

		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Window start (RFC3339, inclusive; default 24h before --to)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Window end (RFC3339, exclusive; default now)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Write a cauldron level chart to this PNG path")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Write one row per observation, one column per cauldron, to this CSV path")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Downsample to at most this many observations (defaults to export.max_data_points)")
}
