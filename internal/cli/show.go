package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"potion-flow-monitor/internal/app"
)

var (
	showLimit  int
	showHeight int
	showWidth  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent cauldron levels with sparklines",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Height: showHeight,
			Width:  showWidth,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of observations to display")
	showCmd.Flags().IntVar(&showHeight, "height", 6, "Sparkline height in rows")
	showCmd.Flags().IntVar(&showWidth, "width", 60, "Sparkline width in columns")
}
