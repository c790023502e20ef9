package cli

import (
	"github.com/spf13/cobra"

	"potion-flow-monitor/internal/app"
)

var (
	simulateCapacity float64
	simulateAmount   float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一张超量工单并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SimulateOptions{
			Capacity: simulateCapacity,
			Amount:   simulateAmount,
		}
		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateCapacity, "capacity", 1000, "模拟 cauldron 的最大容量 (L)")
	simulateCmd.Flags().Float64Var(&simulateAmount, "amount", 1250, "模拟工单的收集量 (L)")
}
