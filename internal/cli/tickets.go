package cli

import (
	"github.com/spf13/cobra"

	"potion-flow-monitor/internal/app"
)

var ticketsSuspiciousOnly bool

var ticketsCmd = &cobra.Command{
	Use:   "tickets",
	Short: "Annotate current transport tickets and print them",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Tickets(cmd.Context(), app.TicketsOptions{SuspiciousOnly: ticketsSuspiciousOnly})
	},
}

func init() {
	ticketsCmd.Flags().BoolVar(&ticketsSuspiciousOnly, "suspicious", false, "Only list suspicious tickets")
}
