package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"potion-flow-monitor/internal/annotate"
	"potion-flow-monitor/internal/model"
)

// Tickets annotates the current transport tickets once and prints them.
func (a *App) Tickets(ctx context.Context, opts TicketsOptions) error {
	svc, err := a.newOneShotService(a.newUpstream(), dependencies(nil, nil, nil))
	if err != nil {
		return err
	}
	result, err := svc.AnnotatedTickets(ctx, true)
	if err != nil {
		return err
	}
	return renderTickets(os.Stdout, result, opts)
}

func renderTickets(w io.Writer, result annotate.Result, opts TicketsOptions) error {
	tickets := result.Tickets
	if opts.SuspiciousOnly {
		tickets = result.Suspicious()
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Ticket\tDate\tCauldron\tCourier\tAmount (L)\tSeverity\tReason")
	for _, t := range tickets {
		severity := string(t.SuspicionSeverity)
		if !t.IsSuspicious {
			severity = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.TicketID,
			t.Date.UTC().Format("2006-01-02"),
			t.CauldronID,
			t.CourierID,
			decimal.NewFromFloat(t.AmountCollected).StringFixed(2),
			severity,
			sanitizeInline(t.SuspicionReason),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	counts := result.CountBySeverity()
	_, err := fmt.Fprintf(w, "\n%s tickets, %s suspicious (critical %d, high %d, medium %d), %s malformed\n",
		humanize.Comma(int64(len(result.Tickets))),
		humanize.Comma(int64(len(result.Suspicious()))),
		counts[model.SeverityCritical],
		counts[model.SeverityHigh],
		counts[model.SeverityMedium],
		humanize.Comma(int64(result.Dropped)),
	)
	return err
}
