package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"potion-flow-monitor/internal/recorder"
	"potion-flow-monitor/internal/storage"
)

// Status prints the refresh journal, then the persisted level count and
// the most recent ticket alerts when a database is configured.
func (a *App) Status(ctx context.Context, opts StatusOptions) error {
	path := a.Config.Recorder.SQLitePath
	if path == "" && a.Config.Database.DSN == "" {
		return errors.New("neither recorder.sqlite_path nor database.dsn configured; nothing to report")
	}

	now := time.Now()
	if path != "" {
		rec, err := recorder.NewSQLiteRecorder(path, a.Logger)
		if err != nil {
			return err
		}
		defer rec.Close()

		summaries, err := rec.Summaries(ctx)
		if err != nil {
			return err
		}
		events, err := rec.ListRecent(ctx, opts.Limit)
		if err != nil {
			return err
		}

		if info, err := os.Stat(path); err == nil {
			fmt.Fprintf(os.Stdout, "journal %s (%s)\n\n", path, humanize.Bytes(uint64(info.Size())))
		}
		if err := renderStatus(os.Stdout, summaries, events, now); err != nil {
			return err
		}
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return nil
	}
	defer closeStore()

	count, err := store.CountObservations(ctx)
	if err != nil {
		return err
	}
	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return renderStorage(os.Stdout, count, alerts, now)
}

func renderStatus(w io.Writer, summaries []recorder.Summary, events []recorder.Event, now time.Time) error {
	if len(summaries) == 0 {
		_, err := fmt.Fprintln(w, "no refreshes recorded")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Resource\tAttempts\tFailures\tLast attempt\tLast failure\tLast error")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Resource,
			humanize.Comma(s.Attempts),
			humanize.Comma(s.Failures),
			relTime(s.LastAttemptAt, now),
			relTime(s.LastFailureAt, now),
			sanitizeInline(s.LastError),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(events) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Started\tResource\tOutcome\tDuration\tVersion\tError")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			relTime(e.StartedAt, now),
			e.Resource,
			e.Outcome,
			e.Duration.Round(time.Millisecond),
			e.Version,
			sanitizeInline(e.Error),
		)
	}
	return tw.Flush()
}

func renderStorage(w io.Writer, observations int64, alerts []storage.AlertRecord, now time.Time) error {
	fmt.Fprintf(w, "\nlevel observations stored: %s\n", humanize.Comma(observations))
	if len(alerts) == 0 {
		_, err := fmt.Fprintln(w, "no ticket alerts recorded")
		return err
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Alerted\tTicket\tCauldron\tCourier\tAmount (L)\tSeverity\tChannels\tReason")
	for _, alert := range alerts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			relTime(alert.CreatedAt, now),
			alert.TicketID,
			alert.CauldronID,
			alert.CourierID,
			alert.AmountCollected.StringFixed(2),
			alert.Severity,
			strings.Join(alert.Channels, ","),
			sanitizeInline(alert.Reason),
		)
	}
	return tw.Flush()
}

func relTime(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
