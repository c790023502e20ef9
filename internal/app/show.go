package app

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/shopspring/decimal"

	"potion-flow-monitor/internal/model"
)

// Show prints recent cauldron levels, one sparkline per cauldron.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	observations, err := a.recentLevels(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		fmt.Fprintln(os.Stdout, "no level observations found")
		return nil
	}
	return renderLevels(os.Stdout, observations, opts)
}

// recentLevels reads persisted history when a database is configured and
// falls back to the live upstream otherwise.
func (a *App) recentLevels(ctx context.Context, limit int) ([]model.LevelObservation, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		defer closeStore()
		return store.ListRecentObservations(ctx, limit)
	}

	a.Logger.Debug().Msg("database not configured; reading levels from upstream")
	svc, err := a.newOneShotService(a.newUpstream(), dependencies(nil, nil, nil))
	if err != nil {
		return nil, err
	}
	return svc.Levels(ctx, true, limit)
}

func renderLevels(w io.Writer, observations []model.LevelObservation, opts ShowOptions) error {
	ids := cauldronIDs(observations)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Time (UTC)\t%s\n", strings.Join(ids, "\t"))
	for _, obs := range observations {
		cells := make([]string, len(ids))
		for i, id := range ids {
			if v, ok := obs.CauldronLevels[id]; ok {
				cells[i] = decimal.NewFromFloat(v).StringFixed(1)
			} else {
				cells[i] = "-"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\n", obs.Timestamp.UTC().Format(time.RFC3339), strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	height, width := opts.Height, opts.Width
	if height <= 0 {
		height = 6
	}
	if width <= 0 {
		width = 60
	}
	for _, id := range ids {
		series := levelSeries(observations, id)
		if len(series) < 2 {
			continue
		}
		graph := asciigraph.Plot(series,
			asciigraph.Height(height),
			asciigraph.Width(width),
			asciigraph.Caption(id),
		)
		fmt.Fprintf(w, "\n%s\n", graph)
	}
	return nil
}

// cauldronIDs lists every cauldron seen in the observations, sorted.
func cauldronIDs(observations []model.LevelObservation) []string {
	seen := make(map[string]struct{})
	for _, obs := range observations {
		for id := range obs.CauldronLevels {
			seen[id] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

func levelSeries(observations []model.LevelObservation, id string) []float64 {
	series := make([]float64, 0, len(observations))
	for _, obs := range observations {
		if v, ok := obs.CauldronLevels[id]; ok {
			series = append(series, v)
		}
	}
	return series
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
