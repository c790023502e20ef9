package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"potion-flow-monitor/internal/model"
)

// Export renders cauldron level history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	observations, err := a.levelsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		a.Logger.Info().Msg("no level observations found for export window")
		return nil
	}

	downsampled := downsample(observations, opts.MaxPoints)
	a.Logger.Info().Int("total", len(observations)).Int("exported", len(downsampled)).Msg("exporting cauldron levels")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return writeLevelsCSV(w, downsampled) }); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeFile(opts.PNGPath, func(w io.Writer) error { return writeLevelsPNG(w, downsampled) }); err != nil {
			return err
		}
	}
	return nil
}

// levelsBetween reads [from, to) from storage, or from the upstream when no
// database is configured.
func (a *App) levelsBetween(ctx context.Context, from, to time.Time) ([]model.LevelObservation, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		defer closeStore()
		return store.ListObservationsBetween(ctx, from, to)
	}
	a.Logger.Warn().Msg("database not configured; exporting directly from upstream")
	return a.newUpstream().FetchLevelsBetween(ctx, from, to)
}

func downsample(observations []model.LevelObservation, max int) []model.LevelObservation {
	if max <= 0 || len(observations) <= max {
		return observations
	}
	if max == 1 {
		return observations[len(observations)-1:]
	}

	result := make([]model.LevelObservation, 0, max)
	step := float64(len(observations)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(observations) {
			idx = len(observations) - 1
		}
		result = append(result, observations[idx])
	}
	return result
}

func writeLevelsCSV(w io.Writer, observations []model.LevelObservation) error {
	ids := cauldronIDs(observations)

	writer := csv.NewWriter(w)
	header := append([]string{"timestamp"}, ids...)
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, obs := range observations {
		record := make([]string, 0, len(ids)+1)
		record = append(record, obs.Timestamp.UTC().Format(time.RFC3339))
		for _, id := range ids {
			if v, ok := obs.CauldronLevels[id]; ok {
				record = append(record, strconv.FormatFloat(v, 'f', -1, 64))
			} else {
				record = append(record, "")
			}
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeLevelsPNG(w io.Writer, observations []model.LevelObservation) error {
	ids := cauldronIDs(observations)

	series := make([]chart.Series, 0, len(ids))
	for _, id := range ids {
		var xs []time.Time
		var ys []float64
		for _, obs := range observations {
			if v, ok := obs.CauldronLevels[id]; ok {
				xs = append(xs, obs.Timestamp)
				ys = append(ys, v)
			}
		}
		if len(xs) < 2 {
			continue
		}
		series = append(series, chart.TimeSeries{Name: id, XValues: xs, YValues: ys})
	}
	if len(series) == 0 {
		return errors.New("not enough observations to draw a chart")
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Level (L)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}

func writeFile(path string, write func(io.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
