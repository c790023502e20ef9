package app

import (
	"context"
	"errors"
	"time"

	"potion-flow-monitor/internal/storage"
)

// Backfill 按时间窗口从上游拉取历史液位并写入数据库。
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	chunk := opts.Chunk
	if chunk <= 0 {
		chunk = 24 * time.Hour
	}

	start, end := opts.From.UTC(), opts.To.UTC()
	if !start.Before(end) {
		return errors.New("回填范围为空，请检查 --from/--to")
	}

	var store *storage.Store
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
	} else {
		var closeStore func()
		var err error
		store, closeStore, err = a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn 未配置，无法回填")
		}
		defer closeStore()
	}

	upstream := a.newUpstream()

	var fetched, written int64
	failed := 0
	for windowStart := start; windowStart.Before(end); windowStart = windowStart.Add(chunk) {
		if err := ctx.Err(); err != nil {
			return err
		}

		windowEnd := windowStart.Add(chunk)
		if windowEnd.After(end) {
			windowEnd = end
		}

		observations, err := upstream.FetchLevelsBetween(ctx, windowStart, windowEnd)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Time("from", windowStart).Time("to", windowEnd).Msg("回填失败")
			continue
		}
		fetched += int64(len(observations))

		if opts.DryRun || len(observations) == 0 {
			a.Logger.Info().Time("from", windowStart).Int("observations", len(observations)).Msg("window fetched")
			continue
		}

		n, err := store.UpsertObservations(ctx, observations)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Time("from", windowStart).Msg("回填写入失败")
			continue
		}
		written += n
	}

	a.Logger.Info().Int64("fetched", fetched).Int64("written", written).Int("failed", failed).Msg("回填完成")
	if failed > 0 {
		return errors.New("部分窗口回填失败，请检查日志")
	}
	return nil
}
