package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"potion-flow-monitor/internal/alerting"
	"potion-flow-monitor/internal/api"
	"potion-flow-monitor/internal/config"
	"potion-flow-monitor/internal/fetcher"
	"potion-flow-monitor/internal/recorder"
	"potion-flow-monitor/internal/retention"
	"potion-flow-monitor/internal/scheduler"
	"potion-flow-monitor/internal/service"
	"potion-flow-monitor/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newUpstream() *fetcher.Client {
	return fetcher.NewClient(fetcher.Options{
		BaseURL:   a.Config.Upstream.BaseURL,
		Timeout:   a.Config.Upstream.RequestTimeout,
		UserAgent: a.Config.Upstream.UserAgent,
		APIKey:    a.Config.Upstream.APIKey,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	return store, store.Close, nil
}

// openRecorder returns the SQLite journal when a path is configured and a
// no-op recorder otherwise.
func (a *App) openRecorder() (recorder.Recorder, error) {
	if a.Config.Recorder.SQLitePath == "" {
		return recorder.Noop{}, nil
	}
	rec, err := recorder.NewSQLiteRecorder(a.Config.Recorder.SQLitePath, a.Logger)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// dependencies 只在 store 非 nil 时填充接口字段, 避免 typed-nil。
func dependencies(store *storage.Store, rec recorder.Recorder, notifier alerting.Notifier) service.Dependencies {
	deps := service.Dependencies{Notifier: notifier}
	if rec != nil {
		deps.Observer = rec
	}
	if store != nil {
		deps.Levels = store
		deps.Alerts = store
		deps.Locker = store
	}
	return deps
}

// Serve runs the HTTP API together with the background poll loop and the
// retention job until SIGINT/SIGTERM.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	rec, err := a.openRecorder()
	if err != nil {
		return err
	}
	defer rec.Close()

	var sched *scheduler.Scheduler
	if a.Config.Scheduler.Enabled {
		sched = scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			AlignToStart: a.Config.Scheduler.AlignToBucket,
			StartupDelay: a.Config.Scheduler.StartupDelay,
			RunOnStart:   a.Config.Scheduler.RunOnStart,
		}, a.Logger)
	}

	svc, err := service.New(a.Config, sched, a.newUpstream(), dependencies(store, rec, a.newNotifier()), a.Logger)
	if err != nil {
		return err
	}
	if _, err := svc.Hydrate(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("history hydration failed; starting empty")
	}

	server := api.NewServer(api.Options{
		Addr:            a.Config.Server.Addr,
		ReadTimeout:     a.Config.Server.ReadTimeout,
		WriteTimeout:    a.Config.Server.WriteTimeout,
		ShutdownTimeout: a.Config.Server.ShutdownTimeout,
		CORSOrigin:      a.Config.Server.CORSOrigin,
	}, svc, a.Logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Run(groupCtx) })
	if sched != nil {
		group.Go(func() error { return ignoreCanceled(svc.Run(groupCtx)) })
	}
	if a.Config.Retention.Enabled {
		job, err := retention.New(retention.Options{
			Schedule: a.Config.Retention.Schedule,
			Targets:  a.retentionTargets(store, rec),
		}, a.Logger)
		if err != nil {
			return err
		}
		group.Go(func() error { return ignoreCanceled(job.Run(groupCtx)) })
	}

	a.Logger.Info().
		Str("addr", a.Config.Server.Addr).
		Bool("scheduler", sched != nil).
		Bool("retention", a.Config.Retention.Enabled).
		Msg("starting potionwatch")

	if err := group.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}
	a.Logger.Info().Msg("potionwatch stopped")
	return nil
}

func (a *App) retentionTargets(store *storage.Store, rec recorder.Recorder) []retention.Target {
	targets := []retention.Target{
		{Name: "refresh_events", Keep: a.Config.Retention.KeepEvents, Prune: rec.DeleteBefore},
	}
	if store != nil {
		targets = append(targets,
			retention.Target{Name: "level_observations", Keep: a.Config.Retention.KeepLevels, Prune: store.DeleteObservationsBefore},
			retention.Target{Name: "ticket_alerts", Keep: a.Config.Retention.KeepAlerts, Prune: store.DeleteAlertsBefore},
		)
	}
	return targets
}

// newOneShotService builds a service without a scheduler for CLI commands.
func (a *App) newOneShotService(upstream fetcher.Upstream, deps service.Dependencies) (*service.Service, error) {
	return service.New(a.Config, nil, upstream, deps, a.Logger)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ExportOptions hold parameters for exporting cauldron level history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Height int
	Width  int
}

// TicketsOptions configure the tickets command.
type TicketsOptions struct {
	SuspiciousOnly bool
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	Chunk  time.Duration
	DryRun bool
}

// StatusOptions configure the status command.
type StatusOptions struct {
	Limit int
}

// SimulateOptions describe the synthetic ticket pushed through the alert path.
type SimulateOptions struct {
	Capacity float64
	Amount   float64
}

func (o SimulateOptions) validate() error {
	if o.Capacity <= 0 || o.Amount <= 0 {
		return fmt.Errorf("--capacity 与 --amount 必须大于 0")
	}
	return nil
}
