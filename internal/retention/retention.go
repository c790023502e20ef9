// Package retention prunes persisted history on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts five or six field cron specs and descriptors such as @daily.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return parser.Parse(spec)
}

// PruneFunc deletes rows older than before and reports how many went.
type PruneFunc func(ctx context.Context, before time.Time) (int64, error)

// Target is one prunable data set.
type Target struct {
	Name  string
	Keep  time.Duration
	Prune PruneFunc
}

// Options configure a Job.
type Options struct {
	Schedule string
	Targets  []Target
	Timeout  time.Duration
	Now      func() time.Time
}

// Result summarises one pass over all targets.
type Result struct {
	Deleted map[string]int64
	Err     error
}

// Job runs the pruning pass on its schedule.
type Job struct {
	opts   Options
	cron   *cron.Cron
	logger zerolog.Logger
}

// New validates the schedule and builds a Job.
func New(opts Options, logger zerolog.Logger) (*Job, error) {
	if _, err := ParseSchedule(opts.Schedule); err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", opts.Schedule, err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Job{
		opts:   opts,
		cron:   cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		logger: logger.With().Str("component", "retention").Logger(),
	}, nil
}

// RunOnce prunes every target with a positive Keep. A failing target does
// not stop the others; their errors are joined.
func (j *Job) RunOnce(ctx context.Context) Result {
	now := j.opts.Now().UTC()
	res := Result{Deleted: make(map[string]int64, len(j.opts.Targets))}

	var errs []error
	for _, target := range j.opts.Targets {
		if target.Keep <= 0 || target.Prune == nil {
			continue
		}
		cutoff := now.Add(-target.Keep)
		deleted, err := target.Prune(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune %s: %w", target.Name, err))
			j.logger.Error().Err(err).Str("target", target.Name).Msg("retention prune failed")
			continue
		}
		res.Deleted[target.Name] = deleted
		j.logger.Info().Str("target", target.Name).Time("cutoff", cutoff).Int64("deleted", deleted).Msg("retention prune finished")
	}
	res.Err = errors.Join(errs...)
	return res
}

// Run registers the pass with cron and blocks until ctx is cancelled.
func (j *Job) Run(ctx context.Context) error {
	_, err := j.cron.AddFunc(j.opts.Schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, j.opts.Timeout)
		defer cancel()
		j.RunOnce(runCtx)
	})
	if err != nil {
		return fmt.Errorf("register retention job: %w", err)
	}

	j.cron.Start()
	j.logger.Info().Str("schedule", j.opts.Schedule).Int("targets", len(j.opts.Targets)).Msg("retention scheduler started")

	<-ctx.Done()
	stopped := j.cron.Stop()
	<-stopped.Done()
	j.logger.Info().Msg("retention scheduler stopped")
	return ctx.Err()
}
