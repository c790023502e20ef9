// Package recorder keeps a journal of cache refresh attempts.
package recorder

import (
	"context"
	"time"

	"potion-flow-monitor/internal/cache"
)

// Outcome classifies a refresh attempt.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeFallback  Outcome = "fallback"
	OutcomeFailed    Outcome = "failed"
	OutcomeDiscarded Outcome = "discarded"
)

// OutcomeOf maps a refresh event to its journal outcome.
func OutcomeOf(e cache.RefreshEvent) Outcome {
	switch {
	case e.Err != nil && e.Fallback:
		return OutcomeFallback
	case e.Err != nil:
		return OutcomeFailed
	case e.Discarded:
		return OutcomeDiscarded
	default:
		return OutcomeApplied
	}
}

// Event is one journal row.
type Event struct {
	ID        int64
	Resource  string
	StartedAt time.Time
	Duration  time.Duration
	Version   uint64
	Outcome   Outcome
	Error     string
}

// Summary aggregates the journal per resource.
type Summary struct {
	Resource      string
	Attempts      int64
	Failures      int64
	LastAttemptAt time.Time
	LastFailureAt time.Time
	LastError     string
}

// Recorder is a refresh journal.
type Recorder interface {
	cache.Observer
	ListRecent(ctx context.Context, limit int) ([]Event, error)
	Summaries(ctx context.Context) ([]Summary, error)
	DeleteBefore(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) ObserveRefresh(cache.RefreshEvent) {}

func (Noop) ListRecent(context.Context, int) ([]Event, error) { return nil, nil }

func (Noop) Summaries(context.Context) ([]Summary, error) { return nil, nil }

func (Noop) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (Noop) Close() error { return nil }

var _ Recorder = Noop{}
