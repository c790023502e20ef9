package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// FetchFunc loads a fresh snapshot from upstream.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Options configure a Resource.
type Options struct {
	Name     string
	Window   time.Duration
	Now      func() time.Time
	Observer Observer
}

// Resource caches one upstream resource type.
//
// Get serves the cached snapshot while it is fresh. Otherwise, or when
// forced, it joins the single in-flight refresh for this resource (or
// starts one). A failed refresh falls back to the previous snapshot when
// there is one. Refresh results whose start time precedes the cached
// snapshot are discarded.
type Resource[T any] struct {
	name     string
	window   time.Duration
	now      func() time.Time
	fetch    FetchFunc[T]
	observer Observer
	logger   zerolog.Logger

	group singleflight.Group

	mu          sync.RWMutex
	entry       *Entry[T]
	fetching    bool
	version     uint64
	refreshes   uint64
	failures    uint64
	lastErr     error
	lastErrAt   time.Time
	hits        atomic.Uint64
	upstreamHit atomic.Uint64
}

// NewResource builds a cache slot for one resource type.
func NewResource[T any](opts Options, fetch FetchFunc[T], logger zerolog.Logger) *Resource[T] {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Resource[T]{
		name:     opts.Name,
		window:   opts.Window,
		now:      now,
		fetch:    fetch,
		observer: opts.Observer,
		logger:   logger.With().Str("component", "cache").Str("resource", opts.Name).Logger(),
	}
}

// Name returns the resource type name.
func (r *Resource[T]) Name() string {
	return r.name
}

// Get returns the snapshot, refreshing it first when forced, missing or
// stale. The upstream call runs detached from ctx cancellation so that
// coalesced waiters still get its result; ctx only bounds how long this
// caller waits.
func (r *Resource[T]) Get(ctx context.Context, force bool) (T, error) {
	if !force {
		if value, ok := r.fresh(); ok {
			r.hits.Add(1)
			return value, nil
		}
	}

	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(r.name, func() (any, error) {
		return r.refresh(detached, force)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Peek returns the cached snapshot without refreshing.
func (r *Resource[T]) Peek() (Entry[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.entry == nil {
		return Entry[T]{}, false
	}
	return *r.entry, true
}

// Refresh forces a refresh and reports the resulting status.
func (r *Resource[T]) Refresh(ctx context.Context) (Status, error) {
	_, err := r.Get(ctx, true)
	return r.Status(), err
}

// UpstreamCalls counts fetch invocations.
func (r *Resource[T]) UpstreamCalls() uint64 {
	return r.upstreamHit.Load()
}

// Status snapshots the resource state.
func (r *Resource[T]) Status() Status {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	status := Status{
		Resource:  r.name,
		Window:    r.window,
		Hits:      r.hits.Load(),
		Refreshes:     r.refreshes,
		Failures:      r.failures,
		UpstreamCalls: r.UpstreamCalls(),
	}
	if r.lastErr != nil {
		status.LastError = r.lastErr.Error()
		status.LastErrorAt = r.lastErrAt
	}

	switch {
	case r.fetching:
		status.State = StateFetching
	case r.entry == nil:
		status.State = StateEmpty
	case r.entry.Fresh(now):
		status.State = StateFresh
	default:
		status.State = StateStale
	}
	if r.entry != nil {
		status.FetchedAt = r.entry.FetchedAt
		status.Age = r.entry.Age(now)
		status.Version = r.entry.Version
	}
	return status
}

func (r *Resource[T]) fresh() (T, bool) {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.entry != nil && r.entry.Fresh(now) {
		return r.entry.Value, true
	}
	var zero T
	return zero, false
}

func (r *Resource[T]) refresh(ctx context.Context, force bool) (T, error) {
	r.mu.Lock()
	if !force && r.entry != nil && r.entry.Fresh(r.now()) {
		// 另一轮刷新刚刚完成
		value := r.entry.Value
		r.mu.Unlock()
		return value, nil
	}
	r.fetching = true
	r.mu.Unlock()

	started := r.now()
	r.upstreamHit.Add(1)
	value, err := r.fetch(ctx)
	finished := r.now()

	event := RefreshEvent{Resource: r.name, StartedAt: started, Duration: finished.Sub(started)}
	var result T
	var resultErr error

	r.mu.Lock()
	r.fetching = false
	switch {
	case err != nil:
		r.failures++
		r.lastErr = err
		r.lastErrAt = finished
		event.Err = err
		if r.entry != nil {
			result = r.entry.Value
			event.Fallback = true
			event.Version = r.entry.Version
		} else {
			resultErr = &UpstreamError{Resource: r.name, Err: err}
		}
	case r.entry != nil && started.Before(r.entry.FetchedAt):
		result = r.entry.Value
		event.Discarded = true
		event.Version = r.entry.Version
	default:
		r.version++
		r.refreshes++
		r.entry = &Entry[T]{Value: value, FetchedAt: started, Window: r.window, Version: r.version}
		result = value
		event.Version = r.version
	}
	r.mu.Unlock()

	r.report(event)
	return result, resultErr
}

func (r *Resource[T]) report(event RefreshEvent) {
	switch {
	case event.Err != nil && event.Fallback:
		r.logger.Warn().Err(event.Err).Uint64("version", event.Version).Msg("refresh failed; serving stale snapshot")
	case event.Err != nil:
		r.logger.Error().Err(event.Err).Msg("refresh failed; no snapshot to fall back to")
	case event.Discarded:
		r.logger.Warn().Time("started_at", event.StartedAt).Msg("discarded refresh result older than cached snapshot")
	default:
		r.logger.Debug().Uint64("version", event.Version).Dur("elapsed", event.Duration).Msg("snapshot refreshed")
	}

	if r.observer != nil {
		r.observer.ObserveRefresh(event)
	}
}
