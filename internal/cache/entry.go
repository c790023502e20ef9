// Package cache implements the per-resource snapshot cache with
// single-flight refresh and stale fallback.
package cache

import (
	"errors"
	"fmt"
	"time"
)

// Entry is one cached snapshot.
type Entry[T any] struct {
	Value     T
	FetchedAt time.Time
	Window    time.Duration
	Version   uint64
}

// Fresh reports whether now - FetchedAt < Window.
func (e Entry[T]) Fresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) < e.Window
}

// Age is how long ago the entry was fetched.
func (e Entry[T]) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// State is the lifecycle position of a resource.
type State int

const (
	StateEmpty State = iota
	StateFetching
	StateFresh
	StateStale
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateFetching:
		return "fetching"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrUnknownResource is returned for resource names the registry does not hold.
var ErrUnknownResource = errors.New("unknown resource")

// UpstreamError is returned when a refresh fails and no snapshot exists
// to fall back to.
type UpstreamError struct {
	Resource string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Resource, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// RefreshEvent describes one upstream refresh attempt.
type RefreshEvent struct {
	Resource  string
	StartedAt time.Time
	Duration  time.Duration
	Version   uint64
	Err       error
	// Fallback is set when a failed refresh served the previous snapshot.
	Fallback bool
	// Discarded is set when a successful result was older than the cached one.
	Discarded bool
}

// Observer receives refresh events.
type Observer interface {
	ObserveRefresh(event RefreshEvent)
}

// Status is a point-in-time view of a resource for diagnostics.
type Status struct {
	Resource      string        `json:"resource"`
	State         State         `json:"state"`
	FetchedAt     time.Time     `json:"fetched_at,omitzero"`
	Age           time.Duration `json:"age_ns,omitempty"`
	Window        time.Duration `json:"window_ns"`
	Version       uint64        `json:"version"`
	Hits          uint64        `json:"hits"`
	Refreshes     uint64        `json:"refreshes"`
	UpstreamCalls uint64        `json:"upstream_calls"`
	Failures      uint64        `json:"failures"`
	LastError     string        `json:"last_error,omitempty"`
	LastErrorAt   time.Time     `json:"last_error_at,omitzero"`
}
