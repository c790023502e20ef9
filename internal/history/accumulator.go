// Package history keeps the ordered, bounded log of cauldron level observations.
package history

import (
	"iter"
	"maps"
	"sort"
	"sync"
	"time"

	"potion-flow-monitor/internal/model"
)

// DefaultMaxEntries bounds the log when no limit is configured.
const DefaultMaxEntries = 10_000

// Accumulator is an append-only observation log ordered by timestamp.
//
// Timestamps are unique. Once the log holds more than maxEntries
// observations the oldest ones are evicted. Readers never observe a
// partially applied append: inserts into the middle of the log build a
// new backing array, tail appends only touch indices beyond any
// previously published view, and eviction re-slices from the front.
type Accumulator struct {
	mu         sync.RWMutex
	entries    []model.LevelObservation
	maxEntries int
	evicted    uint64
}

// New creates an accumulator retaining at most maxEntries observations.
func New(maxEntries int) *Accumulator {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Accumulator{maxEntries: maxEntries}
}

// Append inserts obs in timestamp order. It reports false when an
// observation with the same timestamp already exists, or when the log is
// full and obs is older than everything retained.
func (a *Accumulator) Append(obs model.LevelObservation) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.insertLocked(obs)
	return ok
}

// AppendAll appends a batch and returns the observations that were
// inserted, in batch order.
func (a *Accumulator) AppendAll(batch []model.LevelObservation) []model.LevelObservation {
	a.mu.Lock()
	defer a.mu.Unlock()

	var added []model.LevelObservation
	for _, obs := range batch {
		if stored, ok := a.insertLocked(obs); ok {
			added = append(added, stored)
		}
	}
	return added
}

func (a *Accumulator) insertLocked(obs model.LevelObservation) (model.LevelObservation, bool) {
	ts := obs.Timestamp.UTC()
	n := len(a.entries)

	idx := sort.Search(n, func(i int) bool {
		return !a.entries[i].Timestamp.Before(ts)
	})
	if idx < n && a.entries[idx].Timestamp.Equal(ts) {
		return model.LevelObservation{}, false
	}
	// 已满且比最旧的还旧: 插入后会被立刻淘汰
	if idx == 0 && n >= a.maxEntries {
		return model.LevelObservation{}, false
	}

	stored := model.LevelObservation{Timestamp: ts, CauldronLevels: maps.Clone(obs.CauldronLevels)}
	if stored.CauldronLevels == nil {
		stored.CauldronLevels = map[string]float64{}
	}

	if idx == n {
		a.entries = append(a.entries, stored)
	} else {
		next := make([]model.LevelObservation, 0, n+1)
		next = append(next, a.entries[:idx]...)
		next = append(next, stored)
		next = append(next, a.entries[idx:]...)
		a.entries = next
	}

	a.evictLocked()
	return stored, true
}

func (a *Accumulator) evictLocked() {
	overflow := len(a.entries) - a.maxEntries
	if overflow <= 0 {
		return
	}
	a.entries = a.entries[overflow:]
	a.evicted += uint64(overflow)

	// 防止底层数组无限增长
	if cap(a.entries) > 2*a.maxEntries {
		a.entries = append(make([]model.LevelObservation, 0, a.maxEntries), a.entries...)
	}
}

// Read returns the most recent limit observations in ascending order.
// limit <= 0 returns everything retained. The sequence is evaluated
// lazily over the view captured at call time and may be ranged over
// any number of times.
func (a *Accumulator) Read(limit int) iter.Seq[model.LevelObservation] {
	a.mu.RLock()
	view := a.entries
	a.mu.RUnlock()

	if limit > 0 && len(view) > limit {
		view = view[len(view)-limit:]
	}

	return func(yield func(model.LevelObservation) bool) {
		for _, obs := range view {
			if !yield(obs) {
				return
			}
		}
	}
}

// Between returns observations with from <= timestamp < to.
func (a *Accumulator) Between(from, to time.Time) []model.LevelObservation {
	a.mu.RLock()
	view := a.entries
	a.mu.RUnlock()

	lo := sort.Search(len(view), func(i int) bool { return !view[i].Timestamp.Before(from) })
	hi := sort.Search(len(view), func(i int) bool { return !view[i].Timestamp.Before(to) })
	if lo >= hi {
		return nil
	}
	out := make([]model.LevelObservation, hi-lo)
	copy(out, view[lo:hi])
	return out
}

// Latest returns the newest observation.
func (a *Accumulator) Latest() (model.LevelObservation, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.entries) == 0 {
		return model.LevelObservation{}, false
	}
	return a.entries[len(a.entries)-1], true
}

// Len reports the number of retained observations.
func (a *Accumulator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// Evicted reports how many observations were dropped for capacity.
func (a *Accumulator) Evicted() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.evicted
}

// MaxEntries returns the retention bound.
func (a *Accumulator) MaxEntries() int {
	return a.maxEntries
}
