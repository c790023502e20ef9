package history

import (
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"potion-flow-monitor/internal/model"
)

var t0 = time.Date(2025, 10, 30, 0, 0, 0, 0, time.UTC)

func obsAt(minute int, level float64) model.LevelObservation {
	return model.LevelObservation{
		Timestamp:      t0.Add(time.Duration(minute) * time.Minute),
		CauldronLevels: map[string]float64{"cauldron_001": level},
	}
}

func collect(a *Accumulator, limit int) []model.LevelObservation {
	return slices.Collect(a.Read(limit))
}

func assertSortedUnique(t *testing.T, log []model.LevelObservation) {
	t.Helper()
	for i := 1; i < len(log); i++ {
		if !log[i-1].Timestamp.Before(log[i].Timestamp) {
			t.Fatalf("log not strictly ascending at %d: %s >= %s", i, log[i-1].Timestamp, log[i].Timestamp)
		}
	}
}

func sortedUnique(log []model.LevelObservation) bool {
	for i := 1; i < len(log); i++ {
		if !log[i-1].Timestamp.Before(log[i].Timestamp) {
			return false
		}
	}
	return true
}

func TestAppendKeepsOrderRegardlessOfInsertionOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		acc := New(1000)
		minutes := rng.Perm(200)
		for _, m := range minutes {
			acc.Append(obsAt(m, float64(m)))
			// 重复插入
			if m%3 == 0 {
				acc.Append(obsAt(m, -1))
			}
		}
		log := collect(acc, 0)
		if len(log) != 200 {
			t.Fatalf("expected 200 unique observations, got %d", len(log))
		}
		assertSortedUnique(t, log)
	}
}

func TestAppendDuplicateIsNoop(t *testing.T) {
	acc := New(10)
	if !acc.Append(obsAt(1, 10)) {
		t.Fatal("first append should insert")
	}
	before := collect(acc, 0)

	if acc.Append(obsAt(1, 99)) {
		t.Fatal("duplicate timestamp should be rejected")
	}
	after := collect(acc, 0)
	if len(after) != len(before) {
		t.Fatalf("length changed: %d -> %d", len(before), len(after))
	}
	if after[0].CauldronLevels["cauldron_001"] != 10 {
		t.Fatalf("contents changed: %v", after[0].CauldronLevels)
	}
}

func TestAppendEvictsOldestFirst(t *testing.T) {
	acc := New(5)
	for m := 0; m < 8; m++ {
		acc.Append(obsAt(m, float64(m)))
	}
	log := collect(acc, 0)
	if len(log) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(log))
	}
	if !log[0].Timestamp.Equal(t0.Add(3 * time.Minute)) {
		t.Fatalf("oldest retained should be minute 3, got %s", log[0].Timestamp)
	}
	if acc.Evicted() != 3 {
		t.Fatalf("evicted = %d", acc.Evicted())
	}

	// 比最旧的还旧: 直接拒绝
	if acc.Append(obsAt(0, 0)) {
		t.Fatal("older-than-window append into a full log should be rejected")
	}
	log = collect(acc, 0)
	if len(log) != 5 || !log[0].Timestamp.Equal(t0.Add(3*time.Minute)) {
		t.Fatalf("log changed by rejected append: %v", log[0].Timestamp)
	}
	if acc.Evicted() != 3 {
		t.Fatalf("rejected append must not count as eviction, evicted = %d", acc.Evicted())
	}
}

func TestAppendAllRepeatedOversizedBatchIsNoop(t *testing.T) {
	const capacity = 1000
	batch := make([]model.LevelObservation, 2*capacity)
	for i := range batch {
		batch[i] = obsAt(i, float64(i))
	}

	acc := New(capacity)
	if added := acc.AppendAll(batch); len(added) != len(batch) {
		t.Fatalf("first batch: added %d, want %d", len(added), len(batch))
	}
	before := collect(acc, 0)
	evicted := acc.Evicted()

	added := acc.AppendAll(batch)
	if len(added) != 0 {
		t.Fatalf("identical batch should add nothing, added %d", len(added))
	}
	if acc.Evicted() != evicted {
		t.Fatalf("evicted moved %d -> %d", evicted, acc.Evicted())
	}
	after := collect(acc, 0)
	if len(after) != capacity || !after[0].Timestamp.Equal(before[0].Timestamp) || !after[capacity-1].Timestamp.Equal(before[capacity-1].Timestamp) {
		t.Fatalf("log changed: %s..%s -> %s..%s", before[0].Timestamp, before[capacity-1].Timestamp, after[0].Timestamp, after[capacity-1].Timestamp)
	}
}

func TestAppendAllReturnsInsertedObservations(t *testing.T) {
	acc := New(100)
	acc.AppendAll([]model.LevelObservation{obsAt(5, 0), obsAt(10, 0)})

	added := acc.AppendAll([]model.LevelObservation{obsAt(10, 1), obsAt(1, 1), obsAt(12, 1)})
	if len(added) != 2 {
		t.Fatalf("expected 2 inserted, got %d", len(added))
	}
	if !added[0].Timestamp.Equal(t0.Add(time.Minute)) || !added[1].Timestamp.Equal(t0.Add(12*time.Minute)) {
		t.Fatalf("inserted observations out of batch order: %v, %v", added[0].Timestamp, added[1].Timestamp)
	}
}

func TestReadReturnsMostRecentAscending(t *testing.T) {
	acc := New(100)
	for m := 0; m < 10; m++ {
		acc.Append(obsAt(m, float64(m)))
	}
	got := collect(acc, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3, got %d", len(got))
	}
	for i, want := range []int{7, 8, 9} {
		if !got[i].Timestamp.Equal(t0.Add(time.Duration(want) * time.Minute)) {
			t.Fatalf("index %d: got %s", i, got[i].Timestamp)
		}
	}
}

func TestReadIsRestartableAndIsolatedFromLaterAppends(t *testing.T) {
	acc := New(100)
	for m := 0; m < 4; m++ {
		acc.Append(obsAt(m*2, 0))
	}
	seq := acc.Read(0)
	acc.Append(obsAt(3, 0)) // middle insert after the view was taken

	first := slices.Collect(seq)
	second := slices.Collect(seq)
	if len(first) != 4 || len(second) != 4 {
		t.Fatalf("sequence should replay the captured view: %d / %d", len(first), len(second))
	}
	assertSortedUnique(t, first)
	if acc.Len() != 5 {
		t.Fatalf("len = %d", acc.Len())
	}
}

func TestAppendClonesLevels(t *testing.T) {
	acc := New(10)
	levels := map[string]float64{"cauldron_001": 1}
	acc.Append(model.LevelObservation{Timestamp: t0, CauldronLevels: levels})
	levels["cauldron_001"] = 500

	latest, ok := acc.Latest()
	if !ok || latest.CauldronLevels["cauldron_001"] != 1 {
		t.Fatalf("stored levels must not alias caller map: %v", latest.CauldronLevels)
	}
}

func TestBetween(t *testing.T) {
	acc := New(100)
	for m := 0; m < 10; m++ {
		acc.Append(obsAt(m, 0))
	}
	got := acc.Between(t0.Add(2*time.Minute), t0.Add(5*time.Minute))
	if len(got) != 3 {
		t.Fatalf("expected minutes 2,3,4; got %d", len(got))
	}
}

func TestConcurrentAppendAndRead(t *testing.T) {
	acc := New(50)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for m := 0; m < 200; m++ {
				acc.Append(obsAt(m*4+offset, 0))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if !sortedUnique(collect(acc, 20)) {
					t.Error("reader observed an unsorted view")
					return
				}
			}
		}()
	}
	wg.Wait()

	if acc.Len() != 50 {
		t.Fatalf("expected bounded length 50, got %d", acc.Len())
	}
	assertSortedUnique(t, collect(acc, 0))
}
