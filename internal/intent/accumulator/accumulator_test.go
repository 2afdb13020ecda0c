package accumulator

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/edgnss/onos-intent-core/internal/intent"
)

// fakeTimer lets tests fire the window callback deterministically instead
// of sleeping for real wall-clock time.
type fakeTimer struct{ stopped bool }

func (f *fakeTimer) Stop() bool {
	wasRunning := !f.stopped
	f.stopped = true
	return wasRunning
}

func newFakeClock() (func(d time.Duration, f func()) stoppable, *func()) {
	var fire func()
	ctor := func(d time.Duration, f func()) stoppable {
		fire = f
		return &fakeTimer{}
	}
	return ctor, &fire
}

func data(key string, counter uint64) intent.IntentData {
	return intent.IntentData{
		Key:     intent.StringKey(key),
		Version: intent.Version{Counter: counter},
	}
}

func TestAccumulatorWindowFlush(t *testing.T) {
	var got []intent.IntentData
	a := New(func(batch []intent.IntentData) { got = batch })
	ctor, fire := newFakeClock()
	a.newTimer = ctor

	a.Add(data("a", 1))
	a.Add(data("b", 1))
	if got != nil {
		t.Fatalf("Add(): sink invoked before the window fired: %v", got)
	}

	(*fire)()

	want := []intent.IntentData{data("a", 1), data("b", 1)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("batch after window fire: -want, +got:\n%s", diff)
	}
}

func TestAccumulatorDedupToHighestVersion(t *testing.T) {
	var got []intent.IntentData
	a := New(func(batch []intent.IntentData) { got = batch })
	ctor, fire := newFakeClock()
	a.newTimer = ctor

	a.Add(data("a", 1))
	a.Add(data("a", 3))
	a.Add(data("a", 2)) // stale: must not override version 3

	(*fire)()

	want := []intent.IntentData{data("a", 3)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("batch after dedup: -want, +got:\n%s", diff)
	}
}

func TestAccumulatorSizeThresholdFlushesImmediately(t *testing.T) {
	var got []intent.IntentData
	a := New(func(batch []intent.IntentData) { got = batch }, WithSizeThreshold(2))
	ctor, _ := newFakeClock()
	a.newTimer = ctor

	a.Add(data("a", 1))
	if got != nil {
		t.Fatalf("Add(): sink invoked before threshold reached")
	}
	a.Add(data("b", 1))
	if len(got) != 2 {
		t.Fatalf("Add(): expected immediate flush at threshold, got %d entries", len(got))
	}
}

func TestAccumulatorHoldsUntilReady(t *testing.T) {
	var batches [][]intent.IntentData
	a := New(func(batch []intent.IntentData) { batches = append(batches, batch) })
	ctor, fire := newFakeClock()
	a.newTimer = ctor

	a.Add(data("a", 1))
	(*fire)() // first batch delivered, a.ready now false

	a.Add(data("b", 1))
	(*fire)() // second window fires while not ready: batch must be held, not delivered

	if len(batches) != 1 {
		t.Fatalf("expected exactly one delivered batch while not ready, got %d", len(batches))
	}

	a.Ready()
	if len(batches) != 2 {
		t.Fatalf("Ready(): expected the held batch to deliver, got %d batches", len(batches))
	}
	want := []intent.IntentData{data("b", 1)}
	if diff := cmp.Diff(want, batches[1]); diff != "" {
		t.Errorf("held batch: -want, +got:\n%s", diff)
	}
}
