// Package accumulator implements the Accumulator (spec.md §4.4): it
// coalesces the store's per-key Process callbacks into batches, deduping
// same-key updates to the highest version and holding the next batch until
// the previous one's dispatch has been acknowledged via Ready.
//
// Grounded on the mutex-protected, timer-driven buffering style used
// throughout the teacher's watch loops (e.g.
// internal/controller/pkg/manager/watch.go), generalized from "watch
// event debounce" to "batch coalescing with a held-until-ready gate".
package accumulator

import (
	"sync"
	"time"

	"github.com/edgnss/onos-intent-core/internal/intent"
)

// DefaultWindow and DefaultSizeThreshold are the spec.md §4.4 defaults.
const (
	DefaultWindow        = 50 * time.Millisecond
	DefaultSizeThreshold = 500
)

// Sink receives a coalesced batch. The Accumulator releases its lock while
// invoking Sink, but Sink runs on the goroutine of the Add, window timer or
// Ready call that triggered delivery, so a slow Sink delays that caller.
type Sink func(batch []intent.IntentData)

// Accumulator buffers intent.IntentData updates into batches.
type Accumulator struct {
	window   time.Duration
	sizeMax  int
	sink     Sink
	newTimer func(d time.Duration, f func()) stoppable

	mu      sync.Mutex
	buf     map[string]intent.IntentData
	order   []string
	timer   stoppable
	ready   bool
	pending bool // a batch is coalesced and waiting on Ready to be delivered
}

// stoppable is the subset of *time.Timer the Accumulator needs; it is an
// interface so tests can use a fake clock instead of sleeping.
type stoppable interface {
	Stop() bool
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithWindow overrides DefaultWindow.
func WithWindow(d time.Duration) Option {
	return func(a *Accumulator) { a.window = d }
}

// WithSizeThreshold overrides DefaultSizeThreshold.
func WithSizeThreshold(n int) Option {
	return func(a *Accumulator) { a.sizeMax = n }
}

// New creates an Accumulator delivering coalesced batches to sink.
func New(sink Sink, opts ...Option) *Accumulator {
	a := &Accumulator{
		window:  DefaultWindow,
		sizeMax: DefaultSizeThreshold,
		sink:    sink,
		buf:     make(map[string]intent.IntentData),
		ready:   true,
	}
	a.newTimer = func(d time.Duration, f func()) stoppable { return time.AfterFunc(d, f) }
	for _, o := range opts {
		o(a)
	}
	return a
}

// Add is the store Delegate.Process entry point: it coalesces data into
// the buffer forming the next batch. If another IntentData for the same
// key is already buffered, only the higher-Version one survives (spec.md
// §4.4 "per-key dedup").
func (a *Accumulator) Add(data intent.IntentData) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := data.Key.Identifier()
	if existing, ok := a.buf[id]; ok {
		if !data.Version.After(existing.Version) {
			return
		}
	} else {
		a.order = append(a.order, id)
	}
	a.buf[id] = data

	if a.timer == nil {
		a.timer = a.newTimer(a.window, a.fire)
	}
	if len(a.buf) >= a.sizeMax {
		a.flushLocked()
	}
}

// fire is the time-window trigger.
func (a *Accumulator) fire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked()
}

// flushLocked coalesces the buffer into a batch. If the previous batch's
// Ready has not yet been called, the batch is held (spec.md §4.4: "until
// then, new batches are held, preventing pipeline overlap") rather than
// delivered — it will be delivered by the next Ready call.
func (a *Accumulator) flushLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if len(a.buf) == 0 {
		return
	}
	if !a.ready {
		a.pending = true
		return
	}
	a.deliverLocked()
}

func (a *Accumulator) deliverLocked() {
	batch := make([]intent.IntentData, 0, len(a.order))
	for _, id := range a.order {
		batch = append(batch, a.buf[id])
	}
	a.buf = make(map[string]intent.IntentData)
	a.order = nil
	a.ready = false
	a.pending = false

	sink := a.sink
	a.mu.Unlock()
	sink(batch)
	a.mu.Lock()
}

// Ready unblocks delivery of the next batch. It is called by the batch
// executor once it has dispatched (not necessarily completed — suspended
// installs resolve independently) every key in the previous batch.
func (a *Accumulator) Ready() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ready = true
	if a.pending {
		a.deliverLocked()
		return
	}
	// A batch may have accumulated to the size threshold while we were
	// not ready; check again now that we are.
	if len(a.buf) >= a.sizeMax {
		a.deliverLocked()
	}
}
