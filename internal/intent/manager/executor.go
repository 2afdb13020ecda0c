package manager

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/edgnss/onos-intent-core/internal/intent"
)

// runBatch drives every key in batch through the phase pipeline
// concurrently across the manager's worker pool (spec.md §5: "Phase
// process() work runs here concurrently across distinct keys; per-key
// ordering is preserved because a key appears at most once per batch and
// only one batch runs at a time"). It returns the synchronously-final
// outcomes, in batch order, ready for a single BatchWrite; suspended
// outcomes resolve later through onResolved.
//
// Grounded on golang.org/x/sync/errgroup's bounded-concurrency fan-out,
// used the same way the teacher pack's controllers bound concurrent
// reconciles (internal/controller/pkg/revision/establisher.go's
// maxConcurrentUpdates does the same job with a raw semaphore; errgroup's
// SetLimit is the idiomatic golang.org/x/sync equivalent).
func (m *Manager) runBatch(ctx context.Context, batch []intent.IntentData) []intent.IntentData {
	finals := make([]intent.IntentData, len(batch))
	keep := make([]bool, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.numThreads)

	var mu sync.Mutex
	for i, pending := range batch {
		i, pending := i, pending
		g.Go(func() error {
			current, _ := m.store.GetIntentData(gctx, pending.Key)
			out, ok := m.pipe.Process(gctx, current, pending)
			if !ok {
				// Suspended: resolved later via onResolved, independent of
				// this batch's write.
				return nil
			}
			if out.NoOp() || out.Removed {
				return nil
			}
			mu.Lock()
			finals[i] = out.Final
			keep[i] = true
			mu.Unlock()
			return nil
		})
	}
	// Every per-key Process call recovers its own panics (pipeline.go), so
	// g.Wait() only ever returns nil here; the error return is retained to
	// match the errgroup idiom used across this package's collaborators.
	_ = g.Wait()

	out := finals[:0]
	for i, k := range keep {
		if k {
			out = append(out, finals[i])
		}
	}
	return out
}
