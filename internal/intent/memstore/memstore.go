// Package memstore provides an in-memory reference implementation of
// intent.Store, the replicated map spec.md §4.1 describes as externally
// provided. It exists so the phase pipeline and IntentManager can be
// exercised and tested without a real clustered map store. cmd/onosd does
// not use it.
//
// Grounded on the client/applicator split the teacher uses throughout its
// reconcilers (a thin synchronous map plus a delegate invoked off to the
// side), generalized here into a single mutex-guarded map with a pluggable
// mastership check.
package memstore

import (
	"context"
	"sync"

	"github.com/edgnss/onos-intent-core/internal/intent"
)

// Mastership decides whether the local node owns processing for a key.
// The real cluster topology service backs this in production; the tests
// use AlwaysMaster.
type Mastership interface {
	IsMaster(key intent.Key) bool
}

// AlwaysMaster is a Mastership that always returns true, suitable for a
// single-node deployment.
type AlwaysMaster struct{}

// IsMaster implements Mastership.
func (AlwaysMaster) IsMaster(intent.Key) bool { return true }

type entry struct {
	current intent.IntentData
	pending intent.IntentData
	hasCur  bool
	hasPend bool
}

// Store is an in-memory intent.Store.
type Store struct {
	mastership Mastership

	mu       sync.RWMutex
	entries  map[string]*entry
	delegate intent.Delegate
}

// New creates a Store. If m is nil, AlwaysMaster is used.
func New(m Mastership) *Store {
	if m == nil {
		m = AlwaysMaster{}
	}
	return &Store{mastership: m, entries: make(map[string]*entry)}
}

// SetDelegate implements intent.Store.
func (s *Store) SetDelegate(d intent.Delegate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delegate = d
}

// AddPending implements intent.Store.
func (s *Store) AddPending(ctx context.Context, data intent.IntentData) error {
	if !s.mastership.IsMaster(data.Key) {
		// spec.md §4.1: "Fails with NotMaster when the local node should
		// ignore the key (silent skip)."
		return nil
	}

	s.mu.Lock()
	id := data.Key.Identifier()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	e.pending = data
	e.hasPend = true
	delegate := s.delegate
	s.mu.Unlock()

	if delegate != nil {
		delegate.Process(ctx, data)
	}
	return nil
}

// GetIntent implements intent.Store.
func (s *Store) GetIntent(ctx context.Context, key intent.Key) (intent.Intent, bool) {
	d, ok := s.GetIntentData(ctx, key)
	if !ok {
		return intent.Intent{}, false
	}
	return d.Intent, true
}

// GetIntentData implements intent.Store.
func (s *Store) GetIntentData(ctx context.Context, key intent.Key) (intent.IntentData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key.Identifier()]
	if !ok || !e.hasCur {
		return intent.IntentData{}, false
	}
	return e.current, true
}

// GetPendingData implements intent.Store.
func (s *Store) GetPendingData(ctx context.Context, key intent.Key) (intent.IntentData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key.Identifier()]
	if !ok || !e.hasPend {
		return intent.IntentData{}, false
	}
	return e.pending, true
}

// GetIntents implements intent.Store.
func (s *Store) GetIntents(ctx context.Context) []intent.IntentData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]intent.IntentData, 0, len(s.entries))
	for _, e := range s.entries {
		if e.hasCur {
			out = append(out, e.current)
		}
	}
	return out
}

// GetIntentCount implements intent.Store.
func (s *Store) GetIntentCount(ctx context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.hasCur {
			n++
		}
	}
	return n
}

// IsMaster implements intent.Store.
func (s *Store) IsMaster(ctx context.Context, key intent.Key) bool {
	return s.mastership.IsMaster(key)
}

// BatchWrite implements intent.Store. Entries are applied in list order,
// so a later entry for the same key wins (spec.md §4.1).
func (s *Store) BatchWrite(ctx context.Context, batch []intent.IntentData) error {
	s.mu.Lock()
	type change struct {
		old, new intent.IntentData
	}
	changes := make([]change, 0, len(batch))
	for _, data := range batch {
		id := data.Key.Identifier()
		e, ok := s.entries[id]
		if !ok {
			e = &entry{}
			s.entries[id] = e
		}
		old := e.current
		e.current = data
		e.hasCur = true
		// Clear pending only if this write satisfies the version that was
		// pending; a newer pending that arrived mid-flight is left so the
		// accumulator's next tick re-processes it (spec.md §4.5 tie-break).
		if e.hasPend && !e.pending.Version.After(data.Version) {
			e.hasPend = false
		}
		changes = append(changes, change{old: old, new: data})
	}
	delegate := s.delegate
	s.mu.Unlock()

	if delegate == nil {
		return nil
	}
	for _, c := range changes {
		delegate.Notify(ctx, intent.Event{Key: c.new.Key, OldState: c.old.State, NewState: c.new.State, Data: c.new})
		delegate.OnUpdate(ctx, c.new)
	}
	return nil
}

// Remove implements intent.Store.
func (s *Store) Remove(ctx context.Context, key intent.Key) error {
	s.mu.Lock()
	delete(s.entries, key.Identifier())
	s.mu.Unlock()
	return nil
}
