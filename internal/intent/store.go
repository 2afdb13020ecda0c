package intent

import "context"

// Event describes an observable intent state transition, emitted on every
// phase pipeline write (spec.md §7 "every intent lifecycle transition
// emits an event on the intent event listener bus").
type Event struct {
	Key      Key
	OldState State
	NewState State
	Data     IntentData
}

// Delegate receives callbacks from the Store. Implementations MUST NOT
// block: a Store may run process/notify on a single event executor
// (spec.md §5) or, as memstore does, synchronously on the goroutine that
// called AddPending or BatchWrite.
type Delegate interface {
	// Process is invoked with a newly pending IntentData. It is the entry
	// point into the accumulator (spec.md §4.1).
	Process(ctx context.Context, data IntentData)
	// Notify is invoked after a state transition has been durably written.
	Notify(ctx context.Context, ev Event)
	// OnUpdate is a tracking hook invoked for every write, terminal or not.
	OnUpdate(ctx context.Context, data IntentData)
}

// Store is the replicated, partitioned map of intent keys to (current,
// pending) data that the core consumes (spec.md §4.1). It is implemented
// externally; intent/memstore provides an in-memory reference
// implementation used by tests.
type Store interface {
	// AddPending enqueues a request for key and triggers Delegate.Process
	// for it. memstore makes that call synchronously, before AddPending
	// returns.
	AddPending(ctx context.Context, data IntentData) error

	GetIntent(ctx context.Context, key Key) (Intent, bool)
	GetIntentData(ctx context.Context, key Key) (IntentData, bool)
	GetPendingData(ctx context.Context, key Key) (IntentData, bool)
	GetIntents(ctx context.Context) []IntentData
	GetIntentCount(ctx context.Context) int

	// IsMaster reports whether this node owns processing for key.
	IsMaster(ctx context.Context, key Key) bool

	// BatchWrite atomically persists a batch of updated data. Writes MUST
	// preserve list order for per-key observable state (spec.md §4.1): if
	// the same key appears twice, the later entry wins.
	BatchWrite(ctx context.Context, batch []IntentData) error

	// Remove deletes key's entry entirely. Used by the Purging phase
	// (spec.md §4.5: "removes the key from the store; final phase produces
	// null (no write)") — spec.md §4.1 lists addPending/batchWrite as the
	// write paths the core consumes but purge is narratively a distinct
	// operation, so it gets its own method rather than overloading
	// BatchWrite with delete semantics.
	Remove(ctx context.Context, key Key) error

	// SetDelegate installs the callback target. Called once at startup by
	// the IntentManager.
	SetDelegate(d Delegate)
}
