// Package manager implements the IntentManager public facade (spec.md
// §4.7): submit/withdraw/purge, registry extension, reads, topology-change
// recompile, and the coordinator feedback endpoints, wired over the
// accumulator/pipeline/coordinator packages.
//
// Grounded on cmd/crossplane/core/core.go's construction style: a
// long-lived facade built once from functional options over a set of
// collaborator interfaces, rather than a service locator or global state
// (DESIGN NOTES §9: "Pass them explicitly to constructors; no hidden
// singletons").
package manager

import (
	"context"
	"sync"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/edgnss/onos-intent-core/internal/intent"
	"github.com/edgnss/onos-intent-core/internal/intent/accumulator"
	"github.com/edgnss/onos-intent-core/internal/intent/compiler"
	"github.com/edgnss/onos-intent-core/internal/intent/coordinator"
	"github.com/edgnss/onos-intent-core/internal/intent/installer"
	"github.com/edgnss/onos-intent-core/internal/intent/pipeline"
	"github.com/edgnss/onos-intent-core/internal/intent/reclaim"
)

// DefaultNumThreads is intentManager.numThreads' spec.md §6 default.
const DefaultNumThreads = 12

// EventListener receives every durable intent state transition (spec.md
// §7: "every intent lifecycle transition emits an event on the intent
// event listener bus").
type EventListener interface {
	HandleEvent(ctx context.Context, ev intent.Event)
}

// EventListenerFunc adapts a function to an EventListener.
type EventListenerFunc func(ctx context.Context, ev intent.Event)

// HandleEvent implements EventListener.
func (f EventListenerFunc) HandleEvent(ctx context.Context, ev intent.Event) { f(ctx, ev) }

// Manager is the IntentManager facade.
type Manager struct {
	store      intent.Store
	compilers  *compiler.Registry
	installers *installer.Registry
	coord      *coordinator.Coordinator
	pipe       *pipeline.Pipeline
	acc        *accumulator.Accumulator
	reclaimer  *reclaim.Reclaimer
	clock      *intent.VersionClock
	log        logging.Logger

	numThreads int

	// Staged by With* options, consumed once by New when it builds coord
	// and acc.
	accOpts     []accumulator.Option
	coordOpts   []coordinator.Option
	skipReclaim bool

	mu        sync.RWMutex
	listeners []EventListener
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the Manager's logger, propagated to its pipeline and
// coordinator.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithNumThreads overrides DefaultNumThreads (intentManager.numThreads,
// spec.md §6).
func WithNumThreads(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.numThreads = n
		}
	}
}

// WithAccumulatorOptions forwards options to the underlying Accumulator.
func WithAccumulatorOptions(opts ...accumulator.Option) Option {
	return func(m *Manager) { m.accOpts = append(m.accOpts, opts...) }
}

// WithCoordinatorOptions forwards options to the underlying Coordinator.
func WithCoordinatorOptions(opts ...coordinator.Option) Option {
	return func(m *Manager) { m.coordOpts = append(m.coordOpts, opts...) }
}

// WithSkipReleaseResourcesOnWithdrawal mirrors
// intentManager.skipReleaseResourcesOnWithdrawal (spec.md §6), a
// throughput-benchmarking mode that disables resource reclamation.
func WithSkipReleaseResourcesOnWithdrawal(skip bool) Option {
	return func(m *Manager) { m.skipReclaim = skip }
}

// New builds a Manager over store, resources (the delegated resource
// service), creating empty compiler/installer registries that callers
// extend through the RegisterCompiler/RegisterInstaller methods below.
func New(store intent.Store, resources reclaim.Resources, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		compilers:  compiler.NewRegistry(),
		installers: installer.NewRegistry(),
		clock:      intent.NewVersionClock(),
		log:        logging.NewNopLogger(),
		numThreads: DefaultNumThreads,
	}
	for _, o := range opts {
		o(m)
	}

	m.coord = coordinator.New(m.installers, append(m.coordOpts, coordinator.WithLogger(m.log))...)
	m.pipe = pipeline.New(m.compilers, m.coord, m.store, m.store, m.onResolved, pipeline.WithLogger(m.log))
	m.acc = accumulator.New(m.onBatch, m.accOpts...)
	m.reclaimer = reclaim.New(resources, &storeLister{m.store}, m.log)
	m.reclaimer.SkipOnWithdrawal = m.skipReclaim

	store.SetDelegate(m)
	return m
}

type storeLister struct{ s intent.Store }

func (l *storeLister) GetIntents(ctx context.Context) []intent.IntentData { return l.s.GetIntents(ctx) }

// AddListener registers an EventListener on the intent event bus.
func (m *Manager) AddListener(l EventListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// RegisterCompiler registers a compiler for subtype. parent is recorded as
// described on compiler.Registry.Register.
func (m *Manager) RegisterCompiler(subtype, parent string, c compiler.Compiler) {
	m.compilers.Register(subtype, parent, c)
}

// UnregisterCompiler removes the compiler registered for subtype.
func (m *Manager) UnregisterCompiler(subtype string) { m.compilers.Unregister(subtype) }

// RegisterInstaller registers an installer for subtype. parent is recorded
// as described on compiler.Registry.Register.
func (m *Manager) RegisterInstaller(subtype, parent string, in installer.Installer) {
	m.installers.Register(subtype, parent, in)
}

// UnregisterInstaller removes the installer registered for subtype.
func (m *Manager) UnregisterInstaller(subtype string) { m.installers.Unregister(subtype) }

// Submit enqueues i for installation (spec.md §4.7).
func (m *Manager) Submit(ctx context.Context, i intent.Intent) error {
	return m.enqueue(ctx, i, intent.RequestSubmit, intent.StateInstallReq)
}

// Withdraw enqueues i for withdrawal.
func (m *Manager) Withdraw(ctx context.Context, i intent.Intent) error {
	return m.enqueue(ctx, i, intent.RequestWithdraw, intent.StateWithdrawReq)
}

// Purge enqueues i for removal. i must already be in a terminal state or
// the pipeline fails the request (spec.md §4.5 "Purging").
func (m *Manager) Purge(ctx context.Context, i intent.Intent) error {
	return m.enqueue(ctx, i, intent.RequestPurge, intent.StatePurgeReq)
}

func (m *Manager) enqueue(ctx context.Context, i intent.Intent, req intent.Request, state intent.State) error {
	data := intent.IntentData{
		Key:     i.Key,
		Request: req,
		State:   state,
		Version: m.clock.Next(),
		Intent:  i,
	}
	return m.store.AddPending(ctx, data)
}

// GetIntent reads the current durable intent for key.
func (m *Manager) GetIntent(ctx context.Context, key intent.Key) (intent.Intent, bool) {
	return m.store.GetIntent(ctx, key)
}

// GetIntents returns every durable IntentData.
func (m *Manager) GetIntents(ctx context.Context) []intent.IntentData { return m.store.GetIntents(ctx) }

// GetIntentsByAppID filters GetIntents to one application.
func (m *Manager) GetIntentsByAppID(ctx context.Context, appID uint16) []intent.IntentData {
	all := m.store.GetIntents(ctx)
	out := make([]intent.IntentData, 0, len(all))
	for _, d := range all {
		if d.Intent.AppID == appID {
			out = append(out, d)
		}
	}
	return out
}

// GetIntentState returns the durable state for key.
func (m *Manager) GetIntentState(ctx context.Context, key intent.Key) (intent.State, bool) {
	d, ok := m.store.GetIntentData(ctx, key)
	if !ok {
		return "", false
	}
	return d.State, true
}

// GetInstallableIntents returns the compiled installables for key's
// current durable IntentData.
func (m *Manager) GetInstallableIntents(ctx context.Context, key intent.Key) ([]intent.Intent, bool) {
	d, ok := m.store.GetIntentData(ctx, key)
	if !ok {
		return nil, false
	}
	return d.Installables, true
}

// GetIntentCount returns the number of durable intents.
func (m *Manager) GetIntentCount(ctx context.Context) int { return m.store.GetIntentCount(ctx) }

// IsLocal reports whether this node is master for key.
func (m *Manager) IsLocal(ctx context.Context, key intent.Key) bool {
	return m.store.IsMaster(ctx, key)
}

// IntentInstallSuccess is the coordinator feedback endpoint an installer
// reports success through (spec.md §4.7).
func (m *Manager) IntentInstallSuccess(ctx context.Context, key intent.Key) {
	m.coord.Succeeded(ctx, key)
}

// IntentInstallFailed is the coordinator feedback endpoint an installer
// reports failure through.
func (m *Manager) IntentInstallFailed(ctx context.Context, key intent.Key, cause error) {
	m.coord.Failed(ctx, key, cause)
}

// Process implements intent.Delegate: it hands the new pending data to the
// accumulator for coalescing (spec.md §4.1/§4.4).
func (m *Manager) Process(ctx context.Context, data intent.IntentData) { m.acc.Add(data) }

// Notify implements intent.Delegate: it fans the durable transition out to
// the resource reclaimer and the intent event listener bus.
func (m *Manager) Notify(ctx context.Context, ev intent.Event) {
	if ev.NewState == intent.StateWithdrawn {
		if err := m.reclaimer.OnWithdrawn(ctx, ev.Data); err != nil {
			m.log.Info("resource reclamation failed", "key", ev.Key.Identifier(), "error", err)
		}
	}

	m.mu.RLock()
	listeners := append([]EventListener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		l.HandleEvent(ctx, ev)
	}
}

// OnUpdate implements intent.Delegate. It is a tracking hook; this
// reference implementation has no separate tracking store to update, so
// it only logs at debug level.
func (m *Manager) OnUpdate(ctx context.Context, data intent.IntentData) {
	m.log.Debug("intent data updated", "key", data.Key.Identifier(), "state", string(data.State))
}

// onResolved is the pipeline.ResolvedFunc for suspended (Installing or
// Withdrawing) phase runs: it writes the eventual outcome as its own
// single-entry batch, independent of whatever batch is in flight when the
// coordinator calls back (spec.md §4.5 tie-break: "the in-flight result is
// written regardless").
func (m *Manager) onResolved(ctx context.Context, out pipeline.Outcome) {
	if out.NoOp() || out.Removed {
		return
	}
	if err := m.store.BatchWrite(ctx, []intent.IntentData{out.Final}); err != nil {
		m.log.Info("batch write of resolved install/withdraw failed", "key", out.Final.Key.Identifier(), "error", err)
	}
}

// onBatch is the accumulator.Sink: it runs the batch through the worker
// pool (executor.go) and unblocks the next batch once every key has been
// dispatched.
func (m *Manager) onBatch(batch []intent.IntentData) {
	ctx := context.Background()
	finals := m.runBatch(ctx, batch)
	if len(finals) > 0 {
		if err := m.store.BatchWrite(ctx, finals); err != nil {
			m.log.Info("batch write failed", "size", len(finals), "error", err)
		}
	}
	m.acc.Ready()
}
