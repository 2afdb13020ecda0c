// Package pipeline implements the per-key PhasePipeline (spec.md §4.5): a
// state machine that walks INSTALL_REQ/WITHDRAW_REQ/PURGE_REQ through
// compile/install/withdraw to a terminal IntentData.
//
// Phases are modeled as a tagged alternative the way DESIGN NOTES §9
// describes: each phase is a method returning the next phase (or nil at a
// final phase), grounded on the teacher's Reconcile-method shape in
// internal/controller/pkg/revision/reconciler.go (named error constants,
// functional options, one logger/event-recorder threaded through).
// Suspension across Installing/Withdrawing replaces the teacher's
// synchronous client.Apply with an explicit per-run continuation resumed
// by coordinator.Callback, per DESIGN NOTES §9's "explicit pending-per-key
// map" guidance — here the "map" is simply the run's own closure, since
// each run is already keyed by its own goroutine/invocation.
package pipeline

import (
	"context"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/edgnss/onos-intent-core/internal/intent"
	"github.com/edgnss/onos-intent-core/internal/intent/compiler"
	"github.com/edgnss/onos-intent-core/internal/intent/coordinator"
)

// Remover is the subset of intent.Store the Purging phase needs.
type Remover interface {
	Remove(ctx context.Context, key intent.Key) error
}

// Writer durably persists an intermediate phase transition through the
// same path a terminal write takes, so intent.Store's BatchWrite->Notify
// sequence fires for every state a run passes through (spec.md §7: "every
// intent lifecycle transition emits an event on the intent event listener
// bus"), not just the run's eventual terminal state.
type Writer interface {
	BatchWrite(ctx context.Context, batch []intent.IntentData) error
}

// Dispatcher is the subset of *coordinator.Coordinator the Installing and
// Withdrawing phases need. Depending on the interface rather than the
// concrete type keeps this package testable with a fake dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, key intent.Key, toUninstall, toInstall []intent.Intent, cb coordinator.Callback)
}

// Outcome is what a Process call (eventually) produces: either a final
// IntentData to durably write, or a bare removal with nothing to write.
type Outcome struct {
	Final   intent.IntentData
	Removed bool
}

// ResolvedFunc is invoked when a Process call that suspended (Installing or
// Withdrawing) is finally resolved by the InstallCoordinator.
type ResolvedFunc func(ctx context.Context, out Outcome)

// NoOp reports whether out carries nothing to write: a Skipped phase
// (spec.md §4.5 "Skipped" / "Skipped (stale)") never wrote anything, so
// there is no state transition to batch-write or notify on.
func (o Outcome) NoOp() bool { return o.Final.Key == nil && !o.Removed }

// Pipeline drives one key's request through compile/install/withdraw.
type Pipeline struct {
	compilers *compiler.Registry
	coord     Dispatcher
	remover   Remover
	writer    Writer
	log       logging.Logger
	resolved  ResolvedFunc
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the Pipeline's logger.
func WithLogger(l logging.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// New creates a Pipeline. resolved is called exactly once for every
// Process call that returns ok=false, when the coordinator
// eventually reports the install/withdraw outcome. writer receives a
// durable write for each intermediate phase a run enters, in addition to
// the run's eventual terminal write.
func New(compilers *compiler.Registry, coord Dispatcher, remover Remover, writer Writer, resolved ResolvedFunc, opts ...Option) *Pipeline {
	p := &Pipeline{
		compilers: compilers,
		coord:     coord,
		remover:   remover,
		writer:    writer,
		log:       logging.NewNopLogger(),
		resolved:  resolved,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// phaseFn is one node of the phase DAG: it does its work and returns the
// next phase to run, or nil if this was a final (or suspending) phase.
type phaseFn func(ctx context.Context) phaseFn

// run carries one Process call's mutable state across phases.
type run struct {
	p         *Pipeline
	current   intent.IntentData
	pending   intent.IntentData
	final     intent.IntentData
	removed   bool
	suspended bool
}

// Process drives pending (and the key's last durable current) through the
// phase DAG. If it returns ok=true, out is ready to write immediately. If
// it returns ok=false, the Pipeline will invoke its ResolvedFunc later with
// the eventual outcome — the caller must not write anything for this key
// until then.
func (p *Pipeline) Process(ctx context.Context, current, pending intent.IntentData) (out Outcome, ok bool) {
	r := &run{p: p, current: current, pending: pending}

	// On any unexpected panic inside a phase, spec.md §7 requires the
	// batch to complete regardless: the key terminates FAILED with its
	// installables unchanged so a reconciliation sweep can retry.
	defer func() {
		if rec := recover(); rec != nil {
			r.final = failedData(r.current, r.pending, errors.Errorf("phase panic: %v", rec))
			out, ok = Outcome{Final: r.final}, true
		}
	}()

	for phase := r.initial; phase != nil; {
		phase = phase(ctx)
	}

	if r.suspended {
		return Outcome{}, false
	}
	return Outcome{Final: r.final, Removed: r.removed}, true
}

// writePhase durably records d (d.State already set to the phase being
// entered) so it is observable via GetIntentState and reaches the intent
// event listener bus, independent of whatever batch eventually carries the
// run's terminal write.
func (r *run) writePhase(ctx context.Context, d intent.IntentData) {
	if r.p.writer == nil {
		return
	}
	if err := r.p.writer.BatchWrite(ctx, []intent.IntentData{d}); err != nil && r.p.log != nil {
		r.p.log.Info("writing intermediate phase transition failed", "key", d.Key.Identifier(), "state", string(d.State), "error", err)
	}
}

// baseFromCurrent carries current's installables forward with pending's
// request metadata, the shape both the WITHDRAW_REQ/WITHDRAWING writes and
// failed() build on.
func (r *run) baseFromCurrent() intent.IntentData {
	d := r.current.Clone()
	d.Key = r.pending.Key
	d.Request = r.pending.Request
	d.Version = r.pending.Version
	d.Intent = r.pending.Intent
	return d
}

func failedData(current, pending intent.IntentData, cause error) intent.IntentData {
	d := current.Clone()
	d.Key = pending.Key
	d.Request = pending.Request
	d.Version = pending.Version
	d.Intent = pending.Intent
	d.State = intent.StateFailed
	d.Errors = append(d.Errors, cause)
	return d
}

// initial branches on the pending request (spec.md §4.5 "Initial").
func (r *run) initial(ctx context.Context) phaseFn {
	switch r.pending.Request {
	case intent.RequestSubmit:
		if r.current.Key != nil && !r.pending.Version.After(r.current.Version) {
			return r.skipped(intent.ErrStaleRequest)
		}
		if r.current.State == intent.StateInstalled && sameInstallables(r.current.Installables, r.pending.Installables) {
			return r.skipped(nil)
		}
		d := r.pending
		d.State = intent.StateInstallReq
		r.writePhase(ctx, d)
		return r.compiling
	case intent.RequestWithdraw:
		d := r.baseFromCurrent()
		d.State = intent.StateWithdrawReq
		r.writePhase(ctx, d)
		return r.withdrawing
	case intent.RequestPurge:
		if r.current.State.Terminal() {
			d := r.baseFromCurrent()
			d.State = intent.StatePurgeReq
			r.writePhase(ctx, d)
			return r.purging
		}
		return r.failed(errors.New("cannot purge a non-terminal intent"))
	default:
		return r.failed(errors.Errorf("unrecognised request %q", r.pending.Request))
	}
}

// skipped leaves current untouched: spec.md §4.5 "Skipped (stale)" /
// "Skipped" produce no write and no event. A nil final with ok=true and no
// state change signals "nothing to write" to the caller via Outcome's zero
// Key.
func (r *run) skipped(cause error) phaseFn {
	if r.p.log != nil && cause != nil {
		r.p.log.Debug("skipping stale or no-op submit", "key", r.pending.Key.Identifier(), "cause", cause.Error())
	}
	r.final = intent.IntentData{}
	return nil
}

func sameInstallables(a, b []intent.Intent) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Subtype != b[i].Subtype || a[i].Key.Identifier() != b[i].Key.Identifier() {
			return false
		}
	}
	return true
}

// compiling invokes the CompilerRegistry (spec.md §4.5 "Compiling").
func (r *run) compiling(ctx context.Context) phaseFn {
	d := r.pending
	d.State = intent.StateCompiling
	r.writePhase(ctx, d)

	installables, err := r.p.compilers.Compile(ctx, r.pending.Intent, r.current.Installables)
	if err != nil {
		return r.failed(errors.Wrap(err, "compiling intent"))
	}
	r.pending.Installables = installables
	return r.installing
}

// installing computes (toUninstall, toInstall) and suspends on the
// InstallCoordinator (spec.md §4.5 "Installing").
func (r *run) installing(ctx context.Context) phaseFn {
	r.pending.State = intent.StateInstalling
	r.writePhase(ctx, r.pending)

	toUninstall := r.current.Installables
	toInstall := r.pending.Installables
	r.p.coord.Dispatch(ctx, r.pending.Key, toUninstall, toInstall, coordinator.CallbackFunc(func(ctx context.Context, res coordinator.Result) {
		r.p.resolved(ctx, r.resolveInstall(res))
	}))
	r.suspended = true
	return nil
}

func (r *run) resolveInstall(res coordinator.Result) Outcome {
	d := r.pending
	switch {
	case res.AllSucceeded():
		d.State = intent.StateInstalled
	case res.PartialSuccess() && r.pending.Intent.AllowPartialFailure:
		d.State = intent.StateCorrupt
		d.Errors = append(d.Errors, res.Errs...)
	default:
		d.State = intent.StateFailed
		d.Errors = append(d.Errors, res.Errs...)
	}
	return Outcome{Final: d}
}

// withdrawing dispatches uninstall of current's installables (spec.md §4.5
// "Withdrawing").
func (r *run) withdrawing(ctx context.Context) phaseFn {
	d := r.baseFromCurrent()
	d.State = intent.StateWithdrawing
	r.writePhase(ctx, d)

	r.p.coord.Dispatch(ctx, d.Key, d.Installables, nil, coordinator.CallbackFunc(func(ctx context.Context, res coordinator.Result) {
		r.p.resolved(ctx, r.resolveWithdraw(d, res))
	}))
	r.suspended = true
	return nil
}

func (r *run) resolveWithdraw(d intent.IntentData, res coordinator.Result) Outcome {
	if res.AllSucceeded() {
		d.State = intent.StateWithdrawn
		return Outcome{Final: d}
	}
	d.State = intent.StateFailed
	d.Errors = append(d.Errors, res.Errs...)
	return Outcome{Final: d}
}

// purging removes the key from the store; the final phase produces no
// write (spec.md §4.5 "Purging").
func (r *run) purging(ctx context.Context) phaseFn {
	if err := r.p.remover.Remove(ctx, r.pending.Key); err != nil {
		return r.failed(errors.Wrap(err, "removing purged intent"))
	}
	r.removed = true
	r.final = intent.IntentData{}
	return nil
}

// failed terminates the run in FAILED with cause recorded (spec.md §4.5
// "Failed / Corrupt").
func (r *run) failed(cause error) phaseFn {
	d := r.baseFromCurrent()
	d.State = intent.StateFailed
	d.Errors = append(d.Errors, cause)
	r.final = d
	return nil
}
