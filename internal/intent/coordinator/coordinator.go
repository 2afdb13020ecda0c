// Package coordinator implements the InstallCoordinator (spec.md §4.6): it
// fans an installable batch out to installers keyed by installable
// subtype and joins their asynchronous results into a single report back
// to the phase pipeline.
//
// It is grounded on two teacher shapes: the activate-then-join pattern of
// internal/controller/pkg/manager/activator.go (iterate a set, apply each,
// aggregate errors), and the bounded-concurrency establish pattern of
// internal/controller/pkg/revision/establisher.go (maxConcurrentUpdates +
// errgroup). Unlike both teacher shapes, completion here is asynchronous:
// installers report back through a Callback rather than returning an
// error, so the coordinator tracks in-flight dispatches in a map instead
// of simply joining goroutines.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/edgnss/onos-intent-core/internal/intent"
	"github.com/edgnss/onos-intent-core/internal/intent/installer"
)

// DefaultInstallTimeout is the spec.md §4.6 default.
const DefaultInstallTimeout = 30 * time.Second

// Result reports the outcome of one key's dispatch.
type Result struct {
	Key             intent.Key
	TotalDispatched int
	Succeeded       int
	Errs            []error
}

// AllSucceeded reports whether every dispatched installer succeeded.
func (r Result) AllSucceeded() bool { return len(r.Errs) == 0 }

// PartialSuccess reports whether some, but not all, dispatched installers
// succeeded.
func (r Result) PartialSuccess() bool { return r.Succeeded > 0 && len(r.Errs) > 0 }

// Callback receives the joined result of a Dispatch call.
type Callback interface {
	Done(ctx context.Context, res Result)
}

// CallbackFunc adapts a function to a Callback.
type CallbackFunc func(ctx context.Context, res Result)

// Done implements Callback.
func (f CallbackFunc) Done(ctx context.Context, res Result) { f(ctx, res) }

// Coordinator is the InstallCoordinator.
type Coordinator struct {
	registry *installer.Registry
	log      logging.Logger
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]*inflight
}

type inflight struct {
	key       intent.Key
	cb        Callback
	total     int
	remain    int
	succeeded int
	errs      []error
	timer     *time.Timer
	done      bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithInstallTimeout overrides DefaultInstallTimeout.
func WithInstallTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithLogger sets the Coordinator's logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// New creates a Coordinator dispatching through reg.
func New(reg *installer.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry: reg,
		log:      logging.NewNopLogger(),
		timeout:  DefaultInstallTimeout,
		pending:  make(map[string]*inflight),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// group partitions installables by subtype, preserving encounter order. It
// also records each subtype's declared Parent (from the first installable
// encountered for it) so Dispatch can fall back when no installer was
// registered for the subtype directly.
func group(items []intent.Intent) (order []string, bySubtype map[string][]intent.Intent, parents map[string]string) {
	bySubtype = make(map[string][]intent.Intent)
	parents = make(map[string]string)
	for _, it := range items {
		if _, ok := bySubtype[it.Subtype]; !ok {
			order = append(order, it.Subtype)
			parents[it.Subtype] = it.Parent
		}
		bySubtype[it.Subtype] = append(bySubtype[it.Subtype], it)
	}
	return order, bySubtype, parents
}

// Dispatch fans (toUninstall, toInstall) out to the installers registered
// for the subtypes present, then reports the joined Result to cb exactly
// once. Per spec.md §3 ("No two installers are invoked concurrently for
// the same key"), the Apply calls for a single key's subtype groups are
// issued one after another rather than from concurrent goroutines; the
// installers themselves may still complete out of order and asynchronously.
func (c *Coordinator) Dispatch(ctx context.Context, key intent.Key, toUninstall, toInstall []intent.Intent, cb Callback) {
	order, uninstallBySubtype, uninstallParents := group(toUninstall)
	installOrder, installBySubtype, installParents := group(toInstall)

	// Union of subtypes across both sets, uninstall-first order preserved,
	// then any install-only subtypes appended.
	seen := make(map[string]bool, len(order))
	subtypes := append([]string(nil), order...)
	parents := make(map[string]string, len(order)+len(installOrder))
	for _, s := range order {
		seen[s] = true
		parents[s] = uninstallParents[s]
	}
	for _, s := range installOrder {
		if !seen[s] {
			subtypes = append(subtypes, s)
			seen[s] = true
		}
		if parents[s] == "" {
			parents[s] = installParents[s]
		}
	}

	id := key.Identifier()

	fl := &inflight{key: key, cb: cb, total: len(subtypes)}
	if len(subtypes) == 0 {
		// Nothing to dispatch (e.g. a withdraw of an intent with no
		// installables). Report success immediately.
		cb.Done(ctx, Result{Key: key})
		return
	}

	c.mu.Lock()
	c.pending[id] = fl
	fl.remain = len(subtypes)
	fl.timer = time.AfterFunc(c.timeout, func() { c.timeoutKey(ctx, id) })
	c.mu.Unlock()

	for _, subtype := range subtypes {
		in, err := c.registry.Lookup(subtype, parents[subtype])
		if err != nil {
			c.report(ctx, id, errors.Wrapf(err, "dispatching subtype %q", subtype))
			continue
		}
		in.Apply(ctx, installer.Context{
			Key:         key,
			ToUninstall: uninstallBySubtype[subtype],
			ToInstall:   installBySubtype[subtype],
			Callback:    dispatchCallback{c: c, id: id},
		})
	}
}

// Succeeded and Failed let a caller that only holds a key (rather than the
// installer.Callback handed out by Dispatch) report an outcome — this is
// what backs IntentManager's intentInstallSuccess/intentInstallFailed
// facade endpoints (spec.md §4.7), which forward here.
func (c *Coordinator) Succeeded(ctx context.Context, key intent.Key) {
	c.report(ctx, key.Identifier(), nil)
}

// Failed reports a failure for key. See Succeeded.
func (c *Coordinator) Failed(ctx context.Context, key intent.Key, err error) {
	c.report(ctx, key.Identifier(), err)
}

// dispatchCallback adapts installer.Callback (keyed by intent.Key) onto a
// specific in-flight dispatch id, so late reports from a dispatch the
// coordinator already timed out and cleared can be recognized and dropped.
type dispatchCallback struct {
	c  *Coordinator
	id string
}

func (d dispatchCallback) Success(ctx context.Context, _ intent.Key) {
	d.c.report(ctx, d.id, nil)
}

func (d dispatchCallback) Failed(ctx context.Context, _ intent.Key, err error) {
	d.c.report(ctx, d.id, err)
}

// report records one installer's outcome and, once every dispatched
// installer for id has reported (or the timeout already finalized it),
// delivers the joined Result.
func (c *Coordinator) report(ctx context.Context, id string, err error) {
	c.mu.Lock()
	fl, ok := c.pending[id]
	if !ok || fl.done {
		// Either an unknown id, or a late report arriving after the
		// coordinator already finalized (timeout or all-reported). Late
		// reports are discarded per spec.md §4.6/§5.
		c.mu.Unlock()
		return
	}
	if err != nil {
		fl.errs = append(fl.errs, err)
	} else {
		fl.succeeded++
	}
	fl.remain--
	finalize := fl.remain <= 0
	if finalize {
		fl.done = true
		fl.timer.Stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if finalize {
		fl.cb.Done(ctx, Result{Key: fl.key, TotalDispatched: fl.total, Succeeded: fl.succeeded, Errs: fl.errs})
	}
}

// timeoutKey finalizes an in-flight dispatch that did not hear back from
// every installer within the install timeout (spec.md §4.6).
func (c *Coordinator) timeoutKey(ctx context.Context, id string) {
	c.mu.Lock()
	fl, ok := c.pending[id]
	if !ok || fl.done {
		c.mu.Unlock()
		return
	}
	fl.done = true
	delete(c.pending, id)
	for i := 0; i < fl.remain; i++ {
		fl.errs = append(fl.errs, intent.ErrInstallTimeout)
	}
	fl.remain = 0
	c.mu.Unlock()

	c.log.Debug("install dispatch timed out", "key", fl.key.Identifier())
	fl.cb.Done(ctx, Result{Key: fl.key, TotalDispatched: fl.total, Succeeded: fl.succeeded, Errs: fl.errs})
}
