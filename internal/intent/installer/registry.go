// Package installer implements the subtype-keyed installer registry that
// dispatches compiled installables to device-level back ends (spec.md
// §4.3). It mirrors compiler.Registry's subtype-fallback dispatch, and its
// Context/Installer shape is grounded on the Establisher interface in
// internal/controller/pkg/revision/establisher.go: a narrow apply surface
// plus an explicit success/failure report back to the caller, rather than
// a returned error, because installers here report asynchronously.
package installer

import (
	"context"
	"sync"

	"github.com/crossplane/crossplane-runtime/pkg/errors"

	"github.com/edgnss/onos-intent-core/internal/intent"
)

// Context is handed to an Installer's Apply. The installer MUST eventually
// call exactly one of Context.Callback's Success or Failed (spec.md §4.3).
type Context struct {
	Key         intent.Key
	ToUninstall []intent.Intent
	ToInstall   []intent.Intent
	Callback    Callback
}

// Callback is how an installer reports the outcome of an Apply back to the
// InstallCoordinator that dispatched it.
type Callback interface {
	Success(ctx context.Context, key intent.Key)
	Failed(ctx context.Context, key intent.Key, err error)
}

// An Installer applies (or withdraws) a batch of installables of one
// subtype against a device back end.
type Installer interface {
	Apply(ctx context.Context, c Context)
}

// InstallerFunc adapts a function to an Installer.
type InstallerFunc func(ctx context.Context, c Context)

// Apply implements Installer.
func (f InstallerFunc) Apply(ctx context.Context, c Context) { f(ctx, c) }

// Registry maps installable subtypes to installers, with the same
// subtype-parent fallback as compiler.Registry.
type Registry struct {
	mu         sync.RWMutex
	installers map[string]Installer
	parents    map[string]string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		installers: make(map[string]Installer),
		parents:    make(map[string]string),
	}
}

// Register associates subtype with in. See compiler.Registry.Register for
// the meaning of parent.
func (r *Registry) Register(subtype string, parent string, in Installer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installers[subtype] = in
	r.parents[subtype] = parent
}

// Unregister removes the installer registered for subtype, if any.
func (r *Registry) Unregister(subtype string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.installers, subtype)
	delete(r.parents, subtype)
}

// Lookup probes subtype, then fallback, and returns the first installer
// found; if fallback has no installer of its own, Lookup fails with
// ErrNoInstaller (see compiler.Registry.lookup, which walks the same way).
func (r *Registry) Lookup(subtype, fallback string) (Installer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	t := subtype
	for t != "" {
		if seen[t] {
			break
		}
		seen[t] = true
		if in, ok := r.installers[t]; ok {
			return in, nil
		}
		if parent, ok := r.parents[t]; ok {
			t = parent
			continue
		}
		if t == subtype && fallback != "" {
			t = fallback
			continue
		}
		break
	}
	return nil, errors.Wrapf(intent.ErrNoInstaller, "subtype %q", subtype)
}
