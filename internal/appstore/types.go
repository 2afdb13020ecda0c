// Package appstore implements the distributed application store (spec.md
// §4.8): a cluster-replicated inventory of installed applications with
// activation reference counting, dependency resolution, and disk
// bootstrap on node startup.
//
// Grounded on internal/intent's split between a data model (types.go) and
// a store that owns it (store.go) — the same separation is used here:
// this file holds the pure data types, store.go owns the replicated map,
// topic and peer channel that make them durable and cluster-visible.
package appstore

import (
	"context"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
)

// CORE is the pseudo-app id standing in for the platform itself: the
// root requester of every app a user or another subsystem activates
// directly, rather than as someone else's dependency (spec.md §4.8:
// "forAppId defaults to CORE when the caller isn't another app").
const CORE = "CORE"

// Requirement names a dependency of an app, with an optional semver
// constraint the dependency's installed version must satisfy (spec.md §6:
// "requiredApps entries may carry a version range, not just a name").
type Requirement struct {
	Name       string
	Constraint string
}

// Application is an app's immutable metadata: identity, version, and its
// declared dependencies, permissions and features. The archive payload
// itself (the packaged bits) is opaque to this package — spec.md §1 lists
// the application packaging format as an external collaborator's concern.
type Application struct {
	Name         string
	ID           uint16
	Version      string
	RequiredApps []Requirement
	Permissions  []string
	Features     []string
}

// RequiredNames returns the plain dependency names, discarding version
// constraints, for use by the dependency graph and activation cascade.
func (a Application) RequiredNames() []string {
	if len(a.RequiredApps) == 0 {
		return nil
	}
	out := make([]string, len(a.RequiredApps))
	for i, r := range a.RequiredApps {
		out[i] = r.Name
	}
	return out
}

// HolderState is an app's lifecycle state within the store (spec.md §3).
type HolderState string

const (
	// StateInstalled means the app's archive and metadata are durable
	// but it has never been activated.
	StateInstalled HolderState = "INSTALLED"
	// StateActivated means the app (and transitively, its dependencies)
	// is running.
	StateActivated HolderState = "ACTIVATED"
	// StateDeactivated is the state of a once-active app whose last
	// requester released it; a later Activate moves it back to
	// StateActivated.
	StateDeactivated HolderState = "DEACTIVATED"
)

// Holder is the durable record the replicated map stores per app: its
// metadata plus its current lifecycle state (spec.md §3: "Holder wraps an
// Application with its lifecycle State").
type Holder struct {
	App   Application
	State HolderState
}

// EventKind names the kind of app lifecycle transition an Event reports
// (spec.md §4.8).
type EventKind string

const (
	EventInstalled          EventKind = "APP_INSTALLED"
	EventActivated          EventKind = "APP_ACTIVATED"
	EventDeactivated        EventKind = "APP_DEACTIVATED"
	EventUninstalled        EventKind = "APP_UNINSTALLED"
	EventPermissionsChanged EventKind = "APP_PERMISSIONS_CHANGED"
)

// Event is a single app lifecycle transition delivered to Delegates.
type Event struct {
	Kind EventKind
	App  Application
}

// Delegate receives every app lifecycle event this store emits.
type Delegate interface {
	HandleAppEvent(ctx context.Context, ev Event)
}

// DelegateFunc adapts a function to a Delegate.
type DelegateFunc func(ctx context.Context, ev Event)

// HandleAppEvent implements Delegate.
func (f DelegateFunc) HandleAppEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// ErrMissingDependencies is returned by Install when a required app
// isn't installed, or is installed at a version the constraint rejects
// (spec.md §7: "MissingDependencies").
var ErrMissingDependencies = errors.New("one or more required apps are not installed at a satisfying version")

// ErrBitsUnavailable names the case where no peer serves an app's archive
// within the fetch timeout (spec.md §7: "BitsUnavailable"). Store does not
// return it: the activation executor logs that case and leaves the app
// without its archive on this node.
var ErrBitsUnavailable = errors.New("no peer served the application archive within the fetch timeout")

// ErrNotInstalled is returned by operations on an app the store has no
// record of.
var ErrNotInstalled = errors.New("application is not installed")
