package appstore

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/Masterminds/semver"
	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/edgnss/onos-intent-core/internal/appgraph"
	"github.com/edgnss/onos-intent-core/internal/appstore/bits"
	"github.com/edgnss/onos-intent-core/pkg/cluster"
)

const (
	mapName         = "onos-apps"
	activationTopic = "onos-apps-activation"
	bitsSubject     = "app-bits-request"

	// DefaultFetchTimeout is FETCH_TIMEOUT (spec.md §6 defaults).
	DefaultFetchTimeout = 10 * time.Second
	// bootstrapRetries and bootstrapBackoff implement spec.md §4.8's "up
	// to 5 load retries, 2s apart plus jitter" disk bootstrap behavior.
	bootstrapRetries = 5
	bootstrapBackoff = 2 * time.Second
)

// Store is the distributed application store (spec.md §4.8): a
// cluster-replicated Holder map, an activation-order topic, and a peer
// channel for fetching archives a node doesn't have locally.
//
// Grounded on internal/controller/pkg/manager's activator (activate
// dependencies before self, fan out, converge) and internal/intent/store.go
// (a facade wrapping a cluster.Map plus local bookkeeping) generalized
// from revision reconciliation to app activation.
type Store struct {
	apps  cluster.Map
	topic cluster.Topic
	chan_ cluster.Channel
	ids   *idRegistry
	bits  *bits.Cache

	requiredBy *appgraph.RequiredBy

	fetchTimeout time.Duration
	log          logging.Logger

	mu        sync.Mutex
	listeners []Delegate

	localStarted sync.Map // app name -> struct{}

	activations chan Application
	stop        chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the Store's logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

// New builds a Store over the cluster's shared map/topic builders and a
// point-to-point Channel bound to the local node, persisting archives in
// archiveCache.
func New(maps cluster.MapBuilder, topics cluster.TopicBuilder, ch cluster.Channel, archiveCache *bits.Cache, opts ...Option) *Store {
	s := &Store{
		apps:         maps.Build(mapName),
		chan_:        ch,
		ids:          newIDRegistry(),
		bits:         archiveCache,
		requiredBy:   appgraph.NewRequiredBy(),
		fetchTimeout: DefaultFetchTimeout,
		log:          logging.NewNopLogger(),
		activations:  make(chan Application, 64),
		stop:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.topic = topics.Build(activationTopic)

	s.topic.Subscribe(func(ctx context.Context, payload []byte) {
		var app Application
		if err := json.Unmarshal(payload, &app); err != nil {
			s.log.Info("dropping malformed activation message", "error", err)
			return
		}
		select {
		case s.activations <- app:
		case <-s.stop:
		}
	})
	s.chan_.Subscribe(bitsSubject, func(_ context.Context, payload []byte) []byte {
		b, err := s.bits.GetBytes(string(payload))
		if err != nil {
			return nil
		}
		return b
	})

	go s.runActivationExecutor()
	return s
}

// Close stops the Store's background activation executor.
func (s *Store) Close() { close(s.stop) }

// AddListener registers a Delegate on the app event bus.
func (s *Store) AddListener(l Delegate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) emit(ctx context.Context, ev Event) {
	s.mu.Lock()
	listeners := append([]Delegate{}, s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l.HandleAppEvent(ctx, ev)
	}
}

func encode(h Holder) []byte {
	b, _ := json.Marshal(h)
	return b
}

func decode(b []byte) (Holder, bool) {
	var h Holder
	if err := json.Unmarshal(b, &h); err != nil {
		return Holder{}, false
	}
	return h, true
}

func (s *Store) getHolder(ctx context.Context, name string) (Application, Holder, bool) {
	raw, ok, err := s.apps.Get(ctx, name)
	if err != nil || !ok {
		return Application{}, Holder{}, false
	}
	h, ok := decode(raw)
	return h.App, h, ok
}

func (s *Store) allHolders(ctx context.Context) []Holder {
	entries, err := s.apps.Entries(ctx)
	if err != nil {
		return nil
	}
	out := make([]Holder, 0, len(entries))
	for _, raw := range entries {
		if h, ok := decode(raw); ok {
			out = append(out, h)
		}
	}
	return out
}

// Install registers meta and persists archive, failing with
// ErrMissingDependencies if any declared requirement isn't installed at a
// satisfying version (spec.md §4.8 install steps 1-3).
func (s *Store) Install(ctx context.Context, meta Application, archive []byte) error {
	for _, req := range meta.RequiredApps {
		app, _, ok := s.getHolder(ctx, req.Name)
		if !ok {
			return errors.Wrapf(ErrMissingDependencies, "app %q requires %q, which is not installed", meta.Name, req.Name)
		}
		if req.Constraint == "" {
			continue
		}
		c, err := semver.NewConstraint(req.Constraint)
		if err != nil {
			return errors.Wrapf(err, "app %q declares an invalid version constraint on %q", meta.Name, req.Name)
		}
		v, err := semver.NewVersion(app.Version)
		if err != nil {
			return errors.Wrapf(err, "installed app %q has an unparsable version %q", req.Name, app.Version)
		}
		if !c.Check(v) {
			return errors.Wrapf(ErrMissingDependencies, "app %q requires %q%s, but %s is installed", meta.Name, req.Name, req.Constraint, app.Version)
		}
	}

	if err := s.bits.StoreBytes(meta.Name, archive); err != nil {
		return errors.Wrapf(err, "saving archive for %q", meta.Name)
	}

	id, err := s.ids.Register(meta.Name)
	if err != nil {
		_ = s.bits.Delete(meta.Name)
		return err
	}
	meta.ID = id

	holder := Holder{App: meta, State: StateInstalled}
	ok, err := s.apps.PutIfAbsent(ctx, meta.Name, encode(holder))
	if err != nil {
		_ = s.bits.Delete(meta.Name)
		return errors.Wrapf(err, "publishing holder for %q", meta.Name)
	}
	if !ok {
		// Already installed: idempotent no-op (spec.md §4.8: "publish
		// ... via putIfAbsent (idempotent)").
		return nil
	}
	s.emit(ctx, Event{Kind: EventInstalled, App: meta})
	return nil
}

// Activate activates name on behalf of forApp, recursively activating its
// declared dependencies first (spec.md §4.8 activate steps 1-4). forApp
// defaults to CORE when empty.
func (s *Store) Activate(ctx context.Context, name, forApp string) error {
	if forApp == "" {
		forApp = CORE
	}
	app, holder, ok := s.getHolder(ctx, name)
	if !ok {
		return errors.Wrapf(ErrNotInstalled, "app %q", name)
	}
	s.requiredBy.Add(name, forApp)

	for _, req := range app.RequiredApps {
		if err := s.Activate(ctx, req.Name, name); err != nil {
			return err
		}
	}

	if holder.State != StateActivated {
		next := holder
		next.State = StateActivated
		if _, err := s.apps.CompareAndSet(ctx, name, encode(holder), encode(next)); err != nil {
			return errors.Wrapf(err, "activating %q", name)
		}
	}

	payload, _ := json.Marshal(app)
	return s.topic.Publish(ctx, payload)
}

// runActivationExecutor drains activation messages one at a time, which
// is what makes the "required apps finish activating locally before a
// dependent does" ordering guarantee hold: Activate recurses into
// dependencies, and therefore publishes their messages, before publishing
// its own, and this loop processes messages strictly in publish order.
func (s *Store) runActivationExecutor() {
	ctx := context.Background()
	for {
		select {
		case app := <-s.activations:
			s.localActivate(ctx, app)
		case <-s.stop:
			return
		}
	}
}

func (s *Store) localActivate(ctx context.Context, app Application) {
	if !s.bits.Has(app.Name) {
		if !s.fetchFromPeers(ctx, app.Name) {
			s.log.Info("application bits unavailable", "app", app.Name)
			return
		}
		// The archive just arrived from a peer rather than through a local
		// Install call, so the local install-completed transition was never
		// emitted until now (spec.md §4.8 bits transfer: "if activation was
		// pending, emit APP_INSTALLED").
		s.emit(ctx, Event{Kind: EventInstalled, App: app})
	}
	s.localStarted.Store(app.Name, struct{}{})
	s.emit(ctx, Event{Kind: EventActivated, App: app})
}

func (s *Store) fetchFromPeers(ctx context.Context, name string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	for _, peer := range s.chan_.Peers() {
		resp, err := s.chan_.SendAndReceive(ctx, bitsSubject, peer, []byte(name))
		if err != nil || len(resp) == 0 {
			continue
		}
		if err := s.bits.StoreBytes(name, resp); err != nil {
			continue
		}
		return true
	}
	return false
}

// Deactivate releases forApp's claim on name, cascading to the apps that
// depend on name and, once name itself has no remaining requesters, to
// name's own dependencies (spec.md §4.8 deactivate steps 1-2).
func (s *Store) Deactivate(ctx context.Context, name, forApp string) error {
	if forApp == "" {
		forApp = CORE
	}
	for _, h := range s.allHolders(ctx) {
		if h.State != StateActivated {
			continue
		}
		for _, req := range h.App.RequiredApps {
			if req.Name != name {
				continue
			}
			if err := s.deactivateAll(ctx, h.App.Name); err != nil {
				return err
			}
			break
		}
	}
	return s.deactivateOne(ctx, name, forApp)
}

// deactivateAll forcibly removes every current requester of name, which
// drives it (and cascades into its own dependencies) to DEACTIVATED
// regardless of its reference count: spec.md §4.8 deactivates a
// dependent ahead of the reference-counted removal driving it, not as a
// reference-counted release against its own requesters.
func (s *Store) deactivateAll(ctx context.Context, name string) error {
	for _, r := range s.requiredBy.Requesters(name) {
		if err := s.deactivateOne(ctx, name, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) deactivateOne(ctx context.Context, name, forApp string) error {
	if n := s.requiredBy.Remove(name, forApp); n > 0 {
		return nil
	}
	app, holder, ok := s.getHolder(ctx, name)
	if !ok {
		return nil
	}
	if holder.State == StateActivated {
		next := holder
		next.State = StateDeactivated
		if _, err := s.apps.CompareAndSet(ctx, name, encode(holder), encode(next)); err != nil {
			return errors.Wrapf(err, "deactivating %q", name)
		}
		s.localStarted.Delete(name)
		s.emit(ctx, Event{Kind: EventDeactivated, App: app})
	}
	for _, req := range app.RequiredApps {
		if err := s.deactivateOne(ctx, req.Name, name); err != nil {
			return err
		}
	}
	return nil
}

// Remove uninstalls name, first uninstalling every app that declares it
// as a dependency (spec.md §4.8 remove: "uninstall dependents first").
func (s *Store) Remove(ctx context.Context, name string) error {
	for _, h := range s.allHolders(ctx) {
		for _, req := range h.App.RequiredApps {
			if req.Name == name {
				if err := s.Remove(ctx, h.App.Name); err != nil {
					return err
				}
				break
			}
		}
	}
	if err := s.apps.Remove(ctx, name); err != nil {
		return errors.Wrapf(err, "removing %q", name)
	}
	_ = s.bits.Delete(name)
	s.ids.Forget(name)
	s.localStarted.Delete(name)
	s.emit(ctx, Event{Kind: EventUninstalled, App: Application{Name: name}})
	return nil
}

// SetPermissions overwrites name's granted permissions and emits
// APP_PERMISSIONS_CHANGED (spec.md §4.8).
func (s *Store) SetPermissions(ctx context.Context, name string, permissions []string) error {
	app, holder, ok := s.getHolder(ctx, name)
	if !ok {
		return errors.Wrapf(ErrNotInstalled, "app %q", name)
	}
	next := holder
	next.App.Permissions = permissions
	if _, err := s.apps.CompareAndSet(ctx, name, encode(holder), encode(next)); err != nil {
		return errors.Wrapf(err, "updating permissions for %q", name)
	}
	app.Permissions = permissions
	s.emit(ctx, Event{Kind: EventPermissionsChanged, App: app})
	return nil
}

// Get returns name's current Application metadata and lifecycle state.
func (s *Store) Get(ctx context.Context, name string) (Application, HolderState, bool) {
	app, holder, ok := s.getHolder(ctx, name)
	return app, holder.State, ok
}

// List returns every installed app's current holder.
func (s *Store) List(ctx context.Context) []Holder {
	return s.allHolders(ctx)
}

// ReconcileVersion replaces the stored holder for diskApp.Name with one
// rebuilt from diskApp's metadata when the store's recorded version
// differs from the version found on disk, preserving the holder's
// lifecycle state (spec.md §4.8 disk bootstrap: "if the stored holder's
// version doesn't match the on-disk archive's version, rebuild the
// holder from disk metadata").
func (s *Store) ReconcileVersion(ctx context.Context, diskApp Application) error {
	app, holder, ok := s.getHolder(ctx, diskApp.Name)
	if !ok || versionsEqual(app.Version, diskApp.Version) {
		return nil
	}
	// Start from disk's metadata (the new name/version/requiredApps/
	// features) and fill in only what disk left zero-valued — the id and
	// any granted permissions, both runtime state disk never carries.
	rebuilt := Holder{App: diskApp, State: holder.State}
	if err := mergo.Merge(&rebuilt.App, app); err != nil {
		return errors.Wrap(err, "merging app metadata during version reconciliation")
	}
	return s.apps.Put(ctx, diskApp.Name, encode(rebuilt))
}

func versionsEqual(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return va.Equal(vb)
}

// diskResolver adapts a Store into an appgraph.Resolver over whatever app
// metadata is currently known to the replicated map, for cycle detection
// during disk bootstrap.
type diskResolver struct {
	s   *Store
	ctx context.Context
}

func (d diskResolver) RequiredApps(name string) ([]string, bool) {
	app, _, ok := d.s.getHolder(d.ctx, name)
	if !ok {
		return nil, false
	}
	return app.RequiredNames(), true
}

// Bootstrap walks the local archive directory and reactivates every app
// marked active on disk whose metadata is already known to the
// replicated map, skipping any that form a dependency cycle (spec.md
// §4.8: "on startup, walk local archives; for each active one whose AppId
// is known, mark requiredBy[CORE] and activate, retrying up to 5 times 2s
// apart plus jitter; abort a cyclic branch instead of retrying it").
func (s *Store) Bootstrap(ctx context.Context) {
	names, err := s.bits.Names()
	if err != nil {
		s.log.Info("disk bootstrap: listing local archives failed", "error", err)
		return
	}
	resolver := diskResolver{s: s, ctx: ctx}
	for _, name := range names {
		if !s.bits.IsActive(name) {
			continue
		}
		if _, _, ok := s.getHolder(ctx, name); !ok {
			continue
		}
		if err := appgraph.DetectCycle(resolver, name); err != nil {
			s.log.Info("abandoning app during bootstrap: circular dependency", "app", name, "error", err)
			continue
		}
		if err := s.retryActivate(ctx, name); err != nil {
			s.log.Info("bootstrap activation failed", "app", name, "error", err)
		}
	}
}

// Graphviz renders the currently installed apps' requiredApps edges as
// Graphviz DOT source (spec.md §6), the same rendering `onosd graph` uses.
func (s *Store) Graphviz(ctx context.Context) string {
	holders := s.allHolders(ctx)
	names := make([]string, len(holders))
	for i, h := range holders {
		names[i] = h.App.Name
	}
	return appgraph.Graphviz(diskResolver{s: s, ctx: ctx}, names)
}

func (s *Store) retryActivate(ctx context.Context, name string) error {
	var lastErr error
	for attempt := 0; attempt < bootstrapRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bootstrapBackoff + time.Duration(rand.Int63n(int64(time.Second))))
		}
		if err := s.Activate(ctx, name, CORE); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}
