package appstore

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/edgnss/onos-intent-core/internal/appstore/bits"
	"github.com/edgnss/onos-intent-core/pkg/cluster"
)

type recordingDelegate struct {
	mu   sync.Mutex
	kind []EventKind
}

func (d *recordingDelegate) HandleAppEvent(_ context.Context, ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kind = append(d.kind, ev.Kind)
}

func (d *recordingDelegate) kinds() []EventKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]EventKind{}, d.kind...)
}

func newTestStore(t *testing.T) (*Store, *recordingDelegate) {
	t.Helper()
	storage := cluster.NewStorage()
	net := cluster.NewNetwork()
	ch := net.Join("node-a")
	cache := bits.NewCache("/cache", afero.NewMemMapFs())
	s := New(storage, storage, ch, cache, WithFetchTimeout(50*time.Millisecond))
	t.Cleanup(s.Close)
	d := &recordingDelegate{}
	s.AddListener(d)
	return s, d
}

func waitForKind(t *testing.T, d *recordingDelegate, kind EventKind) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		for _, k := range d.kinds() {
			if k == kind {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for event %q, got %v", kind, d.kinds())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestInstallEmitsEvent(t *testing.T) {
	s, d := newTestStore(t)
	ctx := context.Background()

	if err := s.Install(ctx, Application{Name: "app-a", Version: "1.0.0"}, []byte("archive")); err != nil {
		t.Fatalf("Install(): %v", err)
	}
	if diff := cmp.Diff([]EventKind{EventInstalled}, d.kinds()); diff != "" {
		t.Errorf("Install(): -want, +got:\n%s", diff)
	}

	app, state, ok := s.Get(ctx, "app-a")
	if !ok || state != StateInstalled || app.ID == 0 {
		t.Fatalf("Get(): got app=%+v state=%v ok=%v", app, state, ok)
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	s, d := newTestStore(t)
	ctx := context.Background()
	meta := Application{Name: "app-a", Version: "1.0.0"}

	if err := s.Install(ctx, meta, []byte("v1")); err != nil {
		t.Fatalf("first Install(): %v", err)
	}
	if err := s.Install(ctx, meta, []byte("v2")); err != nil {
		t.Fatalf("second Install(): %v", err)
	}
	if diff := cmp.Diff([]EventKind{EventInstalled}, d.kinds()); diff != "" {
		t.Errorf("Install(): expected only one event, -want, +got:\n%s", diff)
	}
}

func TestInstallMissingDependencyFails(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	err := s.Install(ctx, Application{
		Name:         "app-a",
		Version:      "1.0.0",
		RequiredApps: []Requirement{{Name: "app-b"}},
	}, []byte("archive"))
	if err == nil {
		t.Fatal("Install(): expected ErrMissingDependencies")
	}
}

func TestInstallUnsatisfiedVersionConstraintFails(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Install(ctx, Application{Name: "app-b", Version: "1.0.0"}, []byte("b")); err != nil {
		t.Fatalf("Install(app-b): %v", err)
	}
	err := s.Install(ctx, Application{
		Name:         "app-a",
		Version:      "1.0.0",
		RequiredApps: []Requirement{{Name: "app-b", Constraint: ">=2.0.0"}},
	}, []byte("a"))
	if err == nil {
		t.Fatal("Install(): expected failure on unsatisfied version constraint")
	}
}

func TestActivateCascadesToDependenciesFirst(t *testing.T) {
	s, d := newTestStore(t)
	ctx := context.Background()

	if err := s.Install(ctx, Application{Name: "app-b", Version: "1.0.0"}, []byte("b")); err != nil {
		t.Fatalf("Install(app-b): %v", err)
	}
	if err := s.Install(ctx, Application{
		Name:         "app-a",
		Version:      "1.0.0",
		RequiredApps: []Requirement{{Name: "app-b"}},
	}, []byte("a")); err != nil {
		t.Fatalf("Install(app-a): %v", err)
	}

	if err := s.Activate(ctx, "app-a", ""); err != nil {
		t.Fatalf("Activate(): %v", err)
	}
	waitForKind(t, d, EventActivated)

	_, state, _ := s.Get(ctx, "app-a")
	if state != StateActivated {
		t.Fatalf("Get(app-a): expected ACTIVATED, got %v", state)
	}
	_, state, _ = s.Get(ctx, "app-b")
	if state != StateActivated {
		t.Fatalf("Get(app-b): expected ACTIVATED, got %v", state)
	}
}

func TestDeactivateHoldsUntilLastRequesterReleases(t *testing.T) {
	s, d := newTestStore(t)
	ctx := context.Background()

	_ = s.Install(ctx, Application{Name: "app-a", Version: "1.0.0"}, []byte("a"))
	if err := s.Activate(ctx, "app-a", "requester-1"); err != nil {
		t.Fatalf("Activate(requester-1): %v", err)
	}
	if err := s.Activate(ctx, "app-a", "requester-2"); err != nil {
		t.Fatalf("Activate(requester-2): %v", err)
	}
	waitForKind(t, d, EventActivated)

	if err := s.Deactivate(ctx, "app-a", "requester-1"); err != nil {
		t.Fatalf("Deactivate(requester-1): %v", err)
	}
	_, state, _ := s.Get(ctx, "app-a")
	if state != StateActivated {
		t.Fatalf("Get(): expected still ACTIVATED with one requester remaining, got %v", state)
	}

	if err := s.Deactivate(ctx, "app-a", "requester-2"); err != nil {
		t.Fatalf("Deactivate(requester-2): %v", err)
	}
	_, state, _ = s.Get(ctx, "app-a")
	if state != StateDeactivated {
		t.Fatalf("Get(): expected DEACTIVATED once the last requester released, got %v", state)
	}
}

func TestDeactivateCascadesDependents(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_ = s.Install(ctx, Application{Name: "app-b", Version: "1.0.0"}, []byte("b"))
	_ = s.Install(ctx, Application{
		Name:         "app-a",
		Version:      "1.0.0",
		RequiredApps: []Requirement{{Name: "app-b"}},
	}, []byte("a"))
	if err := s.Activate(ctx, "app-a", ""); err != nil {
		t.Fatalf("Activate(): %v", err)
	}

	if err := s.Deactivate(ctx, "app-b", CORE); err != nil {
		t.Fatalf("Deactivate(app-b): %v", err)
	}
	_, state, _ := s.Get(ctx, "app-a")
	if state != StateDeactivated {
		t.Fatalf("Get(app-a): expected the dependent to cascade-deactivate, got %v", state)
	}
}

func TestRemoveUninstallsDependentsFirst(t *testing.T) {
	s, d := newTestStore(t)
	ctx := context.Background()

	_ = s.Install(ctx, Application{Name: "app-b", Version: "1.0.0"}, []byte("b"))
	_ = s.Install(ctx, Application{
		Name:         "app-a",
		Version:      "1.0.0",
		RequiredApps: []Requirement{{Name: "app-b"}},
	}, []byte("a"))

	if err := s.Remove(ctx, "app-b"); err != nil {
		t.Fatalf("Remove(): %v", err)
	}

	if _, _, ok := s.Get(ctx, "app-a"); ok {
		t.Fatal("Remove(): expected dependent app-a to be uninstalled too")
	}
	if _, _, ok := s.Get(ctx, "app-b"); ok {
		t.Fatal("Remove(): expected app-b to be uninstalled")
	}
	var uninstalled int
	for _, k := range d.kinds() {
		if k == EventUninstalled {
			uninstalled++
		}
	}
	if uninstalled != 2 {
		t.Fatalf("Remove(): expected 2 uninstall events, got %d (%v)", uninstalled, d.kinds())
	}
}

func TestBootstrapSkipsCircularDependency(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// A dependency cycle can't arise through Install (it gates on the
	// dependency already being installed), so seed the replicated map
	// directly the way a prior run's already-installed apps would appear
	// on a fresh node's bootstrap.
	u := Application{Name: "app-u", Version: "1.0.0", RequiredApps: []Requirement{{Name: "app-v"}}}
	v := Application{Name: "app-v", Version: "1.0.0", RequiredApps: []Requirement{{Name: "app-u"}}}
	_, _ = s.apps.PutIfAbsent(ctx, "app-u", encode(Holder{App: u, State: StateInstalled}))
	_, _ = s.apps.PutIfAbsent(ctx, "app-v", encode(Holder{App: v, State: StateInstalled}))
	_ = s.bits.StoreBytes("app-u", []byte("u"))
	_ = s.bits.StoreBytes("app-v", []byte("v"))
	_ = s.bits.SetActive("app-u", true)
	_ = s.bits.SetActive("app-v", true)

	s.Bootstrap(ctx)

	_, state, _ := s.Get(ctx, "app-u")
	if state != StateInstalled {
		t.Fatalf("Bootstrap(): expected app-u to remain un-activated due to the cycle, got %v", state)
	}
}

func TestBootstrapActivatesMarkedApps(t *testing.T) {
	s, d := newTestStore(t)
	ctx := context.Background()

	_ = s.Install(ctx, Application{Name: "app-a", Version: "1.0.0"}, []byte("a"))
	_ = s.bits.SetActive("app-a", true)

	s.Bootstrap(ctx)
	waitForKind(t, d, EventActivated)

	_, state, _ := s.Get(ctx, "app-a")
	if state != StateActivated {
		t.Fatalf("Bootstrap(): expected app-a activated, got %v", state)
	}
}

func TestReconcileVersionRebuildsFromDisk(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_ = s.Install(ctx, Application{Name: "app-a", Version: "1.0.0", Features: []string{"old"}}, []byte("a"))

	diskApp := Application{Name: "app-a", Version: "2.0.0", Features: []string{"new"}}
	if err := s.ReconcileVersion(ctx, diskApp); err != nil {
		t.Fatalf("ReconcileVersion(): %v", err)
	}

	app, state, ok := s.Get(ctx, "app-a")
	if !ok {
		t.Fatal("Get(): expected app-a to still exist")
	}
	if app.Version != "2.0.0" {
		t.Fatalf("ReconcileVersion(): expected version 2.0.0, got %s", app.Version)
	}
	if state != StateInstalled {
		t.Fatalf("ReconcileVersion(): expected lifecycle state preserved, got %v", state)
	}
}

func TestReconcileVersionNoopWhenVersionsMatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.Install(ctx, Application{Name: "app-a", Version: "1.0.0"}, []byte("a"))

	if err := s.ReconcileVersion(ctx, Application{Name: "app-a", Version: "1.0.0"}); err != nil {
		t.Fatalf("ReconcileVersion(): %v", err)
	}
	app, _, _ := s.Get(ctx, "app-a")
	if app.Version != "1.0.0" {
		t.Fatalf("ReconcileVersion(): expected no change, got version %s", app.Version)
	}
}

func TestGraphvizIncludesInstalledApps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.Install(ctx, Application{Name: "app-b", Version: "1.0.0"}, []byte("b"))
	_ = s.Install(ctx, Application{
		Name:         "app-a",
		Version:      "1.0.0",
		RequiredApps: []Requirement{{Name: "app-b"}},
	}, []byte("a"))

	out := s.Graphviz(ctx)
	for _, want := range []string{"app-a", "app-b", "->"} {
		if !strings.Contains(out, want) {
			t.Errorf("Graphviz(): expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestFetchFromPeersRetrievesMissingArchive(t *testing.T) {
	ctx := context.Background()
	storage := cluster.NewStorage()
	net := cluster.NewNetwork()

	chB := net.Join("node-b")
	cacheB := bits.NewCache("/cache", afero.NewMemMapFs())
	storeB := New(storage, storage, chB, cacheB)
	defer storeB.Close()
	_ = storeB.Install(ctx, Application{Name: "app-a", Version: "1.0.0"}, []byte("the-archive"))

	chA := net.Join("node-a")
	cacheA := bits.NewCache("/cache", afero.NewMemMapFs())
	storeA := New(storage, storage, chA, cacheA, WithFetchTimeout(time.Second))
	defer storeA.Close()
	dA := &recordingDelegate{}
	storeA.AddListener(dA)

	if err := storeA.Activate(ctx, "app-a", ""); err != nil {
		t.Fatalf("Activate(): %v", err)
	}

	deadline := time.After(time.Second)
	for !cacheA.Has("app-a") {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for app-a's archive to be fetched from node-b")
		case <-time.After(time.Millisecond):
		}
	}
	got, err := cacheA.GetBytes("app-a")
	if err != nil {
		t.Fatalf("GetBytes(): %v", err)
	}
	if string(got) != "the-archive" {
		t.Fatalf("GetBytes(): got %q, want %q", got, "the-archive")
	}

	// spec.md §8 scenario 5: a node that never locally installed the
	// archive emits APP_INSTALLED (the bits just arrived) before
	// APP_ACTIVATED, once activation completes.
	waitForKind(t, dA, EventActivated)
	kinds := dA.kinds()
	if len(kinds) != 2 || kinds[0] != EventInstalled || kinds[1] != EventActivated {
		t.Fatalf("node-a event sequence: got %v, want [%v %v]", kinds, EventInstalled, EventActivated)
	}
}
