// Package appgraph implements the app dependency graph and requiredBy
// reference-count multimap described in spec.md §3/§4.8/§9 ("Cyclic app
// dependency and activation graph: use an explicit requiredBy: AppId ->
// set<AppId> reference-count structure. Detect cycles on disk load via a
// DFS visited set.").
//
// Grounded on internal/dag's MapDag: its node/neighbor/topological-sort
// shape is reused directly for the app requiredApps dependency graph, and
// its DFS-with-a-recursion-stack cycle check is adapted (rather than
// reused verbatim — the dag package's Sort only detects a cycle as a side
// effect of sorting; this package needs cycle detection as a first-class
// operation during disk bootstrap, so it is reimplemented here as a
// small, purpose-built DFS over requiredApps edges) from a package
// dependency DAG into an app dependency DAG.
package appgraph

import (
	"sync"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
)

// ErrCircularDependency is returned when an app's requiredApps chain
// loops back on itself (spec.md §7 "CircularAppDependency").
var ErrCircularDependency = errors.New("circular app dependency")

// Resolver looks up an app's declared dependencies by name, as recorded
// on disk or in the replicated map. It lets Graph walk requiredApps
// edges without owning the app metadata itself.
type Resolver interface {
	RequiredApps(name string) ([]string, bool)
}

// DetectCycle walks name's requiredApps chain via DFS, using the
// classic white/gray/black recursion-stack coloring (mirrors
// internal/dag.MapDag.visit's stack map). It returns ErrCircularDependency
// annotated with the cycle's entry point the first time a node already on
// the current path is revisited, matching spec.md §4.8's bootstrap
// language: "while loading app X, record X in pending; if a required app
// is already in pending, cycle detected -> abort that branch."
func DetectCycle(r Resolver, name string) error {
	return detectCycle(r, name, map[string]bool{}, map[string]bool{})
}

func detectCycle(r Resolver, name string, visited, onPath map[string]bool) error {
	if onPath[name] {
		return errors.Wrapf(ErrCircularDependency, "app %q", name)
	}
	if visited[name] {
		return nil
	}
	visited[name] = true
	onPath[name] = true
	defer delete(onPath, name)

	reqs, ok := r.RequiredApps(name)
	if !ok {
		return nil
	}
	for _, req := range reqs {
		if err := detectCycle(r, req, visited, onPath); err != nil {
			return err
		}
	}
	return nil
}

// RequiredBy is the synchronized reference-count multimap spec.md §3/§9
// names explicitly: app -> set of apps that requested its activation. An
// app stays ACTIVATED while its set is non-empty.
type RequiredBy struct {
	mu   sync.Mutex
	byID map[string]map[string]bool
}

// NewRequiredBy returns an empty RequiredBy.
func NewRequiredBy() *RequiredBy {
	return &RequiredBy{byID: make(map[string]map[string]bool)}
}

// Add records that requester requires appID, returning the set's size
// after the addition.
func (m *RequiredBy) Add(appID, requester string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byID[appID]
	if !ok {
		set = make(map[string]bool)
		m.byID[appID] = set
	}
	set[requester] = true
	return len(set)
}

// Remove clears requester's claim on appID, returning the set's size
// after removal (spec.md §4.8 deactivate step 2: "remove forAppId from
// requiredBy[appId]; if empty, flip map state to DEACTIVATED").
func (m *RequiredBy) Remove(appID, requester string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byID[appID]
	if !ok {
		return 0
	}
	delete(set, requester)
	n := len(set)
	if n == 0 {
		delete(m.byID, appID)
	}
	return n
}

// Count reports how many apps currently require appID.
func (m *RequiredBy) Count(appID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID[appID])
}

// Requesters returns a snapshot of appID's current requesters.
func (m *RequiredBy) Requesters(appID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.byID[appID]
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	return out
}
