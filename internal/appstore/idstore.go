package appstore

import (
	"strconv"
	"sync"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
)

// idRegistry assigns the short numeric app ids spec.md §6 lists among the
// delegated "Id store/core service" capabilities: "registerApplication(name)
// -> AppId; getAppId(name|short) -> AppId". It's local rather than
// replicated — every node reaches the same assignment because Install's
// PutIfAbsent on the replicated map is the actual source of truth; the
// short id is a convenience lookup layered on top of it.
type idRegistry struct {
	mu    sync.Mutex
	ids   map[string]uint16
	names map[uint16]string
	next  uint16
}

func newIDRegistry() *idRegistry {
	return &idRegistry{
		ids:   make(map[string]uint16),
		names: make(map[uint16]string),
		next:  1,
	}
}

// Register assigns name a short id on first call, and returns its
// existing id on every subsequent call for the same name.
func (r *idRegistry) Register(name string) (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[name]; ok {
		return id, nil
	}
	if r.next == 0 {
		return 0, errors.New("application id space exhausted")
	}
	id := r.next
	r.next++
	r.ids[name] = id
	r.names[id] = name
	return id, nil
}

// GetAppID resolves a name or a short id string to the app's short id.
func (r *idRegistry) GetAppID(nameOrShort string) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[nameOrShort]; ok {
		return id, true
	}
	n, err := strconv.ParseUint(nameOrShort, 10, 16)
	if err != nil {
		return 0, false
	}
	_, ok := r.names[uint16(n)]
	return uint16(n), ok
}

// Forget drops name's id assignment, freeing it to be reused as a
// dangling lookup target (spec.md §4.8 remove: the app may be
// reinstalled later under a fresh id).
func (r *idRegistry) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[name]; ok {
		delete(r.ids, name)
		delete(r.names, id)
	}
}
