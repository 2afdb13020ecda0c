package cluster

import (
	"bytes"
	"context"
	"sync"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
)

// AlwaysMaster is a Mastership that always returns true, for a
// single-node deployment.
type AlwaysMaster struct{}

// IsLocalMaster implements Mastership.
func (AlwaysMaster) IsLocalMaster(string) bool { return true }

// inMemMap is an in-process Map, guarded by its own mutex. Multiple nodes
// sharing one Storage (see below) share the same inMemMap instance per
// name, so writes on one node are immediately visible to others — a
// faithful enough stand-in for a consistent replicated map in a
// single-process test/demo topology.
type inMemMap struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func newInMemMap() *inMemMap { return &inMemMap{entries: make(map[string][]byte)} }

func (m *inMemMap) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *inMemMap) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *inMemMap) PutIfAbsent(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return false, nil
	}
	m.entries[key] = value
	return true, nil
}

func (m *inMemMap) CompareAndSet(_ context.Context, key string, old, next []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.entries[key]
	if !bytes.Equal(cur, old) {
		return false, nil
	}
	m.entries[key] = next
	return true, nil
}

func (m *inMemMap) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *inMemMap) Entries(_ context.Context) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out, nil
}

// inMemTopic is a shared, in-process pub/sub topic: Publish invokes every
// Subscribe handler registered across every node sharing this Storage,
// synchronously, in registration order.
type inMemTopic struct {
	mu       sync.Mutex
	handlers []func(ctx context.Context, payload []byte)
}

func newInMemTopic() *inMemTopic { return &inMemTopic{} }

func (t *inMemTopic) Publish(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	handlers := append([]func(ctx context.Context, payload []byte){}, t.handlers...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(ctx, payload)
	}
	return nil
}

func (t *inMemTopic) Subscribe(handler func(ctx context.Context, payload []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, handler)
}

// Storage is a process-local MapBuilder/TopicBuilder pair: every node
// sharing one Storage instance sees the same named maps and topics,
// modeling a cluster's shared storage service within a single test
// process.
type Storage struct {
	mu     sync.Mutex
	maps   map[string]*inMemMap
	topics map[string]*inMemTopic
}

// NewStorage creates an empty Storage.
func NewStorage() *Storage {
	return &Storage{maps: make(map[string]*inMemMap), topics: make(map[string]*inMemTopic)}
}

// Build implements MapBuilder.
func (s *Storage) Build(name string) Map {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.maps[name]
	if !ok {
		m = newInMemMap()
		s.maps[name] = m
	}
	return m
}

// BuildTopic implements TopicBuilder under a distinct method name so a
// single Storage value can satisfy both MapBuilder and TopicBuilder.
func (s *Storage) BuildTopic(name string) Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[name]
	if !ok {
		t = newInMemTopic()
		s.topics[name] = t
	}
	return t
}

// Network is a process-local Channel fabric shared by every node in a
// test cluster: Subscribe registers a handler under (nodeID, subject);
// SendAndReceive looks up the destination node's handler and invokes it
// synchronously.
type Network struct {
	mu       sync.RWMutex
	handlers map[string]map[string]func(ctx context.Context, payload []byte) []byte
	nodes    []string
}

// NewNetwork creates an empty Network.
func NewNetwork() *Network {
	return &Network{handlers: make(map[string]map[string]func(ctx context.Context, payload []byte) []byte)}
}

// Join registers nodeID as a cluster member and returns a Channel bound
// to it.
func (n *Network) Join(nodeID string) Channel {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.handlers[nodeID]; !ok {
		n.handlers[nodeID] = make(map[string]func(ctx context.Context, payload []byte) []byte)
		n.nodes = append(n.nodes, nodeID)
	}
	return &nodeChannel{net: n, self: nodeID}
}

type nodeChannel struct {
	net  *Network
	self string
}

func (c *nodeChannel) SendAndReceive(ctx context.Context, subject, nodeID string, payload []byte) ([]byte, error) {
	c.net.mu.RLock()
	byNode, ok := c.net.handlers[nodeID]
	var h func(ctx context.Context, payload []byte) []byte
	if ok {
		h = byNode[subject]
	}
	c.net.mu.RUnlock()
	if h == nil {
		return nil, errors.Errorf("no handler for subject %q on node %q", subject, nodeID)
	}

	type result struct{ b []byte }
	resc := make(chan result, 1)
	go func() { resc <- result{h(ctx, payload)} }()

	select {
	case r := <-resc:
		return r.b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *nodeChannel) Subscribe(subject string, handler func(ctx context.Context, payload []byte) []byte) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.net.handlers[c.self][subject] = handler
}

func (c *nodeChannel) Peers() []string {
	c.net.mu.RLock()
	defer c.net.mu.RUnlock()
	out := make([]string, 0, len(c.net.nodes))
	for _, n := range c.net.nodes {
		if n != c.self {
			out = append(out, n)
		}
	}
	return out
}

func (c *nodeChannel) LocalNode() string { return c.self }
