package cluster

import (
	"context"
	"sort"
	"sync"
)

type memoryStore struct {
	mu    sync.RWMutex
	nodes map[string]GatewayNode
}

// MemoryDirectory is an in-process Directory for single-node deployments.
// Directories created with Peer share one store, which stands in for a
// cluster inside a single process.
type MemoryDirectory struct {
	store *memoryStore
	mu    sync.Mutex
	self  string
}

// NewMemoryDirectory constructs an empty in-process directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{store: &memoryStore{nodes: make(map[string]GatewayNode)}}
}

// Peer returns a directory handle for another node sharing the same store.
func (d *MemoryDirectory) Peer() *MemoryDirectory {
	return &MemoryDirectory{store: d.store}
}

func (d *MemoryDirectory) Register(_ context.Context, node GatewayNode) error {
	d.mu.Lock()
	d.self = node.NodeID
	d.mu.Unlock()
	d.put(node)
	return nil
}

func (d *MemoryDirectory) Publish(_ context.Context, node GatewayNode) error {
	d.put(node)
	return nil
}

func (d *MemoryDirectory) put(node GatewayNode) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	d.store.nodes[node.NodeID] = node
}

func (d *MemoryDirectory) List(context.Context) ([]GatewayNode, error) {
	d.store.mu.RLock()
	nodes := make([]GatewayNode, 0, len(d.store.nodes))
	for _, node := range d.store.nodes {
		nodes = append(nodes, node)
	}
	d.store.mu.RUnlock()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes, nil
}

func (d *MemoryDirectory) Deregister(context.Context) error {
	d.mu.Lock()
	self := d.self
	d.mu.Unlock()
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	delete(d.store.nodes, self)
	return nil
}
