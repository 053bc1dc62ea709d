// Package scene is the boundary between tile bookkeeping and the host scene graph.
package scene

import (
	"fmt"
	"sort"
	"sync"

	"tilebridge/internal/bundle"
)

type NodeID uint64

// Graph is implemented by host adapters. All calls happen on the main thread.
type Graph interface {
	// Attach creates a node for b and returns its id. New nodes start hidden.
	Attach(name string, b *bundle.Bundle) (NodeID, error)
	SetVisible(id NodeID, visible bool)
	// Destroy removes the node. Unknown ids are ignored.
	Destroy(id NodeID)
}

// Node is a plain record of an attached bundle.
type Node struct {
	ID      NodeID
	Name    string
	Bundle  *bundle.Bundle
	Visible bool
}

// Memory is a Graph that only keeps records. Renderers embed it to know what to draw.
type Memory struct {
	mu     sync.RWMutex
	next   NodeID
	nodes  map[NodeID]*Node
	byName map[string]NodeID
}

func NewMemory() *Memory {
	return &Memory{
		nodes:  make(map[NodeID]*Node),
		byName: make(map[string]NodeID),
	}
}

func (m *Memory) Attach(name string, b *bundle.Bundle) (NodeID, error) {
	if b == nil {
		return 0, fmt.Errorf("attach %s: nil bundle", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[name]; exists {
		return 0, fmt.Errorf("attach %s: name already in use", name)
	}
	m.next++
	n := &Node{ID: m.next, Name: name, Bundle: b}
	m.nodes[n.ID] = n
	m.byName[name] = n.ID
	return n.ID, nil
}

func (m *Memory) SetVisible(id NodeID, visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[id]; ok {
		n.Visible = visible
	}
}

func (m *Memory) Destroy(id NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return
	}
	delete(m.nodes, id)
	if m.byName[n.Name] == id {
		delete(m.byName, n.Name)
	}
}

// Node returns a copy of the node record.
func (m *Memory) Node(id NodeID) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Lookup finds a node by name.
func (m *Memory) Lookup(name string) (Node, bool) {
	m.mu.RLock()
	id, ok := m.byName[name]
	m.mu.RUnlock()
	if !ok {
		return Node{}, false
	}
	return m.Node(id)
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// Visible returns the visible nodes ordered by id.
func (m *Memory) Visible() []Node {
	m.mu.RLock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		if n.Visible {
			out = append(out, *n)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
