package repository

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory provides in-memory storage of configuration nodes.
// It backs the file-driven deployment mode and the tests.
type Memory struct {
	*Fanout

	mu       sync.RWMutex
	nodes    map[string]*Node    // path -> node (no children)
	children map[string][]string // path -> ordered child paths
	seq      uint64
	origin   string

	lastWrite time.Time
}

// NewMemory creates a new memory repository holding only the root node.
func NewMemory() *Memory {
	return &Memory{
		Fanout:   NewFanout(),
		nodes:    map[string]*Node{"/": NewNode("/", TypeUnknown)},
		children: make(map[string][]string),
		origin:   fmt.Sprintf("memory-%d", time.Now().UnixNano()),
	}
}

// Origin identifies writes made through this repository.
func (m *Memory) Origin() string { return m.origin }

// Node retrieves a node by path
func (m *Memory) Node(_ context.Context, path string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[Clean(path)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return n.Clone(), nil
}

// Children returns the direct children of a node
func (m *Memory) Children(_ context.Context, path string) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := Clean(path)
	if _, ok := m.nodes[p]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	paths := m.children[p]
	out := make([]*Node, 0, len(paths))
	for _, cp := range paths {
		out = append(out, m.nodes[cp].Clone())
	}
	return out, nil
}

// Save adds or updates a single node
func (m *Memory) Save(ctx context.Context, n *Node) error {
	return m.Apply(ctx, []*Node{n}, nil)
}

// Remove deletes a node and its subtree from the repository
func (m *Memory) Remove(ctx context.Context, path string) error {
	return m.Apply(ctx, nil, []string{path})
}

// Apply removes then saves under one lock and emits all events at once.
// Nothing is written when any path fails validation.
func (m *Memory) Apply(_ context.Context, saves []*Node, removes []string) error {
	rm, stored, err := PrepareBatch(saves, removes)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.checkLocked(stored, rm); err != nil {
		m.mu.Unlock()
		return err
	}
	var events []Event
	for _, p := range rm {
		events = m.removeLocked(p, events)
	}
	for _, n := range stored {
		events = m.saveLocked(n, events)
	}
	if len(events) > 0 {
		m.lastWrite = time.Now()
	}
	m.mu.Unlock()

	if len(events) > 0 {
		m.emit(events)
	}
	return nil
}

// PrepareBatch cleans the paths of a batch, copies the saved nodes and rejects writes to
// the root.
func PrepareBatch(saves []*Node, removes []string) ([]string, []*Node, error) {
	rm := make([]string, 0, len(removes))
	for _, path := range removes {
		p := Clean(path)
		if p == "/" {
			return nil, nil, fmt.Errorf("cannot remove the root node")
		}
		rm = append(rm, p)
	}
	stored := make([]*Node, 0, len(saves))
	for _, n := range saves {
		p := Clean(n.Path)
		if p == "/" {
			return nil, nil, fmt.Errorf("cannot overwrite the root node")
		}
		c := n.Clone()
		c.Path = p
		c.Name = Name(p)
		stored = append(stored, c)
	}
	return rm, stored, nil
}

func (m *Memory) checkLocked(saves []*Node, removes []string) error {
	for _, p := range removes {
		if _, ok := m.nodes[p]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, p)
		}
	}
	added := make(map[string]bool, len(saves))
	for _, n := range saves {
		parent := Parent(n.Path)
		_, ok := m.nodes[parent]
		if (!ok || Covered(removes, parent)) && !added[parent] {
			return fmt.Errorf("%w: parent of %s", ErrNotFound, n.Path)
		}
		added[n.Path] = true
	}
	return nil
}

// Covered reports whether p lies in one of the subtrees rooted at roots.
func Covered(roots []string, p string) bool {
	for _, r := range roots {
		if Within(r, p) {
			return true
		}
	}
	return false
}

func (m *Memory) saveLocked(n *Node, events []Event) []Event {
	typ := NodeAdded
	if old, ok := m.nodes[n.Path]; ok {
		if old.Equal(n) {
			return events
		}
		typ = NodeChanged
	} else {
		parent := Parent(n.Path)
		m.children[parent] = append(m.children[parent], n.Path)
	}
	m.nodes[n.Path] = n
	m.seq++
	return append(events, Event{Type: typ, Path: n.Path, Origin: m.origin, Seq: m.seq})
}

// removeLocked drops the subtree at p. A subtree already removed earlier in the batch is skipped.
func (m *Memory) removeLocked(p string, events []Event) []Event {
	if _, ok := m.nodes[p]; !ok {
		return events
	}

	var removed []string
	m.collectLocked(p, &removed)
	for _, rp := range removed {
		delete(m.nodes, rp)
		delete(m.children, rp)
		m.seq++
		events = append(events, Event{Type: NodeRemoved, Path: rp, Origin: m.origin, Seq: m.seq})
	}

	parent := Parent(p)
	siblings := m.children[parent]
	kept := siblings[:0]
	for _, s := range siblings {
		if s != p {
			kept = append(kept, s)
		}
	}
	m.children[parent] = kept
	return events
}

// collectLocked lists a subtree deepest-first.
func (m *Memory) collectLocked(p string, out *[]string) {
	for _, c := range m.children[p] {
		m.collectLocked(c, out)
	}
	*out = append(*out, p)
}

// Tree reads the subtree at path under a single read lock.
func (m *Memory) Tree(_ context.Context, path string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[Clean(path)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return m.treeLocked(n), nil
}

func (m *Memory) treeLocked(n *Node) *Node {
	out := n.Clone()
	paths := m.children[n.Path]
	out.Children = make([]*Node, 0, len(paths))
	for _, cp := range paths {
		out.Children = append(out.Children, m.treeLocked(m.nodes[cp]))
	}
	return out
}

// Generation returns the sequence of the last committed event.
func (m *Memory) Generation(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq, nil
}

func (m *Memory) emit(events []Event) {
	m.NotifySync(events)
	m.Publish(events)
}

// Count returns the number of nodes, root included
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.nodes)
}

// LastWrite returns the timestamp of the last successful write
func (m *Memory) LastWrite() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.lastWrite
}

// Close ends all subscriptions.
func (m *Memory) Close() error {
	m.Fanout.Close()
	return nil
}
