// Package repository defines the configuration repository collaborator: sessions for
// reading configuration nodes, a writer, and change notification scoped to a subtree.
package repository

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no node exists at a path.
	ErrNotFound = errors.New("repository: node not found")
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("repository: unavailable")
)

// EventType classifies a change notification.
type EventType int

const (
	NodeAdded EventType = iota + 1
	NodeChanged
	NodeRemoved
)

func (t EventType) String() string {
	switch t {
	case NodeAdded:
		return "added"
	case NodeChanged:
		return "changed"
	case NodeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one change notification for one path.
type Event struct {
	Type   EventType `json:"type"`
	Path   string    `json:"path"`
	Origin string    `json:"origin"`
	Seq    uint64    `json:"seq"`
	// Watermark marks a resync: notifications may have been lost and everything below
	// Path must be treated as changed. It stands for every local write made before it.
	Watermark bool `json:"watermark,omitempty"`
}

// Session gives read access to configuration nodes.
type Session interface {
	// Node reads a single node without children.
	Node(ctx context.Context, path string) (*Node, error)
	// Children reads the direct children of a node, in insertion order.
	Children(ctx context.Context, path string) ([]*Node, error)
}

// Writer mutates configuration nodes. Each successful call emits one event per affected path.
type Writer interface {
	// Save creates the node or replaces its type and properties. The parent must exist.
	Save(ctx context.Context, n *Node) error
	// Remove deletes the node and its subtree.
	Remove(ctx context.Context, path string) error
	// Apply removes then saves as one write: readers see all of it or none of it, and the
	// events are emitted together. Saves are applied in order, so a parent may precede its
	// children in the same batch.
	Apply(ctx context.Context, saves []*Node, removes []string) error
}

// TreeReader is implemented by sessions that read a whole subtree from one consistent view.
type TreeReader interface {
	Tree(ctx context.Context, path string) (*Node, error)
}

// Generational is implemented by sessions that can tell whether anything was written
// between two reads. The generation grows with every committed write.
type Generational interface {
	Generation(ctx context.Context) (uint64, error)
}

// Observable delivers change notifications for a subtree.
type Observable interface {
	// Observe registers a synchronous listener. It runs on the writer's goroutine
	// before the write call returns.
	Observe(root string, fn func(Event)) (cancel func())
	// Subscribe registers an asynchronous consumer. Events are delivered in order and
	// never dropped; the channel closes when ctx ends or cancel is called.
	Subscribe(ctx context.Context, root string) (<-chan Event, func(), error)
	// Origin identifies writes made through this instance.
	Origin() string
}

// Repository is the full collaborator surface.
type Repository interface {
	Session
	Writer
	Observable
	Close() error
}

// Tree performs a deep read of the node at path, from one consistent view when s is a
// TreeReader.
func Tree(ctx context.Context, s Session, path string) (*Node, error) {
	if tr, ok := s.(TreeReader); ok {
		return tr.Tree(ctx, path)
	}
	return ReadTree(ctx, s, path)
}

// ReadTree reads the node at path and its subtree node by node. Writes landing during the
// read may show partially.
func ReadTree(ctx context.Context, s Session, path string) (*Node, error) {
	n, err := s.Node(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := fillChildren(ctx, s, n); err != nil {
		return nil, err
	}
	return n, nil
}

func fillChildren(ctx context.Context, s Session, n *Node) error {
	children, err := s.Children(ctx, n.Path)
	if err != nil {
		return err
	}
	n.Children = children
	for _, c := range children {
		if err := fillChildren(ctx, s, c); err != nil {
			return err
		}
	}
	return nil
}

// Query returns every node of type t below root (root included), in document order.
func Query(ctx context.Context, s Session, root string, t NodeType) ([]*Node, error) {
	tree, err := Tree(ctx, s, root)
	if err != nil {
		return nil, err
	}
	var out []*Node
	Walk(tree, func(n *Node) {
		if n.Type == t {
			out = append(out, n)
		}
	})
	return out, nil
}

// Walk visits a deep-read node tree depth-first, parents before children.
func Walk(n *Node, fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		Walk(c, fn)
	}
}
