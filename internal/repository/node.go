package repository

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeType is the closed set of configuration node kinds.
type NodeType string

const (
	TypeUnknown          NodeType = "unknown"
	TypeRoot             NodeType = "hst:hst"
	TypeVirtualHosts     NodeType = "hst:virtualhosts"
	TypeVirtualHostGroup NodeType = "hst:virtualhostgroup"
	TypeVirtualHost      NodeType = "hst:virtualhost"
	TypeSiteMount        NodeType = "hst:sitemount"
	TypeSites            NodeType = "hst:sites"
	TypeSite             NodeType = "hst:site"
)

// ParseNodeType decodes a type name. Anything not in the closed set is TypeUnknown.
func ParseNodeType(s string) NodeType {
	switch t := NodeType(strings.TrimSpace(s)); t {
	case TypeRoot, TypeVirtualHosts, TypeVirtualHostGroup, TypeVirtualHost,
		TypeSiteMount, TypeSites, TypeSite:
		return t
	default:
		return TypeUnknown
	}
}

// Node is one configuration node. Children is only populated by deep reads (Tree).
type Node struct {
	Path       string              `json:"path"`
	Name       string              `json:"name"`
	Type       NodeType            `json:"type"`
	Properties map[string][]string `json:"properties,omitempty"`
	Children   []*Node             `json:"-"`
}

// NewNode creates a node at path with the given type.
func NewNode(path string, t NodeType) *Node {
	p := Clean(path)
	return &Node{
		Path:       p,
		Name:       Name(p),
		Type:       t,
		Properties: make(map[string][]string),
	}
}

// Set stores a property value (single or multi-valued).
func (n *Node) Set(name string, values ...string) *Node {
	if n.Properties == nil {
		n.Properties = make(map[string][]string)
	}
	n.Properties[name] = append([]string(nil), values...)
	return n
}

// Has reports whether the property is explicitly set.
func (n *Node) Has(name string) bool {
	_, ok := n.Properties[name]
	return ok
}

// String returns the first value of a property.
func (n *Node) String(name string) (string, bool) {
	v, ok := n.Properties[name]
	if !ok || len(v) == 0 {
		return "", false
	}
	return v[0], true
}

// Strings returns all values of a property.
func (n *Node) Strings(name string) []string {
	return n.Properties[name]
}

// Bool parses a boolean property. set is false when the property is absent.
func (n *Node) Bool(name string) (val bool, set bool, err error) {
	s, ok := n.String(name)
	if !ok {
		return false, false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, true, fmt.Errorf("property %s on %s: invalid boolean %q", name, n.Path, s)
	}
	return b, true, nil
}

// Int parses an integer property. set is false when the property is absent.
func (n *Node) Int(name string) (val int, set bool, err error) {
	s, ok := n.String(name)
	if !ok {
		return 0, false, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, true, fmt.Errorf("property %s on %s: invalid integer %q", name, n.Path, s)
	}
	return i, true, nil
}

// Child returns the direct child with the given name from a deep-read node.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Clone copies the node and its properties, without children.
func (n *Node) Clone() *Node {
	c := &Node{
		Path:       n.Path,
		Name:       n.Name,
		Type:       n.Type,
		Properties: make(map[string][]string, len(n.Properties)),
	}
	for k, v := range n.Properties {
		c.Properties[k] = append([]string(nil), v...)
	}
	return c
}

// Equal compares type and properties.
func (n *Node) Equal(o *Node) bool {
	if n.Type != o.Type || len(n.Properties) != len(o.Properties) {
		return false
	}
	for k, v := range n.Properties {
		ov, ok := o.Properties[k]
		if !ok || len(ov) != len(v) {
			return false
		}
		for i := range v {
			if v[i] != ov[i] {
				return false
			}
		}
	}
	return true
}

// ─────────────────────────────────────────────────────────────────
// Path helpers
// ─────────────────────────────────────────────────────────────────

// Clean normalizes a repository path: leading slash, no trailing slash, no empty segments.
func Clean(p string) string {
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return "/" + strings.Join(out, "/")
}

// Join appends a child name to a parent path.
func Join(parent, name string) string {
	if parent == "/" || parent == "" {
		return Clean("/" + name)
	}
	return Clean(parent + "/" + name)
}

// Name returns the last segment of a path ("" for the root).
func Name(p string) string {
	p = Clean(p)
	return p[strings.LastIndexByte(p, '/')+1:]
}

// Parent returns the parent path, or "" for the root.
func Parent(p string) string {
	p = Clean(p)
	if p == "/" {
		return ""
	}
	i := strings.LastIndexByte(p, '/')
	if i == 0 {
		return "/"
	}
	return p[:i]
}

// Ancestors returns all strict ancestors of p, nearest first, ending with "/".
func Ancestors(p string) []string {
	var out []string
	for a := Parent(p); a != ""; a = Parent(a) {
		out = append(out, a)
	}
	return out
}

// Within reports whether p equals root or lies below it.
func Within(root, p string) bool {
	root, p = Clean(root), Clean(p)
	if root == "/" || root == p {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}
