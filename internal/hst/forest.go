// Package hst resolves inbound requests to virtual hosts and site mounts.
//
// A VirtualHosts forest is an immutable snapshot: hosts and mounts live in flat slices and
// refer to each other by index, so a whole snapshot is replaced by swapping one pointer.
package hst

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WildcardLabel is the reserved host label that matches any single DNS label.
const WildcardLabel = "_default_"

const none = -1

// Defaults are the forest-level values hosts inherit when no ancestor sets a property.
type Defaults struct {
	Port            int    `json:"port"`
	ShowPort        bool   `json:"showPort"`
	ShowContextPath bool   `json:"showContextPath"`
	Scheme          string `json:"scheme"`
}

// BuiltinDefaults apply when the virtual hosts node does not configure a value.
var BuiltinDefaults = Defaults{
	Port:            80,
	ShowPort:        true,
	ShowContextPath: true,
	Scheme:          "http",
}

// VirtualHosts is the forest of host trees for one configuration snapshot.
type VirtualHosts struct {
	version     uint64
	fingerprint string
	builtAt     time.Time

	defaultHostName  string
	defaults         Defaults
	prefixExclusions []string
	suffixExclusions []string

	hosts  []VirtualHost
	mounts []SiteMount
	roots  []int

	warnings []string
}

// VirtualHost is one DNS label of a configured host name.
type VirtualHost struct {
	f        *VirtualHosts
	name     string
	hostName string
	group    string

	parent    int
	children  map[string]int
	order     []int
	rootMount int

	port            int
	showPort        bool
	showContextPath bool
	scheme          string
	mounted         bool

	mappings []Mapping
}

// SiteMount is one path segment of a host's mount tree.
type SiteMount struct {
	f    *VirtualHosts
	host int
	name string

	parent   int
	children map[string]int
	order    []int

	mountPath  string
	preview    bool
	pipeline   string
	site       *Site
	functional bool

	port            int
	showPort        bool
	showContextPath bool
	scheme          string
}

// Version is the snapshot number assigned at build time.
func (f *VirtualHosts) Version() uint64 { return f.version }

// Fingerprint identifies the configuration the forest was built from. Unlike the version it
// is the same in every process that built from the same configuration.
func (f *VirtualHosts) Fingerprint() string { return f.fingerprint }

// BuiltAt returns the build time.
func (f *VirtualHosts) BuiltAt() time.Time { return f.builtAt }

// DefaultHostName returns the fallback host name, or "".
func (f *VirtualHosts) DefaultHostName() string { return f.defaultHostName }

// Defaults returns the forest-level defaults.
func (f *VirtualHosts) Defaults() Defaults { return f.defaults }

// PrefixExclusions returns the path prefixes never subject to routing.
func (f *VirtualHosts) PrefixExclusions() []string { return append([]string(nil), f.prefixExclusions...) }

// SuffixExclusions returns the path suffixes never subject to routing.
func (f *VirtualHosts) SuffixExclusions() []string { return append([]string(nil), f.suffixExclusions...) }

// Roots returns the top-level hosts in configured order. Several roots may share a name.
func (f *VirtualHosts) Roots() []*VirtualHost {
	out := make([]*VirtualHost, 0, len(f.roots))
	for _, i := range f.roots {
		out = append(out, &f.hosts[i])
	}
	return out
}

// HostCount returns the number of host nodes, synthesized labels included.
func (f *VirtualHosts) HostCount() int { return len(f.hosts) }

// MountCount returns the number of site mounts.
func (f *VirtualHosts) MountCount() int { return len(f.mounts) }

// Empty reports whether the forest has no hosts at all.
func (f *VirtualHosts) Empty() bool { return f == nil || len(f.roots) == 0 }

// Owner returns the host that configured m, or nil for a detached mapping.
func (f *VirtualHosts) Owner(m *Mapping) *VirtualHost {
	if m == nil || m.host < 0 || m.host >= len(f.hosts) {
		return nil
	}
	return &f.hosts[m.host]
}

// Excluded reports whether path matches a prefix or suffix exclusion.
func (f *VirtualHosts) Excluded(path string) bool {
	for _, p := range f.prefixExclusions {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	for _, s := range f.suffixExclusions {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}

// Name is the DNS label of this node.
func (h *VirtualHost) Name() string { return h.name }

// HostName is the full host name, labels joined from this node up to the root.
func (h *VirtualHost) HostName() string { return h.hostName }

// Group is the virtual host group the tree was configured in, or "".
func (h *VirtualHost) Group() string { return h.group }

func (h *VirtualHost) Port() int             { return h.port }
func (h *VirtualHost) ShowPort() bool        { return h.showPort }
func (h *VirtualHost) ShowContextPath() bool { return h.showContextPath }
func (h *VirtualHost) Scheme() string        { return h.scheme }

// Mounted reports whether this host or a descendant resolves to a usable site.
func (h *VirtualHost) Mounted() bool { return h.mounted }

// Parent returns the enclosing host, or nil for a root.
func (h *VirtualHost) Parent() *VirtualHost {
	if h.parent == none {
		return nil
	}
	return &h.f.hosts[h.parent]
}

// Child returns the child with the given label.
func (h *VirtualHost) Child(label string) *VirtualHost {
	i, ok := h.children[label]
	if !ok {
		return nil
	}
	return &h.f.hosts[i]
}

// Children returns the child hosts in configured order.
func (h *VirtualHost) Children() []*VirtualHost {
	out := make([]*VirtualHost, 0, len(h.order))
	for _, i := range h.order {
		out = append(out, &h.f.hosts[i])
	}
	return out
}

// RootMount returns the mount configured on this host, or nil.
func (h *VirtualHost) RootMount() *SiteMount {
	if h.rootMount == none {
		return nil
	}
	return &h.f.mounts[h.rootMount]
}

// Mappings returns the effective rewrite rules, deepest first.
func (h *VirtualHost) Mappings() []Mapping { return append([]Mapping(nil), h.mappings...) }

// routable reports whether a request can be served by this exact host.
func (h *VirtualHost) routable() bool {
	return h.rootMount != none && h.f.mounts[h.rootMount].functional
}

// BaseURL renders scheme, host name and, when shown, the port.
func (h *VirtualHost) BaseURL() string {
	return baseURL(h.scheme, h.hostName, h.port, h.showPort)
}

func baseURL(scheme, host string, port int, showPort bool) string {
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	if showPort && port > 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(port))
	}
	return b.String()
}

// Name is the path segment of this mount ("hst:root" for a host's root mount).
func (m *SiteMount) Name() string { return m.name }

// Host returns the host the mount belongs to.
func (m *SiteMount) Host() *VirtualHost { return &m.f.hosts[m.host] }

// MountPath is the configured or inherited mount path.
func (m *SiteMount) MountPath() string { return m.mountPath }

func (m *SiteMount) Preview() bool         { return m.preview }
func (m *SiteMount) NamedPipeline() string { return m.pipeline }
func (m *SiteMount) Port() int             { return m.port }
func (m *SiteMount) ShowPort() bool        { return m.showPort }
func (m *SiteMount) ShowContextPath() bool { return m.showContextPath }
func (m *SiteMount) Scheme() string        { return m.scheme }

// Site returns the configured or inherited site, or nil.
func (m *SiteMount) Site() *Site { return m.site }

// Functional reports whether the mount resolves to a site.
func (m *SiteMount) Functional() bool { return m.functional }

// Parent returns the enclosing mount, or nil for a root mount.
func (m *SiteMount) Parent() *SiteMount {
	if m.parent == none {
		return nil
	}
	return &m.f.mounts[m.parent]
}

// Child returns the child mount with the given name.
func (m *SiteMount) Child(name string) *SiteMount {
	i, ok := m.children[name]
	if !ok {
		return nil
	}
	return &m.f.mounts[i]
}

// Children returns the child mounts in configured order.
func (m *SiteMount) Children() []*SiteMount {
	out := make([]*SiteMount, 0, len(m.order))
	for _, i := range m.order {
		out = append(out, &m.f.mounts[i])
	}
	return out
}

// Prefix is the request path prefix the mount serves, "" for a root mount.
func (m *SiteMount) Prefix() string {
	var segs []string
	for c := m; c.parent != none; c = &m.f.mounts[c.parent] {
		segs = append(segs, c.name)
	}
	if len(segs) == 0 {
		return ""
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return "/" + strings.Join(segs, "/")
}

// BaseURL renders the URL the mount is reachable at, with the context path when shown.
func (m *SiteMount) BaseURL(contextPath string) string {
	h := m.Host()
	u := baseURL(m.scheme, h.hostName, m.port, m.showPort)
	if m.showContextPath && contextPath != "" && contextPath != "/" {
		u += "/" + strings.Trim(contextPath, "/")
	}
	return u + m.Prefix()
}

// HostInfo is a flattened view of one host for diagnostics.
type HostInfo struct {
	HostName        string      `json:"hostName"`
	Group           string      `json:"group,omitempty"`
	Port            int         `json:"port"`
	ShowPort        bool        `json:"showPort"`
	ShowContextPath bool        `json:"showContextPath"`
	Scheme          string      `json:"scheme"`
	Mounted         bool        `json:"mounted"`
	Mappings        []string    `json:"mappings,omitempty"`
	Mounts          []MountInfo `json:"mounts,omitempty"`
}

// MountInfo is a flattened view of one mount for diagnostics.
type MountInfo struct {
	Prefix     string `json:"prefix"`
	MountPath  string `json:"mountPath,omitempty"`
	Site       string `json:"site,omitempty"`
	Preview    bool   `json:"preview"`
	Pipeline   string `json:"pipeline,omitempty"`
	Functional bool   `json:"functional"`
}

// Walk visits every host depth-first in configured order.
func (f *VirtualHosts) Walk(fn func(h *VirtualHost, depth int)) {
	var visit func(i, depth int)
	visit = func(i, depth int) {
		h := &f.hosts[i]
		fn(h, depth)
		for _, c := range h.order {
			visit(c, depth+1)
		}
	}
	for _, r := range f.roots {
		visit(r, 0)
	}
}

// Info flattens the host and its mounts.
func (h *VirtualHost) Info() HostInfo {
	hi := HostInfo{
		HostName:        h.hostName,
		Group:           h.group,
		Port:            h.port,
		ShowPort:        h.showPort,
		ShowContextPath: h.showContextPath,
		Scheme:          h.scheme,
		Mounted:         h.mounted,
	}
	for _, m := range h.mappings {
		hi.Mappings = append(hi.Mappings, m.raw)
	}
	if root := h.RootMount(); root != nil {
		var visit func(m *SiteMount)
		visit = func(m *SiteMount) {
			mi := MountInfo{
				Prefix:     m.Prefix(),
				MountPath:  m.mountPath,
				Preview:    m.preview,
				Pipeline:   m.pipeline,
				Functional: m.functional,
			}
			if mi.Prefix == "" {
				mi.Prefix = "/"
			}
			if m.site != nil {
				mi.Site = m.site.Name
			}
			hi.Mounts = append(hi.Mounts, mi)
			for _, c := range m.Children() {
				visit(c)
			}
		}
		visit(root)
	}
	return hi
}

// Dump returns every host that carries configuration relevant to routing.
func (f *VirtualHosts) Dump() []HostInfo {
	var out []HostInfo
	f.Walk(func(h *VirtualHost, _ int) {
		if h.rootMount != none {
			out = append(out, h.Info())
		}
	})
	return out
}

// String summarises the snapshot.
func (f *VirtualHosts) String() string {
	return fmt.Sprintf("virtualhosts v%d (%d hosts, %d mounts)", f.version, len(f.hosts), len(f.mounts))
}
