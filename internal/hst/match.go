package hst

import (
	"fmt"
	"net"
	"strings"
)

// ResolvedSiteMount is the routing decision for one request.
type ResolvedSiteMount struct {
	Host  *VirtualHost
	Mount *SiteMount

	// RequestHost is the normalized host name that was asked for.
	RequestHost string
	// ViaDefaultHost is set when the decision came from the default host name fallback.
	ViaDefaultHost bool
	// MatchedPrefix is the part of the path consumed by the mount tree.
	MatchedPrefix string
	// PathInfo is the remainder below the matched mount, always starting with "/".
	PathInfo string

	// Mapping is a copy of the deepest host mapping matching PathInfo, if any.
	Mapping *Mapping
	// Rewritten is PathInfo after applying Mapping.
	Rewritten string
}

// Match resolves a host name and path to a host and mount.
//
// Exclusions are checked first. The host name is then looked up label by label from the top
// level down, where a missing label may be covered by the wildcard child. When no routable
// host is found and a default host name is configured, the lookup is retried with it.
func (f *VirtualHosts) Match(hostName, pathInfo string) (*ResolvedSiteMount, error) {
	if f.Empty() {
		return nil, ErrNotConfigured
	}
	path := normalizePath(pathInfo)
	if f.Excluded(path) {
		return nil, fmt.Errorf("%w: %s", ErrExcluded, path)
	}

	name := normalizeHost(hostName)
	h := f.matchHost(name)
	viaDefault := false
	if h == none && f.defaultHostName != "" && f.defaultHostName != name {
		h = f.matchHost(f.defaultHostName)
		viaDefault = h != none
	}
	if h == none {
		return nil, fmt.Errorf("%w: host %q", ErrNoMatch, name)
	}

	host := &f.hosts[h]
	mount, consumed, rest := f.matchMount(host.rootMount, path)
	r := &ResolvedSiteMount{
		Host:           host,
		Mount:          mount,
		RequestHost:    name,
		ViaDefaultHost: viaDefault,
		MatchedPrefix:  consumed,
		PathInfo:       rest,
	}
	if m, ok := FindMapping(host.mappings, rest); ok {
		r.Mapping = m
		r.Rewritten, _, _ = m.Rewrite(rest)
	}
	return r, nil
}

// MatchHost returns the routable host for a host name without the default host fallback.
func (f *VirtualHosts) MatchHost(hostName string) *VirtualHost {
	if f.Empty() {
		return nil
	}
	if i := f.matchHost(normalizeHost(hostName)); i != none {
		return &f.hosts[i]
	}
	return nil
}

func (f *VirtualHosts) matchHost(name string) int {
	labels := splitLabels(name)
	if len(labels) == 0 {
		return none
	}
	// top-level label first
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}

	for _, label := range []string{labels[0], WildcardLabel} {
		for _, r := range f.roots {
			if f.hosts[r].name != label {
				continue
			}
			if found := f.descend(r, labels[1:]); found != none {
				return found
			}
		}
	}
	return none
}

// descend tries the exact child first and the wildcard child second, backtracking when a
// branch fails deeper down.
func (f *VirtualHosts) descend(i int, labels []string) int {
	h := &f.hosts[i]
	if len(labels) == 0 {
		if h.routable() {
			return i
		}
		return none
	}
	if c, ok := h.children[labels[0]]; ok {
		if found := f.descend(c, labels[1:]); found != none {
			return found
		}
	}
	if c, ok := h.children[WildcardLabel]; ok && labels[0] != WildcardLabel {
		return f.descend(c, labels[1:])
	}
	return none
}

// matchMount walks the mount tree one path segment at a time, entering only functional
// child mounts, and returns the deepest mount with the consumed prefix and the remainder.
func (f *VirtualHosts) matchMount(root int, path string) (*SiteMount, string, string) {
	cur := root
	segs := strings.Split(strings.Trim(path, "/"), "/")
	n := 0
	for ; n < len(segs) && segs[n] != ""; n++ {
		c, ok := f.mounts[cur].children[segs[n]]
		if !ok || !f.mounts[c].functional {
			break
		}
		cur = c
	}
	consumed := ""
	if n > 0 {
		consumed = "/" + strings.Join(segs[:n], "/")
	}
	rest := "/" + strings.Join(segs[n:], "/")
	if strings.HasSuffix(path, "/") && rest != "/" {
		rest += "/"
	}
	return &f.mounts[cur], consumed, rest
}

// normalizeHost lower-cases a host name and strips a port and a trailing dot.
func normalizeHost(h string) string {
	h = strings.TrimSpace(h)
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	h = strings.Trim(h, "[]")
	return strings.TrimSuffix(strings.ToLower(h), ".")
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}
