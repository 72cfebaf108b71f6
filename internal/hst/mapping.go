package hst

import (
	"fmt"
	"sort"
	"strings"
)

const (
	mappingArrow = "-->"
	wildcard     = "*"
	placeholder  = "${1}"
)

// Mapping is one inbound rewrite rule: "<prefix>/* --> <target>/${1}".
type Mapping struct {
	raw             string
	uriPrefix       string // fixed part of the source, always ends with "/"
	rewrittenPrefix string // fixed part of the target, always ends with "/"
	depth           int
	host            int // owning host index in the forest, -1 when detached
}

// ParseMapping parses one mapping string. The wildcard and the placeholder must each appear
// exactly once, as the final path segment of their side.
func ParseMapping(s string) (Mapping, error) {
	if strings.Count(s, mappingArrow) != 1 {
		return Mapping{}, fmt.Errorf("%w: %q: expected exactly one %q", ErrMalformedMapping, s, mappingArrow)
	}
	left, right, _ := strings.Cut(s, mappingArrow)
	left, right = strings.TrimSpace(left), strings.TrimSpace(right)
	if left == "" || right == "" {
		return Mapping{}, fmt.Errorf("%w: %q: empty side", ErrMalformedMapping, s)
	}

	if strings.Count(left, wildcard) != 1 || !strings.HasSuffix(left, "/"+wildcard) {
		return Mapping{}, fmt.Errorf("%w: %q: source must end with a single /%s segment", ErrMalformedMapping, s, wildcard)
	}
	if strings.Count(right, "${") != 1 || !strings.HasSuffix(right, "/"+placeholder) {
		return Mapping{}, fmt.Errorf("%w: %q: target must end with a single /%s segment", ErrMalformedMapping, s, placeholder)
	}

	prefix := strings.TrimSuffix(left, wildcard)
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return Mapping{
		raw:             s,
		uriPrefix:       prefix,
		rewrittenPrefix: strings.TrimSuffix(right, placeholder),
		depth:           segmentCount(left),
		host:            -1,
	}, nil
}

func segmentCount(p string) int {
	n := 0
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			n++
		}
	}
	return n
}

// String returns the configured form.
func (m Mapping) String() string { return m.raw }

// URIPrefix returns the fixed source prefix, ending with "/".
func (m Mapping) URIPrefix() string { return m.uriPrefix }

// RewrittenPrefix returns the fixed target prefix, ending with "/".
func (m Mapping) RewrittenPrefix() string { return m.rewrittenPrefix }

// Depth is the number of segments of the source pattern, the wildcard included.
func (m Mapping) Depth() int { return m.depth }

// Match reports whether path falls under the mapping and returns the wildcard remainder.
func (m Mapping) Match(path string) (remainder string, ok bool) {
	if path == strings.TrimSuffix(m.uriPrefix, "/") {
		return "", true
	}
	if strings.HasPrefix(path, m.uriPrefix) {
		return path[len(m.uriPrefix):], true
	}
	return "", false
}

// Rewrite applies the mapping to path.
func (m Mapping) Rewrite(path string) (target, remainder string, ok bool) {
	remainder, ok = m.Match(path)
	if !ok {
		return "", "", false
	}
	return m.rewrittenPrefix + remainder, remainder, true
}

// SortMappings orders mappings by depth, deepest first; equal depths keep their configured order.
func SortMappings(ms []Mapping) {
	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].depth > ms[j].depth
	})
}

// FindMapping returns a copy of the first matching mapping of an already sorted list.
// Writing through the result leaves ms untouched.
func FindMapping(ms []Mapping, path string) (*Mapping, bool) {
	for i := range ms {
		if _, ok := ms[i].Match(path); ok {
			m := ms[i]
			return &m, true
		}
	}
	return nil, false
}
