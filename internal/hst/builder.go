package hst

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrSnakeDoc/hstroute/internal/logger"
	"github.com/MrSnakeDoc/hstroute/internal/repository"
)

// BuildOptions tune one forest build.
type BuildOptions struct {
	Version uint64
	Logger  logger.Logger
}

// explicit holds the inheritable properties a node sets itself. nil means unset.
type explicit struct {
	port            *int
	showPort        *bool
	showContextPath *bool
	scheme          *string
}

type hostDraft struct {
	props       explicit
	mappings    []Mapping
	mappingsSet bool
	configured  bool
}

type mountDraft struct {
	props     explicit
	mountPath *string
	preview   *bool
	pipeline  *string
	node      string
}

type builder struct {
	f       *VirtualHosts
	log     logger.Logger
	resolve SiteResolver

	hostDrafts  []hostDraft
	mountDrafts []mountDraft
	sites       map[string]*Site
}

// Build compiles a deep-read virtual hosts node into a forest.
//
// Problems with single elements (a malformed mapping, a mount path that points nowhere, an
// unparsable property) are logged and recorded as warnings; the element is skipped or left
// unmounted and the build carries on. Build fails only when root is not a virtual hosts node
// or when resolve returns an error.
func Build(root *repository.Node, resolve SiteResolver, opts BuildOptions) (*VirtualHosts, error) {
	if root == nil {
		return nil, fmt.Errorf("%w: virtual hosts node missing", ErrNotConfigured)
	}
	if root.Type != repository.TypeVirtualHosts {
		return nil, fmt.Errorf("%w: %s has type %q, want %q", ErrNotConfigured, root.Path, root.Type, repository.TypeVirtualHosts)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	b := &builder{
		f: &VirtualHosts{
			version:  opts.Version,
			builtAt:  time.Now(),
			defaults: BuiltinDefaults,
		},
		log:     log,
		resolve: resolve,
		sites:   make(map[string]*Site),
	}

	b.readForest(root)
	for _, c := range root.Children {
		switch c.Type {
		case repository.TypeVirtualHostGroup:
			for _, h := range c.Children {
				if h.Type != repository.TypeVirtualHost {
					b.warn(h.Path, "ignoring non-host node in virtual host group")
					continue
				}
				b.addHost(none, h, c.Name)
			}
		case repository.TypeVirtualHost:
			b.addHost(none, c, "")
		default:
			b.log.Debug("skipping node under virtual hosts", logger.String("path", c.Path), logger.String("type", string(c.Type)))
		}
	}

	b.inheritHosts()
	if err := b.inheritMounts(); err != nil {
		return nil, err
	}
	b.propagateMounted()
	b.f.fingerprint = fingerprint(root, b.sites)
	return b.f, nil
}

// Warnings returns the configuration problems met while building.
func (f *VirtualHosts) Warnings() []string { return append([]string(nil), f.warnings...) }

func (b *builder) warn(path, msg string, fields ...any) {
	text := msg
	if len(fields) > 0 {
		text = fmt.Sprintf(msg, fields...)
	}
	b.f.warnings = append(b.f.warnings, path+": "+text)
	b.log.Warn("configuration error", logger.String("path", path), logger.String("problem", text))
}

func (b *builder) readForest(n *repository.Node) {
	if v, ok := n.String(PropDefaultHostName); ok {
		b.f.defaultHostName = normalizeHost(v)
	}
	props := b.readExplicit(n)
	if props.port != nil {
		b.f.defaults.Port = *props.port
	}
	if props.showPort != nil {
		b.f.defaults.ShowPort = *props.showPort
	}
	if props.showContextPath != nil {
		b.f.defaults.ShowContextPath = *props.showContextPath
	}
	if props.scheme != nil {
		b.f.defaults.Scheme = *props.scheme
	}
	b.f.prefixExclusions = nonEmpty(n.Strings(PropPrefixExclusions))
	b.f.suffixExclusions = nonEmpty(n.Strings(PropSuffixExclusions))
}

func (b *builder) readExplicit(n *repository.Node) explicit {
	var e explicit
	if v, set, err := n.Int(PropPort); err != nil {
		b.warn(n.Path, "%v", err)
	} else if set {
		if v < 0 || v > 65535 {
			b.warn(n.Path, "port %d out of range", v)
		} else {
			e.port = &v
		}
	}
	if v, set, err := n.Bool(PropShowPort); err != nil {
		b.warn(n.Path, "%v", err)
	} else if set {
		e.showPort = &v
	}
	if v, set, err := n.Bool(PropShowContextPath); err != nil {
		b.warn(n.Path, "%v", err)
	} else if set {
		e.showContextPath = &v
	}
	if v, ok := n.String(PropScheme); ok {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			b.warn(n.Path, "empty scheme")
		} else {
			e.scheme = &v
		}
	}
	return e
}

// addHost attaches a configured host node below parent (none for a new root). A dotted name
// becomes a chain of single-label hosts, top-level label first; only the last one carries
// the node's configuration.
func (b *builder) addHost(parent int, n *repository.Node, group string) {
	labels := splitLabels(n.Name)
	if len(labels) == 0 {
		b.warn(n.Path, "host node has an empty name")
		return
	}

	cur := parent
	for i := len(labels) - 1; i >= 0; i-- {
		label := labels[i]
		if cur == none {
			// a top-level label always starts a new tree; roots may share a name
			cur = b.newHost(none, label, group)
			continue
		}
		if c, ok := b.f.hosts[cur].children[label]; ok {
			cur = c
			continue
		}
		cur = b.newHost(cur, label, group)
	}

	d := &b.hostDrafts[cur]
	if d.configured {
		b.warn(n.Path, "host %s configured twice, keeping the first", b.f.hosts[cur].hostName)
		return
	}
	d.configured = true
	d.props = b.readExplicit(n)

	if n.Has(PropMappings) {
		d.mappingsSet = true
		for _, raw := range n.Strings(PropMappings) {
			m, err := ParseMapping(raw)
			if err != nil {
				b.warn(n.Path, "%v", err)
				continue
			}
			m.host = cur
			d.mappings = append(d.mappings, m)
		}
		SortMappings(d.mappings)
	}

	for _, c := range n.Children {
		switch {
		case c.Type == repository.TypeVirtualHost:
			b.addHost(cur, c, group)
		case c.Type == repository.TypeSiteMount && c.Name == RootMountName:
			b.f.hosts[cur].rootMount = b.addMount(cur, none, c)
		case c.Type == repository.TypeSiteMount:
			b.warn(c.Path, "only %s can be mounted on a host", RootMountName)
		}
	}
}

func (b *builder) newHost(parent int, label, group string) int {
	idx := len(b.f.hosts)
	name := label
	if parent != none {
		name = label + "." + b.f.hosts[parent].hostName
		p := &b.f.hosts[parent]
		p.children[label] = idx
		p.order = append(p.order, idx)
	} else {
		b.f.roots = append(b.f.roots, idx)
	}
	b.f.hosts = append(b.f.hosts, VirtualHost{
		f:         b.f,
		name:      label,
		hostName:  name,
		group:     group,
		parent:    parent,
		children:  make(map[string]int),
		rootMount: none,
	})
	b.hostDrafts = append(b.hostDrafts, hostDraft{})
	return idx
}

func (b *builder) addMount(host, parent int, n *repository.Node) int {
	idx := len(b.f.mounts)
	if parent != none {
		p := &b.f.mounts[parent]
		if _, dup := p.children[n.Name]; dup {
			b.warn(n.Path, "duplicate mount name")
			return none
		}
		p.children[n.Name] = idx
		p.order = append(p.order, idx)
	}
	b.f.mounts = append(b.f.mounts, SiteMount{
		f:        b.f,
		host:     host,
		name:     n.Name,
		parent:   parent,
		children: make(map[string]int),
	})

	d := mountDraft{props: b.readExplicit(n), node: n.Path}
	if v, ok := n.String(PropMountPath); ok {
		v = strings.TrimSpace(v)
		d.mountPath = &v
	}
	if v, set, err := n.Bool(PropIsPreview); err != nil {
		b.warn(n.Path, "%v", err)
	} else if set {
		d.preview = &v
	}
	if v, ok := n.String(PropNamedPipeline); ok {
		d.pipeline = &v
	}
	b.mountDrafts = append(b.mountDrafts, d)

	for _, c := range n.Children {
		if c.Type == repository.TypeSiteMount {
			b.addMount(host, idx, c)
		}
	}
	return idx
}

// inheritHosts resolves every inheritable property once. Parents always precede their
// children in the arena, so one forward pass sees resolved parents.
func (b *builder) inheritHosts() {
	for i := range b.f.hosts {
		h := &b.f.hosts[i]
		d := b.hostDrafts[i]

		base := b.f.defaults
		var inherited []Mapping
		if h.parent != none {
			p := &b.f.hosts[h.parent]
			base = Defaults{Port: p.port, ShowPort: p.showPort, ShowContextPath: p.showContextPath, Scheme: p.scheme}
			inherited = p.mappings
		}
		r := d.props.resolve(base)
		h.port, h.showPort, h.showContextPath, h.scheme = r.Port, r.ShowPort, r.ShowContextPath, r.Scheme

		if d.mappingsSet {
			h.mappings = d.mappings
		} else {
			h.mappings = inherited
		}
	}
}

func (b *builder) inheritMounts() error {
	for i := range b.f.mounts {
		m := &b.f.mounts[i]
		d := b.mountDrafts[i]

		var base Defaults
		if m.parent == none {
			h := &b.f.hosts[m.host]
			base = Defaults{Port: h.port, ShowPort: h.showPort, ShowContextPath: h.showContextPath, Scheme: h.scheme}
		} else {
			p := &b.f.mounts[m.parent]
			base = Defaults{Port: p.port, ShowPort: p.showPort, ShowContextPath: p.showContextPath, Scheme: p.scheme}
			m.preview = p.preview
			m.pipeline = p.pipeline
		}
		r := d.props.resolve(base)
		m.port, m.showPort, m.showContextPath, m.scheme = r.Port, r.ShowPort, r.ShowContextPath, r.Scheme
		if d.preview != nil {
			m.preview = *d.preview
		}
		if d.pipeline != nil {
			m.pipeline = *d.pipeline
		}

		switch {
		case d.mountPath != nil:
			m.mountPath = *d.mountPath
			site, err := b.site(d.node, m.mountPath)
			if err != nil {
				return err
			}
			m.site = site
			m.functional = site != nil
		case m.parent != none:
			p := &b.f.mounts[m.parent]
			m.mountPath, m.site, m.functional = p.mountPath, p.site, p.functional
		default:
			b.warn(d.node, "root mount without %s", PropMountPath)
		}
	}
	return nil
}

func (b *builder) site(node, mountPath string) (*Site, error) {
	if !strings.HasPrefix(mountPath, "/") {
		b.warn(node, "mount path %q must start with /", mountPath)
		return nil, nil
	}
	if s, ok := b.sites[mountPath]; ok {
		return s, nil
	}
	if b.resolve == nil {
		b.warn(node, "no site resolver for mount path %q", mountPath)
		return nil, nil
	}
	s, err := b.resolve(mountPath)
	if err != nil {
		return nil, fmt.Errorf("resolve mount path %s: %w", mountPath, err)
	}
	if s == nil {
		b.warn(node, "mount path %q does not point to a site", mountPath)
	}
	b.sites[mountPath] = s
	return s, nil
}

// propagateMounted marks a host mounted when it or any descendant is routable. Children sit
// after their parents in the arena, so a reverse pass reaches every child first.
func (b *builder) propagateMounted() {
	for i := len(b.f.hosts) - 1; i >= 0; i-- {
		h := &b.f.hosts[i]
		if h.routable() {
			h.mounted = true
		}
		if h.mounted && h.parent != none {
			b.f.hosts[h.parent].mounted = true
		}
	}
}

func (e explicit) resolve(base Defaults) Defaults {
	r := base
	if e.port != nil {
		r.Port = *e.port
	}
	if e.showPort != nil {
		r.ShowPort = *e.showPort
	}
	if e.showContextPath != nil {
		r.ShowContextPath = *e.showContextPath
	}
	if e.scheme != nil {
		r.Scheme = *e.scheme
	}
	return r
}

// splitLabels splits a host name into lower-cased DNS labels, left to right.
func splitLabels(name string) []string {
	parts := strings.Split(normalizeHost(name), ".")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
