package hstconf

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MrSnakeDoc/hstroute/internal/hst"
	"github.com/MrSnakeDoc/hstroute/internal/repository"
)

// DefaultRoot is used when a file does not name its configuration root.
const DefaultRoot = "/hst:hst"

const (
	hostsNodeName = "hst:hosts"
	sitesNodeName = "hst:sites"
)

// Mapper converts a Config into repository nodes
type Mapper struct {
	nodes []*repository.Node
	seen  map[string]bool
}

// NewMapper creates a new mapper instance
func NewMapper() *Mapper {
	return &Mapper{}
}

// Map returns the nodes of cfg, parents before children, starting with the root node.
func (m *Mapper) Map(cfg *Config) ([]*repository.Node, error) {
	m.nodes = nil
	m.seen = make(map[string]bool)

	root := cfg.Root
	if root == "" {
		root = DefaultRoot
	}
	root = repository.Clean(root)
	if root == "/" {
		return nil, fmt.Errorf("configuration root cannot be /")
	}
	if err := m.add(repository.NewNode(root, repository.TypeRoot)); err != nil {
		return nil, err
	}

	hostsPath := repository.Join(root, hostsNodeName)
	hosts := repository.NewNode(hostsPath, repository.TypeVirtualHosts)
	setSettings(hosts, cfg.Hosts.Settings)
	if cfg.Hosts.DefaultHostName != "" {
		hosts.Set(hst.PropDefaultHostName, cfg.Hosts.DefaultHostName)
	}
	if len(cfg.Hosts.PrefixExclusions) > 0 {
		hosts.Set(hst.PropPrefixExclusions, cfg.Hosts.PrefixExclusions...)
	}
	if len(cfg.Hosts.SuffixExclusions) > 0 {
		hosts.Set(hst.PropSuffixExclusions, cfg.Hosts.SuffixExclusions...)
	}
	if err := m.add(hosts); err != nil {
		return nil, err
	}

	for _, g := range cfg.Hosts.Groups {
		gp, err := childPath(hostsPath, g.Name, "group")
		if err != nil {
			return nil, err
		}
		if err := m.add(repository.NewNode(gp, repository.TypeVirtualHostGroup)); err != nil {
			return nil, err
		}
		for _, h := range g.Hosts {
			if err := m.mapHost(gp, h); err != nil {
				return nil, err
			}
		}
	}
	for _, h := range cfg.Hosts.Hosts {
		if err := m.mapHost(hostsPath, h); err != nil {
			return nil, err
		}
	}

	sitesPath := repository.Join(root, sitesNodeName)
	if err := m.add(repository.NewNode(sitesPath, repository.TypeSites)); err != nil {
		return nil, err
	}
	for _, s := range cfg.Sites {
		sp, err := childPath(sitesPath, s.Name, "site")
		if err != nil {
			return nil, err
		}
		n := repository.NewNode(sp, repository.TypeSite)
		if s.ContentPath != "" {
			n.Set(hst.PropContentPath, s.ContentPath)
		}
		if s.Channel != "" {
			n.Set(hst.PropChannel, s.Channel)
		}
		if err := m.add(n); err != nil {
			return nil, err
		}
	}

	return m.nodes, nil
}

func (m *Mapper) mapHost(parent string, h Host) error {
	p, err := childPath(parent, h.Name, "host")
	if err != nil {
		return err
	}
	n := repository.NewNode(p, repository.TypeVirtualHost)
	setSettings(n, h.Settings)
	if h.Mappings != nil {
		// an explicit empty list stops inheritance from the parent host
		n.Set(hst.PropMappings, h.Mappings...)
	}
	if err := m.add(n); err != nil {
		return err
	}

	if h.Mount != nil {
		mount := *h.Mount
		if mount.Name != "" && mount.Name != hst.RootMountName {
			return fmt.Errorf("%s: the mount of a host must be named %s, got %q", p, hst.RootMountName, mount.Name)
		}
		mount.Name = hst.RootMountName
		if err := m.mapMount(p, mount); err != nil {
			return err
		}
	}
	for _, c := range h.Hosts {
		if err := m.mapHost(p, c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mapper) mapMount(parent string, mt Mount) error {
	p, err := childPath(parent, mt.Name, "mount")
	if err != nil {
		return err
	}
	n := repository.NewNode(p, repository.TypeSiteMount)
	setSettings(n, mt.Settings)
	if mt.MountPath != nil {
		n.Set(hst.PropMountPath, *mt.MountPath)
	}
	if mt.Preview != nil {
		n.Set(hst.PropIsPreview, strconv.FormatBool(*mt.Preview))
	}
	if mt.Pipeline != "" {
		n.Set(hst.PropNamedPipeline, mt.Pipeline)
	}
	if err := m.add(n); err != nil {
		return err
	}
	for _, c := range mt.Mounts {
		if err := m.mapMount(p, c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mapper) add(n *repository.Node) error {
	if m.seen[n.Path] {
		return fmt.Errorf("%s: defined twice", n.Path)
	}
	m.seen[n.Path] = true
	m.nodes = append(m.nodes, n)
	return nil
}

func setSettings(n *repository.Node, s Settings) {
	if s.Port != nil {
		n.Set(hst.PropPort, strconv.Itoa(*s.Port))
	}
	if s.ShowPort != nil {
		n.Set(hst.PropShowPort, strconv.FormatBool(*s.ShowPort))
	}
	if s.ShowContextPath != nil {
		n.Set(hst.PropShowContextPath, strconv.FormatBool(*s.ShowContextPath))
	}
	if s.Scheme != "" {
		n.Set(hst.PropScheme, s.Scheme)
	}
}

func childPath(parent, name, kind string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%s: %s without a name", parent, kind)
	}
	if strings.Contains(name, "/") {
		return "", fmt.Errorf("%s: %s name %q contains /", parent, kind, name)
	}
	return repository.Join(parent, name), nil
}
