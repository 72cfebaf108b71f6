package hst

import (
	"github.com/MrSnakeDoc/hstroute/internal/repository"
)

// Property names read from configuration nodes.
const (
	PropDefaultHostName  = "hst:defaulthostname"
	PropPort             = "hst:port"
	PropShowPort         = "hst:showport"
	PropShowContextPath  = "hst:showcontextpath"
	PropScheme           = "hst:scheme"
	PropPrefixExclusions = "hst:prefixexclusions"
	PropSuffixExclusions = "hst:suffixexclusions"
	PropMappings         = "hst:mappings"
	PropMountPath        = "hst:mountpath"
	PropIsPreview        = "hst:ispreview"
	PropNamedPipeline    = "hst:namedpipeline"
	PropContentPath      = "hst:contentpath"
	PropChannel          = "hst:channel"
)

// RootMountName is the name of the site mount node that roots a host's mount tree.
const RootMountName = "hst:root"

// DefaultContentRoot prefixes the content path of a site that does not configure one.
const DefaultContentRoot = "/content/documents"

// Site is the compiled configuration a mount renders.
type Site struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	ContentPath string `json:"contentPath"`
	Channel     string `json:"channel,omitempty"`
}

// CompileSite builds a Site from an hst:site node. It returns nil for any other node type.
func CompileSite(n *repository.Node) *Site {
	if n == nil || n.Type != repository.TypeSite {
		return nil
	}
	s := &Site{
		Name: n.Name,
		Path: n.Path,
	}
	if cp, ok := n.String(PropContentPath); ok && cp != "" {
		s.ContentPath = repository.Clean(cp)
	} else {
		s.ContentPath = repository.Join(DefaultContentRoot, n.Name)
	}
	if ch, ok := n.String(PropChannel); ok {
		s.Channel = ch
	}
	return s
}

// SiteResolver resolves a mount path to a site. A nil site with a nil error means the
// mount path points nowhere. Any error aborts the build.
type SiteResolver func(mountPath string) (*Site, error)
