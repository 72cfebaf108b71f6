package hst

// Decision is the serializable form of a routing decision.
type Decision struct {
	Version        uint64 `json:"version"`
	Fingerprint    string `json:"fingerprint"`
	RequestHost    string `json:"requestHost"`
	Host           string `json:"host"`
	ViaDefaultHost bool   `json:"viaDefaultHost,omitempty"`
	Mount          string `json:"mount"`
	MountPath      string `json:"mountPath"`
	Site           string `json:"site"`
	ContentPath    string `json:"contentPath,omitempty"`
	Channel        string `json:"channel,omitempty"`
	Preview        bool   `json:"preview"`
	Pipeline       string `json:"pipeline,omitempty"`
	PathInfo       string `json:"pathInfo"`
	Mapping        string `json:"mapping,omitempty"`
	Rewritten      string `json:"rewritten,omitempty"`
	BaseURL        string `json:"baseURL"`
}

// Decision flattens r. contextPath is only used to render BaseURL.
func (r *ResolvedSiteMount) Decision(contextPath string) Decision {
	d := Decision{
		Version:        r.Host.f.version,
		Fingerprint:    r.Host.f.fingerprint,
		RequestHost:    r.RequestHost,
		Host:           r.Host.hostName,
		ViaDefaultHost: r.ViaDefaultHost,
		Mount:          r.MatchedPrefix,
		MountPath:      r.Mount.mountPath,
		Preview:        r.Mount.preview,
		Pipeline:       r.Mount.pipeline,
		PathInfo:       r.PathInfo,
		Rewritten:      r.Rewritten,
		BaseURL:        r.Mount.BaseURL(contextPath),
	}
	if d.Mount == "" {
		d.Mount = "/"
	}
	if s := r.Mount.site; s != nil {
		d.Site = s.Name
		d.ContentPath = s.ContentPath
		d.Channel = s.Channel
	}
	if r.Mapping != nil {
		d.Mapping = r.Mapping.raw
	}
	return d
}
