package hstconf

// Config is the root of a configuration file.
//
//	root: /hst:hst
//	hosts:
//	  defaultHostName: localhost
//	  groups:
//	    - name: prod
//	      hosts:
//	        - name: example.org
//	          mappings: ["/news/* --> /news/${1}"]
//	          mount:
//	            mountPath: /example
//	sites:
//	  - name: example
type Config struct {
	Root  string `yaml:"root" toml:"root"`
	Hosts Hosts  `yaml:"hosts" toml:"hosts"`
	Sites []Site `yaml:"sites" toml:"sites"`
}

// Settings are the properties inherited down the host and mount trees. nil means unset.
type Settings struct {
	Port            *int   `yaml:"port" toml:"port"`
	ShowPort        *bool  `yaml:"showPort" toml:"showPort"`
	ShowContextPath *bool  `yaml:"showContextPath" toml:"showContextPath"`
	Scheme          string `yaml:"scheme" toml:"scheme"`
}

// Hosts configures the virtual hosts node
type Hosts struct {
	Settings         `yaml:",inline"`
	DefaultHostName  string   `yaml:"defaultHostName" toml:"defaultHostName"`
	PrefixExclusions []string `yaml:"prefixExclusions" toml:"prefixExclusions"`
	SuffixExclusions []string `yaml:"suffixExclusions" toml:"suffixExclusions"`
	Groups           []Group  `yaml:"groups" toml:"groups"`
	Hosts            []Host   `yaml:"hosts" toml:"hosts"`
}

// Group is a named set of host trees
type Group struct {
	Name  string `yaml:"name" toml:"name"`
	Hosts []Host `yaml:"hosts" toml:"hosts"`
}

// Host is one virtual host node. Name may be dotted.
type Host struct {
	Settings `yaml:",inline"`
	Name     string   `yaml:"name" toml:"name"`
	Mappings []string `yaml:"mappings" toml:"mappings"`
	Mount    *Mount   `yaml:"mount" toml:"mount"`
	Hosts    []Host   `yaml:"hosts" toml:"hosts"`
}

// Mount is a site mount. The mount of a host is always named hst:root.
type Mount struct {
	Settings  `yaml:",inline"`
	Name      string  `yaml:"name" toml:"name"`
	MountPath *string `yaml:"mountPath" toml:"mountPath"`
	Preview   *bool   `yaml:"preview" toml:"preview"`
	Pipeline  string  `yaml:"pipeline" toml:"pipeline"`
	Mounts    []Mount `yaml:"mounts" toml:"mounts"`
}

// Site is a site node mount paths resolve to
type Site struct {
	Name        string `yaml:"name" toml:"name"`
	ContentPath string `yaml:"contentPath" toml:"contentPath"`
	Channel     string `yaml:"channel" toml:"channel"`
}
