package hstconf

import (
	"testing"

	"github.com/MrSnakeDoc/hstroute/internal/hst"
	"github.com/MrSnakeDoc/hstroute/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestMapperMap(t *testing.T) {
	cfg := &Config{
		Hosts: Hosts{
			Settings:        Settings{Port: ptr(8080), Scheme: "https"},
			DefaultHostName: "localhost",
			Groups: []Group{{
				Name: "prod",
				Hosts: []Host{{
					Name:     "example.org",
					Mappings: []string{"/a/* --> /b/${1}"},
					Mount: &Mount{
						MountPath: ptr("/example"),
						Mounts:    []Mount{{Name: "preview", Preview: ptr(true), Pipeline: "PreviewPipeline"}},
					},
				}},
			}},
		},
		Sites: []Site{{Name: "example", Channel: "web"}},
	}

	nodes, err := NewMapper().Map(cfg)
	require.NoError(t, err)

	byPath := make(map[string]*repository.Node)
	var order []string
	for _, n := range nodes {
		byPath[n.Path] = n
		order = append(order, n.Path)
	}
	assert.Equal(t, []string{
		"/hst:hst",
		"/hst:hst/hst:hosts",
		"/hst:hst/hst:hosts/prod",
		"/hst:hst/hst:hosts/prod/example.org",
		"/hst:hst/hst:hosts/prod/example.org/hst:root",
		"/hst:hst/hst:hosts/prod/example.org/hst:root/preview",
		"/hst:hst/hst:sites",
		"/hst:hst/hst:sites/example",
	}, order)

	hosts := byPath["/hst:hst/hst:hosts"]
	assert.Equal(t, repository.TypeVirtualHosts, hosts.Type)
	assert.Equal(t, []string{"8080"}, hosts.Strings(hst.PropPort))
	assert.Equal(t, []string{"https"}, hosts.Strings(hst.PropScheme))
	assert.False(t, hosts.Has(hst.PropShowPort))

	assert.Equal(t, repository.TypeVirtualHostGroup, byPath["/hst:hst/hst:hosts/prod"].Type)

	host := byPath["/hst:hst/hst:hosts/prod/example.org"]
	assert.Equal(t, repository.TypeVirtualHost, host.Type)
	assert.Equal(t, []string{"/a/* --> /b/${1}"}, host.Strings(hst.PropMappings))

	preview := byPath["/hst:hst/hst:hosts/prod/example.org/hst:root/preview"]
	assert.Equal(t, repository.TypeSiteMount, preview.Type)
	assert.False(t, preview.Has(hst.PropMountPath), "child mounts without a mount path inherit it")
	assert.Equal(t, []string{"true"}, preview.Strings(hst.PropIsPreview))
	assert.Equal(t, []string{"PreviewPipeline"}, preview.Strings(hst.PropNamedPipeline))

	site := byPath["/hst:hst/hst:sites/example"]
	assert.Equal(t, repository.TypeSite, site.Type)
	assert.Equal(t, []string{"web"}, site.Strings(hst.PropChannel))
}

func TestMapperEmptyMappingsStopInheritance(t *testing.T) {
	nodes, err := NewMapper().Map(&Config{Hosts: Hosts{Hosts: []Host{
		{Name: "a", Mappings: []string{}},
		{Name: "b"},
	}}})
	require.NoError(t, err)

	for _, n := range nodes {
		switch n.Name {
		case "a":
			assert.True(t, n.Has(hst.PropMappings))
		case "b":
			assert.False(t, n.Has(hst.PropMappings))
		}
	}
}

func TestMapperCustomRoot(t *testing.T) {
	nodes, err := NewMapper().Map(&Config{Root: "/tenants/acme/hst:hst/"})
	require.NoError(t, err)
	assert.Equal(t, "/tenants/acme/hst:hst", nodes[0].Path)
	assert.Equal(t, "/tenants/acme/hst:hst/hst:hosts", nodes[1].Path)
}

func TestMapperErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"root is /", &Config{Root: "/"}},
		{"host without name", &Config{Hosts: Hosts{Hosts: []Host{{}}}}},
		{"host name with slash", &Config{Hosts: Hosts{Hosts: []Host{{Name: "a/b"}}}}},
		{"duplicate host", &Config{Hosts: Hosts{Hosts: []Host{{Name: "a"}, {Name: "a"}}}}},
		{"group without name", &Config{Hosts: Hosts{Groups: []Group{{}}}}},
		{"misnamed root mount", &Config{Hosts: Hosts{Hosts: []Host{{Name: "a", Mount: &Mount{Name: "other"}}}}}},
		{"duplicate mount", &Config{Hosts: Hosts{Hosts: []Host{{Name: "a", Mount: &Mount{Mounts: []Mount{{Name: "m"}, {Name: "m"}}}}}}}},
		{"site without name", &Config{Sites: []Site{{}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMapper().Map(tt.cfg)
			assert.Error(t, err)
		})
	}
}
