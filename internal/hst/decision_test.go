package hst

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecision(t *testing.T) {
	f := build(t, hostsNode(nil,
		host("www.example.com", map[string][]string{PropMappings: {"/news/* --> /articles/${1}"}},
			rootMount("/site1",
				mount("preview", map[string][]string{PropMountPath: {"/site1"}, PropIsPreview: {"true"}}),
			),
		),
	), sites("site1"))

	r, err := f.Match("WWW.Example.com", "/news/today")
	require.NoError(t, err)
	d := r.Decision("")
	assert.Equal(t, uint64(1), d.Version)
	assert.Equal(t, f.Fingerprint(), d.Fingerprint)
	assert.Equal(t, "www.example.com", d.RequestHost)
	assert.Equal(t, "www.example.com", d.Host)
	assert.Equal(t, "/", d.Mount)
	assert.Equal(t, "/site1", d.MountPath)
	assert.Equal(t, "site1", d.Site)
	assert.Equal(t, "/content/documents/site1", d.ContentPath)
	assert.False(t, d.Preview)
	assert.Equal(t, "/news/today", d.PathInfo)
	assert.Equal(t, "/news/* --> /articles/${1}", d.Mapping)
	assert.Equal(t, "/articles/today", d.Rewritten)
	assert.Contains(t, d.BaseURL, "www.example.com")

	r, err = f.Match("www.example.com", "/preview/a")
	require.NoError(t, err)
	d = r.Decision("")
	assert.Equal(t, "/preview", d.Mount)
	assert.True(t, d.Preview)
	assert.Equal(t, "/a", d.PathInfo)
	assert.Empty(t, d.Mapping)
}
