package hst

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/hstroute/internal/repository"
)

const hostsPath = "/hst:hst/hst:hosts"

// n builds a detached node; attach fixes up paths below a parent.
func n(name string, t repository.NodeType, props map[string][]string, children ...*repository.Node) *repository.Node {
	node := repository.NewNode("/"+name, t)
	for k, v := range props {
		node.Set(k, v...)
	}
	node.Children = children
	return node
}

func attach(parent string, node *repository.Node) *repository.Node {
	node.Path = repository.Join(parent, node.Name)
	for _, c := range node.Children {
		attach(node.Path, c)
	}
	return node
}

func hostsNode(props map[string][]string, children ...*repository.Node) *repository.Node {
	root := n("hst:hosts", repository.TypeVirtualHosts, props, children...)
	root.Path = hostsPath
	for _, c := range root.Children {
		attach(root.Path, c)
	}
	return root
}

func host(name string, props map[string][]string, children ...*repository.Node) *repository.Node {
	return n(name, repository.TypeVirtualHost, props, children...)
}

func mount(name string, props map[string][]string, children ...*repository.Node) *repository.Node {
	return n(name, repository.TypeSiteMount, props, children...)
}

func rootMount(mountPath string, children ...*repository.Node) *repository.Node {
	return mount(RootMountName, map[string][]string{PropMountPath: {mountPath}}, children...)
}

func sites(names ...string) SiteResolver {
	known := make(map[string]*Site)
	for _, name := range names {
		known["/"+name] = &Site{Name: name, Path: "/hst:hst/hst:sites/" + name, ContentPath: "/content/documents/" + name}
	}
	return func(mountPath string) (*Site, error) {
		return known[mountPath], nil
	}
}

func build(t *testing.T, root *repository.Node, resolve SiteResolver) *VirtualHosts {
	t.Helper()
	f, err := Build(root, resolve, BuildOptions{Version: 1})
	require.NoError(t, err)
	return f
}

func TestMatchInheritsForestDefaultPort(t *testing.T) {
	f := build(t, hostsNode(
		map[string][]string{PropPort: {"8080"}},
		host("www.example.com", nil, rootMount("/site1")),
	), sites("site1"))

	r, err := f.Match("www.example.com", "/")
	require.NoError(t, err)
	assert.Equal(t, "www.example.com", r.Host.HostName())
	assert.Equal(t, 8080, r.Host.Port())
	assert.Equal(t, "site1", r.Mount.Site().Name)
	assert.Equal(t, "/", r.PathInfo)
}

func TestBuildNearestAncestorWins(t *testing.T) {
	f := build(t, hostsNode(
		map[string][]string{PropPort: {"8080"}, PropScheme: {"http"}},
		host("com", map[string][]string{PropScheme: {"https"}},
			host("example", map[string][]string{PropPort: {"9000"}, PropShowPort: {"false"}},
				host("www", nil,
					rootMount("/site1",
						mount("preview", map[string][]string{PropPort: {"7000"}, PropIsPreview: {"true"}},
							mount("deep", nil),
						),
					),
				),
			),
			host("other", nil, rootMount("/site1")),
		),
	), sites("site1"))

	com := f.Roots()[0]
	assert.Equal(t, 8080, com.Port())
	assert.Equal(t, "https", com.Scheme())
	assert.True(t, com.ShowPort())

	www := com.Child("example").Child("www")
	require.NotNil(t, www)
	assert.Equal(t, "www.example.com", www.HostName())
	assert.Equal(t, 9000, www.Port())
	assert.False(t, www.ShowPort())
	assert.Equal(t, "https", www.Scheme())
	assert.True(t, www.ShowContextPath())

	other := com.Child("other")
	assert.Equal(t, 8080, other.Port())

	root := www.RootMount()
	assert.Equal(t, 9000, root.Port())
	assert.False(t, root.Preview())

	preview := root.Child("preview")
	assert.Equal(t, 7000, preview.Port())
	assert.True(t, preview.Preview())
	assert.Equal(t, "/site1", preview.MountPath())
	assert.Same(t, root.Site(), preview.Site())

	deep := preview.Child("deep")
	assert.Equal(t, 7000, deep.Port())
	assert.True(t, deep.Preview())
	assert.Equal(t, "https", deep.Scheme())
}

func TestMatchDefaultHostFallback(t *testing.T) {
	f := build(t, hostsNode(
		map[string][]string{PropDefaultHostName: {"www.example.com"}},
		host("com", nil, host("example", nil, host("www", nil, rootMount("/site1")))),
	), sites("site1"))

	r, err := f.Match("shop.example.com", "/")
	require.NoError(t, err)
	assert.Equal(t, "www.example.com", r.Host.HostName())
	assert.True(t, r.ViaDefaultHost)
	assert.Equal(t, "shop.example.com", r.RequestHost)
}

func TestBuildDanglingMountPath(t *testing.T) {
	f, err := Build(hostsNode(nil,
		host("broken.example.com", nil, rootMount("/nowhere")),
		host("www.example.com", nil, rootMount("/site1")),
	), sites("site1"), BuildOptions{})
	require.NoError(t, err)

	broken := f.MatchHost("broken.example.com")
	assert.Nil(t, broken)

	var brokenHost *VirtualHost
	f.Walk(func(h *VirtualHost, _ int) {
		if h.HostName() == "broken.example.com" {
			brokenHost = h
		}
	})
	require.NotNil(t, brokenHost)
	assert.False(t, brokenHost.Mounted())
	assert.False(t, brokenHost.RootMount().Functional())
	assert.NotEmpty(t, f.Warnings())

	_, err = f.Match("broken.example.com", "/")
	assert.True(t, errors.Is(err, ErrNoMatch))

	_, err = f.Match("www.example.com", "/")
	assert.NoError(t, err)
}

func TestBuildMalformedMappingIsLocal(t *testing.T) {
	f := build(t, hostsNode(nil,
		host("www.example.com", map[string][]string{
			PropMappings: {"/broken --> /x", "/news/* --> /content/${1}"},
		}, rootMount("/site1")),
	), sites("site1"))

	r, err := f.Match("www.example.com", "/news/2024/x")
	require.NoError(t, err)
	require.NotNil(t, r.Mapping)
	assert.Equal(t, "/content/2024/x", r.Rewritten)
	assert.Len(t, r.Host.Mappings(), 1)
	assert.Same(t, r.Host, f.Owner(r.Mapping))
	assert.Len(t, f.Warnings(), 1)
}

func TestMatchPrefersDeeperMapping(t *testing.T) {
	f := build(t, hostsNode(nil,
		host("www.example.com", map[string][]string{
			PropMappings: {"/a/* --> /shallow/${1}", "/a/b/* --> /deep/${1}"},
		}, rootMount("/site1")),
	), sites("site1"))

	r, err := f.Match("www.example.com", "/a/b/c")
	require.NoError(t, err)
	require.NotNil(t, r.Mapping)
	assert.Equal(t, 3, r.Mapping.Depth())
	assert.Equal(t, "/deep/c", r.Rewritten)
}

func TestMatchWildcardLabel(t *testing.T) {
	f := build(t, hostsNode(
		map[string][]string{PropDefaultHostName: {"www.example.com"}},
		host("com", nil,
			host("example", nil,
				host("www", nil, rootMount("/site1")),
				host(WildcardLabel, nil, rootMount("/site2")),
			),
		),
	), sites("site1", "site2"))

	r, err := f.Match("shop.example.com", "/")
	require.NoError(t, err)
	assert.Equal(t, "site2", r.Mount.Site().Name, "wildcard child is tried before the default host")
	assert.False(t, r.ViaDefaultHost)

	r, err = f.Match("www.example.com", "/")
	require.NoError(t, err)
	assert.Equal(t, "site1", r.Mount.Site().Name, "exact label wins over wildcard")
}

func TestMatchTriesEveryRootSharingALabel(t *testing.T) {
	f := build(t, hostsNode(nil,
		n("prod", repository.TypeVirtualHostGroup, nil,
			host("a.example.com", nil, rootMount("/site1")),
		),
		n("test", repository.TypeVirtualHostGroup, nil,
			host("b.example.com", nil, rootMount("/site2")),
		),
	), sites("site1", "site2"))

	require.Len(t, f.Roots(), 2)
	assert.Equal(t, "com", f.Roots()[0].Name())
	assert.Equal(t, "com", f.Roots()[1].Name())

	r, err := f.Match("b.example.com", "/")
	require.NoError(t, err)
	assert.Equal(t, "site2", r.Mount.Site().Name)
	assert.Equal(t, "test", r.Host.Group())
}

func TestMatchUnknownHostWithoutDefault(t *testing.T) {
	f := build(t, hostsNode(nil,
		host("www.example.com", nil, rootMount("/site1")),
	), sites("site1"))

	_, err := f.Match("www.example.org", "/")
	assert.True(t, errors.Is(err, ErrNoMatch))

	// an intermediate label is not routable on its own
	_, err = f.Match("example.com", "/")
	assert.True(t, errors.Is(err, ErrNoMatch))
}

func TestMatchExclusions(t *testing.T) {
	f := build(t, hostsNode(
		map[string][]string{
			PropPrefixExclusions: {"/ping/", "/_cmsinternal"},
			PropSuffixExclusions: {".css", ".js"},
		},
		host("www.example.com", nil, rootMount("/site1")),
	), sites("site1"))

	for _, p := range []string{"/ping/x", "/_cmsinternal", "/static/app.css", "/app.js"} {
		t.Run(p, func(t *testing.T) {
			_, err := f.Match("www.example.com", p)
			assert.True(t, errors.Is(err, ErrExcluded))
		})
	}
	_, err := f.Match("unknown.host", "/app.js")
	assert.True(t, errors.Is(err, ErrExcluded), "exclusions apply before host matching")
}

func TestMatchMountDescent(t *testing.T) {
	f := build(t, hostsNode(nil,
		host("www.example.com", nil,
			rootMount("/site1",
				mount("preview", map[string][]string{PropIsPreview: {"true"}, PropNamedPipeline: {"PreviewPipeline"}}),
				mount("intranet", map[string][]string{PropMountPath: {"/missing"}}),
				mount("shop", map[string][]string{PropMountPath: {"/site2"}}),
			),
		),
	), sites("site1", "site2"))

	tests := []struct {
		path         string
		wantSite     string
		wantPrefix   string
		wantPathInfo string
		wantPreview  bool
	}{
		{"/", "site1", "", "/", false},
		{"/about/us", "site1", "", "/about/us", false},
		{"/preview/news", "site1", "/preview", "/news", true},
		{"/shop/cart", "site2", "/shop", "/cart", false},
		{"/shop", "site2", "/shop", "/", false},
		{"/intranet/x", "site1", "", "/intranet/x", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r, err := f.Match("www.example.com", tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSite, r.Mount.Site().Name)
			assert.Equal(t, tt.wantPrefix, r.MatchedPrefix)
			assert.Equal(t, tt.wantPathInfo, r.PathInfo)
			assert.Equal(t, tt.wantPreview, r.Mount.Preview())
		})
	}

	r, err := f.Match("www.example.com", "/preview/x")
	require.NoError(t, err)
	assert.Equal(t, "PreviewPipeline", r.Mount.NamedPipeline())
}

func TestMatchNormalizesHost(t *testing.T) {
	f := build(t, hostsNode(nil,
		host("www.example.com", nil, rootMount("/site1")),
	), sites("site1"))

	for _, h := range []string{"WWW.Example.COM", "www.example.com:8443", "www.example.com."} {
		t.Run(h, func(t *testing.T) {
			_, err := f.Match(h, "/")
			assert.NoError(t, err)
		})
	}
}

func TestMatchNotConfigured(t *testing.T) {
	f := build(t, hostsNode(nil), sites())
	_, err := f.Match("www.example.com", "/")
	assert.True(t, errors.Is(err, ErrNotConfigured))

	_, err = Build(nil, sites(), BuildOptions{})
	assert.True(t, errors.Is(err, ErrNotConfigured))

	wrong := n("hst:hosts", repository.TypeUnknown, nil)
	_, err = Build(wrong, sites(), BuildOptions{})
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestBuildResolverErrorAborts(t *testing.T) {
	boom := errors.New("repository down")
	_, err := Build(hostsNode(nil,
		host("www.example.com", nil, rootMount("/site1")),
	), func(string) (*Site, error) { return nil, boom }, BuildOptions{})
	assert.True(t, errors.Is(err, boom))
}

func TestSnapshotsAreIndependent(t *testing.T) {
	old := build(t, hostsNode(nil,
		host("www.example.com", map[string][]string{PropPort: {"8080"}}, rootMount("/site1")),
	), sites("site1"))
	before, err := old.Match("www.example.com", "/x")
	require.NoError(t, err)

	next := build(t, hostsNode(nil,
		host("www.example.com", map[string][]string{PropPort: {"9090"}}, rootMount("/site2")),
	), sites("site2"))

	after, err := old.Match("www.example.com", "/x")
	require.NoError(t, err)
	assert.Equal(t, before.Host.Port(), after.Host.Port())
	assert.Equal(t, before.Mount.Site().Name, after.Mount.Site().Name)

	r, err := next.Match("www.example.com", "/x")
	require.NoError(t, err)
	assert.Equal(t, 9090, r.Host.Port())
	assert.Equal(t, "site2", r.Mount.Site().Name)
}

func TestBaseURL(t *testing.T) {
	f := build(t, hostsNode(
		map[string][]string{PropScheme: {"https"}, PropPort: {"443"}, PropShowPort: {"false"}},
		host("www.example.com", nil,
			rootMount("/site1",
				mount("shop", map[string][]string{PropShowPort: {"true"}, PropPort: {"8443"}}),
			),
		),
	), sites("site1"))

	r, err := f.Match("www.example.com", "/shop/cart")
	require.NoError(t, err)
	assert.Equal(t, "https://www.example.com", r.Host.BaseURL())
	assert.Equal(t, "https://www.example.com:8443/site/shop", r.Mount.BaseURL("/site"))
	assert.Equal(t, "https://www.example.com", r.Host.RootMount().BaseURL("/"))
}

func TestDump(t *testing.T) {
	f := build(t, hostsNode(nil,
		host("www.example.com", map[string][]string{PropMappings: {"/a/* --> /b/${1}"}},
			rootMount("/site1", mount("preview", map[string][]string{PropIsPreview: {"true"}})),
		),
	), sites("site1"))

	dump := f.Dump()
	require.Len(t, dump, 1)
	assert.Equal(t, "www.example.com", dump[0].HostName)
	assert.True(t, dump[0].Mounted)
	assert.Equal(t, []string{"/a/* --> /b/${1}"}, dump[0].Mappings)
	require.Len(t, dump[0].Mounts, 2)
	assert.Equal(t, "/", dump[0].Mounts[0].Prefix)
	assert.Equal(t, "/preview", dump[0].Mounts[1].Prefix)
	assert.Equal(t, 3, f.HostCount())
	assert.Equal(t, 2, f.MountCount())
}

func TestMatchMappingIsDetachedFromForest(t *testing.T) {
	f := build(t, hostsNode(nil,
		host("www.example.com", map[string][]string{
			PropMappings: {"/news/* --> /articles/${1}"},
		}, rootMount("/site1")),
	), sites("site1"))

	r, err := f.Match("www.example.com", "/news/today")
	require.NoError(t, err)
	require.NotNil(t, r.Mapping)
	*r.Mapping = Mapping{}

	again, err := f.Match("www.example.com", "/news/today")
	require.NoError(t, err)
	require.NotNil(t, again.Mapping)
	assert.Equal(t, "/articles/today", again.Rewritten)
	assert.Equal(t, "/news/* --> /articles/${1}", again.Mapping.String())
	assert.Len(t, again.Host.Mappings(), 1)
	assert.Same(t, again.Host, f.Owner(again.Mapping))
}

func TestFingerprintFollowsConfigurationNotVersion(t *testing.T) {
	tree := func(mountPath string) *repository.Node {
		return hostsNode(nil, host("www.example.com", nil, rootMount(mountPath)))
	}

	a, err := Build(tree("/site1"), sites("site1", "site2"), BuildOptions{Version: 1})
	require.NoError(t, err)
	b, err := Build(tree("/site1"), sites("site1", "site2"), BuildOptions{Version: 7})
	require.NoError(t, err)
	assert.NotEmpty(t, a.Fingerprint())
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	moved, err := Build(tree("/site2"), sites("site1", "site2"), BuildOptions{Version: 1})
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), moved.Fingerprint())

	renamed := func(string) (*Site, error) {
		return &Site{Name: "site1", Path: "/hst:hst/hst:sites/site1", ContentPath: "/content/other"}, nil
	}
	c, err := Build(tree("/site1"), renamed, BuildOptions{Version: 1})
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint(), "site changes alter the fingerprint")
}
