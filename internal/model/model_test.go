package model

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/hstroute/internal/configcache"
	"github.com/MrSnakeDoc/hstroute/internal/hst"
	"github.com/MrSnakeDoc/hstroute/internal/repository"
)

const (
	rootPath  = "/hst:hst"
	hostsPath = "/hst:hst/hst:hosts"
	sitesPath = "/hst:hst/hst:sites"
	wwwPath   = "/hst:hst/hst:hosts/www.example.com"
)

func seedConfig(t *testing.T, repo repository.Writer) {
	t.Helper()
	ctx := context.Background()
	nodes := []*repository.Node{
		repository.NewNode(rootPath, repository.TypeRoot),
		repository.NewNode(hostsPath, repository.TypeVirtualHosts).Set(hst.PropPort, "8080"),
		repository.NewNode(wwwPath, repository.TypeVirtualHost),
		repository.NewNode(wwwPath+"/hst:root", repository.TypeSiteMount).Set(hst.PropMountPath, "/site1"),
		repository.NewNode(sitesPath, repository.TypeSites),
		repository.NewNode(sitesPath+"/site1", repository.TypeSite),
	}
	for _, n := range nodes {
		require.NoError(t, repo.Save(ctx, n))
	}
}

func newModel(t *testing.T, src Source) *Model {
	t.Helper()
	m, err := New(context.Background(), "test", src, Options{ConsistencyTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// flaky fails every read while down is set.
type flaky struct {
	*repository.Memory
	down atomic.Bool
}

func (f *flaky) Node(ctx context.Context, path string) (*repository.Node, error) {
	if f.down.Load() {
		return nil, repository.ErrUnavailable
	}
	return f.Memory.Node(ctx, path)
}

func (f *flaky) Children(ctx context.Context, path string) ([]*repository.Node, error) {
	if f.down.Load() {
		return nil, repository.ErrUnavailable
	}
	return f.Memory.Children(ctx, path)
}

func (f *flaky) Tree(ctx context.Context, path string) (*repository.Node, error) {
	if f.down.Load() {
		return nil, repository.ErrUnavailable
	}
	return f.Memory.Tree(ctx, path)
}

func TestGetVirtualHostsBuildsOnceUntilStale(t *testing.T) {
	repo := repository.NewMemory()
	seedConfig(t, repo)
	m := newModel(t, repo)
	ctx := context.Background()

	assert.True(t, m.Stale())
	f1, err := m.GetVirtualHosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f1.Version())
	assert.False(t, m.Stale())

	f2, err := m.GetVirtualHosts(ctx)
	require.NoError(t, err)
	assert.Same(t, f1, f2)

	m.Invalidate()
	f3, err := m.GetVirtualHosts(ctx)
	require.NoError(t, err)
	assert.NotSame(t, f1, f3)
	assert.Equal(t, uint64(2), f3.Version())
}

func TestWriteThenAwaitIsVisible(t *testing.T) {
	repo := repository.NewMemory()
	seedConfig(t, repo)
	m := newModel(t, repo)
	ctx := context.Background()

	r, err := m.Match(ctx, "www.example.com", "/")
	require.NoError(t, err)
	assert.Equal(t, 8080, r.Host.Port())

	require.NoError(t, repo.Save(ctx, repository.NewNode(wwwPath, repository.TypeVirtualHost).Set(hst.PropPort, "9090")))
	require.True(t, m.AwaitConsistency(ctx))

	r, err = m.Match(ctx, "www.example.com", "/")
	require.NoError(t, err)
	assert.Equal(t, 9090, r.Host.Port())
}

func TestSubtreeWriteIsNeverPartial(t *testing.T) {
	repo := repository.NewMemory()
	seedConfig(t, repo)
	m := newModel(t, repo)
	ctx := context.Background()

	_, err := m.GetVirtualHosts(ctx)
	require.NoError(t, err)

	// removing the host emits one event per node of the subtree
	require.NoError(t, repo.Remove(ctx, wwwPath))
	require.True(t, m.AwaitConsistency(ctx))

	_, err = m.Match(ctx, "www.example.com", "/")
	assert.True(t, errors.Is(err, hst.ErrNotConfigured), "forest without hosts is unconfigured, got %v", err)
}

func TestSiteRemovalUnmountsHost(t *testing.T) {
	repo := repository.NewMemory()
	seedConfig(t, repo)
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, repository.NewNode(hostsPath+"/shop.example.com", repository.TypeVirtualHost)))
	require.NoError(t, repo.Save(ctx, repository.NewNode(hostsPath+"/shop.example.com/hst:root", repository.TypeSiteMount).Set(hst.PropMountPath, "/shop")))
	require.NoError(t, repo.Save(ctx, repository.NewNode(sitesPath+"/shop", repository.TypeSite)))
	m := newModel(t, repo)

	r, err := m.Match(ctx, "shop.example.com", "/")
	require.NoError(t, err)
	assert.Equal(t, "shop", r.Mount.Site().Name)

	require.NoError(t, repo.Remove(ctx, sitesPath+"/shop"))
	require.True(t, m.AwaitConsistency(ctx))

	_, err = m.Match(ctx, "shop.example.com", "/")
	assert.True(t, errors.Is(err, hst.ErrNoMatch))

	// the rest of the forest is unaffected
	_, err = m.Match(ctx, "www.example.com", "/")
	assert.NoError(t, err)

	require.NoError(t, repo.Save(ctx, repository.NewNode(sitesPath+"/shop", repository.TypeSite)))
	require.True(t, m.AwaitConsistency(ctx))
	_, err = m.Match(ctx, "shop.example.com", "/")
	assert.NoError(t, err)
}

func TestMissingHostsNodeIsNotConfigured(t *testing.T) {
	repo := repository.NewMemory()
	require.NoError(t, repo.Save(context.Background(), repository.NewNode(rootPath, repository.TypeRoot)))
	m := newModel(t, repo)

	_, err := m.GetVirtualHosts(context.Background())
	assert.True(t, errors.Is(err, hst.ErrNotConfigured))
	assert.Nil(t, m.Current())
	assert.Error(t, m.LastError())
	assert.True(t, m.Stale())
}

func TestUnreachableRepositoryKeepsLastSnapshot(t *testing.T) {
	repo := &flaky{Memory: repository.NewMemory()}
	seedConfig(t, repo)
	m := newModel(t, repo)
	ctx := context.Background()

	good, err := m.GetVirtualHosts(ctx)
	require.NoError(t, err)

	repo.down.Store(true)
	require.NoError(t, repo.Save(ctx, repository.NewNode(wwwPath, repository.TypeVirtualHost).Set(hst.PropPort, "1")))
	require.True(t, m.AwaitConsistency(ctx))

	_, err = m.GetVirtualHosts(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hst.ErrNotConfigured))
	assert.True(t, errors.Is(err, configcache.ErrConfigLoading))
	assert.Same(t, good, m.Current(), "last good snapshot is kept for callers that want it")

	repo.down.Store(false)
	f, err := m.GetVirtualHosts(ctx)
	require.NoError(t, err)
	r, err := f.Match("www.example.com", "/")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Host.Port())
	assert.NoError(t, m.LastError())
}

func TestOldSnapshotSurvivesRebuild(t *testing.T) {
	repo := repository.NewMemory()
	seedConfig(t, repo)
	m := newModel(t, repo)
	ctx := context.Background()

	old, err := m.GetVirtualHosts(ctx)
	require.NoError(t, err)
	before, err := old.Match("www.example.com", "/a")
	require.NoError(t, err)

	require.NoError(t, repo.Save(ctx, repository.NewNode(wwwPath, repository.TypeVirtualHost).Set(hst.PropPort, "9999")))
	require.True(t, m.AwaitConsistency(ctx))
	_, err = m.GetVirtualHosts(ctx)
	require.NoError(t, err)

	after, err := old.Match("www.example.com", "/a")
	require.NoError(t, err)
	assert.Equal(t, before.Host.Port(), after.Host.Port())
	assert.Equal(t, 8080, after.Host.Port())
}

func TestOnRebuildHook(t *testing.T) {
	repo := repository.NewMemory()
	seedConfig(t, repo)
	m := newModel(t, repo)

	var versions []uint64
	m.OnRebuild(func(f *hst.VirtualHosts) { versions = append(versions, f.Version()) })

	_, err := m.GetVirtualHosts(context.Background())
	require.NoError(t, err)
	m.Invalidate()
	_, err = m.GetVirtualHosts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 2}, versions)
}

func TestConcurrentReadersDuringRebuilds(t *testing.T) {
	repo := repository.NewMemory()
	seedConfig(t, repo)
	m := newModel(t, repo)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var inRebuild, overlaps atomic.Int64
	m.OnRebuild(func(*hst.VirtualHosts) {
		if inRebuild.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(time.Millisecond)
		inRebuild.Add(-1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for ctx.Err() == nil {
				f, err := m.GetVirtualHosts(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				assert.GreaterOrEqual(t, f.Version(), last, "versions never go backwards")
				last = f.Version()
				_, err = f.Match("www.example.com", "/")
				assert.NoError(t, err)
			}
		}()
	}

	port := 8000
	for ctx.Err() == nil {
		port++
		n := repository.NewNode(wwwPath, repository.TypeVirtualHost).Set(hst.PropPort, strconv.Itoa(port))
		require.NoError(t, repo.Save(context.Background(), n))
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()
	assert.Equal(t, int64(0), overlaps.Load())

	require.True(t, m.AwaitConsistency(context.Background()))
	r, err := m.Match(context.Background(), "www.example.com", "/")
	require.NoError(t, err)
	assert.Equal(t, port, r.Host.Port())
}

func TestClosedModel(t *testing.T) {
	repo := repository.NewMemory()
	seedConfig(t, repo)
	m := newModel(t, repo)

	m.Close()
	m.Close()
	_, err := m.GetVirtualHosts(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
}

// racing commits write the first time the site at path is read.
type racing struct {
	*repository.Memory
	path  string
	write func()
	once  sync.Once
}

func (r *racing) Node(ctx context.Context, path string) (*repository.Node, error) {
	if path == r.path {
		r.once.Do(r.write)
	}
	return r.Memory.Node(ctx, path)
}

func TestRebuildRacingABatchIsDiscarded(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemory()
	seedConfig(t, mem)
	shop := hostsPath + "/shop.example.com"
	require.NoError(t, mem.Apply(ctx, []*repository.Node{
		repository.NewNode(shop, repository.TypeVirtualHost),
		repository.NewNode(shop+"/hst:root", repository.TypeSiteMount).Set(hst.PropMountPath, "/shopv1"),
		repository.NewNode(sitesPath+"/shopv1", repository.TypeSite),
	}, nil))

	src := &racing{Memory: mem, path: sitesPath + "/shopv1"}
	src.write = func() {
		// the mount moves to a new site while the forest is being built
		require.NoError(t, mem.Apply(ctx, []*repository.Node{
			repository.NewNode(shop+"/hst:root", repository.TypeSiteMount).Set(hst.PropMountPath, "/shopv2"),
			repository.NewNode(sitesPath+"/shopv2", repository.TypeSite),
		}, []string{sitesPath + "/shopv1"}))
	}
	m := newModel(t, src)

	f, err := m.GetVirtualHosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Version(), "discarded attempts take no version")
	assert.Empty(t, f.Warnings(), "no mount points at a missing site")

	r, err := f.Match("shop.example.com", "/")
	require.NoError(t, err)
	assert.Equal(t, "shopv2", r.Mount.Site().Name)
}

func TestFingerprintIsSharedAcrossModels(t *testing.T) {
	ctx := context.Background()
	repoA, repoB := repository.NewMemory(), repository.NewMemory()
	seedConfig(t, repoA)
	seedConfig(t, repoB)
	a, b := newModel(t, repoA), newModel(t, repoB)

	fa, err := a.GetVirtualHosts(ctx)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		b.Invalidate()
		_, err = b.GetVirtualHosts(ctx)
		require.NoError(t, err)
	}
	fb, err := b.GetVirtualHosts(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, fa.Version(), fb.Version())
	assert.Equal(t, fa.Fingerprint(), fb.Fingerprint(), "same configuration, same fingerprint")

	// a different configuration reaching the same version number
	require.NoError(t, repoA.Save(ctx, repository.NewNode(wwwPath, repository.TypeVirtualHost).Set(hst.PropPort, "9090")))
	require.True(t, a.AwaitConsistency(ctx))
	for a.Current().Version() < fb.Version() {
		a.Invalidate()
		_, err = a.GetVirtualHosts(ctx)
		require.NoError(t, err)
	}
	fa = a.Current()
	assert.Equal(t, fb.Version(), fa.Version())
	assert.NotEqual(t, fa.Fingerprint(), fb.Fingerprint())

	ra, err := fa.Match("www.example.com", "/")
	require.NoError(t, err)
	rb, err := fb.Match("www.example.com", "/")
	require.NoError(t, err)
	assert.NotEqual(t, ra.Decision("").Fingerprint, rb.Decision("").Fingerprint)
}
