// Package model owns the published virtual hosts snapshot of one deployment and rebuilds it
// when the configuration subtree changes.
package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrSnakeDoc/hstroute/internal/configcache"
	"github.com/MrSnakeDoc/hstroute/internal/hst"
	"github.com/MrSnakeDoc/hstroute/internal/logger"
	"github.com/MrSnakeDoc/hstroute/internal/metrics"
	"github.com/MrSnakeDoc/hstroute/internal/monitor"
	"github.com/MrSnakeDoc/hstroute/internal/repository"
)

// ErrClosed is returned by a model that has been unregistered or closed.
var ErrClosed = errors.New("model: closed")

// errChanging reports that every rebuild attempt raced a write.
var errChanging = errors.New("configuration kept changing during rebuild")

// Node names below the configuration root.
const (
	HostsNodeName = "hst:hosts"
	SitesNodeName = "hst:sites"
)

// DefaultRoot is the configuration subtree a model watches when none is given.
const DefaultRoot = "/hst:hst"

// buildAttempts bounds the rebuilds discarded because a write committed meanwhile.
const buildAttempts = 3

// Source is what a model needs from the repository.
type Source interface {
	repository.Session
	repository.Observable
}

// Options configure a Model.
type Options struct {
	Root               string
	CacheSize          int
	ConsistencyTimeout time.Duration
	ConsistencyPoll    time.Duration
	Logger             logger.Logger
}

// Model holds one VirtualHosts snapshot at a time.
type Model struct {
	id   string
	src  Source
	log  logger.Logger
	opts Options

	root      string
	hostsPath string
	sitesPath string

	hosts   *configcache.Cache[*repository.Node]
	sites   *configcache.Cache[*hst.Site]
	monitor *monitor.Monitor

	snapshot  atomic.Pointer[hst.VirtualHosts]
	stale     atomic.Bool
	closed    atomic.Bool
	rebuildMu sync.Mutex
	version   uint64 // guarded by rebuildMu
	lastErr   atomic.Pointer[error]

	hooksMu sync.RWMutex
	hooks   []func(*hst.VirtualHosts)
}

// New creates a model for id over src and starts watching the configuration subtree.
// The subscription lives until ctx ends or Close is called. Nothing is built until the
// first GetVirtualHosts.
func New(ctx context.Context, id string, src Source, opts Options) (*Model, error) {
	if opts.Root == "" {
		opts.Root = DefaultRoot
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	root := repository.Clean(opts.Root)

	m := &Model{
		id:        id,
		src:       src,
		log:       opts.Logger.With(logger.Component("model"), logger.String("context", id)),
		opts:      opts,
		root:      root,
		hostsPath: repository.Join(root, HostsNodeName),
		sitesPath: repository.Join(root, SitesNodeName),
	}
	m.stale.Store(true)

	m.hosts = configcache.New(id+":hosts", opts.CacheSize, m.loadTree)
	m.sites = configcache.New(id+":sites", opts.CacheSize, m.loadSite)
	m.monitor = monitor.New(src, monitor.Options{
		Root:    root,
		Timeout: opts.ConsistencyTimeout,
		Poll:    opts.ConsistencyPoll,
		Logger:  opts.Logger.With(logger.String("context", id)),
		OnCollect: func(repository.Event) {
			m.stale.Store(true)
		},
	})
	if err := m.monitor.Start(ctx); err != nil {
		return nil, fmt.Errorf("start monitor for %s: %w", id, err)
	}
	return m, nil
}

func (m *Model) loadTree(ctx context.Context, path string) (*repository.Node, error) {
	n, err := repository.Tree(ctx, m.src, path)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return n, err
}

func (m *Model) loadSite(ctx context.Context, path string) (*hst.Site, error) {
	n, err := m.src.Node(ctx, path)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return hst.CompileSite(n), nil
}

// ID is the registry identity of the model.
func (m *Model) ID() string { return m.id }

// Root is the watched configuration subtree.
func (m *Model) Root() string { return m.root }

// GetVirtualHosts returns the current snapshot, rebuilding it first when it is stale.
// Readers never see a partially built forest: during a rebuild others keep getting the
// previous snapshot until the new one is published.
func (m *Model) GetVirtualHosts(ctx context.Context) (*hst.VirtualHosts, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if s := m.snapshot.Load(); s != nil && !m.stale.Load() {
		return s, nil
	}

	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	if s := m.snapshot.Load(); s != nil && !m.stale.Load() {
		return s, nil
	}
	if m.closed.Load() {
		return nil, ErrClosed
	}

	// events collected from here on flag the next rebuild
	m.stale.Store(false)
	m.monitor.Dispatch(m.hosts, m.sites)

	start := time.Now()
	f, err := m.build(ctx)
	elapsed := time.Since(start)
	metrics.RecordRebuild(m.id, elapsed, err)
	if prev := m.snapshot.Load(); errors.Is(err, errChanging) && prev != nil {
		// the previous snapshot is still whole; the next call tries again
		m.stale.Store(true)
		m.log.Warn("configuration changing under rebuild, serving previous snapshot",
			logger.Uint64("version", prev.Version()), logger.Duration("took", elapsed))
		return prev, nil
	}
	if err != nil {
		m.stale.Store(true)
		m.lastErr.Store(&err)
		m.log.Error("virtual hosts rebuild failed", logger.Error(err), logger.Duration("took", elapsed))
		return nil, err
	}

	m.lastErr.Store(nil)
	m.snapshot.Store(f)
	metrics.SnapshotVersion.WithLabelValues(m.id).Set(float64(f.Version()))
	m.log.Info("virtual hosts rebuilt",
		logger.Uint64("version", f.Version()),
		logger.Int("hosts", f.HostCount()),
		logger.Int("mounts", f.MountCount()),
		logger.Int("warnings", len(f.Warnings())),
		logger.Duration("took", elapsed),
	)

	m.hooksMu.RLock()
	hooks := append([]func(*hst.VirtualHosts){}, m.hooks...)
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(f)
	}
	return f, nil
}

// build compiles a forest from the caches. When the source can report its write generation,
// a forest built while a write committed is discarded: its entries may straddle the write, so
// every entry is reloaded and the build runs again.
func (m *Model) build(ctx context.Context) (*hst.VirtualHosts, error) {
	gen, _ := m.src.(repository.Generational)
	for attempt := 1; ; attempt++ {
		var before uint64
		if gen != nil {
			g, err := gen.Generation(ctx)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", hst.ErrNotConfigured, err)
			}
			before = g
		}

		f, err := m.compile(ctx, m.version+1)
		if err != nil || gen == nil {
			if err == nil {
				m.version++
			}
			return f, err
		}

		after, err := gen.Generation(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", hst.ErrNotConfigured, err)
		}
		if after == before {
			m.version++
			return f, nil
		}
		if attempt == buildAttempts {
			return nil, fmt.Errorf("%w: %w after %d attempts", hst.ErrNotConfigured, errChanging, attempt)
		}
		m.log.Debug("configuration changed during rebuild, retrying", logger.Int("attempt", attempt))
		m.hosts.MarkDirty([]string{m.root})
		m.sites.MarkDirty([]string{m.root})
	}
}

func (m *Model) compile(ctx context.Context, version uint64) (*hst.VirtualHosts, error) {
	hostsNode, err := m.hosts.Get(ctx, m.hostsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hst.ErrNotConfigured, err)
	}
	if hostsNode == nil {
		return nil, fmt.Errorf("%w: %s not found", hst.ErrNotConfigured, m.hostsPath)
	}

	resolve := func(mountPath string) (*hst.Site, error) {
		return m.sites.Get(ctx, m.sitesPath+mountPath)
	}
	f, err := hst.Build(hostsNode, resolve, hst.BuildOptions{
		Version: version,
		Logger:  m.log,
	})
	if err != nil {
		if errors.Is(err, hst.ErrNotConfigured) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", hst.ErrNotConfigured, err)
	}
	return f, nil
}

// Current returns the last published snapshot without checking staleness, or nil.
func (m *Model) Current() *hst.VirtualHosts { return m.snapshot.Load() }

// LastError returns the error of the last failed rebuild, cleared by a successful one.
func (m *Model) LastError() error {
	if p := m.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Stale reports whether the next GetVirtualHosts will rebuild.
func (m *Model) Stale() bool { return m.stale.Load() || m.snapshot.Load() == nil }

// Invalidate marks the snapshot stale. The rebuild happens on the next GetVirtualHosts.
func (m *Model) Invalidate() { m.stale.Store(true) }

// AwaitConsistency waits until every write to the watched subtree made before the call has
// been collected, so that the next GetVirtualHosts reflects it. It returns false on timeout.
func (m *Model) AwaitConsistency(ctx context.Context) bool {
	return m.monitor.AwaitConsistency(ctx, m.opts.ConsistencyTimeout)
}

// Match resolves a request against the current snapshot.
func (m *Model) Match(ctx context.Context, hostName, pathInfo string) (*hst.ResolvedSiteMount, error) {
	start := time.Now()
	f, err := m.GetVirtualHosts(ctx)
	if err != nil {
		metrics.RecordMatch(metrics.OutcomeNotConfigured, time.Since(start))
		return nil, err
	}

	r, err := f.Match(hostName, pathInfo)
	switch {
	case err == nil && r.ViaDefaultHost:
		metrics.RecordMatch(metrics.OutcomeDefaultHost, time.Since(start))
	case err == nil:
		metrics.RecordMatch(metrics.OutcomeMatched, time.Since(start))
	case errors.Is(err, hst.ErrExcluded):
		metrics.RecordMatch(metrics.OutcomeExcluded, time.Since(start))
	case errors.Is(err, hst.ErrNoMatch):
		metrics.RecordMatch(metrics.OutcomeNoMatch, time.Since(start))
		m.log.Debug("no match", logger.String("host", hostName), logger.String("path", pathInfo))
	default:
		metrics.RecordMatch(metrics.OutcomeNotConfigured, time.Since(start))
	}
	return r, err
}

// OnRebuild registers fn to run after every successful rebuild, with the new snapshot.
// Hooks run on the rebuilding goroutine while the rebuild lock is held.
func (m *Model) OnRebuild(fn func(*hst.VirtualHosts)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// CacheStats returns the statistics of the configuration caches.
func (m *Model) CacheStats() []configcache.Stats {
	return []configcache.Stats{m.hosts.Stats(), m.sites.Stats()}
}

// Monitor exposes the invalidation monitor counters.
func (m *Model) Monitor() *monitor.Monitor { return m.monitor }

// Close stops watching the repository. Later calls return ErrClosed.
func (m *Model) Close() {
	if m.closed.Swap(true) {
		return
	}
	m.monitor.Close()
	m.log.Debug("model closed")
}
