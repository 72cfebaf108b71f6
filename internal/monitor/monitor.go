// Package monitor collects repository change notifications for a configuration subtree and
// hands the coalesced set of changed paths to configuration caches.
//
// Two listeners share the same subtree. The synchronous one runs on the writer's goroutine
// and only counts. The asynchronous one collects paths from a channel and counts after each
// path is recorded. A caller that wants to read its own write waits until the asynchronous
// count catches up with the synchronous count it observed.
package monitor

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrSnakeDoc/hstroute/internal/logger"
	"github.com/MrSnakeDoc/hstroute/internal/metrics"
	"github.com/MrSnakeDoc/hstroute/internal/repository"
)

const (
	DefaultTimeout = time.Second
	DefaultPoll    = 10 * time.Millisecond
)

// Consumer receives dispatched paths.
type Consumer interface {
	MarkDirty(paths []string)
}

// Options configure a Monitor.
type Options struct {
	Root    string
	Timeout time.Duration
	Poll    time.Duration
	Logger  logger.Logger
	// OnCollect runs on the collector goroutine after a path has been recorded and before
	// it is counted.
	OnCollect func(repository.Event)
}

// Monitor is an invalidation monitor over one repository subtree.
type Monitor struct {
	obs     repository.Observable
	root    string
	timeout time.Duration
	poll    time.Duration
	log     logger.Logger
	collect func(repository.Event)

	syncCount  atomic.Uint64
	asyncCount atomic.Uint64

	mu      sync.Mutex
	pending map[string]struct{}

	dispatchMu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	unobserve func()
	cancelSub func()
	done      chan struct{}
}

// New creates a monitor. Call Start to subscribe.
func New(obs repository.Observable, opts Options) *Monitor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Root == "" {
		opts.Root = "/"
	}
	return &Monitor{
		obs:     obs,
		root:    repository.Clean(opts.Root),
		timeout: opts.Timeout,
		poll:    opts.Poll,
		log:     opts.Logger.With(logger.Component("monitor")),
		collect: opts.OnCollect,
		pending: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

// Start registers both listeners. It must be called once.
func (m *Monitor) Start(ctx context.Context) error {
	var err error
	m.startOnce.Do(func() {
		origin := m.obs.Origin()
		m.unobserve = m.obs.Observe(m.root, func(ev repository.Event) {
			if ev.Origin == origin {
				m.syncCount.Add(1)
			}
		})

		var ch <-chan repository.Event
		ch, m.cancelSub, err = m.obs.Subscribe(ctx, m.root)
		if err != nil {
			m.unobserve()
			close(m.done)
			return
		}
		// writes between Observe and Subscribe were counted but never delivered
		if m.syncCount.Load() > 0 {
			m.mu.Lock()
			m.pending[m.root] = struct{}{}
			m.mu.Unlock()
			m.catchUp()
		}

		go m.run(ch, origin)
		m.log.Debug("monitor started", logger.String("root", m.root))
	})
	return err
}

func (m *Monitor) run(ch <-chan repository.Event, origin string) {
	defer close(m.done)
	for ev := range ch {
		m.mu.Lock()
		m.pending[ev.Path] = struct{}{}
		m.mu.Unlock()

		if m.collect != nil {
			m.collect(ev)
		}
		switch {
		case ev.Watermark:
			// whatever was lost is covered by the dirty root
			m.catchUp()
		case ev.Origin == origin:
			// foreign writes were never counted on the synchronous side
			m.countCollected()
		}
	}
}

// countCollected adds one collected write, capped at the synchronous count. Past a catch-up,
// an event already covered by it cannot push the count ahead.
func (m *Monitor) countCollected() {
	for {
		cur := m.asyncCount.Load()
		if cur >= m.syncCount.Load() || m.asyncCount.CompareAndSwap(cur, cur+1) {
			return
		}
	}
}

// catchUp raises the asynchronous count to the synchronous count read now. It never lowers it.
func (m *Monitor) catchUp() {
	target := m.syncCount.Load()
	for {
		cur := m.asyncCount.Load()
		if cur >= target || m.asyncCount.CompareAndSwap(cur, target) {
			return
		}
	}
}

// SyncCount is the number of local writes observed synchronously.
func (m *Monitor) SyncCount() uint64 { return m.syncCount.Load() }

// AsyncCount is the number of local writes collected asynchronously, or covered by a resync.
// It never exceeds SyncCount.
func (m *Monitor) AsyncCount() uint64 { return m.asyncCount.Load() }

// AwaitConsistency blocks until every write observed synchronously before the call has been
// collected, the timeout elapses or ctx ends. A timeout is logged and reported as false; the
// caller carries on with what it has. A timeout <= 0 uses the monitor's default.
func (m *Monitor) AwaitConsistency(ctx context.Context, timeout time.Duration) bool {
	target := m.syncCount.Load()
	if m.asyncCount.Load() >= target {
		metrics.RecordConsistencyWait(false)
		return true
	}
	if timeout <= 0 {
		timeout = m.timeout
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if m.asyncCount.Load() >= target {
				metrics.RecordConsistencyWait(false)
				return true
			}
		case <-deadline.C:
			if m.asyncCount.Load() >= target {
				metrics.RecordConsistencyWait(false)
				return true
			}
			metrics.RecordConsistencyWait(true)
			m.log.Warn("timed out waiting for configuration events",
				logger.Duration("timeout", timeout),
				logger.Uint64("sync", target),
				logger.Uint64("async", m.asyncCount.Load()),
			)
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Pending returns the collected paths not yet dispatched, sorted.
func (m *Monitor) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.pending))
	for p := range m.pending {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Dispatch hands the coalesced set of changed paths to every consumer and clears it.
// Each path is handed over once per dispatch; an empty set is a no-op.
func (m *Monitor) Dispatch(consumers ...Consumer) int {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return 0
	}
	set := m.pending
	m.pending = make(map[string]struct{})
	m.mu.Unlock()

	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, c := range consumers {
		c.MarkDirty(paths)
	}
	metrics.DispatchedPaths.Add(float64(len(paths)))
	m.log.Debug("dispatched configuration events", logger.Int("paths", len(paths)))
	return len(paths)
}

// Close removes both listeners and waits for the collector to stop.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() {
		started := false
		m.startOnce.Do(func() {})
		if m.unobserve != nil {
			m.unobserve()
			started = true
		}
		if m.cancelSub != nil {
			m.cancelSub()
		}
		if started {
			<-m.done
		}
	})
}
