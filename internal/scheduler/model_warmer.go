package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/MrSnakeDoc/hstroute/internal/hst"
	"github.com/MrSnakeDoc/hstroute/internal/logger"
)

// Warmable is a model whose snapshot can be rebuilt ahead of requests.
type Warmable interface {
	Stale() bool
	GetVirtualHosts(ctx context.Context) (*hst.VirtualHosts, error)
}

// ModelWarmer rebuilds stale snapshots in the background so that requests rarely pay for it
type ModelWarmer struct {
	model    Warmable
	logger   logger.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewModelWarmer creates a new model warmer
func NewModelWarmer(model Warmable, log logger.Logger, interval time.Duration) *ModelWarmer {
	return &ModelWarmer{
		model:    model,
		logger:   log.With(logger.Component("model-warmer")),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic warm-up
func (w *ModelWarmer) Start(ctx context.Context) error {
	// Run immediately on start
	if _, err := w.Warm(ctx); err != nil {
		w.logger.Warn("initial warm-up failed", logger.Error(err))
	}

	ticker := time.NewTicker(w.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := w.Warm(ctx); err != nil {
					w.logger.Error("warm-up failed", logger.Error(err))
				}
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the warmer
func (w *ModelWarmer) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Warm rebuilds the snapshot if it is stale and reports whether it did.
func (w *ModelWarmer) Warm(ctx context.Context) (bool, error) {
	if !w.model.Stale() {
		w.logger.Debug("snapshot is current")
		return false, nil
	}
	f, err := w.model.GetVirtualHosts(ctx)
	if err != nil {
		return true, err
	}
	w.logger.Debug("snapshot warmed", logger.Uint64("version", f.Version()))
	return true, nil
}
