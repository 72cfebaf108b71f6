package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrSnakeDoc/hstroute/internal/logger"
	"github.com/MrSnakeDoc/hstroute/internal/sources/hstconf"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce groups the bursts of file events an editor save produces.
const DefaultDebounce = 100 * time.Millisecond

// ReloadStatus describes the last import
type ReloadStatus struct {
	At     time.Time      `json:"at"`
	Result hstconf.Result `json:"result"`
	Error  string         `json:"error,omitempty"`
}

// ConfigReloader imports a configuration file into the repository on start, periodically,
// on manual trigger and when the file changes on disk.
type ConfigReloader struct {
	importer      *hstconf.Importer
	path          string
	logger        logger.Logger
	interval      time.Duration
	watch         bool
	debounce      time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	manualTrigger chan struct{}
	fileChanged   chan struct{}

	mu   sync.Mutex
	last ReloadStatus
}

// NewConfigReloader creates a new configuration reloader
func NewConfigReloader(
	path string,
	importer *hstconf.Importer,
	log logger.Logger,
	interval time.Duration,
	watch bool,
	manualTrigger chan struct{},
) *ConfigReloader {
	return &ConfigReloader{
		importer:      importer,
		path:          path,
		logger:        log.With(logger.Component("config-reloader")),
		interval:      interval,
		watch:         watch,
		debounce:      DefaultDebounce,
		stopCh:        make(chan struct{}),
		manualTrigger: manualTrigger,
		fileChanged:   make(chan struct{}, 1),
	}
}

// Start imports the file once and then keeps it in sync
func (cr *ConfigReloader) Start(ctx context.Context) error {
	// Load immediately on start
	if _, err := cr.Reload(ctx); err != nil {
		return fmt.Errorf("initial reload failed: %w", err)
	}

	if cr.watch {
		go cr.watchLoop(ctx)
	}

	var tick <-chan time.Time
	if cr.interval > 0 {
		ticker := time.NewTicker(cr.interval)
		tick = ticker.C
		go func() {
			select {
			case <-cr.stopCh:
			case <-ctx.Done():
			}
			ticker.Stop()
		}()
	}

	go func() {
		for {
			var trigger string
			select {
			case <-tick:
				trigger = "interval"
			case <-cr.manualTrigger:
				trigger = "manual"
			case <-cr.fileChanged:
				trigger = "file"
			case <-cr.stopCh:
				return
			case <-ctx.Done():
				return
			}
			cr.logger.Info("configuration reload triggered", logger.String("trigger", trigger))
			if _, err := cr.Reload(ctx); err != nil {
				cr.logger.Error("failed to reload configuration", logger.Error(err))
			}
		}
	}()

	return nil
}

// Stop stops the reloader
func (cr *ConfigReloader) Stop() {
	cr.stopOnce.Do(func() { close(cr.stopCh) })
}

// Reload imports the file. Imports are serialized.
func (cr *ConfigReloader) Reload(ctx context.Context) (hstconf.Result, error) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	res, err := cr.importer.ImportFile(ctx, cr.path)
	cr.last = ReloadStatus{At: time.Now(), Result: res}
	if err != nil {
		cr.last.Error = err.Error()
		return res, fmt.Errorf("failed to import %s: %w", cr.path, err)
	}
	return res, nil
}

// Last returns the status of the last import
func (cr *ConfigReloader) Last() ReloadStatus {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.last
}

// watchLoop watches the directory of the file, since editors often replace files by renaming.
func (cr *ConfigReloader) watchLoop(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cr.logger.Warn("fsnotify not available, relying on periodic reloads", logger.Error(err))
		return
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			cr.logger.Debug("failed to close fsnotify watcher", logger.Error(err))
		}
	}()

	dir := filepath.Dir(cr.path)
	if err := watcher.Add(dir); err != nil {
		cr.logger.Warn("failed to watch configuration directory, relying on periodic reloads",
			logger.String("dir", dir), logger.Error(err))
		return
	}
	cr.logger.Debug("file watch started", logger.String("path", cr.path))

	target := filepath.Clean(cr.path)
	var debounceTimer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case <-cr.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(cr.debounce, func() {
				select {
				case cr.fileChanged <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			cr.logger.Warn("watcher error", logger.Error(err))
		}
	}
}
