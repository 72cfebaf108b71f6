package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/hstroute/internal/config"
	"github.com/MrSnakeDoc/hstroute/internal/hst"
	"github.com/MrSnakeDoc/hstroute/internal/httpserver"
	"github.com/MrSnakeDoc/hstroute/internal/httpserver/deps"
	"github.com/MrSnakeDoc/hstroute/internal/logger"
	"github.com/MrSnakeDoc/hstroute/internal/model"
	"github.com/MrSnakeDoc/hstroute/internal/redis"
	"github.com/MrSnakeDoc/hstroute/internal/repository"
	"github.com/MrSnakeDoc/hstroute/internal/scheduler"
	"github.com/MrSnakeDoc/hstroute/internal/sources/hstconf"
	redisstore "github.com/MrSnakeDoc/hstroute/internal/store/redis"
	"github.com/MrSnakeDoc/hstroute/internal/utils"
	"github.com/MrSnakeDoc/hstroute/internal/version"
)

type App struct {
	cfg         *config.Config
	logger      logger.Logger
	server      *httpserver.Server
	redisClient *goredis.Client
	repo        repository.Repository
	registry    *model.Registry
	model       *model.Model
	reloader    *scheduler.ConfigReloader
	warmer      *scheduler.ModelWarmer
	cancel      context.CancelFunc
}

func New() *App {
	cfg := config.Load()

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	// Models and the redis relay live until Run returns
	ctx, cancel := context.WithCancel(context.Background())

	var redisClient *goredis.Client
	var repo repository.Repository
	switch cfg.Backend {
	case config.BackendRedis:
		// Initialize Redis early - fail fast if unavailable
		loggerClient.Infof("Connecting to Redis at %s", cfg.RedisAddr)
		client, err := redis.New(ctx, redis.ConnectOptions{
			Addr:           cfg.RedisAddr,
			User:           cfg.RedisUser,
			Password:       cfg.RedisPassword,
			RedisDB:        cfg.RedisDB,
			DialTimeout:    cfg.RedisDT,
			ReadTimeout:    cfg.RedisRT,
			WriteTimeout:   cfg.RedisWT,
			PoolSize:       cfg.RedisPoolSize,
			ConnectTimeout: cfg.RedisConnectTimeout,
			RetryInterval:  cfg.RedisRetryInterval,
			MaxWait:        cfg.RedisMaxWait,
			PingTimeout:    cfg.RedisPingTimeout,
			WarnThreshold:  cfg.RedisWarnThreshold,
		}, loggerClient)
		if err != nil {
			loggerClient.Errorf("Failed to connect to Redis: %v", err)
			os.Exit(1)
		}
		loggerClient.Info("Redis initialized successfully")

		r, err := redisstore.NewRepository(ctx, client, redisstore.Options{
			Prefix:  cfg.RedisPrefix,
			Channel: cfg.RedisChannel,
			Logger:  loggerClient,
		})
		if err != nil {
			loggerClient.Errorf("Failed to open the redis repository: %v", err)
			os.Exit(1)
		}
		redisClient, repo = client, r
	default:
		loggerClient.Info("using the in-memory repository")
		repo = repository.NewMemory()
	}

	registry := model.NewRegistry(loggerClient)
	m, err := registry.Register(ctx, cfg.Context, repo, repo, model.Options{
		Root:               cfg.ConfigRoot,
		CacheSize:          cfg.CacheSize,
		ConsistencyTimeout: cfg.ConsistencyTimeout,
		ConsistencyPoll:    cfg.ConsistencyPoll,
		Logger:             loggerClient,
	})
	if err != nil {
		loggerClient.Errorf("Failed to register model %s: %v", cfg.Context, err)
		os.Exit(1)
	}

	// Decisions are shared through redis only
	var matchCache deps.MatchCache
	if redisClient != nil {
		c := redisstore.NewMatchCache(redisClient, cfg.RedisPrefix, cfg.Context, cfg.MatchCacheTTL)
		matchCache = c
		if cfg.ClearCachesOnRebuild {
			m.OnRebuild(func(f *hst.VirtualHosts) {
				flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				n, err := c.Flush(flushCtx)
				if err != nil {
					loggerClient.Warn("failed to flush match cache", logger.Error(err))
					return
				}
				loggerClient.Debug("match cache flushed",
					logger.Uint64("version", f.Version()),
					logger.Int("keys", n))
			})
		}
	}

	// Initialize configuration reloader (if a configuration file is set)
	var reloader *scheduler.ConfigReloader
	var reloadTrigger chan struct{}
	if cfg.ConfigFile != "" {
		loggerClient.Info("configuration file set, initializing reloader",
			logger.String("file", cfg.ConfigFile))
		reloadTrigger = make(chan struct{}, 1)
		reloader = scheduler.NewConfigReloader(
			cfg.ConfigFile,
			hstconf.NewImporter(repo, loggerClient),
			loggerClient,
			cfg.ReloadInterval,
			cfg.WatchConfig,
			reloadTrigger,
		)
	} else {
		loggerClient.Info("configuration file not set, repository is managed externally")
	}

	var warmer *scheduler.ModelWarmer
	if cfg.WarmInterval > 0 {
		warmer = scheduler.NewModelWarmer(m, loggerClient, cfg.WarmInterval)
	}

	// Dependencies passed to routes
	d := deps.Deps{
		Logger:         loggerClient,
		StartTime:      time.Now(),
		Version:        version.Version,
		Commit:         version.Commit,
		BuildDate:      version.BuildDate,
		GoVersion:      version.GoVersion,
		TimeNow:        time.Now,
		RequestTimeout: cfg.RequestTimeout,
		AllowedHosts:   cfg.AllowedHosts,
		AllowedCIDRS:   cfg.AllowedCIDRS,
		TrustProxy:     cfg.TrustProxy,
		AdminBurst:     cfg.AdminBurst,
		AdminRefill:    cfg.AdminRefillPerMin,
		Model:          m,
		Registry:       registry,
		Writer:         repo,
		MatchCache:     matchCache,
		RedisClient:    redisClient,
		Reloader:       reloader,
		ReloadTrigger:  reloadTrigger,
	}

	server := httpserver.New(cfg, loggerClient, d)

	return &App{
		cfg:         cfg,
		logger:      loggerClient,
		server:      server,
		redisClient: redisClient,
		repo:        repo,
		registry:    registry,
		model:       m,
		reloader:    reloader,
		warmer:      warmer,
		cancel:      cancel,
	}
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting hstroute v%s on %s", version.Version, a.cfg.ListenPort)
	a.logger.Infof("hstroute %s (commit=%s, built=%s, go=%s)",
		version.Version, version.Commit, version.BuildDate, version.GoVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer a.cancel()

	// Start configuration reloader (imports the file and keeps it in sync)
	if a.reloader != nil {
		if err := a.reloader.Start(ctx); err != nil {
			return fmt.Errorf("failed to start configuration reloader: %w", err)
		}
		a.logger.Info("configuration reloader started",
			logger.Duration("interval", a.cfg.ReloadInterval),
			logger.Bool("watch", a.cfg.WatchConfig))
	}

	// First build up front so configuration errors show at startup
	if f, err := a.model.GetVirtualHosts(ctx); err != nil {
		a.logger.Warn("initial virtual hosts build failed, serving 503 until fixed",
			logger.String("context", a.model.ID()),
			logger.Error(err))
	} else {
		a.logger.Info("virtual hosts ready",
			logger.String("context", a.model.ID()),
			logger.Uint64("version", f.Version()),
			logger.Int("hosts", f.HostCount()))
	}

	if a.warmer != nil {
		if err := a.warmer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start model warmer: %w", err)
		}
		a.logger.Info("model warmer started",
			logger.Duration("interval", a.cfg.WarmInterval))
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case err := <-errCh:
		return err
	}

	if a.reloader != nil {
		a.reloader.Stop()
	}
	if a.warmer != nil {
		a.warmer.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	utils.CloseLogged(utils.CloserFunc(a.registry.Close), "model registry", a.logger)
	utils.CloseLogged(a.repo, "repository", a.logger)
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warnf("failed to close redis: %v", err)
		} else {
			a.logger.Info("✅ Redis closed cleanly")
		}
	}

	a.logger.Info("✅ hstroute stopped cleanly")
	return nil
}
