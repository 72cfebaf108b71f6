package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backends of the configuration repository
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	ListenPort      string        // ex: ":8080"
	ShutdownTimeout time.Duration // ex: 5s
	RequestTimeout  time.Duration // per-request timeout (ex: 10s)

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	Context            string        // registry id of the served model (ex: "live")
	Backend            string        // "memory" | "redis"
	ConfigFile         string        // YAML/TOML configuration imported into the repository (optional)
	ConfigRoot         string        // configuration subtree root (ex: "/hst:hst")
	WatchConfig        bool          // re-import when the file changes on disk
	ReloadInterval     time.Duration // periodic re-import (0 = disabled)
	WarmInterval       time.Duration // eager rebuild check (0 = disabled)
	ConsistencyTimeout time.Duration // bound of awaitConsistency
	ConsistencyPoll    time.Duration // poll granularity of awaitConsistency
	CacheSize          int           // LRU bound per configuration cache

	ClearCachesOnRebuild bool          // flush the match cache after each rebuild
	MatchCacheTTL        time.Duration // TTL of cached match decisions (redis backend)

	AdminBurst        int // admin write rate limit burst
	AdminRefillPerMin int // admin write tokens added per minute

	// Redis
	RedisAddr             string        // ex: "localhost:6379"
	RedisUser             string        // optional
	RedisPassword         string        // optional
	RedisPasswordRequired bool          // true => require password, false => allow empty password
	RedisDB               int           // Redis DB number
	RedisPrefix           string        // key prefix (ex: "hstroute:")
	RedisChannel          string        // pub/sub change channel
	RedisDT               time.Duration // Redis dial timeout (ex: 5s)
	RedisRT               time.Duration // Redis read timeout (ex: 3s)
	RedisWT               time.Duration // Redis write timeout (ex: 3s)
	RedisMaxWait          time.Duration // max wait between retries (ex: 10s)
	RedisPingTimeout      time.Duration // timeout for each ping attempt (ex: 5s)
	RedisPoolSize         int           // Redis connection pool size
	RedisConnectTimeout   time.Duration // Total time to retry connecting (ex: 30s)
	RedisRetryInterval    time.Duration // Initial wait between retries (ex: 2s, grows exponentially)
	RedisWarnThreshold    int           // warn after this many attempts

	AllowedHosts []string // optional, restrict admin access to specific Host headers
	AllowedCIDRS []string // optional, restrict admin access to specific IP (e.g. "1.2.3.4, 10.0.0.0/8")
	TrustProxy   bool     // true => trust X-Forwarded-For headers (e.g. cloudflared)
}

func Load() *Config {
	cfg := &Config{
		// Server settings
		ListenPort:      getenv("HSTROUTE_LISTEN_PORT", ":8080"),
		ShutdownTimeout: mustDuration("HSTROUTE_SHUTDOWN_TIMEOUT", 5*time.Second),
		RequestTimeout:  mustDuration("HSTROUTE_REQUEST_TIMEOUT", 10*time.Second),

		// Logging
		LogLevel:  getenv("HSTROUTE_LOG_LEVEL", "info"),
		PrettyLog: mustBool("HSTROUTE_PRETTY_LOG", true),

		// Model
		Context:            getenv("HSTROUTE_CONTEXT", "default"),
		Backend:            strings.ToLower(getenv("HSTROUTE_BACKEND", BackendMemory)),
		ConfigFile:         getenv("HSTROUTE_CONFIG_FILE", ""),
		ConfigRoot:         getenv("HSTROUTE_CONFIG_ROOT", "/hst:hst"),
		WatchConfig:        mustBool("HSTROUTE_WATCH_CONFIG", true),
		ReloadInterval:     mustDuration("HSTROUTE_RELOAD_INTERVAL", time.Hour),
		WarmInterval:       mustDuration("HSTROUTE_WARM_INTERVAL", 5*time.Second),
		ConsistencyTimeout: mustDuration("HSTROUTE_CONSISTENCY_TIMEOUT", time.Second),
		ConsistencyPoll:    mustDuration("HSTROUTE_CONSISTENCY_POLL", 10*time.Millisecond),
		CacheSize:          getenvInt("HSTROUTE_CACHE_SIZE", 4096),

		ClearCachesOnRebuild: mustBool("HSTROUTE_CLEAR_CACHES_ON_REBUILD", true),
		MatchCacheTTL:        mustDuration("HSTROUTE_MATCH_CACHE_TTL", 10*time.Minute),

		AdminBurst:        getenvInt("HSTROUTE_ADMIN_BURST", 10),
		AdminRefillPerMin: getenvInt("HSTROUTE_ADMIN_REFILL_PER_MIN", 60),

		// Access restrictions
		AllowedHosts: splitAndTrim(getenv("HSTROUTE_ALLOWED_HOSTS", "")),
		AllowedCIDRS: parseAllowedIPs(getenv("HSTROUTE_ALLOWED_CIDRS", "")),
		TrustProxy:   mustBool("HSTROUTE_TRUST_PROXY", true),
	}

	switch cfg.Backend {
	case BackendMemory:
		if cfg.ConfigFile == "" {
			panic("❌ FATAL: HSTROUTE_CONFIG_FILE is required with the memory backend")
		}
	case BackendRedis:
		loadRedis(cfg)
	default:
		panic(fmt.Sprintf("❌ FATAL: unknown HSTROUTE_BACKEND %q (want memory or redis)", cfg.Backend))
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		cfgCopy.RedisPassword = "***REDACTED***"
		if cfg.RedisUser != "" {
			cfgCopy.RedisUser = "***REDACTED***"
		}
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg
}

func loadRedis(cfg *Config) {
	cfg.RedisAddr = requireEnv("HSTROUTE_REDIS_ADDR")
	cfg.RedisUser = getenv("HSTROUTE_REDIS_USERNAME", "default")
	cfg.RedisPasswordRequired = mustBool("HSTROUTE_REDIS_PASSWORD_REQUIRED", true)
	cfg.RedisPassword = getenv("HSTROUTE_REDIS_PASSWORD", "")
	cfg.RedisDB = requireEnvInt("HSTROUTE_REDIS_DB")
	cfg.RedisPrefix = getenv("HSTROUTE_REDIS_PREFIX", "hstroute:")
	cfg.RedisChannel = getenv("HSTROUTE_REDIS_CHANNEL", "hstroute:events")
	cfg.RedisDT = mustDuration("REDIS_DIAL_TIMEOUT", 5*time.Second)
	cfg.RedisRT = mustDuration("REDIS_READ_TIMEOUT", 3*time.Second)
	cfg.RedisWT = mustDuration("REDIS_WRITE_TIMEOUT", 3*time.Second)
	cfg.RedisMaxWait = mustDuration("REDIS_MAX_WAIT", 10*time.Second)
	cfg.RedisPingTimeout = mustDuration("REDIS_PING_TIMEOUT", 5*time.Second)
	cfg.RedisPoolSize = getenvInt("REDIS_POOL_SIZE", 10)
	cfg.RedisConnectTimeout = mustDuration("REDIS_CONNECT_TIMEOUT", 30*time.Second)
	cfg.RedisRetryInterval = mustDuration("REDIS_RETRY_INTERVAL", 2*time.Second)
	cfg.RedisWarnThreshold = getenvInt("REDIS_WARN_THRESHOLD", 3)

	// Validate Redis password configuration
	if cfg.RedisPasswordRequired && cfg.RedisPassword == "" {
		panic("❌ FATAL: HSTROUTE_REDIS_PASSWORD is required when HSTROUTE_REDIS_PASSWORD_REQUIRED=true")
	}
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	return v
}

func requireEnvInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("❌ FATAL: Invalid integer value for %s: %s", key, v))
	}
	return i
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseAllowedIPs(allowed string) []string {
	if allowed == "" {
		return nil
	}
	ips := make([]string, 0, 4)
	for _, ip := range splitAndTrim(allowed) {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
