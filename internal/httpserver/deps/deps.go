package deps

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/hstroute/internal/hst"
	"github.com/MrSnakeDoc/hstroute/internal/logger"
	"github.com/MrSnakeDoc/hstroute/internal/model"
	"github.com/MrSnakeDoc/hstroute/internal/repository"
	"github.com/MrSnakeDoc/hstroute/internal/scheduler"
	"github.com/redis/go-redis/v9"
)

// MatchCache stores routing decisions outside the process.
type MatchCache interface {
	Get(ctx context.Context, fingerprint, host, path string) (*hst.Decision, bool, error)
	Put(ctx context.Context, host, path string, d hst.Decision) error
}

type Deps struct {
	Logger         logger.Logger
	StartTime      time.Time
	Version        string
	Commit         string
	BuildDate      string
	GoVersion      string
	TimeNow        func() time.Time          // for testing, defaults to time.Now
	RequestTimeout time.Duration             // per-request timeout
	AllowedHosts   []string                  // Host headers allowed to access admin endpoints
	AllowedCIDRS   []string                  // IPs allowed to access admin endpoints
	TrustProxy     bool                      // true if running behind a trusted reverse proxy (e.g., cloudflared)
	AdminBurst     int                       // admin write rate limit burst
	AdminRefill    int                       // admin write tokens per minute
	Model          *model.Model              // served model
	Registry       *model.Registry           // every registered model
	Writer         repository.Writer         // configuration writes from the admin API
	MatchCache     MatchCache                // nil when decisions are not cached
	RedisClient    *redis.Client             // nil with the memory backend
	Reloader       *scheduler.ConfigReloader // nil without a configuration file
	ReloadTrigger  chan struct{}             // Channel to trigger manual configuration reload (nil without a file)
}

// Now returns the current time through TimeNow when set.
func (d Deps) Now() time.Time {
	if d.TimeNow != nil {
		return d.TimeNow()
	}
	return time.Now()
}
