package deps

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/probeswarm/internal/automation"
	"github.com/MrSnakeDoc/probeswarm/internal/logger"
	"github.com/MrSnakeDoc/probeswarm/internal/pool"
	"github.com/MrSnakeDoc/probeswarm/internal/scanner"
	"github.com/MrSnakeDoc/probeswarm/internal/scheduler"
	redisstore "github.com/MrSnakeDoc/probeswarm/internal/store/redis"
	"github.com/MrSnakeDoc/probeswarm/internal/workerclient"
)

type Deps struct {
	Logger          logger.Logger
	StartTime       time.Time
	Version         string
	Commit          string
	BuildDate       string
	GoVersion       string
	TimeNow         func() time.Time // for testing, defaults to time.Now
	AllowedHosts    []string         // Host headers allowed to access /api
	AllowedCIDRS    []string         // IPs allowed to access /api, readyz and metrics
	TrustProxy      bool             // true if running behind a trusted reverse proxy (e.g., cloudflared)
	RateLimitBurst  int              // per-IP burst on mutating routes
	RateLimitPerMin int              // per-IP refill on mutating routes
	RedisClient     *redis.Client    // Redis client connection, pinged by readyz
	Gatherer        prometheus.Gatherer

	Store        *redisstore.Store
	Pool         *pool.Pool
	WorkerClient *workerclient.Client
	Scanner      *scanner.Service
	Automation   *automation.Controller
	Scheduler    *scheduler.Automation
	PoolReloader *scheduler.PoolReloader

	// MutationLimit wraps mutating routes. Set by httpserver.New when nil.
	MutationLimit func(http.Handler) http.Handler
}
