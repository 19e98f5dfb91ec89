package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MrSnakeDoc/probeswarm/internal/version"
)

type Config struct {
	ListenPort      string        // ex: ":8080"
	ShutdownTimeout time.Duration // ex: 10s

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	// Worker pool
	PoolFile            string        // optional YAML pool file (empty = API managed only)
	PoolReloadInterval  time.Duration // interval to reload the pool file
	WorkerDefaultQuota  int64         // daily quota for workers added without one
	WorkerHealthTimeout time.Duration // GET /health timeout
	WorkerHealthEvery   time.Duration // health monitor period
	WorkerCallTimeout   time.Duration // whole POST /probe timeout
	WorkerMaxAttempts   int           // remote attempts per chunk before local fallback

	// Probing
	ProbeTimeout      time.Duration // per-URL timeout
	ProbeRetries      int           // per-URL retries
	ProbeMethod       string        // HEAD | GET
	ProbePreviewBytes int           // response preview size, GET only
	ProbeUserAgent    string
	LocalRateLimit    float64 // local probes per second, 0 = unlimited
	ScanConcurrency   int     // default task concurrency

	// Automation
	AutomationTick      time.Duration
	IncrementalEnabled  bool
	IncrementalInterval time.Duration
	RescanEnabled       bool
	RescanInterval      time.Duration
	AutomationTemplate  string

	// Retention
	TaskRetention  time.Duration // finished tasks older than this are deleted
	TaskGCInterval time.Duration

	// Redis
	RedisAddr           string        // ex: "localhost:6379"
	RedisUser           string        // optional
	RedisPassword       string        // optional
	RedisDB             int           // Redis DB number
	RedisDT             time.Duration // Redis dial timeout (ex: 5s)
	RedisRT             time.Duration // Redis read timeout (ex: 3s)
	RedisWT             time.Duration // Redis write timeout (ex: 3s)
	RedisMaxWait        time.Duration // max wait between retries (ex: 10s)
	RedisPingTimeout    time.Duration // timeout for each ping attempt (ex: 5s)
	RedisPoolSize       int           // Redis connection pool size
	RedisConnectTimeout time.Duration // Total time to retry connecting (ex: 30s)
	RedisRetryInterval  time.Duration // Initial wait between retries (ex: 2s, grows exponentially)
	RedisWarnThreshold  int           // warn after this many attempts

	AllowedHosts    []string // optional, restrict access to specific Host headers
	AllowedCIDRS    []string // optional, restrict access to specific IP (e.g. "1.2.3.4, 10.0.0.0/8")
	TrustProxy      bool     // true => trust X-Forwarded-For headers
	RateLimitBurst  int      // per-IP burst on mutating routes
	RateLimitPerMin int      // per-IP refill per minute on mutating routes
}

func Load() *Config {
	cfg := &Config{
		// Server settings
		ListenPort:      getenv("PROBESWARM_LISTEN_PORT", ":8080"),
		ShutdownTimeout: mustDuration("PROBESWARM_SHUTDOWN_TIMEOUT", 10*time.Second),

		// Logging
		LogLevel:  getenv("PROBESWARM_LOG_LEVEL", "info"),
		PrettyLog: mustBool("PROBESWARM_PRETTY_LOG", true),

		// Worker pool
		PoolFile:            getenv("PROBESWARM_POOL_FILE", ""),
		PoolReloadInterval:  mustDuration("PROBESWARM_POOL_RELOAD_INTERVAL", time.Hour),
		WorkerDefaultQuota:  getenvInt64("PROBESWARM_WORKER_DEFAULT_QUOTA", 100000),
		WorkerHealthTimeout: mustDuration("PROBESWARM_WORKER_HEALTH_TIMEOUT", 10*time.Second),
		WorkerHealthEvery:   mustDuration("PROBESWARM_WORKER_HEALTH_INTERVAL", 5*time.Minute),
		WorkerCallTimeout:   mustDuration("PROBESWARM_WORKER_CALL_TIMEOUT", 60*time.Second),
		WorkerMaxAttempts:   getenvInt("PROBESWARM_WORKER_MAX_ATTEMPTS", 3),

		// Probing
		ProbeTimeout:      mustDuration("PROBESWARM_PROBE_TIMEOUT", 10*time.Second),
		ProbeRetries:      getenvInt("PROBESWARM_PROBE_RETRIES", 1),
		ProbeMethod:       strings.ToUpper(getenv("PROBESWARM_PROBE_METHOD", "HEAD")),
		ProbePreviewBytes: getenvInt("PROBESWARM_PROBE_PREVIEW_BYTES", 0),
		ProbeUserAgent:    getenv("PROBESWARM_PROBE_USER_AGENT", version.UserAgent()),
		LocalRateLimit:    getenvFloat("PROBESWARM_LOCAL_RATE_LIMIT", 0),
		ScanConcurrency:   getenvInt("PROBESWARM_SCAN_CONCURRENCY", 50),

		// Automation
		AutomationTick:      mustDuration("PROBESWARM_AUTOMATION_TICK", 60*time.Second),
		IncrementalEnabled:  mustBool("PROBESWARM_INCREMENTAL_ENABLED", true),
		IncrementalInterval: mustDuration("PROBESWARM_INCREMENTAL_INTERVAL", time.Hour),
		RescanEnabled:       mustBool("PROBESWARM_RESCAN_ENABLED", false),
		RescanInterval:      mustDuration("PROBESWARM_RESCAN_INTERVAL", 24*time.Hour),
		AutomationTemplate:  getenv("PROBESWARM_AUTOMATION_URL_TEMPLATE", "https://{domain}/"),

		// Retention
		TaskRetention:  mustDuration("PROBESWARM_TASK_RETENTION", 30*24*time.Hour),
		TaskGCInterval: mustDuration("PROBESWARM_TASK_GC_INTERVAL", 6*time.Hour),

		// Redis settings
		RedisAddr:           requireEnv("PROBESWARM_REDIS_ADDR"),
		RedisUser:           getenv("PROBESWARM_REDIS_USERNAME", ""),
		RedisPassword:       getenv("PROBESWARM_REDIS_PASSWORD", ""),
		RedisDB:             getenvInt("PROBESWARM_REDIS_DB", 0),
		RedisDT:             mustDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:             mustDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:             mustDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisMaxWait:        mustDuration("REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:    mustDuration("REDIS_PING_TIMEOUT", 5*time.Second),
		RedisPoolSize:       getenvInt("REDIS_POOL_SIZE", 10),
		RedisConnectTimeout: mustDuration("REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:  mustDuration("REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisWarnThreshold:  getenvInt("REDIS_WARN_THRESHOLD", 3),

		// Access restrictions
		AllowedHosts:    splitAndTrim(getenv("PROBESWARM_ALLOWED_HOSTS", "")),
		AllowedCIDRS:    splitAndTrim(getenv("PROBESWARM_ALLOWED_CIDRS", "")),
		TrustProxy:      mustBool("PROBESWARM_TRUST_PROXY", false),
		RateLimitBurst:  getenvInt("PROBESWARM_RATE_LIMIT_BURST", 30),
		RateLimitPerMin: getenvInt("PROBESWARM_RATE_LIMIT_PER_MIN", 120),
	}

	if cfg.ProbeMethod != "HEAD" && cfg.ProbeMethod != "GET" {
		panic(fmt.Sprintf("❌ FATAL: PROBESWARM_PROBE_METHOD must be HEAD or GET, got %s", cfg.ProbeMethod))
	}
	if cfg.WorkerMaxAttempts < 1 {
		cfg.WorkerMaxAttempts = 1
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		if cfg.RedisPassword != "" {
			cfgCopy.RedisPassword = "***REDACTED***"
		}
		if cfg.RedisUser != "" {
			cfgCopy.RedisUser = "***REDACTED***"
		}
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg
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

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return f
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
