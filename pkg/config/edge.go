package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EdgeConfig holds runtime configuration for the edge service.
type EdgeConfig struct {
	Environment string
	LogLevel    string

	Addr      string
	AdminAddr string
	// AdminToken guards mutating admin endpoints; empty disables the check.
	AdminToken      string
	AdminRateLimit  int
	UpstreamTimeout time.Duration

	WatchRoot     string
	WatchNotify   bool
	WatchDebounce time.Duration
	DeployWorkers int
	BuildTimeout  time.Duration
	HealthEvery   time.Duration
	UploadMaxMB   int

	RouteStore    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RouteCacheTTL time.Duration

	StatusStore string
	DatabaseURL string

	Supervisor         string
	DockerHost         string
	ComputeHost        string
	ComputeIdleTimeout time.Duration

	TelemetryURL   string
	TelemetryToken string
	TelemetryFlush time.Duration
}

// LoadEdgeConfig constructs an EdgeConfig from environment variables.
func LoadEdgeConfig() EdgeConfig {
	return EdgeConfig{
		Environment:        GetString("APP_ENV", "development"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		Addr:               GetString("EDGE_ADDR", ":8080"),
		AdminAddr:          GetString("EDGE_ADMIN_ADDR", ":8081"),
		AdminToken:         GetString("EDGE_ADMIN_TOKEN", ""),
		AdminRateLimit:     GetInt("ADMIN_RATE_LIMIT", 120),
		UpstreamTimeout:    GetSeconds("UPSTREAM_TIMEOUT_SECONDS", 30),
		WatchRoot:          GetString("EDGE_WATCH_ROOT", "/var/lib/peep/sites"),
		WatchNotify:        GetBool("EDGE_WATCH_NOTIFY", true),
		WatchDebounce:      GetMillis("WATCH_DEBOUNCE_MS", 250),
		DeployWorkers:      GetInt("DEPLOY_WORKERS", 4),
		BuildTimeout:       GetSeconds("BUILD_TIMEOUT_SECONDS", 0),
		HealthEvery:        GetSeconds("HEALTH_CHECK_SECONDS", 60),
		UploadMaxMB:        GetInt("UPLOAD_MAX_MB", 512),
		RouteStore:         GetString("ROUTE_STORE", "redis"),
		RedisAddr:          GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword:      GetString("REDIS_PASSWORD", ""),
		RedisDB:            GetInt("REDIS_DB", 0),
		RouteCacheTTL:      GetSeconds("ROUTE_CACHE_TTL_SECONDS", 60),
		StatusStore:        GetString("STATUS_STORE", "memory"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://vercel:vercel@db:5432/vercel?sslmode=disable"),
		Supervisor:         GetString("SUPERVISOR", "docker"),
		DockerHost:         GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		ComputeHost:        GetString("COMPUTE_HOST", "127.0.0.1"),
		ComputeIdleTimeout: GetSeconds("COMPUTE_IDLE_TIMEOUT_SECONDS", 900),
		TelemetryURL:       GetString("TELEMETRY_URL", ""),
		TelemetryToken:     GetString("TELEMETRY_TOKEN", ""),
		TelemetryFlush:     GetSeconds("TELEMETRY_FLUSH_SECONDS", 30),
	}
}

// Validate reports every setting that would prevent the edge from starting.
func (c EdgeConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.WatchRoot) == "" {
		errs = append(errs, errors.New("EDGE_WATCH_ROOT is required"))
	}
	if !oneOf(c.RouteStore, "redis", "memory") {
		errs = append(errs, fmt.Errorf("ROUTE_STORE %q must be redis or memory", c.RouteStore))
	}
	if !oneOf(c.StatusStore, "postgres", "memory") {
		errs = append(errs, fmt.Errorf("STATUS_STORE %q must be postgres or memory", c.StatusStore))
	}
	if !oneOf(c.Supervisor, "docker", "none") {
		errs = append(errs, fmt.Errorf("SUPERVISOR %q must be docker or none", c.Supervisor))
	}
	if c.DeployWorkers <= 0 {
		errs = append(errs, fmt.Errorf("DEPLOY_WORKERS must be positive, got %d", c.DeployWorkers))
	}
	if c.UploadMaxMB <= 0 {
		errs = append(errs, fmt.Errorf("UPLOAD_MAX_MB must be positive, got %d", c.UploadMaxMB))
	}
	if c.WatchDebounce < 0 || c.BuildTimeout < 0 {
		errs = append(errs, errors.New("durations cannot be negative"))
	}
	return errors.Join(errs...)
}

func oneOf(value string, allowed ...string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range allowed {
		if value == candidate {
			return true
		}
	}
	return false
}
