package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	rateLimiterSweepInterval = 5 * time.Minute
	rateWindow               = time.Minute
)

// RateLimiter counts admin requests per key in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

type memoryRateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*fixedWindow
	now       func() time.Time
	nextSweep time.Time
}

type fixedWindow struct {
	hits int
	ends time.Time
}

// NewMemoryRateLimiter keeps windows in process memory. Expired windows are
// swept lazily from Allow.
func NewMemoryRateLimiter() RateLimiter {
	return &memoryRateLimiter{windows: make(map[string]*fixedWindow), now: time.Now}
}

func (rl *memoryRateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = rateWindow
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.After(rl.nextSweep) {
		rl.sweepLocked(now)
		rl.nextSweep = now.Add(rateLimiterSweepInterval)
	}
	w := rl.windows[key]
	if w == nil || now.After(w.ends) {
		w = &fixedWindow{ends: now.Add(window)}
		rl.windows[key] = w
	}
	if w.hits >= limit {
		return rateDecision{count: w.hits, windowEnd: w.ends}
	}
	w.hits++
	return rateDecision{allowed: true, count: w.hits, windowEnd: w.ends}
}

func (rl *memoryRateLimiter) sweepLocked(now time.Time) {
	for key, w := range rl.windows {
		if now.After(w.ends) {
			delete(rl.windows, key)
		}
	}
}

func (rl *memoryRateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

func (rl *memoryRateLimiter) Close() {}

type redisRateLimiter struct {
	client  redis.UniversalClient
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisRateLimiter shares windows across edge replicas through the route
// store's Redis. The client is owned by the caller.
func NewRedisRateLimiter(client redis.UniversalClient, logger *slog.Logger) RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisRateLimiter{
		client:  client,
		logger:  logger.With("component", "rate_limiter"),
		prefix:  "edge:ratelimit:",
		timeout: 250 * time.Millisecond,
	}
}

// Allow fails open when Redis is unavailable.
func (rl *redisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = rateWindow
	}
	ctx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()

	redisKey := rl.prefix + key
	var (
		incr *redis.IntCmd
		pttl *redis.DurationCmd
	)
	_, err := rl.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		rl.logRedisError("incr", err)
		return rateDecision{allowed: true}
	}
	hits := int(incr.Val())
	ttl := pttl.Val()
	if ttl <= 0 {
		// First hit in the window, or a key that lost its expiry.
		if err := rl.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			rl.logRedisError("expire", err)
		}
		ttl = window
	}
	return rateDecision{
		allowed:   hits <= limit,
		count:     hits,
		windowEnd: time.Now().Add(ttl),
	}
}

func (rl *redisRateLimiter) logRedisError(op string, err error) {
	rl.logger.Error("redis rate limiter error", "op", op, "error", err)
}

func (rl *redisRateLimiter) Close() {}

// withRateLimit throttles next per client address.
func (r *Router) withRateLimit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.rateLimit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		decision := r.limiter.Allow(req.Context(), "ip:"+remoteIP(req), r.rateLimit, rateWindow)
		headers := w.Header()
		remaining := r.rateLimit - decision.count
		if remaining < 0 {
			remaining = 0
		}
		headers.Set("X-RateLimit-Limit", strconv.Itoa(r.rateLimit))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !decision.windowEnd.IsZero() {
			headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
		}
		if !decision.allowed {
			r.metrics.rateLimitHits.WithLabelValues(route, "ip").Inc()
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}
