package httpx

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/localvercel/edge/pkg/logger"
)

func TestMemoryRateLimiterWindows(t *testing.T) {
	rl := NewMemoryRateLimiter().(*memoryRateLimiter)
	defer rl.Close()
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		decision := rl.Allow(ctx, "ip:10.0.0.1", 3, time.Minute)
		if !decision.allowed || decision.count != i {
			t.Fatalf("request %d: %+v", i, decision)
		}
	}
	if decision := rl.Allow(ctx, "ip:10.0.0.1", 3, time.Minute); decision.allowed {
		t.Fatalf("fourth request should be denied")
	}
	if decision := rl.Allow(ctx, "ip:10.0.0.2", 3, time.Minute); !decision.allowed {
		t.Fatalf("other keys have their own window")
	}

	now = now.Add(61 * time.Second)
	if decision := rl.Allow(ctx, "ip:10.0.0.1", 3, time.Minute); !decision.allowed || decision.count != 1 {
		t.Fatalf("window should reset: %+v", decision)
	}
	if rl.size() != 2 {
		t.Fatalf("expected 2 windows, got %d", rl.size())
	}

	// The next Allow after the sweep interval drops expired windows.
	now = now.Add(rateLimiterSweepInterval + time.Minute)
	rl.Allow(ctx, "ip:10.0.0.3", 3, time.Minute)
	if rl.size() != 1 {
		t.Fatalf("sweep left %d windows", rl.size())
	}
}

func TestMemoryRateLimiterUnlimited(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()
	for i := 0; i < 10; i++ {
		if !rl.Allow(context.Background(), "k", 0, time.Minute).allowed {
			t.Fatalf("limit 0 must never deny")
		}
	}
}

func TestRedisRateLimiterSharedCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	first := NewRedisRateLimiter(client, logger.Discard())
	second := NewRedisRateLimiter(client, logger.Discard())
	if d := first.Allow(ctx, "ip:10.0.0.1", 2, time.Minute); !d.allowed || d.count != 1 {
		t.Fatalf("first: %+v", d)
	}
	if d := second.Allow(ctx, "ip:10.0.0.1", 2, time.Minute); !d.allowed || d.count != 2 {
		t.Fatalf("second replica shares the window: %+v", d)
	}
	d := first.Allow(ctx, "ip:10.0.0.1", 2, time.Minute)
	if d.allowed {
		t.Fatalf("third request should be denied: %+v", d)
	}
	if d.windowEnd.Before(time.Now()) {
		t.Fatalf("window end should be in the future: %v", d.windowEnd)
	}
	if ttl := mr.TTL("peep:edge:ratelimit:ip:10.0.0.1"); ttl != time.Minute {
		t.Fatalf("expiry = %v", ttl)
	}

	mr.FastForward(61 * time.Second)
	if d := first.Allow(ctx, "ip:10.0.0.1", 2, time.Minute); !d.allowed || d.count != 1 {
		t.Fatalf("window should expire: %+v", d)
	}
}

func TestRedisRateLimiterFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	rl := NewRedisRateLimiter(client, logger.Discard())
	if d := rl.Allow(context.Background(), "ip:10.0.0.1", 1, time.Minute); !d.allowed {
		t.Fatalf("limiter must fail open when redis is down")
	}
}
