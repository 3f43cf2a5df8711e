package config

import (
	"strings"
	"testing"
	"time"
)

func TestGettersFallBackOnInvalidValues(t *testing.T) {
	t.Setenv("EDGE_TEST_INT", "not-a-number")
	t.Setenv("EDGE_TEST_BOOL", "maybe")
	t.Setenv("EDGE_TEST_BLANK", "   ")
	t.Setenv("EDGE_TEST_SECONDS", " 45 ")

	if got := GetInt("EDGE_TEST_INT", 7); got != 7 {
		t.Fatalf("GetInt = %d, want fallback 7", got)
	}
	if got := GetBool("EDGE_TEST_BOOL", true); !got {
		t.Fatalf("GetBool should fall back to true")
	}
	if got := GetInt("EDGE_TEST_BLANK", 3); got != 3 {
		t.Fatalf("blank values count as unset, got %d", got)
	}
	if got := GetSeconds("EDGE_TEST_SECONDS", 1); got != 45*time.Second {
		t.Fatalf("GetSeconds = %v", got)
	}
	if got := GetMillis("EDGE_TEST_UNSET_MS", 250); got != 250*time.Millisecond {
		t.Fatalf("GetMillis = %v", got)
	}
}

func TestLoadEdgeConfigFromEnvironment(t *testing.T) {
	t.Setenv("EDGE_WATCH_ROOT", "/srv/sites")
	t.Setenv("ROUTE_STORE", "memory")
	t.Setenv("WATCH_DEBOUNCE_MS", "100")
	t.Setenv("EDGE_WATCH_NOTIFY", "false")
	t.Setenv("DEPLOY_WORKERS", "8")

	cfg := LoadEdgeConfig()
	if cfg.WatchRoot != "/srv/sites" || cfg.RouteStore != "memory" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.WatchDebounce != 100*time.Millisecond || cfg.WatchNotify || cfg.DeployWorkers != 8 {
		t.Fatalf("unexpected watch settings: debounce=%v notify=%v workers=%d", cfg.WatchDebounce, cfg.WatchNotify, cfg.DeployWorkers)
	}
	if cfg.RouteCacheTTL != 60*time.Second {
		t.Fatalf("default cache ttl = %v", cfg.RouteCacheTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := EdgeConfig{
		RouteStore:    "etcd",
		StatusStore:   "memory",
		Supervisor:    "docker",
		DeployWorkers: 0,
		UploadMaxMB:   10,
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"EDGE_WATCH_ROOT", "ROUTE_STORE", "DEPLOY_WORKERS"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
	if strings.Contains(err.Error(), "STATUS_STORE") {
		t.Fatalf("memory status store is valid: %v", err)
	}
}
