package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Registry.SweepIntervalSeconds != 10 {
		t.Errorf("unexpected sweep interval: %d", cfg.Registry.SweepIntervalSeconds)
	}
	if cfg.Health.UnhealthyThresholdFailures != 3 {
		t.Errorf("unexpected failure threshold: %d", cfg.Health.UnhealthyThresholdFailures)
	}
	if cfg.Balancer.Strategy != "round_robin" {
		t.Errorf("unexpected strategy: %s", cfg.Balancer.Strategy)
	}
	if cfg.Breaker.FailureThreshold != 0.5 || cfg.Breaker.WindowSize != 20 {
		t.Errorf("unexpected breaker defaults: %+v", cfg.Breaker)
	}
	if cfg.Queue.MaxSize != 1000 {
		t.Errorf("unexpected queue size: %d", cfg.Queue.MaxSize)
	}
	if cfg.Worker.MaxWorkers != 4 {
		t.Errorf("unexpected worker count: %d", cfg.Worker.MaxWorkers)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.Strategy != "exponential" {
		t.Errorf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.API.Port != 8091 {
		t.Errorf("unexpected API port: %d", cfg.API.Port)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.API.Port != 8091 {
		t.Errorf("expected defaults, got port %d", cfg.API.Port)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
api:
  port: 9999
worker:
  maxWorkers: 16
balancer:
  strategy: least_connections
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.API.Port != 9999 {
		t.Errorf("expected overridden port 9999, got %d", cfg.API.Port)
	}
	if cfg.Worker.MaxWorkers != 16 {
		t.Errorf("expected 16 workers, got %d", cfg.Worker.MaxWorkers)
	}
	if cfg.Balancer.Strategy != "least_connections" {
		t.Errorf("expected overridden strategy, got %s", cfg.Balancer.Strategy)
	}

	// Untouched sections keep their defaults.
	if cfg.Queue.MaxSize != 1000 {
		t.Errorf("expected default queue size, got %d", cfg.Queue.MaxSize)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected default retry attempts, got %d", cfg.Retry.MaxAttempts)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("api: [not a map"), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected a parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.API.Port = 7777
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.API.Port != 7777 {
		t.Errorf("expected port 7777 after round trip, got %d", loaded.API.Port)
	}
}

func TestDurationHelpers(t *testing.T) {
	if d := Seconds(30); d != 30*time.Second {
		t.Errorf("Seconds(30): expected 30s, got %s", d)
	}
	if d := FloatSeconds(0.1); d != 100*time.Millisecond {
		t.Errorf("FloatSeconds(0.1): expected 100ms, got %s", d)
	}
}
