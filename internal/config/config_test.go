package config

import (
	"testing"
	"time"

	"github.com/yourorg/nessus-analyzer/internal/archetype"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/analyzer")
	t.Setenv("UPLOADS_BUCKET", "uploads")
	t.Setenv("RESULTS_BUCKET", "results")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("WORKER_CONCURRENCY", "")
	t.Setenv("SCRATCH_DIR", "")
	t.Setenv("STALE_AFTER", "")
	t.Setenv("ARCHETYPE_PROFILE", "")
	t.Setenv("ARCHETYPE_RULES", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerConcurrency != 2 || cfg.ScratchDir != "/scratch" || cfg.StaleAfter != 10*time.Minute {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	rules, err := cfg.Rules()
	if err != nil {
		t.Fatal(err)
	}
	if got := len(rules.Labels()); got != len(archetype.Standard().Labels()) {
		t.Errorf("default profile has %d labels", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("WORKER_CONCURRENCY", "0")
	t.Setenv("STALE_AFTER", "90s")
	t.Setenv("S3_USE_SSL", "true")
	t.Setenv("ARCHETYPE_PROFILE", "extended")
	t.Setenv("ARCHETYPE_RULES", "")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkerConcurrency != 1 {
		t.Errorf("concurrency = %d, want clamped to 1", cfg.WorkerConcurrency)
	}
	if cfg.StaleAfter != 90*time.Second || !cfg.S3UseSSL {
		t.Errorf("unexpected config: %+v", cfg)
	}
	rules, err := cfg.Rules()
	if err != nil {
		t.Fatal(err)
	}
	if rules.Canonical("zeroize") != archetype.Zeroize {
		t.Error("extended profile not selected")
	}
}

func TestLoadRequiresDatabaseAndBuckets(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Error("expected DATABASE_URL error")
	}
	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("UPLOADS_BUCKET", "")
	if _, err := Load(); err == nil {
		t.Error("expected bucket error")
	}
}
