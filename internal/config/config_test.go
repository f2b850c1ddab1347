package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "balance.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file treated as error: %v", err)
	}
	if cfg.TickInterval.Std() != time.Second || cfg.Speed != 1.0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.MarketProbabilities.Stable != 0.60 {
		t.Fatalf("stable probability = %g, want 0.60", cfg.MarketProbabilities.Stable)
	}
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	path := writeConfig(t, `
tick_interval: 250ms
speed: 4
storage:
  rebalance_threshold: 0.35
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TickInterval.Std() != 250*time.Millisecond || cfg.Speed != 4 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Storage.RebalanceThreshold != 0.35 {
		t.Fatalf("nested override = %g, want 0.35", cfg.Storage.RebalanceThreshold)
	}
	// Untouched knobs keep their defaults.
	if cfg.MaxTransferBatch != 10000 || cfg.ResolvedHold.Std() != 5*time.Second {
		t.Fatalf("defaults clobbered: %+v", cfg)
	}
}

func TestDurationAcceptsStringsAndNanoseconds(t *testing.T) {
	path := writeConfig(t, `
rebalance_interval: 1m30s
resolved_hold: 2500000000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RebalanceInterval.Std() != 90*time.Second {
		t.Fatalf("string duration = %v, want 1m30s", cfg.RebalanceInterval.Std())
	}
	if cfg.ResolvedHold.Std() != 2500*time.Millisecond {
		t.Fatalf("integer duration = %v, want 2.5s", cfg.ResolvedHold.Std())
	}

	bad := writeConfig(t, "tick_interval: soonish\n")
	if _, err := Load(bad); err == nil {
		t.Fatal("unparseable duration accepted")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "speed: [not a number\n")
	if _, err := Load(path); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}

func TestLoadRejectsBadProbabilities(t *testing.T) {
	path := writeConfig(t, `
market_probabilities:
  stable: 0.9
  volatile: 0.9
  bullish: 0.0
  bearish: 0.0
`)
	if _, err := Load(path); err == nil {
		t.Fatal("probabilities summing to 1.8 accepted")
	}
}

func TestLoadRejectsInvalidBatchBounds(t *testing.T) {
	path := writeConfig(t, `
min_transfer_batch: 100
max_transfer_batch: 5
`)
	if _, err := Load(path); err == nil {
		t.Fatal("inverted batch bounds accepted")
	}
}
