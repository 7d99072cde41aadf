package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("missing file must fall back to defaults: %v", err)
	}
	if cfg.Bus.QueueSize != 1024 {
		t.Errorf("bus.queue_size = %d, want 1024", cfg.Bus.QueueSize)
	}
	if cfg.Quarantine.MaxStops != 2 || cfg.Quarantine.Block != 4*time.Hour {
		t.Errorf("quarantine defaults = %+v", cfg.Quarantine)
	}
	if cfg.Ops.Port != 8787 {
		t.Errorf("ops.port = %d, want 8787", cfg.Ops.Port)
	}
	if cfg.Venues.Default != "BINANCE" {
		t.Errorf("venues.default = %q", cfg.Venues.Default)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
dry_run: true
guards:
  max_spread_bps: 40
quarantine:
  window: 2h
universe:
  core: [BTCUSDT]
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.DryRun {
		t.Error("dry_run not read")
	}
	if cfg.Guards.MaxSpreadBps != 40 {
		t.Errorf("max_spread_bps = %v, want 40", cfg.Guards.MaxSpreadBps)
	}
	if cfg.Quarantine.Window != 2*time.Hour {
		t.Errorf("quarantine.window = %v, want 2h", cfg.Quarantine.Window)
	}
	if cfg.Quarantine.Block != 4*time.Hour {
		t.Error("unset keys must keep defaults")
	}
	if len(cfg.Universe["core"]) != 1 {
		t.Errorf("universe = %v", cfg.Universe)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DEPEG_GUARD_ENABLED", "true")
	t.Setenv("DEPEG_THRESHOLD_PCT", "0.8")
	t.Setenv("DEPEG_ACTION_COOLDOWN_MIN", "45")
	t.Setenv("OPS_APPROVER_TOKENS", "alice, bob")
	t.Setenv("WS_RECONNECT_BACKOFF_MS", "250")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Depeg.Enabled || cfg.Depeg.ThresholdPct != 0.8 {
		t.Errorf("depeg = %+v", cfg.Depeg)
	}
	if cfg.Depeg.Cooldown != 45*time.Minute {
		t.Errorf("cooldown = %v, want 45m", cfg.Depeg.Cooldown)
	}
	if len(cfg.Ops.Approvers) != 2 || cfg.Ops.Approvers[1] != "bob" {
		t.Errorf("approvers = %v", cfg.Ops.Approvers)
	}
	if cfg.Stream.ReconnectBackoff != 250*time.Millisecond {
		t.Errorf("backoff = %v, want 250ms", cfg.Stream.ReconnectBackoff)
	}
}

func TestMalformedEnvIsFatal(t *testing.T) {
	t.Setenv("DEPEG_THRESHOLD_PCT", "not-a-number")

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("malformed env value must fail the load")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatal(err)
		}
		cfg.DryRun = true
		return cfg
	}

	if err := base().Validate(); err != nil {
		t.Errorf("defaults in dry-run must validate: %v", err)
	}

	cfg := base()
	cfg.Ops.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Error("ops enabled with no token must fail")
	}

	cfg = base()
	cfg.Quarantine.MaxStops = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero quarantine.max_stops must fail")
	}

	cfg = base()
	cfg.DryRun = false
	if err := cfg.Validate(); err == nil {
		t.Error("live mode without venue base_url must fail")
	}
}
