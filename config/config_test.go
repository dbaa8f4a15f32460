package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JobPollIntervalMs != 2000 {
		t.Fatalf("JobPollIntervalMs = %d, want default 2000", cfg.JobPollIntervalMs)
	}
	if cfg.Network != "regtest" {
		t.Fatalf("Network = %q, want default regtest", cfg.Network)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	body := "network: testnet\nbind_address: \"127.0.0.1:13333\"\ndefault_diff_units: 1000000\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network != "testnet" {
		t.Fatalf("Network = %q, want testnet", cfg.Network)
	}
	if cfg.BindAddress != "127.0.0.1:13333" {
		t.Fatalf("BindAddress = %q", cfg.BindAddress)
	}
	if cfg.DefaultDiffUnits != 1_000_000 {
		t.Fatalf("DefaultDiffUnits = %d", cfg.DefaultDiffUnits)
	}
	// Fields the file omits keep their defaults.
	if cfg.JobPollIntervalMs != 2000 {
		t.Fatalf("JobPollIntervalMs = %d, want 2000", cfg.JobPollIntervalMs)
	}
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	if err := os.WriteFile(path, []byte("network: testnet\n"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	t.Setenv("POOL_NETWORK", "simnet")
	t.Setenv("POOL_JOB_POLL_INTERVAL_MS", "500")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network != "simnet" {
		t.Fatalf("Network = %q, want env override simnet", cfg.Network)
	}
	if cfg.JobPollIntervalMs != 500 {
		t.Fatalf("JobPollIntervalMs = %d, want env override 500", cfg.JobPollIntervalMs)
	}
}
