package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultSwapConfig(t *testing.T) {
	cfg := DefaultSwapConfig()
	if cfg.DefaultTimelock != time.Hour {
		t.Errorf("DefaultTimelock = %v, want 1h", cfg.DefaultTimelock)
	}
	if cfg.MinTimelock >= cfg.MaxTimelock {
		t.Error("MinTimelock must be below MaxTimelock")
	}
	if cfg.MatchToleranceBps != 0 {
		t.Errorf("MatchToleranceBps = %d, want 0 (exact)", cfg.MatchToleranceBps)
	}
}

func TestRetryBackoff(t *testing.T) {
	r := DefaultRetryConfig()

	if r.Backoff(0) != r.BaseDelay {
		t.Errorf("Backoff(0) = %v, want %v", r.Backoff(0), r.BaseDelay)
	}
	if r.Backoff(1) != 2*r.BaseDelay {
		t.Errorf("Backoff(1) = %v, want %v", r.Backoff(1), 2*r.BaseDelay)
	}
	// Large attempt counts cap at MaxDelay
	if r.Backoff(50) != r.MaxDelay {
		t.Errorf("Backoff(50) = %v, want %v", r.Backoff(50), r.MaxDelay)
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "crosslock-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.NetworkType != NetworkMainnet {
		t.Errorf("NetworkType = %s, want mainnet", cfg.NetworkType)
	}

	// File should now exist; loading again parses it
	if _, err := os.Stat(filepath.Join(tmpDir, FileName)); err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	cfg2, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if cfg2.Gateway("evm") == nil {
		t.Error("default evm gateway config missing after reload")
	}
}

func TestSwapConfigOverrides(t *testing.T) {
	f := DefaultFile()
	f.Swap.MatchToleranceBps = 50
	f.Swap.ExpiryIntervalSec = 5

	cfg := f.SwapConfig()
	if cfg.MatchToleranceBps != 50 {
		t.Errorf("MatchToleranceBps = %d, want 50", cfg.MatchToleranceBps)
	}
	if cfg.ExpiryInterval != 5*time.Second {
		t.Errorf("ExpiryInterval = %v, want 5s", cfg.ExpiryInterval)
	}
}

func TestGetEVMHTLCContract(t *testing.T) {
	if GetEVMHTLCContract(1) == "" {
		t.Error("mainnet contract address missing")
	}
	if GetEVMHTLCContract(424242) != "" {
		t.Error("unknown chain should have no contract")
	}
}
