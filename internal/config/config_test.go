package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvPollInterval, "")
	t.Setenv(EnvUSBVendors, "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.PollInterval)
	}
	if len(cfg.USBVendors) != 1 || cfg.USBVendors[0] != GoogleVendorID {
		t.Fatalf("unexpected vendors %v", cfg.USBVendors)
	}
	if cfg.FastbootPath != "fastboot" || cfg.BootloaderAttempts != 30 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.BootloaderMaxDelay != 10*time.Second || cfg.UnlockInterval != time.Second {
		t.Fatalf("unexpected poll defaults %+v", cfg)
	}
	if cfg.CacheDir == "" || cfg.HistoryDBPath == "" {
		t.Fatalf("paths should be resolved: %+v", cfg)
	}
}

func TestLoadPollTuning(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvBootloaderBackoff, "3s")
	t.Setenv(EnvBootloaderMaxDelay, "20s")
	t.Setenv(EnvUnlockAttempts, "5")
	t.Setenv(EnvUnlockInterval, "500")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.BootloaderBackoff != 3*time.Second || cfg.BootloaderMaxDelay != 20*time.Second {
		t.Fatalf("unexpected bootloader tuning %+v", cfg)
	}
	if cfg.UnlockAttempts != 5 || cfg.UnlockInterval != 500*time.Millisecond {
		t.Fatalf("unexpected unlock tuning %+v", cfg)
	}

	t.Setenv(EnvBootloaderMaxDelay, "1s")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.BootloaderMaxDelay != 3*time.Second {
		t.Fatalf("max delay below backoff should be raised, got %s", cfg.BootloaderMaxDelay)
	}
}

func TestParseVendorIDs(t *testing.T) {
	ids, err := ParseVendorIDs([]string{"18d1", "0x2717", " "})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != 0x18d1 || ids[1] != 0x2717 {
		t.Fatalf("unexpected ids %v", ids)
	}
	if _, err := ParseVendorIDs([]string{"pixel"}); err == nil {
		t.Fatal("expected error for non-hex vendor")
	}
}
