package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/httprunner/FlashAgent/internal/env"
	"github.com/pkg/errors"
)

// Environment keys understood by the agent.
const (
	EnvPollInterval       = "FLASHAGENT_POLL_INTERVAL"
	EnvUSBVendors         = "FLASHAGENT_USB_VENDORS"
	EnvEnableADBScan      = "FLASHAGENT_ENABLE_ADB_SCAN"
	EnvFastbootPath       = "FASTBOOT_PATH"
	EnvCacheDir           = "FLASHAGENT_CACHE_DIR"
	EnvBootloaderAttempts = "FLASH_BOOTLOADER_ATTEMPTS"
	EnvBootloaderBackoff  = "FLASH_BOOTLOADER_BACKOFF"
	EnvBootloaderMaxDelay = "FLASH_BOOTLOADER_MAX_DELAY"
	EnvUnlockAttempts     = "FLASH_UNLOCK_ATTEMPTS"
	EnvUnlockInterval     = "FLASH_UNLOCK_INTERVAL"
	EnvCatalogBaseURL     = "CATALOG_BASE_URL"
	EnvCatalogAPIKey      = "CATALOG_API_KEY"
	EnvHistoryDBPath      = "FLASH_HISTORY_DB_PATH"
	EnvFlashBitableURL    = "FLASH_BITABLE_URL"
	EnvDeviceBitableURL   = "DEVICE_BITABLE_URL"

	defaultHomeDir = ".flashagent"
)

// GoogleVendorID is the USB vendor id of Pixel devices in every boot mode.
const GoogleVendorID uint16 = 0x18d1

// Config is the resolved runtime configuration of the agent.
type Config struct {
	PollInterval       time.Duration
	USBVendors         []uint16
	EnableADBScan      bool
	FastbootPath       string
	CacheDir           string
	BootloaderAttempts int
	BootloaderBackoff  time.Duration
	BootloaderMaxDelay time.Duration
	UnlockAttempts     int
	UnlockInterval     time.Duration
	CatalogBaseURL     string
	CatalogAPIKey      string
	HistoryDBPath      string
	FlashBitableURL    string
	DeviceBitableURL   string
}

// Load reads the configuration from the environment (and .env).
func Load() (Config, error) {
	vendors, err := ParseVendorIDs(env.List(EnvUSBVendors, nil))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		PollInterval:       env.Duration(EnvPollInterval, 0),
		USBVendors:         vendors,
		EnableADBScan:      env.Bool(EnvEnableADBScan, true),
		FastbootPath:       env.String(EnvFastbootPath, ""),
		CacheDir:           env.String(EnvCacheDir, ""),
		BootloaderAttempts: env.Int(EnvBootloaderAttempts, 0),
		BootloaderBackoff:  env.Duration(EnvBootloaderBackoff, 0),
		BootloaderMaxDelay: env.Duration(EnvBootloaderMaxDelay, 0),
		UnlockAttempts:     env.Int(EnvUnlockAttempts, 0),
		UnlockInterval:     env.Duration(EnvUnlockInterval, 0),
		CatalogBaseURL:     env.String(EnvCatalogBaseURL, ""),
		CatalogAPIKey:      env.String(EnvCatalogAPIKey, ""),
		HistoryDBPath:      env.String(EnvHistoryDBPath, ""),
		FlashBitableURL:    env.String(EnvFlashBitableURL, ""),
		DeviceBitableURL:   env.String(EnvDeviceBitableURL, ""),
	}
	return cfg.WithDefaults()
}

// WithDefaults fills zero values. Paths under the user's home are resolved here.
func (c Config) WithDefaults() (Config, error) {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if len(c.USBVendors) == 0 {
		c.USBVendors = []uint16{GoogleVendorID}
	}
	if strings.TrimSpace(c.FastbootPath) == "" {
		c.FastbootPath = "fastboot"
	}
	if c.BootloaderAttempts <= 0 {
		c.BootloaderAttempts = 30
	}
	if c.BootloaderBackoff <= 0 {
		c.BootloaderBackoff = 2 * time.Second
	}
	if c.BootloaderMaxDelay <= 0 {
		c.BootloaderMaxDelay = 10 * time.Second
	}
	if c.BootloaderMaxDelay < c.BootloaderBackoff {
		c.BootloaderMaxDelay = c.BootloaderBackoff
	}
	if c.UnlockAttempts <= 0 {
		c.UnlockAttempts = 60
	}
	if c.UnlockInterval <= 0 {
		c.UnlockInterval = time.Second
	}
	c.CatalogBaseURL = strings.TrimRight(strings.TrimSpace(c.CatalogBaseURL), "/")
	if c.CacheDir == "" || c.HistoryDBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return c, errors.Wrap(err, "config: locate user home failed")
		}
		if c.CacheDir == "" {
			c.CacheDir = filepath.Join(home, defaultHomeDir, "bundles")
		}
		if c.HistoryDBPath == "" {
			c.HistoryDBPath = filepath.Join(home, defaultHomeDir, "history.sqlite")
		}
	}
	return c, nil
}

// ParseVendorIDs parses hex vendor ids such as "18d1" or "0x18D1".
func ParseVendorIDs(values []string) ([]uint16, error) {
	out := make([]uint16, 0, len(values))
	for _, raw := range values {
		trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
		if trimmed == "" {
			continue
		}
		id, err := strconv.ParseUint(trimmed, 16, 16)
		if err != nil {
			return nil, errors.Wrapf(err, "config: invalid usb vendor id %q", raw)
		}
		out = append(out, uint16(id))
	}
	return out, nil
}
