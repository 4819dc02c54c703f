// Package flashagent assembles the device registry, device sessions and the
// flash executor into one explicit agent context.
package flashagent

import (
	"context"
	"strings"
	"sync"

	"github.com/httprunner/FlashAgent/internal/config"
	"github.com/httprunner/FlashAgent/internal/env"
	"github.com/httprunner/FlashAgent/internal/hostid"
	"github.com/httprunner/FlashAgent/internal/providers/adb"
	"github.com/httprunner/FlashAgent/internal/providers/fastboot"
	"github.com/httprunner/FlashAgent/internal/usbhost"
	"github.com/httprunner/FlashAgent/pkg/catalog"
	"github.com/httprunner/FlashAgent/pkg/device"
	"github.com/httprunner/FlashAgent/pkg/devrecorder"
	"github.com/httprunner/FlashAgent/pkg/flash"
	"github.com/httprunner/FlashAgent/pkg/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

func init() {
	_ = env.Ensure()
}

// Settings is the resolved runtime configuration.
type Settings = config.Config

// LoadSettings reads Settings from the environment and .env.
func LoadSettings() (Settings, error) {
	return config.Load()
}

// ErrCatalogUnavailable is returned by FlashLatest without a catalog.
var ErrCatalogUnavailable = errors.New("bundle catalog not configured")

// BootloaderTool speaks the bootloader protocol and answers mode queries.
type BootloaderTool interface {
	flash.Bootloader
	device.BootloaderDetector
}

// BundleSource resolves the newest build of a codename.
type BundleSource interface {
	LatestBundle(ctx context.Context, codename string) (*flash.Build, error)
}

// Config controls Agent construction. Nil collaborators are built from
// Settings.
type Config struct {
	Settings   Settings
	Host       usbhost.Host
	Bridge     device.Bridge
	Bootloader BootloaderTool
	Fetcher    flash.Fetcher
	Catalog    BundleSource
	Recorder   devrecorder.Recorder
	// DisableHistory skips the local SQLite history.
	DisableHistory bool
}

// Agent owns every long-lived collaborator. Create it with New, start it
// with Init and release it with Dispose.
type Agent struct {
	settings Settings
	host     usbhost.Host
	registry *device.Registry
	sessions *device.Sessions
	executor *flash.Executor
	catalog  BundleSource
	history  *storage.History
	recorder devrecorder.Recorder

	disposeOnce sync.Once
}

// New builds the agent. It does not start watching.
func New(cfg Config) (*Agent, error) {
	settings, err := cfg.Settings.WithDefaults()
	if err != nil {
		return nil, err
	}
	a := &Agent{settings: settings, host: cfg.Host, catalog: cfg.Catalog}
	if a.host == nil {
		a.host = usbhost.NewGousbHost(settings.USBVendors, false)
	}

	var enumerators []usbhost.Enumerator
	bridge := cfg.Bridge
	if bridge == nil {
		provider, err := adb.NewDefault()
		if err != nil {
			log.Warn().Err(err).Msg("debug bridge unavailable, sessions disabled")
		} else {
			bridge = provider
			if settings.EnableADBScan {
				enumerators = append(enumerators, provider)
			}
		}
	} else if enum, ok := bridge.(usbhost.Enumerator); ok && settings.EnableADBScan {
		enumerators = append(enumerators, enum)
	}

	bootloader := cfg.Bootloader
	if bootloader == nil {
		bootloader = fastboot.New(settings.FastbootPath)
	}

	recorders := []devrecorder.Recorder{cfg.Recorder}
	if !cfg.DisableHistory {
		history, err := storage.OpenHistory(settings.HistoryDBPath, hostid.Get(context.Background()))
		if err != nil {
			return nil, errors.Wrap(err, "open flash history")
		}
		a.history = history
		recorders = append(recorders, history)
	}
	if cfg.Recorder == nil {
		remote, err := devrecorder.NewFromConfig(settings)
		if err != nil {
			log.Warn().Err(err).Msg("feishu recorder disabled")
		} else {
			recorders = append(recorders, remote)
		}
	}
	a.recorder = devrecorder.NewMulti(recorders...)

	a.registry = device.NewRegistry(a.host,
		device.WithEnumerators(enumerators...),
		device.WithRecorder(a.recorder),
	)
	a.sessions = device.NewSessions(a.registry, bridge, device.WithBootloaderDetector(bootloader))

	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = flash.NewHTTPFetcher(settings.CacheDir, settings.CatalogAPIKey)
	}
	a.executor = flash.NewExecutor(a.sessions, bootloader, fetcher,
		flash.WithJobRecorder(a.recorder),
		flash.WithSettings(flash.Settings{
			BootloaderAttempts: settings.BootloaderAttempts,
			BootloaderBackoff:  settings.BootloaderBackoff,
			BootloaderMaxDelay: settings.BootloaderMaxDelay,
			UnlockAttempts:     settings.UnlockAttempts,
			UnlockInterval:     settings.UnlockInterval,
		}),
	)

	if a.catalog == nil && settings.CatalogBaseURL != "" {
		client, err := catalog.NewClient(settings.CatalogBaseURL, settings.CatalogAPIKey, nil)
		if err != nil {
			return nil, err
		}
		a.catalog = client
	}
	return a, nil
}

// Init starts watching for devices at the configured interval.
func (a *Agent) Init(ctx context.Context) error {
	if !a.registry.IsSupported() {
		return device.ErrCapabilityUnsupported
	}
	return a.registry.StartWatching(ctx, a.settings.PollInterval)
}

// Dispose stops watching, closes every session and releases storage. Safe
// to call more than once.
func (a *Agent) Dispose() {
	a.disposeOnce.Do(func() {
		a.executor.Cancel()
		a.registry.StopWatching()
		a.sessions.CloseAll()
		if a.history != nil {
			if err := a.history.Close(); err != nil {
				log.Warn().Err(err).Msg("close flash history failed")
			}
		}
		if err := a.host.Close(); err != nil {
			log.Warn().Err(err).Msg("close usb host failed")
		}
	})
}

func (a *Agent) Settings() Settings { return a.settings }
func (a *Agent) Registry() *device.Registry { return a.registry }
func (a *Agent) Sessions() *device.Sessions { return a.sessions }
func (a *Agent) Executor() *flash.Executor { return a.executor }
func (a *Agent) Recorder() devrecorder.Recorder { return a.recorder }

// History returns the local job history, or nil when disabled.
func (a *Agent) History() *storage.History { return a.history }

// FlashLatest resolves the newest build for codename and flashes it. An
// empty codename is read from the device itself.
func (a *Agent) FlashLatest(ctx context.Context, serial, codename string, opts flash.Options) (*flash.Result, error) {
	if a.catalog == nil {
		return nil, ErrCatalogUnavailable
	}
	codename = strings.TrimSpace(codename)
	if codename == "" {
		props, err := a.sessions.GetProperties(ctx, serial)
		if err != nil {
			return nil, err
		}
		if props == nil || props.Codename == "" {
			return nil, errors.Wrapf(flash.ErrInvalidBuild, "cannot determine codename of %s", serial)
		}
		codename = props.Codename
	}
	build, err := a.catalog.LatestBundle(ctx, codename)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve latest bundle for %s", codename)
	}
	log.Info().Str("serial", serial).Str("codename", codename).Str("version", build.Version).Msg("resolved latest bundle")
	opts.DeviceSerial = serial
	opts.Build = build
	return a.executor.StartFlash(ctx, opts)
}
