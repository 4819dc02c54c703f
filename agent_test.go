package flashagent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/httprunner/FlashAgent/internal/usbhost"
	"github.com/httprunner/FlashAgent/pkg/device"
	"github.com/httprunner/FlashAgent/pkg/flash"
	"github.com/httprunner/FlashAgent/pkg/storage"
)

type stubHost struct {
	supported bool
	devices   []usbhost.Descriptor
	closed    int
}

func (h *stubHost) Devices(ctx context.Context) ([]usbhost.Descriptor, error) {
	return h.devices, nil
}

func (h *stubHost) Supported() bool { return h.supported }

func (h *stubHost) RequestAccess(ctx context.Context) (*usbhost.Descriptor, error) {
	return nil, nil
}

func (h *stubHost) Watch(ctx context.Context, onChange func()) (func(), error) {
	return nil, usbhost.ErrEventsUnsupported
}

func (h *stubHost) Close() error {
	h.closed++
	return nil
}

type stubTransport struct {
	props   map[string]string
	reboots []string
}

func (t *stubTransport) Shell(ctx context.Context, args ...string) (string, error) {
	if len(args) == 2 && args[0] == "getprop" {
		return t.props[args[1]] + "\n", nil
	}
	return "", nil
}

func (t *stubTransport) Reboot(ctx context.Context, target string) error {
	t.reboots = append(t.reboots, target)
	return nil
}

func (t *stubTransport) Close() error { return nil }

type stubBridge struct {
	transport *stubTransport
}

func (b *stubBridge) Connect(ctx context.Context, serial string) (device.Transport, error) {
	return b.transport, nil
}

type stubTool struct {
	mu      sync.Mutex
	vars    map[string]string
	flashed []string
	reboots []string
}

func (s *stubTool) InBootloader(ctx context.Context, serial string) (bool, error) {
	return true, nil
}

func (s *stubTool) GetVar(ctx context.Context, serial, name string) (string, error) {
	return s.vars[name], nil
}

func (s *stubTool) Flash(ctx context.Context, serial, partition, image string, extra ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flashed = append(s.flashed, partition)
	return nil
}

func (s *stubTool) Reboot(ctx context.Context, serial, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reboots = append(s.reboots, target)
	return nil
}

func (s *stubTool) Unlock(ctx context.Context, serial string) error { return nil }

type stubCatalog struct {
	dir       string
	requested []string
}

func (c *stubCatalog) LatestBundle(ctx context.Context, codename string) (*flash.Build, error) {
	c.requested = append(c.requested, codename)
	return &flash.Build{Codename: codename, Version: "AP2A.240805.005", URL: c.dir}, nil
}

type captureRecorder struct {
	mu      sync.Mutex
	devices []device.Update
	jobs    []flash.JobRecord
}

func (r *captureRecorder) UpsertDevices(ctx context.Context, updates []device.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, updates...)
	return nil
}

func (r *captureRecorder) UpsertJob(ctx context.Context, rec flash.JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, rec)
	return nil
}

func writeBundle(t *testing.T, codename string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{
		"bootloader-" + codename + "-1.0.img",
		"radio-" + codename + "-1.0.img",
		"boot.img", "vendor_boot.img", "dtbo.img",
		"super_1.img", "super_2.img",
		"vbmeta.img",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

type harness struct {
	agent     *Agent
	host      *stubHost
	transport *stubTransport
	tool      *stubTool
	catalog   *stubCatalog
	recorder  *captureRecorder
}

func newHarness(t *testing.T, withCatalog bool) *harness {
	t.Helper()
	h := &harness{
		host: &stubHost{supported: true, devices: []usbhost.Descriptor{{
			VendorID: 0x18d1, ProductID: 0x4ee7, Serial: "A1",
			Manufacturer: "Google", Product: "Pixel 7",
			Mode: usbhost.ModeADB, Connection: usbhost.ConnectionUSB,
		}}},
		transport: &stubTransport{props: map[string]string{
			"ro.product.device":      "panther",
			"ro.product.model":       "Pixel 7",
			"sys.oem_unlock_allowed": "1",
		}},
		tool:     &stubTool{vars: map[string]string{"product": "panther", "unlocked": "yes"}},
		recorder: &captureRecorder{},
	}
	cfg := Config{
		Settings: Settings{
			PollInterval:      20 * time.Millisecond,
			CacheDir:          t.TempDir(),
			HistoryDBPath:     filepath.Join(t.TempDir(), "history.sqlite"),
			BootloaderBackoff: time.Millisecond,
		},
		Host:       h.host,
		Bridge:     &stubBridge{transport: h.transport},
		Bootloader: h.tool,
		Recorder:   h.recorder,
	}
	if withCatalog {
		h.catalog = &stubCatalog{dir: writeBundle(t, "panther")}
		cfg.Catalog = h.catalog
	}
	agent, err := New(cfg)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	t.Cleanup(agent.Dispose)
	h.agent = agent
	return h
}

func TestAgentFlashLatestReadsCodenameFromDevice(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if err := h.agent.Registry().Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	res, err := h.agent.FlashLatest(ctx, "A1", "", flash.Options{})
	if err != nil {
		t.Fatalf("flash latest: %v", err)
	}
	if res.State != flash.StateComplete || res.Progress != 100 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(h.catalog.requested) != 1 || h.catalog.requested[0] != "panther" {
		t.Fatalf("expected catalog lookup for panther, got %v", h.catalog.requested)
	}
	if len(h.transport.reboots) != 1 || h.transport.reboots[0] != "bootloader" {
		t.Fatalf("expected one bootloader reboot over the debug bridge, got %v", h.transport.reboots)
	}
	want := []string{"bootloader", "radio", "boot", "vendor_boot", "dtbo", "super", "super", "vbmeta"}
	if len(h.tool.flashed) != len(want) {
		t.Fatalf("flashed %v, want %v", h.tool.flashed, want)
	}
	for i := range want {
		if h.tool.flashed[i] != want[i] {
			t.Fatalf("flashed %v, want %v", h.tool.flashed, want)
		}
	}
	if last := h.tool.reboots[len(h.tool.reboots)-1]; last != "" {
		t.Fatalf("expected final reboot into the OS, got %q", last)
	}

	jobs, err := h.agent.History().ListJobs(ctx, storage.JobFilter{Serial: "A1"})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].State != flash.StateComplete || jobs[0].Codename != "panther" {
		t.Fatalf("unexpected history %+v", jobs)
	}
	if len(h.recorder.jobs) == 0 || h.recorder.jobs[len(h.recorder.jobs)-1].State != flash.StateComplete {
		t.Fatal("external recorder did not see the terminal job state")
	}
	if len(h.recorder.devices) == 0 || h.recorder.devices[0].Event != device.EventConnected {
		t.Fatalf("expected a connected device update, got %+v", h.recorder.devices)
	}
}

func TestAgentFlashLatestWithoutCatalog(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.agent.FlashLatest(context.Background(), "A1", "panther", flash.Options{})
	if !errors.Is(err, ErrCatalogUnavailable) {
		t.Fatalf("expected ErrCatalogUnavailable, got %v", err)
	}
}

func TestAgentPassesPollTuningToExecutor(t *testing.T) {
	agent, err := New(Config{
		Settings: Settings{
			CacheDir:           t.TempDir(),
			HistoryDBPath:      filepath.Join(t.TempDir(), "history.sqlite"),
			BootloaderAttempts: 7,
			BootloaderBackoff:  time.Second,
			BootloaderMaxDelay: 4 * time.Second,
			UnlockAttempts:     9,
			UnlockInterval:     250 * time.Millisecond,
		},
		Host:       &stubHost{supported: true},
		Bridge:     &stubBridge{transport: &stubTransport{}},
		Bootloader: &stubTool{},
		Recorder:   &captureRecorder{},
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	t.Cleanup(agent.Dispose)

	got := agent.Executor().Settings()
	want := flash.Settings{
		BootloaderAttempts: 7,
		BootloaderBackoff:  time.Second,
		BootloaderMaxDelay: 4 * time.Second,
		UnlockAttempts:     9,
		UnlockInterval:     250 * time.Millisecond,
	}
	if got != want {
		t.Fatalf("executor settings = %+v, want %+v", got, want)
	}
}

func TestAgentInitAndDispose(t *testing.T) {
	h := newHarness(t, false)
	if err := h.agent.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !h.agent.Registry().Watching() {
		t.Fatal("expected registry to watch after Init")
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(h.agent.Registry().List()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("device never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.agent.Dispose()
	h.agent.Dispose()
	if h.agent.Registry().Watching() {
		t.Fatal("expected watching to stop on Dispose")
	}
	if h.host.closed != 1 {
		t.Fatalf("expected host closed once, got %d", h.host.closed)
	}
}

func TestAgentInitUnsupportedHost(t *testing.T) {
	h := newHarness(t, false)
	h.host.supported = false
	if err := h.agent.Init(context.Background()); !errors.Is(err, device.ErrCapabilityUnsupported) {
		t.Fatalf("expected ErrCapabilityUnsupported, got %v", err)
	}
}
