package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/httprunner/FlashAgent/internal/usbhost"
)

type stubHost struct {
	mu        sync.Mutex
	supported bool
	devices   []usbhost.Descriptor
	err       error
	granted   *usbhost.Descriptor
	calls     int
}

func (h *stubHost) Devices(ctx context.Context) ([]usbhost.Descriptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	out := make([]usbhost.Descriptor, len(h.devices))
	copy(out, h.devices)
	return out, nil
}

func (h *stubHost) set(devices ...usbhost.Descriptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices = devices
	h.err = nil
}

func (h *stubHost) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
}

func (h *stubHost) pollCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *stubHost) Supported() bool { return h.supported }

func (h *stubHost) RequestAccess(ctx context.Context) (*usbhost.Descriptor, error) {
	if h.granted == nil {
		return nil, nil
	}
	h.set(append(h.devices, *h.granted)...)
	return h.granted, nil
}

func (h *stubHost) Watch(ctx context.Context, onChange func()) (func(), error) {
	return nil, usbhost.ErrEventsUnsupported
}

func (h *stubHost) Close() error { return nil }

type stubRecorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *stubRecorder) UpsertDevices(ctx context.Context, updates []Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, updates...)
	return nil
}

func usbDevice(serial string) usbhost.Descriptor {
	return usbhost.Descriptor{
		VendorID:  0x18d1,
		ProductID: 0x4ee7,
		Serial:    serial,
		Product:   "Pixel 7",
		Mode:      usbhost.ModeADB,
	}
}

func TestRegistryPollTracksConnectAndDisconnect(t *testing.T) {
	host := &stubHost{supported: true}
	recorder := &stubRecorder{}
	registry := NewRegistry(host, WithRecorder(recorder))

	var connected, disconnected []string
	registry.OnConnected(func(rec Record) { connected = append(connected, rec.Serial) })
	registry.OnDisconnected(func(rec Record) { disconnected = append(disconnected, rec.Serial) })

	ctx := context.Background()
	host.set(usbDevice("ABC123"), usbDevice("DEF456"))
	if err := registry.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if len(connected) != 2 || connected[0] != "ABC123" || connected[1] != "DEF456" {
		t.Fatalf("unexpected connected events: %v", connected)
	}
	rec, ok := registry.Get("ABC123")
	if !ok {
		t.Fatal("ABC123 should be tracked")
	}
	if rec.State != StateDisconnected {
		t.Fatalf("new record state = %s, want %s", rec.State, StateDisconnected)
	}
	if rec.Model != "Pixel 7" || rec.Connection != ConnectionUSB || rec.Mode != usbhost.ModeADB {
		t.Fatalf("unexpected record fields: %+v", rec)
	}

	host.set(usbDevice("DEF456"))
	for i := 0; i < 3; i++ {
		if err := registry.Poll(ctx); err != nil {
			t.Fatalf("poll %d failed: %v", i, err)
		}
	}
	if len(disconnected) != 1 || disconnected[0] != "ABC123" {
		t.Fatalf("expected exactly one disconnect for ABC123, got %v", disconnected)
	}
	list := registry.List()
	if len(list) != 1 || list[0].Serial != "DEF456" {
		t.Fatalf("unexpected list after disconnect: %+v", list)
	}
	if len(connected) != 2 {
		t.Fatalf("present devices must not re-fire connected: %v", connected)
	}

	var offline int
	for _, u := range recorder.updates {
		if u.Event == EventDisconnected {
			offline++
			if u.Record.Serial != "ABC123" || u.Record.State != StateDisconnected {
				t.Fatalf("unexpected offline update: %+v", u)
			}
		}
	}
	if offline != 1 {
		t.Fatalf("expected one offline update, got %d", offline)
	}
}

func TestRegistryPollKeepsStateForPresentDevices(t *testing.T) {
	host := &stubHost{supported: true}
	now := time.Unix(1_700_000_000, 0)
	registry := NewRegistry(host, WithClock(func() time.Time { return now }))
	host.set(usbDevice("ABC123"))
	if err := registry.Poll(context.Background()); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	registry.SetState("ABC123", StateDevice)

	now = now.Add(2 * time.Second)
	if err := registry.Poll(context.Background()); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	rec, _ := registry.Get("ABC123")
	if rec.State != StateDevice {
		t.Fatalf("poll must not reset state, got %s", rec.State)
	}
	if !rec.LastSeen.Equal(now) {
		t.Fatalf("last seen not refreshed: %v", rec.LastSeen)
	}
}

func TestRegistryEnumerationFailureKeepsDevices(t *testing.T) {
	host := &stubHost{supported: true}
	registry := NewRegistry(host)
	disconnects := 0
	registry.OnDisconnected(func(Record) { disconnects++ })

	host.set(usbDevice("ABC123"))
	if err := registry.Poll(context.Background()); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	host.fail(errors.New("libusb: busy"))
	if err := registry.Poll(context.Background()); err == nil {
		t.Fatal("expected enumeration error")
	}
	if disconnects != 0 {
		t.Fatalf("enumeration failure fired %d disconnects", disconnects)
	}
	if len(registry.List()) != 1 {
		t.Fatalf("tracked set changed on failure: %+v", registry.List())
	}
}

func TestRegistryObserverOrderAndUnregister(t *testing.T) {
	host := &stubHost{supported: true}
	registry := NewRegistry(host)

	var calls []string
	registry.OnConnected(func(Record) { calls = append(calls, "first") })
	unregister := registry.OnConnected(func(Record) { calls = append(calls, "second") })
	registry.OnConnected(func(Record) { calls = append(calls, "third") })

	host.set(usbDevice("A1"))
	_ = registry.Poll(context.Background())
	want := []string{"first", "second", "third"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}

	unregister()
	unregister()
	calls = nil
	host.set(usbDevice("A1"), usbDevice("B2"))
	_ = registry.Poll(context.Background())
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "third" {
		t.Fatalf("unexpected calls after unregister: %v", calls)
	}
}

func TestRegistryFlagsCollidingFallbackSerials(t *testing.T) {
	host := &stubHost{supported: true}
	registry := NewRegistry(host)
	unnamed := usbhost.Descriptor{VendorID: 0x18d1, ProductID: 0x4ee0, Mode: usbhost.ModeFastboot}
	host.set(unnamed, unnamed)

	if err := registry.Poll(context.Background()); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	list := registry.List()
	if len(list) != 1 {
		t.Fatalf("expected one fallback record, got %+v", list)
	}
	rec := list[0]
	if rec.Serial != "usb-18d1-4ee0" || !rec.Fallback || !rec.Ambiguous {
		t.Fatalf("unexpected fallback record: %+v", rec)
	}
	if !registry.IsAmbiguous("usb-18d1-4ee0") {
		t.Fatal("IsAmbiguous should report the collision")
	}

	host.set(unnamed)
	_ = registry.Poll(context.Background())
	if registry.IsAmbiguous("usb-18d1-4ee0") {
		t.Fatal("single fallback device should clear the ambiguity flag")
	}
}

func TestRegistryMergesWirelessEnumerator(t *testing.T) {
	host := &stubHost{supported: true}
	wireless := &stubHost{supported: true}
	wireless.set(usbhost.Descriptor{Serial: "192.168.1.20:5555", Mode: usbhost.ModeADB, Connection: usbhost.ConnectionWireless})
	registry := NewRegistry(host, WithEnumerators(wireless))

	if err := registry.Poll(context.Background()); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	rec, ok := registry.Get("192.168.1.20:5555")
	if !ok || rec.Connection != ConnectionWireless {
		t.Fatalf("wireless device not tracked: %+v", rec)
	}
}

func TestRegistryWirelessFailureStillReconcilesUSB(t *testing.T) {
	host := &stubHost{supported: true}
	wireless := &stubHost{supported: true}
	host.set(usbDevice("ABC123"))
	wireless.set(usbhost.Descriptor{Serial: "192.168.1.20:5555", Mode: usbhost.ModeADB, Connection: usbhost.ConnectionWireless})
	registry := NewRegistry(host, WithEnumerators(wireless))
	var disconnected []string
	registry.OnDisconnected(func(rec Record) { disconnected = append(disconnected, rec.Serial) })

	if err := registry.Poll(context.Background()); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	wireless.fail(errors.New("adb server not running"))
	host.set()
	if err := registry.Poll(context.Background()); err != nil {
		t.Fatalf("secondary source failure should not fail the poll: %v", err)
	}
	if len(disconnected) != 1 || disconnected[0] != "ABC123" {
		t.Fatalf("expected USB device to disconnect, got %v", disconnected)
	}
	if _, ok := registry.Get("192.168.1.20:5555"); !ok {
		t.Fatal("wireless record should be kept while its source is failing")
	}
}

func TestRegistryUnsupportedHost(t *testing.T) {
	registry := NewRegistry(&stubHost{})
	if registry.IsSupported() {
		t.Fatal("expected unsupported")
	}
	if err := registry.StartWatching(context.Background(), time.Second); !errors.Is(err, ErrCapabilityUnsupported) {
		t.Fatalf("StartWatching err = %v", err)
	}
	if _, err := registry.RequestAccess(context.Background()); !errors.Is(err, ErrCapabilityUnsupported) {
		t.Fatalf("RequestAccess err = %v", err)
	}
}

func TestRegistryRequestAccess(t *testing.T) {
	host := &stubHost{supported: true}
	registry := NewRegistry(host)

	rec, err := registry.RequestAccess(context.Background())
	if err != nil || rec != nil {
		t.Fatalf("dismissed prompt should be (nil, nil), got %+v, %v", rec, err)
	}

	granted := usbDevice("ABC123")
	host.granted = &granted
	rec, err = registry.RequestAccess(context.Background())
	if err != nil {
		t.Fatalf("request access failed: %v", err)
	}
	if rec == nil || rec.Serial != "ABC123" {
		t.Fatalf("unexpected granted record: %+v", rec)
	}
}

func TestRegistryWatchingIsIdempotent(t *testing.T) {
	host := &stubHost{supported: true}
	host.set(usbDevice("ABC123"))
	registry := NewRegistry(host)

	ctx := context.Background()
	if err := registry.StartWatching(ctx, 10*time.Millisecond); err != nil {
		t.Fatalf("start watching: %v", err)
	}
	if err := registry.StartWatching(ctx, 10*time.Millisecond); err != nil {
		t.Fatalf("second start watching: %v", err)
	}
	if !registry.Watching() {
		t.Fatal("expected watching")
	}

	deadline := time.Now().Add(2 * time.Second)
	for host.pollCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if host.pollCount() < 2 {
		t.Fatal("poll loop did not tick")
	}
	if _, ok := registry.Get("ABC123"); !ok {
		t.Fatal("watched device not tracked")
	}

	registry.StopWatching()
	registry.StopWatching()
	if registry.Watching() {
		t.Fatal("expected stopped")
	}
	after := host.pollCount()
	time.Sleep(30 * time.Millisecond)
	if host.pollCount() != after {
		t.Fatal("poll loop kept running after stop")
	}
}
