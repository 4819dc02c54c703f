package device

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/FlashAgent/internal/usbhost"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultPollInterval is used when StartWatching gets a non-positive interval.
const DefaultPollInterval = 2 * time.Second

// Registry reconciles the set of visible devices against an internal map
// keyed by serial and notifies observers on appearance/disappearance.
type Registry struct {
	host     usbhost.Host
	extra    []usbhost.Enumerator
	recorder Recorder
	now      func() time.Time

	pollMu    sync.Mutex
	extraLast [][]usbhost.Descriptor

	mu      sync.RWMutex
	devices map[string]*Record

	connected    observers
	disconnected observers

	watchMu  sync.Mutex
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithEnumerators adds secondary device sources (e.g. wireless debug bridge).
func WithEnumerators(extra ...usbhost.Enumerator) RegistryOption {
	return func(r *Registry) { r.extra = append(r.extra, extra...) }
}

// WithRecorder pushes connect/disconnect snapshots to rec.
func WithRecorder(rec Recorder) RegistryOption {
	return func(r *Registry) { r.recorder = rec }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry builds a registry over host.
func NewRegistry(host usbhost.Host, opts ...RegistryOption) *Registry {
	r := &Registry{
		host:    host,
		now:     time.Now,
		devices: make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsSupported reports whether the host exposes USB access.
func (r *Registry) IsSupported() bool {
	return r != nil && r.host != nil && r.host.Supported()
}

// RequestAccess asks the host for a new device. A dismissed prompt yields
// (nil, nil).
func (r *Registry) RequestAccess(ctx context.Context) (*Record, error) {
	if !r.IsSupported() {
		return nil, ErrCapabilityUnsupported
	}
	desc, err := r.host.RequestAccess(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "request usb access")
	}
	if desc == nil {
		return nil, nil
	}
	if err := r.Poll(ctx); err != nil {
		return nil, err
	}
	serial, _ := desc.Key()
	rec, ok := r.Get(serial)
	if !ok {
		return nil, errors.Wrapf(ErrDeviceNotFound, "granted device %s not visible", serial)
	}
	return &rec, nil
}

// OnConnected registers fn and returns its unregister function.
func (r *Registry) OnConnected(fn func(Record)) func() {
	return r.connected.add(fn)
}

// OnDisconnected registers fn and returns its unregister function.
func (r *Registry) OnDisconnected(fn func(Record)) func() {
	return r.disconnected.add(fn)
}

// List returns a snapshot of all tracked records.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.devices))
	for _, rec := range r.devices {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

// Get returns the record for serial.
func (r *Registry) Get(serial string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.devices[strings.TrimSpace(serial)]; ok {
		return *rec, true
	}
	return Record{}, false
}

// IsAmbiguous reports whether serial is a colliding fallback key.
func (r *Registry) IsAmbiguous(serial string) bool {
	rec, ok := r.Get(serial)
	return ok && rec.Ambiguous
}

// SetState records a session-driven state change.
func (r *Registry) SetState(serial string, state State) {
	r.mu.Lock()
	rec, ok := r.devices[serial]
	if ok && rec.State != state {
		log.Info().Str("serial", serial).Str("from", string(rec.State)).Str("to", string(state)).Msg("device state changed")
		rec.State = state
	}
	r.mu.Unlock()
}

// UpdateProperties stores identity read over the debug bridge.
func (r *Registry) UpdateProperties(serial, codename, model, deviceName string) {
	r.mu.Lock()
	rec, ok := r.devices[serial]
	if ok {
		if codename != "" {
			rec.Codename = codename
		}
		if model != "" {
			rec.Model = model
		}
		if deviceName != "" {
			rec.DeviceName = deviceName
		}
	}
	var snapshot Record
	if ok {
		snapshot = *rec
	}
	r.mu.Unlock()
	if ok {
		r.record(context.Background(), []Update{{Record: snapshot, Event: EventUpdated}})
	}
}

// StartWatching polls every interval until StopWatching. Repeated calls while
// watching are no-ops. Native attach/detach events, when the host has them,
// trigger an extra poll.
func (r *Registry) StartWatching(ctx context.Context, interval time.Duration) error {
	if !r.IsSupported() {
		return ErrCapabilityUnsupported
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.stopLoop != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	trigger := make(chan struct{}, 1)
	unsubscribe, err := r.host.Watch(loopCtx, func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	})
	if err != nil {
		if !errors.Is(err, usbhost.ErrEventsUnsupported) {
			log.Warn().Err(err).Msg("usb event subscription failed, polling only")
		}
		unsubscribe = nil
	}
	done := make(chan struct{})
	r.stopLoop = cancel
	r.loopDone = done
	log.Info().Dur("interval", interval).Msg("start watching devices")
	go r.loop(loopCtx, interval, trigger, unsubscribe, done)
	return nil
}

func (r *Registry) loop(ctx context.Context, interval time.Duration, trigger <-chan struct{}, unsubscribe func(), done chan struct{}) {
	defer close(done)
	if unsubscribe != nil {
		defer unsubscribe()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.pollLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollLogged(ctx)
		case <-trigger:
			r.pollLogged(ctx)
		}
	}
}

func (r *Registry) pollLogged(ctx context.Context) {
	if err := r.Poll(ctx); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("device poll failed, keeping previous device set")
	}
}

// StopWatching stops the poll loop and waits for it to exit. Idempotent.
func (r *Registry) StopWatching() {
	r.watchMu.Lock()
	cancel, done := r.stopLoop, r.loopDone
	r.stopLoop, r.loopDone = nil, nil
	r.watchMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Msg("stop watching devices")
}

// Watching reports whether the poll loop is running.
func (r *Registry) Watching() bool {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	return r.stopLoop != nil
}

type observed struct {
	desc      usbhost.Descriptor
	fallback  bool
	ambiguous bool
}

// Poll runs one reconcile tick. On enumeration failure the tracked set is
// left untouched and the error is returned.
func (r *Registry) Poll(ctx context.Context) error {
	if r == nil || r.host == nil {
		return errors.New("device registry: host is nil")
	}
	r.pollMu.Lock()
	defer r.pollMu.Unlock()

	descs, err := r.host.Devices(ctx)
	if err != nil {
		return errors.Wrap(err, "enumerate usb devices failed")
	}
	// A failing secondary source keeps its previous list; the USB set is
	// still reconciled.
	if r.extraLast == nil {
		r.extraLast = make([][]usbhost.Descriptor, len(r.extra))
	}
	for i, e := range r.extra {
		more, err := e.Devices(ctx)
		if err != nil {
			log.Warn().Err(err).Int("source", i).Msg("enumerate extra devices failed, keeping previous list")
			more = r.extraLast[i]
		} else {
			r.extraLast[i] = more
		}
		descs = append(descs, more...)
	}
	current := mergeDescriptors(descs)

	now := r.now()
	var added, removed []Record

	r.mu.Lock()
	for serial, obs := range current {
		rec, exists := r.devices[serial]
		if exists {
			rec.LastSeen = now
			rec.Mode = obs.desc.Mode
			rec.Ambiguous = obs.ambiguous
			continue
		}
		rec = &Record{
			Serial:       serial,
			Manufacturer: obs.desc.Manufacturer,
			Model:        obs.desc.Product,
			State:        StateDisconnected,
			Connection:   connectionOf(obs.desc),
			Mode:         obs.desc.Mode,
			VendorID:     obs.desc.VendorID,
			ProductID:    obs.desc.ProductID,
			Fallback:     obs.fallback,
			Ambiguous:    obs.ambiguous,
			LastSeen:     now,
		}
		r.devices[serial] = rec
		added = append(added, *rec)
	}
	for serial, rec := range r.devices {
		if _, ok := current[serial]; ok {
			continue
		}
		delete(r.devices, serial)
		removed = append(removed, *rec)
	}
	r.mu.Unlock()

	sort.Slice(added, func(i, j int) bool { return added[i].Serial < added[j].Serial })
	sort.Slice(removed, func(i, j int) bool { return removed[i].Serial < removed[j].Serial })

	updates := make([]Update, 0, len(added)+len(removed))
	for _, rec := range added {
		evt := log.Info().Str("serial", rec.Serial).Str("mode", string(rec.Mode)).Str("connection", string(rec.Connection))
		if rec.Ambiguous {
			evt = log.Warn().Str("serial", rec.Serial).Bool("ambiguous", true)
		}
		evt.Msg("device connected")
		r.connected.notify(rec)
		updates = append(updates, Update{Record: rec, Event: EventConnected})
	}
	for _, rec := range removed {
		log.Info().Str("serial", rec.Serial).Msg("device disconnected")
		rec.State = StateDisconnected
		r.disconnected.notify(rec)
		updates = append(updates, Update{Record: rec, Event: EventDisconnected})
	}
	r.record(ctx, updates)
	return nil
}

func (r *Registry) record(ctx context.Context, updates []Update) {
	if r.recorder == nil || len(updates) == 0 {
		return
	}
	if err := r.recorder.UpsertDevices(ctx, updates); err != nil {
		log.Error().Err(err).Msg("device recorder upsert failed")
	}
}

// mergeDescriptors keys descriptors by serial. Real serials seen twice (USB
// and debug bridge) merge; fallback keys seen twice are flagged ambiguous.
func mergeDescriptors(descs []usbhost.Descriptor) map[string]*observed {
	out := make(map[string]*observed, len(descs))
	for _, d := range descs {
		serial, fallback := d.Key()
		prev, ok := out[serial]
		if !ok {
			out[serial] = &observed{desc: d, fallback: fallback}
			continue
		}
		if fallback {
			if !prev.ambiguous {
				log.Warn().Str("serial", serial).Msg("several devices share a fallback serial, multi-device flashing disabled for them")
			}
			prev.ambiguous = true
			continue
		}
		if prev.desc.Manufacturer == "" {
			prev.desc.Manufacturer = d.Manufacturer
		}
		if prev.desc.Product == "" {
			prev.desc.Product = d.Product
		}
		if prev.desc.Mode == usbhost.ModeUnknown {
			prev.desc.Mode = d.Mode
		}
	}
	return out
}

func connectionOf(d usbhost.Descriptor) ConnectionType {
	if d.Connection == usbhost.ConnectionWireless {
		return ConnectionWireless
	}
	return ConnectionUSB
}
