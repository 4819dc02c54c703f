package device

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/FlashAgent/internal/usbhost"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// SessionState is the lifecycle of one debug-bridge session.
type SessionState string

const (
	SessionClosed  SessionState = "closed"
	SessionOpening SessionState = "opening"
	SessionOpen    SessionState = "open"
)

// Session is an open debug-bridge channel to one serial.
type Session struct {
	serial    string
	transport Transport
	openedAt  time.Time

	mu    sync.Mutex
	state SessionState
}

// Serial returns the device serial of the session.
func (s *Session) Serial() string { return s.serial }

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OpenedAt returns when the transport was negotiated.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionClosed {
		return false
	}
	s.state = SessionClosed
	return true
}

// Properties are read from the running OS.
type Properties struct {
	Codename     string
	Model        string
	DeviceName   string
	BuildID      string
	BuildVersion string
}

var propertyKeys = []struct {
	key   string
	apply func(*Properties, string)
}{
	{"ro.product.device", func(p *Properties, v string) { p.Codename = v }},
	{"ro.product.model", func(p *Properties, v string) { p.Model = v }},
	{"ro.product.name", func(p *Properties, v string) { p.DeviceName = v }},
	{"ro.build.id", func(p *Properties, v string) { p.BuildID = v }},
	{"ro.build.version.incremental", func(p *Properties, v string) { p.BuildVersion = v }},
}

// Sessions owns at most one open session per serial.
type Sessions struct {
	registry *Registry
	bridge   Bridge
	detector BootloaderDetector

	group singleflight.Group

	mu   sync.Mutex
	open map[string]*Session

	unsubscribe func()
}

// SessionsOption customizes Sessions.
type SessionsOption func(*Sessions)

// WithBootloaderDetector enables the explicit bootloader mode query.
func WithBootloaderDetector(detector BootloaderDetector) SessionsOption {
	return func(s *Sessions) { s.detector = detector }
}

// NewSessions builds the session table. Sessions of devices that leave the
// registry are closed automatically.
func NewSessions(registry *Registry, bridge Bridge, opts ...SessionsOption) *Sessions {
	s := &Sessions{
		registry: registry,
		bridge:   bridge,
		open:     make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	if registry != nil {
		s.unsubscribe = registry.OnDisconnected(func(rec Record) {
			s.Close(rec.Serial)
		})
	}
	return s
}

func (m *Sessions) lookup(serial string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.open[serial]; ok && sess.State() == SessionOpen {
		return sess
	}
	return nil
}

// Open returns the open session for serial or negotiates a new transport.
// Concurrent calls for the same serial share a single negotiation.
func (m *Sessions) Open(ctx context.Context, serial string) (*Session, error) {
	serial = strings.TrimSpace(serial)
	if sess := m.lookup(serial); sess != nil {
		return sess, nil
	}
	if m.registry != nil {
		if _, ok := m.registry.Get(serial); !ok {
			return nil, &Error{Kind: ErrDeviceNotFound, Serial: serial}
		}
	}
	if m.bridge == nil {
		return nil, &Error{Kind: ErrTransportUnavailable, Serial: serial, Err: errors.New("no debug bridge configured")}
	}
	v, err, _ := m.group.Do(serial, func() (any, error) {
		if sess := m.lookup(serial); sess != nil {
			return sess, nil
		}
		sess := &Session{serial: serial, state: SessionOpening}
		transport, err := m.bridge.Connect(ctx, serial)
		if err != nil {
			sess.markClosed()
			if m.registry != nil {
				switch {
				case errors.Is(err, ErrUnauthorized):
					m.registry.SetState(serial, StateUnauthorized)
				case errors.Is(err, ErrRecoveryMode):
					m.registry.SetState(serial, StateRecovery)
				}
			}
			return nil, &Error{Kind: ErrTransportUnavailable, Serial: serial, Err: err}
		}
		sess.transport = transport
		sess.openedAt = time.Now()
		sess.mu.Lock()
		sess.state = SessionOpen
		sess.mu.Unlock()

		m.mu.Lock()
		m.open[serial] = sess
		m.mu.Unlock()
		if m.registry != nil {
			m.registry.SetState(serial, StateDevice)
		}
		log.Info().Str("serial", serial).Msg("device session opened")
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// IsAmbiguous reports whether serial is a colliding fallback key.
func (m *Sessions) IsAmbiguous(serial string) bool {
	return m.registry != nil && m.registry.IsAmbiguous(serial)
}

// GetProperties reads identity properties. It returns (nil, nil) when the
// device is reachable but does not answer the property reads.
func (m *Sessions) GetProperties(ctx context.Context, serial string) (*Properties, error) {
	sess, err := m.Open(ctx, serial)
	if err != nil {
		return nil, err
	}
	props := &Properties{}
	for _, item := range propertyKeys {
		out, err := sess.transport.Shell(ctx, "getprop", item.key)
		if err != nil {
			if errors.Is(err, ErrCommandFailed) {
				log.Warn().Err(err).Str("serial", serial).Str("property", item.key).Msg("property read unsupported")
				return nil, nil
			}
			m.dropBroken(sess, err)
			return nil, &Error{Kind: ErrTransportUnavailable, Serial: serial, Err: err}
		}
		item.apply(props, strings.TrimSpace(out))
	}
	if props.Codename == "" {
		log.Warn().Str("serial", serial).Msg("device reported no codename")
		return nil, nil
	}
	if m.registry != nil {
		m.registry.UpdateProperties(serial, props.Codename, props.Model, props.DeviceName)
	}
	return props, nil
}

// Execute runs one shell command and returns stdout with trailing whitespace
// trimmed. Every failure satisfies errors.Is(err, ErrCommandFailed).
func (m *Sessions) Execute(ctx context.Context, serial string, command ...string) (string, error) {
	if len(command) == 0 {
		return "", &Error{Kind: ErrCommandFailed, Serial: serial, Err: errors.New("empty command")}
	}
	sess, err := m.Open(ctx, serial)
	if err != nil {
		return "", &Error{Kind: ErrCommandFailed, Serial: serial, Err: err}
	}
	out, err := sess.transport.Shell(ctx, command...)
	if err != nil {
		if !errors.Is(err, ErrCommandFailed) {
			m.dropBroken(sess, err)
		}
		return "", &Error{Kind: ErrCommandFailed, Serial: serial, Err: err}
	}
	return strings.TrimRight(out, " \t\r\n"), nil
}

// RebootToBootloader reboots into bootloader mode. The record is optimistically
// moved to fastboot; the device is unreachable for a while afterwards, so
// callers must poll IsInBootloaderMode.
func (m *Sessions) RebootToBootloader(ctx context.Context, serial string) error {
	sess, err := m.Open(ctx, serial)
	if err != nil {
		return err
	}
	if err := sess.transport.Reboot(ctx, "bootloader"); err != nil {
		m.dropBroken(sess, err)
		return &Error{Kind: ErrCommandFailed, Serial: serial, Err: err}
	}
	m.Close(serial)
	if m.registry != nil {
		m.registry.SetState(serial, StateFastboot)
	}
	log.Info().Str("serial", serial).Msg("reboot to bootloader issued")
	return nil
}

// IsInBootloaderMode asks the bootloader protocol first. Without a detector it
// falls back to the USB interface mode and finally to the best-effort
// heuristic "debug bridge negotiation found no endpoint", which is racy while
// the device re-enumerates.
func (m *Sessions) IsInBootloaderMode(ctx context.Context, serial string) bool {
	if m.detector != nil {
		ok, err := m.detector.InBootloader(ctx, serial)
		if err == nil {
			return ok
		}
		log.Debug().Err(err).Str("serial", serial).Msg("bootloader mode query failed, using heuristic")
	}
	if m.registry != nil {
		if rec, ok := m.registry.Get(serial); ok && rec.Mode == usbhost.ModeFastboot {
			return true
		}
	}
	if m.lookup(serial) != nil {
		return false
	}
	_, err := m.Open(ctx, serial)
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransportUnavailable) && errors.Is(err, ErrNoDebugBridge)
}

// Close releases the transport of serial. Unknown or closed serials are a no-op.
func (m *Sessions) Close(serial string) {
	m.mu.Lock()
	sess, ok := m.open[serial]
	delete(m.open, serial)
	m.mu.Unlock()
	if !ok || !sess.markClosed() {
		return
	}
	if sess.transport != nil {
		if err := sess.transport.Close(); err != nil {
			log.Debug().Err(err).Str("serial", serial).Msg("close transport failed")
		}
	}
	log.Info().Str("serial", serial).Msg("device session closed")
}

// CloseAll closes every session and detaches from the registry.
func (m *Sessions) CloseAll() {
	m.mu.Lock()
	serials := make([]string, 0, len(m.open))
	for serial := range m.open {
		serials = append(serials, serial)
	}
	m.mu.Unlock()
	for _, serial := range serials {
		m.Close(serial)
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// dropBroken closes a session whose transport failed.
func (m *Sessions) dropBroken(sess *Session, cause error) {
	log.Warn().Err(cause).Str("serial", sess.serial).Msg("device transport failed, closing session")
	m.Close(sess.serial)
}
