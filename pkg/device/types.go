package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/httprunner/FlashAgent/internal/usbhost"
)

// State is the last known device state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateUnauthorized State = "unauthorized"
	StateDevice       State = "device"
	StateFastboot     State = "fastboot"
	StateRecovery     State = "recovery"
)

// ConnectionType describes how the device is attached.
type ConnectionType string

const (
	ConnectionUSB      ConnectionType = "usb"
	ConnectionWireless ConnectionType = "wireless"
)

// Sentinel errors. Use errors.Is.
var (
	ErrCapabilityUnsupported = errors.New("usb capability unsupported")
	ErrDeviceNotFound        = errors.New("device not found")
	ErrTransportUnavailable  = errors.New("transport unavailable")
	ErrCommandFailed         = errors.New("command failed")

	// ErrUnauthorized, ErrRecoveryMode and ErrNoDebugBridge are transport
	// negotiation causes. ErrNoDebugBridge is what a device in bootloader mode
	// looks like.
	ErrUnauthorized  = errors.New("debug bridge unauthorized")
	ErrRecoveryMode  = errors.New("device is in recovery")
	ErrNoDebugBridge = errors.New("no debug bridge endpoint")
)

// Error carries a taxonomy kind together with the underlying cause, so both
// errors.Is(err, ErrTransportUnavailable) and errors.Is(err, ErrUnauthorized)
// hold for the same value.
type Error struct {
	Kind   error
	Serial string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Serial, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Serial, e.Kind, e.Err)
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// Record is the registry entry of one device, keyed by Serial.
type Record struct {
	Serial       string
	Manufacturer string
	Model        string
	Codename     string
	DeviceName   string
	State        State
	Connection   ConnectionType
	// Mode is the protocol observed on the USB interface during the last poll.
	Mode      usbhost.Mode
	VendorID  uint16
	ProductID uint16
	// Fallback is set when Serial was synthesized from vendor/product ids.
	Fallback bool
	// Ambiguous is set when several physical devices share a fallback Serial.
	Ambiguous bool
	LastSeen  time.Time
}

// Transport is an open debug-bridge channel to one device.
type Transport interface {
	Shell(ctx context.Context, args ...string) (string, error)
	Reboot(ctx context.Context, target string) error
	Close() error
}

// Bridge negotiates debug-bridge transports.
type Bridge interface {
	Connect(ctx context.Context, serial string) (Transport, error)
}

// BootloaderDetector answers whether a serial is currently in bootloader mode
// using the bootloader protocol itself.
type BootloaderDetector interface {
	InBootloader(ctx context.Context, serial string) (bool, error)
}

// Event names reported to a Recorder.
const (
	EventConnected    = "connected"
	EventDisconnected = "offline"
	EventUpdated      = "updated"
)

// Update is one device snapshot pushed to external storage.
type Update struct {
	Record Record
	Event  string
}

// Recorder persists device snapshots (SQLite, Feishu, ...).
type Recorder interface {
	UpsertDevices(ctx context.Context, updates []Update) error
}
