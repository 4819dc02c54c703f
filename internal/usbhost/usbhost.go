// Package usbhost exposes the host USB capability used by the device
// registry: capability check, access requests filtered by vendor, enumeration
// of authorized devices and their descriptor strings.
package usbhost

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Mode is the protocol a device currently speaks, derived from its USB
// interface descriptors.
type Mode string

const (
	ModeUnknown  Mode = "unknown"
	ModeADB      Mode = "adb"
	ModeFastboot Mode = "fastboot"
)

// Connection kinds.
const (
	ConnectionUSB      = "usb"
	ConnectionWireless = "wireless"
)

var (
	// ErrUnsupported is returned when the host has no usable USB stack.
	ErrUnsupported = errors.New("usb access capability unsupported")
	// ErrEventsUnsupported is returned by Watch when the host only supports polling.
	ErrEventsUnsupported = errors.New("usb attach/detach events unsupported")
)

// Descriptor is the identity of one visible device.
type Descriptor struct {
	VendorID     uint16
	ProductID    uint16
	Serial       string
	Manufacturer string
	Product      string
	Mode         Mode
	Connection   string
	Bus          int
	Address      int
}

// FallbackSerial is the synthesized key for devices without a vendor serial.
// It is not unique across identical unconfigured units.
func FallbackSerial(vendorID, productID uint16) string {
	return fmt.Sprintf("usb-%04x-%04x", vendorID, productID)
}

// Key returns the registry key of the descriptor and whether it is a fallback.
func (d Descriptor) Key() (serial string, fallback bool) {
	if s := strings.TrimSpace(d.Serial); s != "" {
		return s, false
	}
	return FallbackSerial(d.VendorID, d.ProductID), true
}

// Enumerator lists currently authorized devices.
type Enumerator interface {
	Devices(ctx context.Context) ([]Descriptor, error)
}

// Host is the full USB capability.
type Host interface {
	Enumerator
	// Supported reports whether USB access is available. No side effects.
	Supported() bool
	// RequestAccess grants access to one new matching device. It returns
	// (nil, nil) when nothing was selected.
	RequestAccess(ctx context.Context) (*Descriptor, error)
	// Watch subscribes to native attach/detach events. Hosts without events
	// return ErrEventsUnsupported and callers fall back to polling.
	Watch(ctx context.Context, onChange func()) (stop func(), err error)
	Close() error
}
