package usbhost

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/gousb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Android USB interface: vendor specific class, subclass 0x42.
const (
	androidSubClass  = 0x42
	adbProtocol      = 0x01
	fastbootProtocol = 0x03
)

// GousbHost implements Host on top of libusb.
type GousbHost struct {
	vendors      map[uint16]struct{}
	requireGrant bool

	mu      sync.Mutex
	ctx     *gousb.Context
	initErr error
	inited  bool
	granted map[string]struct{}
}

// NewGousbHost builds a host filtered to the given vendor ids. When
// requireGrant is false every matching device counts as authorized.
func NewGousbHost(vendors []uint16, requireGrant bool) *GousbHost {
	set := make(map[uint16]struct{}, len(vendors))
	for _, v := range vendors {
		set[v] = struct{}{}
	}
	return &GousbHost{vendors: set, requireGrant: requireGrant, granted: make(map[string]struct{})}
}

// newContext guards gousb.NewContext, which panics when libusb cannot start.
func newContext() (usbCtx *gousb.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrUnsupported, "libusb init: %v", r)
		}
	}()
	return gousb.NewContext(), nil
}

func (h *GousbHost) context() (*gousb.Context, error) {
	if !h.inited {
		h.ctx, h.initErr = newContext()
		h.inited = true
	}
	return h.ctx, h.initErr
}

func (h *GousbHost) Supported() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.context()
	return err == nil
}

func (h *GousbHost) Devices(ctx context.Context) ([]Descriptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	all, err := h.enumerateLocked()
	if err != nil {
		return nil, err
	}
	if !h.requireGrant {
		return all, nil
	}
	out := make([]Descriptor, 0, len(all))
	for _, d := range all {
		if _, ok := h.granted[grantKey(d)]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (h *GousbHost) RequestAccess(ctx context.Context) (*Descriptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	all, err := h.enumerateLocked()
	if err != nil {
		return nil, err
	}
	for _, d := range all {
		key := grantKey(d)
		if _, ok := h.granted[key]; ok && h.requireGrant {
			continue
		}
		h.granted[key] = struct{}{}
		log.Info().Str("device", key).Str("mode", string(d.Mode)).Msg("usb access granted")
		desc := d
		return &desc, nil
	}
	return nil, nil
}

func (h *GousbHost) Watch(ctx context.Context, onChange func()) (func(), error) {
	// gousb does not expose libusb hotplug callbacks.
	return nil, ErrEventsUnsupported
}

func (h *GousbHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx == nil {
		return nil
	}
	err := h.ctx.Close()
	h.ctx = nil
	h.inited = false
	return err
}

func (h *GousbHost) enumerateLocked() ([]Descriptor, error) {
	usbCtx, err := h.context()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]*Descriptor)
	order := make([]string, 0)
	devs, openErr := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if !h.matches(desc) {
			return false
		}
		d := describe(desc)
		key := busKey(desc.Bus, desc.Address)
		seen[key] = &d
		order = append(order, key)
		return true
	})
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		if d, ok := seen[busKey(dev.Desc.Bus, dev.Desc.Address)]; ok {
			fillStrings(dev, d)
		}
		if err := dev.Close(); err != nil {
			log.Debug().Err(err).Msg("close usb device handle failed")
		}
	}
	if openErr != nil {
		// Devices we could not open still count; only descriptor strings are lost.
		log.Debug().Err(openErr).Int("opened", len(devs)).Msg("open usb devices partially failed")
	}
	out := make([]Descriptor, 0, len(order))
	for _, key := range order {
		out = append(out, *seen[key])
	}
	return out, nil
}

func (h *GousbHost) matches(desc *gousb.DeviceDesc) bool {
	if desc == nil {
		return false
	}
	if len(h.vendors) == 0 {
		return modeOf(desc) != ModeUnknown
	}
	_, ok := h.vendors[uint16(desc.Vendor)]
	return ok
}

func describe(desc *gousb.DeviceDesc) Descriptor {
	return Descriptor{
		VendorID:   uint16(desc.Vendor),
		ProductID:  uint16(desc.Product),
		Mode:       modeOf(desc),
		Connection: ConnectionUSB,
		Bus:        desc.Bus,
		Address:    desc.Address,
	}
}

func fillStrings(dev *gousb.Device, d *Descriptor) {
	if s, err := dev.SerialNumber(); err == nil {
		d.Serial = strings.TrimSpace(s)
	}
	if s, err := dev.Manufacturer(); err == nil {
		d.Manufacturer = strings.TrimSpace(s)
	}
	if s, err := dev.Product(); err == nil {
		d.Product = strings.TrimSpace(s)
	}
}

// modeOf inspects every interface alt setting for the Android triple.
func modeOf(desc *gousb.DeviceDesc) Mode {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class != gousb.ClassVendorSpec || alt.SubClass != androidSubClass {
					continue
				}
				switch alt.Protocol {
				case adbProtocol:
					return ModeADB
				case fastbootProtocol:
					return ModeFastboot
				}
			}
		}
	}
	return ModeUnknown
}

func busKey(bus, address int) string {
	return fmt.Sprintf("%03d:%03d", bus, address)
}

func grantKey(d Descriptor) string {
	serial, _ := d.Key()
	return fmt.Sprintf("%s@%s", serial, busKey(d.Bus, d.Address))
}
