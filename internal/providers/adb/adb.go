package adb

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"

	"github.com/httprunner/FlashAgent/internal/usbhost"
	"github.com/httprunner/FlashAgent/pkg/device"
	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const exitMarker = "__flashagent_exit:"

// Provider implements the debug-bridge side of device sessions using gadb.
type Provider struct {
	client gadb.Client
}

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client) *Provider {
	return &Provider{client: client}
}

// NewDefault creates a Provider using a default gadb client.
func NewDefault() (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for provider")
	}
	return New(client), nil
}

// ListDevicesWithState returns device serials with their raw gadb state names.
func (p *Provider) ListDevicesWithState(ctx context.Context) (map[string]string, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	stateBySerial := make(map[string]string, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		state, err := dev.State()
		if err != nil {
			stateBySerial[serial] = string(gadb.StateUnknown)
			continue
		}
		stateBySerial[serial] = string(state)
	}
	return stateBySerial, nil
}

// Devices lists devices attached over the network (host:port serials).
// USB attached devices are reported by the USB host instead.
func (p *Provider) Devices(ctx context.Context) ([]usbhost.Descriptor, error) {
	states, err := p.ListDevicesWithState(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]usbhost.Descriptor, 0, len(states))
	for serial := range states {
		if !strings.Contains(serial, ":") {
			continue
		}
		out = append(out, usbhost.Descriptor{
			Serial:     serial,
			Mode:       usbhost.ModeADB,
			Connection: usbhost.ConnectionWireless,
		})
	}
	return out, nil
}

// Connect negotiates a debug-bridge transport for serial.
func (p *Provider) Connect(ctx context.Context, serial string) (device.Transport, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	dev, err := p.findDevice(serial)
	if err != nil {
		return nil, err
	}
	state, err := dev.State()
	if err != nil {
		return nil, errors.Wrapf(err, "query adb state of %s", serial)
	}
	if err := checkState(serial, state); err != nil {
		return nil, err
	}
	return &conn{dev: dev, serial: serial}, nil
}

func checkState(serial string, state gadb.DeviceState) error {
	switch strings.ToLower(string(state)) {
	case "device", string(gadb.StateOnline):
		return nil
	case string(gadb.StateUnauthorized):
		return errors.Wrapf(device.ErrUnauthorized, "adb %s", serial)
	case string(gadb.StateRecovery):
		return errors.Wrapf(device.ErrRecoveryMode, "adb %s", serial)
	case string(gadb.StateBootloader):
		return errors.Wrapf(device.ErrNoDebugBridge, "adb %s is in bootloader", serial)
	}
	return errors.Errorf("adb %s in state %s", serial, state)
}

func (p *Provider) findDevice(serial string) (*gadb.Device, error) {
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	target := strings.TrimSpace(serial)
	for _, d := range devs {
		if d != nil && strings.TrimSpace(d.Serial()) == target {
			return d, nil
		}
	}
	return nil, errors.Wrapf(device.ErrNoDebugBridge, "device %s not listed by adb", serial)
}

// shellRunner is the part of *gadb.Device a connection uses.
type shellRunner interface {
	RunShellCommand(cmd string, args ...string) (string, error)
}

type conn struct {
	dev    shellRunner
	serial string
}

// Shell runs a command and reports a non-zero exit status as ErrCommandFailed.
func (c *conn) Shell(ctx context.Context, args ...string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("adb provider: empty shell command")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	command := shellJoin(args) + "; echo " + exitMarker + "$?"
	output, err := c.dev.RunShellCommand(command)
	if err != nil {
		return "", errors.Wrapf(err, "adb shell on %s", c.serial)
	}
	body, code, ok := splitExitCode(output)
	if !ok {
		return "", errors.Wrapf(device.ErrCommandFailed, "adb shell on %s: missing exit status", c.serial)
	}
	if code != 0 {
		return body, errors.Wrapf(device.ErrCommandFailed, "adb shell %q exited %d: %s", args[0], code, strings.TrimSpace(body))
	}
	return body, nil
}

// Reboot issues `reboot <target>`. The connection dropping mid-command is
// expected and not reported; any other failure is.
func (c *conn) Reboot(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	args := []string{}
	if target != "" {
		args = append(args, target)
	}
	if _, err := c.dev.RunShellCommand("reboot", args...); err != nil {
		if !connectionDropped(err) {
			return errors.Wrapf(err, "adb reboot %s on %s", target, c.serial)
		}
		log.Debug().Err(err).Str("serial", c.serial).Msg("adb connection dropped during reboot")
	}
	return nil
}

func connectionDropped(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"eof", "closed", "connection reset", "broken pipe"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// shellJoin single-quotes every argument so the device shell passes it
// through verbatim.
func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

func (c *conn) Close() error {
	return nil
}

func splitExitCode(output string) (string, int, bool) {
	idx := strings.LastIndex(output, exitMarker)
	if idx < 0 {
		return output, 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(output[idx+len(exitMarker):]))
	if err != nil {
		return output[:idx], 0, false
	}
	return output[:idx], code, true
}
