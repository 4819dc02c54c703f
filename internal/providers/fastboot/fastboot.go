// Package fastboot drives the bootloader protocol through the platform-tools
// fastboot binary.
package fastboot

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/httprunner/FlashAgent/pkg/device"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout = 60 * time.Second
	flashTimeout   = 300 * time.Second
)

// Runner executes the binary and returns captured stdout/stderr.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)

// Client wraps one fastboot binary.
type Client struct {
	path string
	run  Runner
}

// New returns a client that shells out to the binary at path.
func New(path string) *Client {
	if strings.TrimSpace(path) == "" {
		path = "fastboot"
	}
	return &Client{path: path, run: execRunner}
}

// NewWithRunner is used by tests to stub the binary.
func NewWithRunner(path string, run Runner) *Client {
	c := New(path)
	if run != nil {
		c.run = run
	}
	return c
}

func execRunner(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func (c *Client) exec(ctx context.Context, timeout time.Duration, serial string, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	full := args
	if serial != "" {
		full = append([]string{"-s", serial}, args...)
	}
	log.Debug().Str("fastboot", c.path).Strs("args", full).Msg("fastboot exec")
	stdout, stderr, err := c.run(ctx, c.path, full...)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return stdout, stderr, errors.Wrapf(device.ErrCommandFailed, "fastboot %s timed out after %s", strings.Join(args, " "), timeout)
		}
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = strings.TrimSpace(stdout)
		}
		return stdout, stderr, errors.Wrapf(device.ErrCommandFailed, "fastboot %s: %v: %s", strings.Join(args, " "), err, msg)
	}
	return stdout, stderr, nil
}

// Devices lists serials currently in bootloader mode.
func (c *Client) Devices(ctx context.Context) ([]string, error) {
	stdout, stderr, err := c.exec(ctx, 10*time.Second, "", "devices")
	if err != nil {
		return nil, err
	}
	return parseDevices(stdout + "\n" + stderr), nil
}

// InBootloader answers the explicit mode query for serial.
func (c *Client) InBootloader(ctx context.Context, serial string) (bool, error) {
	serials, err := c.Devices(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range serials {
		if s == serial {
			return true, nil
		}
	}
	return false, nil
}

// GetVar reads one bootloader variable. fastboot prints it on stderr.
func (c *Client) GetVar(ctx context.Context, serial, name string) (string, error) {
	stdout, stderr, err := c.exec(ctx, 10*time.Second, serial, "getvar", name)
	if err != nil {
		return "", err
	}
	if val, ok := parseVar(stderr+"\n"+stdout, name); ok {
		return val, nil
	}
	return "", errors.Wrapf(device.ErrCommandFailed, "fastboot getvar %s: no value reported", name)
}

// Flash writes image to partition. extra flags go before the partition name.
func (c *Client) Flash(ctx context.Context, serial, partition, image string, extra ...string) error {
	args := append([]string{"flash"}, extra...)
	args = append(args, partition, image)
	_, _, err := c.exec(ctx, flashTimeout, serial, args...)
	return err
}

// Reboot restarts the device; target "" boots the OS, "bootloader" re-enters fastboot.
func (c *Client) Reboot(ctx context.Context, serial, target string) error {
	args := []string{"reboot"}
	if target != "" {
		args = append(args, target)
	}
	_, _, err := c.exec(ctx, defaultTimeout, serial, args...)
	return err
}

// Unlock starts `fastboot flashing unlock`; the operator confirms on the device.
// Some bootloaders print the refusal and still exit 0, so the output is
// checked as well.
func (c *Client) Unlock(ctx context.Context, serial string) error {
	stdout, stderr, err := c.exec(ctx, defaultTimeout, serial, "flashing", "unlock")
	if err != nil {
		return err
	}
	out := strings.TrimSpace(stderr + "\n" + stdout)
	if strings.Contains(strings.ToLower(out), "not allowed") {
		return errors.Wrapf(device.ErrCommandFailed, "fastboot flashing unlock: %s", out)
	}
	return nil
}

func parseDevices(output string) []string {
	var serials []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "waiting") || strings.HasPrefix(lower, "fastboot version") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && strings.Contains(strings.ToLower(fields[1]), "fastboot") {
			serials = append(serials, fields[0])
		}
	}
	return serials
}

func parseVar(output, name string) (string, bool) {
	prefix := name + ":"
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
	}
	return "", false
}
