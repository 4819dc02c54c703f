// Package hostid identifies the machine the agent runs on.
package hostid

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// Linux identity files, in order of preference.
var linuxIDFiles = []string{"/etc/machine-id", "/sys/class/dmi/id/product_uuid"}

// Get returns a best-effort hardware id. When the platform exposes none it
// derives a stable UUID from the hostname.
func Get(ctx context.Context) string {
	if id := hardwareID(ctx); id != "" {
		return id
	}
	name, err := os.Hostname()
	if err != nil || name == "" {
		return ""
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(name)).String()
}

func hardwareID(ctx context.Context) string {
	switch runtime.GOOS {
	case "darwin":
		out, err := exec.CommandContext(ctx, "bash", "-c",
			"system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'").Output()
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(out))
	case "linux":
		return firstReadable(linuxIDFiles)
	}
	return ""
}

func firstReadable(paths []string) string {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	return ""
}
