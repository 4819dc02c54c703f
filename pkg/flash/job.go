package flash

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Build describes one OS build to install.
type Build struct {
	Codename string `json:"codename"`
	Version  string `json:"version"`
	URL      string `json:"downloadUrl"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256,omitempty"`
	Date     string `json:"date,omitempty"`
}

// Validate checks the fields the executor relies on.
func (b *Build) Validate() error {
	if b == nil {
		return errors.Wrap(ErrInvalidBuild, "build is nil")
	}
	if strings.TrimSpace(b.Codename) == "" {
		return errors.Wrap(ErrInvalidBuild, "codename is empty")
	}
	if strings.TrimSpace(b.URL) == "" {
		return errors.Wrap(ErrInvalidBuild, "download url is empty")
	}
	if b.Size < 0 {
		return errors.Wrapf(ErrInvalidBuild, "negative size %d", b.Size)
	}
	return nil
}

// Progress is emitted on every transition and on progress changes within a
// state.
type Progress struct {
	JobID    string
	State    State
	Progress float64
	Message  string
}

// LogLevel of a log line.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warning"
	LogError LogLevel = "error"
)

// LogEntry is one line of the job's operator log.
type LogEntry struct {
	Time    time.Time
	Level   LogLevel
	State   State
	Message string
}

// ConfirmFunc asks the operator a yes/no question.
type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

// Options of one StartFlash call.
type Options struct {
	DeviceSerial string
	Build        *Build
	SkipUnlock   bool
	OnProgress   func(Progress)
	OnLog        func(LogEntry)
	// Confirm is required before a locked bootloader is unlocked.
	Confirm ConfirmFunc
}

// Result is the terminal outcome of a job.
type Result struct {
	JobID      string
	Serial     string
	Build      Build
	State      State
	LastState  State
	Progress   float64
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// JobRecord is what gets persisted for history.
type JobRecord struct {
	ID         string
	Serial     string
	Codename   string
	Version    string
	URL        string
	State      State
	LastState  State
	Progress   float64
	Message    string
	Error      string
	StartedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt time.Time
}

// JobRecorder persists job snapshots.
type JobRecorder interface {
	UpsertJob(ctx context.Context, rec JobRecord) error
}

type job struct {
	id        string
	opts      Options
	build     Build
	machine   *machine
	cancelled atomic.Bool
	startedAt time.Time
}

func (j *job) record() JobRecord {
	snap := j.machine.snapshot()
	rec := JobRecord{
		ID:        j.id,
		Serial:    j.opts.DeviceSerial,
		Codename:  j.build.Codename,
		Version:   j.build.Version,
		URL:       j.build.URL,
		State:     snap.State,
		LastState: snap.LastState,
		Progress:  snap.Progress,
		Message:   snap.Message,
		StartedAt: j.startedAt,
		UpdatedAt: snap.UpdatedAt,
	}
	if snap.Err != nil {
		rec.Error = snap.Err.Error()
	}
	if snap.State.Terminal() {
		rec.FinishedAt = snap.UpdatedAt
	}
	return rec
}
