// Package devrecorder mirrors device and flash job snapshots to external
// stores.
package devrecorder

import (
	"context"
	"errors"

	"github.com/httprunner/FlashAgent/pkg/device"
	"github.com/httprunner/FlashAgent/pkg/flash"
)

// Recorder accepts both device and job snapshots.
type Recorder interface {
	device.Recorder
	flash.JobRecorder
}

// NoopRecorder is the default implementation when recording is disabled.
type NoopRecorder struct{}

func (NoopRecorder) UpsertDevices(ctx context.Context, updates []device.Update) error {
	return nil
}

func (NoopRecorder) UpsertJob(ctx context.Context, rec flash.JobRecord) error {
	return nil
}

// Multi fans every snapshot out to all recorders. Every recorder is called
// even when an earlier one fails.
type Multi []Recorder

// NewMulti drops nil entries and collapses trivial cases.
func NewMulti(recorders ...Recorder) Recorder {
	out := make(Multi, 0, len(recorders))
	for _, r := range recorders {
		if r == nil {
			continue
		}
		if _, ok := r.(NoopRecorder); ok {
			continue
		}
		out = append(out, r)
	}
	switch len(out) {
	case 0:
		return NoopRecorder{}
	case 1:
		return out[0]
	}
	return out
}

func (m Multi) UpsertDevices(ctx context.Context, updates []device.Update) error {
	var errs []error
	for _, r := range m {
		if err := r.UpsertDevices(ctx, updates); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) UpsertJob(ctx context.Context, rec flash.JobRecord) error {
	var errs []error
	for _, r := range m {
		if err := r.UpsertJob(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
