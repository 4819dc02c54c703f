package devrecorder

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/FlashAgent/internal/config"
	"github.com/httprunner/FlashAgent/internal/feishusdk"
	"github.com/httprunner/FlashAgent/pkg/device"
	"github.com/httprunner/FlashAgent/pkg/flash"
	"github.com/rs/zerolog/log"
)

// Bitable column names.
const (
	FieldJobID        = "JobID"
	FieldSerial       = "DeviceSerial"
	FieldCodename     = "Codename"
	FieldVersion      = "BuildVersion"
	FieldState        = "State"
	FieldLastState    = "LastState"
	FieldProgress     = "Progress"
	FieldMessage      = "Message"
	FieldError        = "Error"
	FieldStartedAt    = "StartedAt"
	FieldFinishedAt   = "FinishedAt"
	FieldModel        = "Model"
	FieldConnection   = "Connection"
	FieldStatus       = "Status"
	FieldLastSeenAt   = "LastSeenAt"
	FieldManufacturer = "Manufacturer"
)

type bitableWriter interface {
	CreateBitableRecord(ctx context.Context, rawURL string, fields map[string]any) (string, error)
	UpdateBitableRecord(ctx context.Context, rawURL, recordID string, fields map[string]any) error
}

// FeishuRecorder persists device and job snapshots to Feishu bitable tables.
// The first snapshot of a job or device creates a row; later snapshots
// update it.
type FeishuRecorder struct {
	client    bitableWriter
	deviceURL string
	jobURL    string
	clock     func() time.Time

	mu         sync.Mutex
	jobRows    map[string]string
	deviceRows map[string]string
}

// NewFeishuRecorder returns nil when both URLs are empty, allowing graceful opt-out.
func NewFeishuRecorder(deviceURL, jobURL string) (*FeishuRecorder, error) {
	deviceURL = strings.TrimSpace(deviceURL)
	jobURL = strings.TrimSpace(jobURL)
	if deviceURL == "" && jobURL == "" {
		return nil, nil
	}
	cli, err := feishusdk.NewClientFromEnv()
	if err != nil {
		return nil, err
	}
	return newFeishuRecorder(cli, deviceURL, jobURL), nil
}

func newFeishuRecorder(client bitableWriter, deviceURL, jobURL string) *FeishuRecorder {
	return &FeishuRecorder{
		client:     client,
		deviceURL:  deviceURL,
		jobURL:     jobURL,
		jobRows:    make(map[string]string),
		deviceRows: make(map[string]string),
	}
}

// NewFromConfig builds the Feishu recorder from configuration; falls back
// to Noop when no bitable is configured.
func NewFromConfig(cfg config.Config) (Recorder, error) {
	rec, err := NewFeishuRecorder(cfg.DeviceBitableURL, cfg.FlashBitableURL)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return NoopRecorder{}, nil
	}
	return rec, nil
}

func (r *FeishuRecorder) UpsertDevices(ctx context.Context, updates []device.Update) error {
	if r == nil || r.client == nil || r.deviceURL == "" || len(updates) == 0 {
		return nil
	}
	now := r.now()
	for _, u := range updates {
		serial := strings.TrimSpace(u.Record.Serial)
		if serial == "" {
			log.Warn().Str("event", u.Event).Msg("feishu recorder: skip device without serial")
			continue
		}
		seen := u.Record.LastSeen
		if seen.IsZero() {
			seen = now
		}
		fields := map[string]any{
			FieldSerial:       serial,
			FieldStatus:       u.Event,
			FieldState:        string(u.Record.State),
			FieldConnection:   string(u.Record.Connection),
			FieldLastSeenAt:   seen.UnixMilli(),
			FieldManufacturer: u.Record.Manufacturer,
			FieldModel:        u.Record.Model,
			FieldCodename:     u.Record.Codename,
		}
		dropEmpty(fields)
		if err := r.upsert(ctx, r.deviceURL, r.deviceRows, serial, fields); err != nil {
			log.Error().Err(err).
				Str("serial", serial).
				Str("event", u.Event).
				Msg("feishu recorder: upsert device failed")
		}
	}
	return nil
}

func (r *FeishuRecorder) UpsertJob(ctx context.Context, rec flash.JobRecord) error {
	if r == nil || r.client == nil || r.jobURL == "" || rec.ID == "" {
		return nil
	}
	fields := map[string]any{
		FieldJobID:     rec.ID,
		FieldSerial:    rec.Serial,
		FieldCodename:  rec.Codename,
		FieldVersion:   rec.Version,
		FieldState:     string(rec.State),
		FieldLastState: string(rec.LastState),
		FieldProgress:  rec.Progress,
		FieldMessage:   rec.Message,
		FieldError:     rec.Error,
	}
	if !rec.StartedAt.IsZero() {
		fields[FieldStartedAt] = rec.StartedAt.UnixMilli()
	}
	if !rec.FinishedAt.IsZero() {
		fields[FieldFinishedAt] = rec.FinishedAt.UnixMilli()
	}
	dropEmpty(fields)
	return r.upsert(ctx, r.jobURL, r.jobRows, rec.ID, fields)
}

func (r *FeishuRecorder) upsert(ctx context.Context, url string, rows map[string]string, key string, fields map[string]any) error {
	r.mu.Lock()
	recordID, ok := rows[key]
	r.mu.Unlock()
	if ok {
		return r.client.UpdateBitableRecord(ctx, url, recordID, fields)
	}
	recordID, err := r.client.CreateBitableRecord(ctx, url, fields)
	if err != nil {
		return err
	}
	r.mu.Lock()
	rows[key] = recordID
	r.mu.Unlock()
	return nil
}

func (r *FeishuRecorder) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now()
}

// dropEmpty removes blank string values so updates never clear a column.
func dropEmpty(fields map[string]any) {
	for k, v := range fields {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			delete(fields, k)
		}
	}
}
