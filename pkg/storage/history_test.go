package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/httprunner/FlashAgent/pkg/device"
	"github.com/httprunner/FlashAgent/pkg/flash"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := OpenHistory(filepath.Join(t.TempDir(), "nested", "history.sqlite"), "host-1")
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestHistoryUpsertJob(t *testing.T) {
	h := openTestHistory(t)
	ctx := context.Background()
	start := time.UnixMilli(1_766_620_800_000)

	rec := flash.JobRecord{
		ID: "job-1", Serial: "ABC123", Codename: "panther", Version: "2025122500",
		State: flash.StateDownloading, LastState: flash.StateDownloading, Progress: 20,
		StartedAt: start, UpdatedAt: start,
	}
	if err := h.UpsertJob(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec.State = flash.StateFailed
	rec.Progress = 10
	rec.Error = "artifact integrity check failed"
	rec.FinishedAt = start.Add(time.Minute)
	if err := h.UpsertJob(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := h.UpsertJob(ctx, flash.JobRecord{ID: "job-0", Serial: "DEF456", State: flash.StateComplete, StartedAt: start.Add(-time.Hour)}); err != nil {
		t.Fatalf("insert second: %v", err)
	}

	jobs, err := h.ListJobs(ctx, JobFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "job-1" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
	got := jobs[0]
	if got.State != flash.StateFailed || got.LastState != flash.StateDownloading || got.Progress != 20 {
		t.Fatalf("unexpected job row: %+v", got)
	}
	if got.Error == "" || !got.FinishedAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("terminal fields not stored: %+v", got)
	}

	filtered, err := h.ListJobs(ctx, JobFilter{Serial: "DEF456", Limit: 5})
	if err != nil || len(filtered) != 1 {
		t.Fatalf("filtered = %+v, %v", filtered, err)
	}
}

func TestHistoryUpsertDevices(t *testing.T) {
	h := openTestHistory(t)
	ctx := context.Background()
	rec := device.Record{Serial: "ABC123", Model: "Pixel 7", State: device.StateDisconnected, Connection: device.ConnectionUSB, LastSeen: time.Now()}
	if err := h.UpsertDevices(ctx, []device.Update{{Record: rec, Event: device.EventConnected}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec.Model = ""
	rec.Codename = "panther"
	if err := h.UpsertDevices(ctx, []device.Update{{Record: rec, Event: device.EventDisconnected}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rows, err := h.ListDevices(ctx)
	if err != nil || len(rows) != 1 {
		t.Fatalf("rows = %+v, %v", rows, err)
	}
	row := rows[0]
	if row.Model != "Pixel 7" || row.Codename != "panther" || row.LastEvent != device.EventDisconnected {
		t.Fatalf("unexpected row: %+v", row)
	}
}

func TestHistoryReopenMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.sqlite")
	h, err := OpenHistory(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	h, err = OpenHistory(path, "")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = h.Close()
}
