// Package storage keeps the local flash history in SQLite.
package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/FlashAgent/pkg/device"
	"github.com/httprunner/FlashAgent/pkg/flash"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	jobsTable    = "flash_jobs"
	devicesTable = "devices"
)

// History persists flash jobs and device snapshots. It implements both
// device.Recorder and flash.JobRecorder.
type History struct {
	db   *sql.DB
	path string
	host string

	closeOnce sync.Once
	closeErr  error
}

// OpenHistory opens (and migrates) the database at path. host tags every row.
func OpenHistory(path, host string) (*History, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage: history db path is empty")
	}
	if err := ensureDirExists(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("flash history opened")
	return &History{db: db, path: path, host: host}, nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flash_jobs (
			JobID TEXT PRIMARY KEY,
			DeviceSerial TEXT NOT NULL,
			Codename TEXT,
			Version TEXT,
			URL TEXT,
			State TEXT NOT NULL,
			LastState TEXT,
			Progress REAL NOT NULL DEFAULT 0,
			Message TEXT,
			Error TEXT,
			StartedAt INTEGER,
			UpdatedAt INTEGER,
			FinishedAt INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_flash_jobs_serial ON flash_jobs(DeviceSerial, StartedAt);`,
		`CREATE TABLE IF NOT EXISTS devices (
			DeviceSerial TEXT PRIMARY KEY,
			Manufacturer TEXT,
			Model TEXT,
			Codename TEXT,
			State TEXT,
			Connection TEXT,
			Mode TEXT,
			VendorID INTEGER,
			ProductID INTEGER,
			LastEvent TEXT,
			LastSeenAt INTEGER,
			UpdatedAt INTEGER
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "storage: init sqlite schema failed")
		}
	}
	// columns added after the first release
	for _, col := range []struct {
		table, name, typ string
	}{
		{jobsTable, "Host", "TEXT"},
		{devicesTable, "Host", "TEXT"},
		{devicesTable, "Ambiguous", "INTEGER NOT NULL DEFAULT 0"},
	} {
		if err := ensureSQLiteColumn(db, col.table, col.name, col.typ); err != nil {
			return err
		}
	}
	return nil
}

// Name is the database path.
func (h *History) Name() string { return h.path }

// UpsertJob implements flash.JobRecorder.
func (h *History) UpsertJob(ctx context.Context, rec flash.JobRecord) error {
	if h == nil || h.db == nil {
		return errors.New("storage: history is closed")
	}
	const stmt = `INSERT INTO flash_jobs
		(JobID, DeviceSerial, Codename, Version, URL, State, LastState, Progress, Message, Error, StartedAt, UpdatedAt, FinishedAt, Host)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(JobID) DO UPDATE SET
			State=excluded.State,
			LastState=excluded.LastState,
			Progress=MAX(flash_jobs.Progress, excluded.Progress),
			Message=excluded.Message,
			Error=excluded.Error,
			UpdatedAt=excluded.UpdatedAt,
			FinishedAt=excluded.FinishedAt;`
	err := execWithRetry(ctx, h.db, stmt,
		rec.ID, rec.Serial,
		nullableString(rec.Codename), nullableString(rec.Version), nullableString(rec.URL),
		string(rec.State), string(rec.LastState), rec.Progress,
		nullableString(rec.Message), nullableString(rec.Error),
		nullableTime(rec.StartedAt), nullableTime(rec.UpdatedAt), nullableTime(rec.FinishedAt),
		nullableString(h.host),
	)
	if err != nil {
		return errors.Wrapf(err, "storage: upsert job %s failed", rec.ID)
	}
	return nil
}

// UpsertDevices implements device.Recorder.
func (h *History) UpsertDevices(ctx context.Context, updates []device.Update) error {
	if h == nil || h.db == nil {
		return errors.New("storage: history is closed")
	}
	const stmt = `INSERT INTO devices
		(DeviceSerial, Manufacturer, Model, Codename, State, Connection, Mode, VendorID, ProductID, LastEvent, LastSeenAt, UpdatedAt, Host, Ambiguous)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(DeviceSerial) DO UPDATE SET
			Manufacturer=COALESCE(excluded.Manufacturer, devices.Manufacturer),
			Model=COALESCE(excluded.Model, devices.Model),
			Codename=COALESCE(excluded.Codename, devices.Codename),
			State=excluded.State,
			Connection=excluded.Connection,
			Mode=excluded.Mode,
			LastEvent=excluded.LastEvent,
			LastSeenAt=COALESCE(excluded.LastSeenAt, devices.LastSeenAt),
			UpdatedAt=excluded.UpdatedAt,
			Host=excluded.Host,
			Ambiguous=excluded.Ambiguous;`
	now := time.Now()
	for _, u := range updates {
		rec := u.Record
		ambiguous := 0
		if rec.Ambiguous {
			ambiguous = 1
		}
		err := execWithRetry(ctx, h.db, stmt,
			rec.Serial,
			nullableString(rec.Manufacturer), nullableString(rec.Model), nullableString(rec.Codename),
			string(rec.State), string(rec.Connection), string(rec.Mode),
			int(rec.VendorID), int(rec.ProductID),
			u.Event, nullableTime(rec.LastSeen), now.UnixMilli(),
			nullableString(h.host), ambiguous,
		)
		if err != nil {
			return errors.Wrapf(err, "storage: upsert device %s failed", rec.Serial)
		}
	}
	return nil
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Serial string
	Limit  int
}

// ListJobs returns the newest jobs first.
func (h *History) ListJobs(ctx context.Context, filter JobFilter) ([]flash.JobRecord, error) {
	query := `SELECT JobID, DeviceSerial, Codename, Version, URL, State, LastState, Progress, Message, Error, StartedAt, UpdatedAt, FinishedAt
		FROM flash_jobs`
	var args []any
	if s := strings.TrimSpace(filter.Serial); s != "" {
		query += ` WHERE DeviceSerial = ?`
		args = append(args, s)
	}
	query += ` ORDER BY StartedAt DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query jobs failed")
	}
	defer rows.Close()

	var out []flash.JobRecord
	for rows.Next() {
		var (
			rec                                 flash.JobRecord
			codename, version, link, msg, cause sql.NullString
			state, last                         sql.NullString
			started, updated, finished          sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.Serial, &codename, &version, &link, &state, &last,
			&rec.Progress, &msg, &cause, &started, &updated, &finished); err != nil {
			return nil, errors.Wrap(err, "storage: scan job failed")
		}
		rec.Codename, rec.Version, rec.URL = codename.String, version.String, link.String
		rec.State, rec.LastState = flash.State(state.String), flash.State(last.String)
		rec.Message, rec.Error = msg.String, cause.String
		rec.StartedAt, rec.UpdatedAt, rec.FinishedAt = timeFromMillis(started), timeFromMillis(updated), timeFromMillis(finished)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "storage: iterate jobs failed")
	}
	return out, nil
}

// DeviceRow is one row of the devices table.
type DeviceRow struct {
	Serial     string
	Model      string
	Codename   string
	State      string
	LastEvent  string
	Ambiguous  bool
	LastSeenAt time.Time
}

// ListDevices returns every device ever seen, most recent first.
func (h *History) ListDevices(ctx context.Context) ([]DeviceRow, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT DeviceSerial, Model, Codename, State, LastEvent, Ambiguous, LastSeenAt
		FROM devices ORDER BY UpdatedAt DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query devices failed")
	}
	defer rows.Close()
	var out []DeviceRow
	for rows.Next() {
		var (
			row                           DeviceRow
			model, codename, state, event sql.NullString
			ambiguous                     int
			seen                          sql.NullInt64
		)
		if err := rows.Scan(&row.Serial, &model, &codename, &state, &event, &ambiguous, &seen); err != nil {
			return nil, errors.Wrap(err, "storage: scan device failed")
		}
		row.Model, row.Codename, row.State, row.LastEvent = model.String, codename.String, state.String, event.String
		row.Ambiguous = ambiguous != 0
		row.LastSeenAt = timeFromMillis(seen)
		out = append(out, row)
	}
	return out, rows.Err()
}

// Close releases the database. Safe to call twice.
func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		h.closeErr = h.db.Close()
	})
	return h.closeErr
}
