package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/helmworks/steadystick/internal/stick"
)

// ProfileDB persists device profiles and the adaptation-event log.
type ProfileDB struct {
	db *sql.DB
}

var _ stick.ProfileStore = (*ProfileDB)(nil)

// NewProfileDB creates a ProfileDB backed by the given database. The schema
// must already be migrated (internal/db.MigrateUp).
func NewProfileDB(db *sql.DB) *ProfileDB {
	return &ProfileDB{db: db}
}

// busyRetries bounds how long a writer waits out a concurrent VACUUM or
// checkpoint before giving up.
const busyRetries = 5

// retryOnBusy retries fn on SQLITE_BUSY with linear backoff. The busy_timeout
// PRAGMA handles in-statement contention; this covers the window where a
// backup VACUUM holds the whole file.
func retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// UpsertProfile inserts or replaces the profile row for r.DeviceID and
// returns the row id.
func (s *ProfileDB) UpsertProfile(r *stick.ProfileRecord) (int64, error) {
	if r == nil {
		return 0, errors.New("nil profile record")
	}
	if r.DeviceID == "" {
		return 0, errors.New("profile record missing device id")
	}

	var id int64
	err := retryOnBusy(func() error {
		return s.db.QueryRow(`
			INSERT INTO device_profiles (
				device_id, saved_unix_nanos, mode, frames, train_steps, profile_blob
			) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
				saved_unix_nanos = excluded.saved_unix_nanos,
				mode             = excluded.mode,
				frames           = excluded.frames,
				train_steps      = excluded.train_steps,
				profile_blob     = excluded.profile_blob
			RETURNING id`,
			r.DeviceID, r.SavedUnixNanos, r.Mode, r.Frames, r.TrainSteps, r.ProfileBlob,
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("upsert profile %s: %w", r.DeviceID, err)
	}
	r.ID = id
	return id, nil
}

// GetProfile returns the stored profile for a device, or
// stick.ErrProfileNotFound when the device has never been saved.
func (s *ProfileDB) GetProfile(deviceID string) (*stick.ProfileRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, device_id, saved_unix_nanos, mode, frames, train_steps, profile_blob
		FROM device_profiles
		WHERE device_id = ?`, deviceID)

	var r stick.ProfileRecord
	err := row.Scan(&r.ID, &r.DeviceID, &r.SavedUnixNanos, &r.Mode, &r.Frames, &r.TrainSteps, &r.ProfileBlob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stick.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile %s: %w", deviceID, err)
	}
	return &r, nil
}

// ListProfiles returns all stored profiles ordered by device id.
func (s *ProfileDB) ListProfiles() ([]*stick.ProfileRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, device_id, saved_unix_nanos, mode, frames, train_steps, profile_blob
		FROM device_profiles
		ORDER BY device_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var records []*stick.ProfileRecord
	for rows.Next() {
		var r stick.ProfileRecord
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.SavedUnixNanos, &r.Mode, &r.Frames, &r.TrainSteps, &r.ProfileBlob); err != nil {
			return nil, fmt.Errorf("scan profile row: %w", err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// InsertAdaptationEvent appends one training-step row to the event log and
// returns the new row id.
func (s *ProfileDB) InsertAdaptationEvent(e *stick.AdaptationEvent) (int64, error) {
	if e == nil {
		return 0, errors.New("nil adaptation event")
	}

	var res sql.Result
	err := retryOnBusy(func() error {
		var execErr error
		res, execErr = s.db.Exec(`
			INSERT INTO adaptation_events (
				device_id, run_id, step, loss, batch_size, mode, created_unix_nanos
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.DeviceID, e.RunID, e.Step, e.Loss, e.BatchSize, e.Mode, e.CreatedUnixNanos,
		)
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("insert adaptation event for %s: %w", e.DeviceID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("adaptation event id: %w", err)
	}
	e.ID = id
	return id, nil
}

// RecentAdaptationEvents returns up to limit events for a device, newest
// first. A non-positive limit selects a default window of 50.
func (s *ProfileDB) RecentAdaptationEvents(deviceID string, limit int) ([]*stick.AdaptationEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, device_id, run_id, step, loss, batch_size, mode, created_unix_nanos
		FROM adaptation_events
		WHERE device_id = ?
		ORDER BY created_unix_nanos DESC, id DESC
		LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query adaptation events: %w", err)
	}
	defer rows.Close()

	var events []*stick.AdaptationEvent
	for rows.Next() {
		var e stick.AdaptationEvent
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.RunID, &e.Step, &e.Loss, &e.BatchSize, &e.Mode, &e.CreatedUnixNanos); err != nil {
			return nil, fmt.Errorf("scan adaptation event row: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
