// Package store persists LocationRecord history to SQLite via
// modernc.org/sqlite, the pure-Go driver requiring no cgo toolchain.
// SQLite is effectively single-writer, so the store pins one connection
// and serialises access with a mutex, the same pattern as the teacher
// pack's device store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g7ctrl/g7ctrld/internal/proto"
)

// LocationStore appends and queries LocationRecord history for every
// known device (spec.md Section 4.7: "persist record to store").
type LocationStore struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*LocationStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &LocationStore{db: db}
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *LocationStore) initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS location_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id INTEGER NOT NULL,
	local_time TEXT NOT NULL,
	utc_time TEXT NOT NULL,
	longitude REAL NOT NULL,
	latitude REAL NOT NULL,
	speed_kmh REAL NOT NULL,
	heading_deg REAL NOT NULL,
	altitude_m REAL NOT NULL,
	satellites INTEGER NOT NULL,
	event INTEGER NOT NULL,
	battery_volts REAL NOT NULL,
	detached INTEGER NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("store: create table: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_location_records_device_time ON location_records(device_id, utc_time);`)
	if err != nil {
		return fmt.Errorf("store: create index: %w", err)
	}

	return nil
}

// Close releases the underlying connection.
func (s *LocationStore) Close() error {
	return s.db.Close()
}

// Append inserts one LocationRecord.
func (s *LocationStore) Append(ctx context.Context, r *proto.LocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	detached := 0
	if r.Detached {
		detached = 1
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO location_records (
	device_id, local_time, utc_time, longitude, latitude, speed_kmh, heading_deg,
	altitude_m, satellites, event, battery_volts, detached
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		r.DeviceID,
		r.LocalTime.Format(time.RFC3339),
		r.UTCTime.Format(time.RFC3339),
		r.Longitude,
		r.Latitude,
		r.SpeedKMH,
		r.HeadingDeg,
		r.AltitudeM,
		r.Satellites,
		int(r.Event),
		r.BatteryVolts,
		detached,
	)
	if err != nil {
		return fmt.Errorf("store: append: %w", err)
	}

	return nil
}

// Query returns every record for deviceID with a UTC timestamp within
// [from, to], oldest first.
func (s *LocationStore) Query(ctx context.Context, deviceID uint64, from, to time.Time) ([]*proto.LocationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
SELECT device_id, local_time, utc_time, longitude, latitude, speed_kmh, heading_deg,
       altitude_m, satellites, event, battery_volts, detached
FROM location_records
WHERE device_id = ? AND utc_time >= ? AND utc_time <= ?
ORDER BY utc_time ASC
`, deviceID, from.Format(time.RFC3339), to.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	var out []*proto.LocationRecord

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query rows: %w", err)
	}

	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(rs rowScanner) (*proto.LocationRecord, error) {
	var (
		r                  proto.LocationRecord
		localStr, utcStr   string
		event, detachedInt int
	)

	err := rs.Scan(
		&r.DeviceID, &localStr, &utcStr, &r.Longitude, &r.Latitude, &r.SpeedKMH,
		&r.HeadingDeg, &r.AltitudeM, &r.Satellites, &event, &r.BatteryVolts, &detachedInt,
	)
	if err != nil {
		return nil, err
	}

	r.LocalTime, err = time.Parse(time.RFC3339, localStr)
	if err != nil {
		return nil, err
	}
	r.UTCTime, err = time.Parse(time.RFC3339, utcStr)
	if err != nil {
		return nil, err
	}
	r.Event = proto.EventKind(event)
	r.Detached = detachedInt != 0

	return &r, nil
}

// DeleteRange removes every record for deviceID with a UTC timestamp
// within [from, to] and returns the count deleted.
func (s *LocationStore) DeleteRange(ctx context.Context, deviceID uint64, from, to time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM location_records WHERE device_id = ? AND utc_time >= ? AND utc_time <= ?`,
		deviceID, from.Format(time.RFC3339), to.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("store: delete range: %w", err)
	}

	return res.RowsAffected()
}

// Size returns the total number of stored records across all devices.
func (s *LocationStore) Size(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM location_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: size: %w", err)
	}

	return n, nil
}
