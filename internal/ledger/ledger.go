// Package ledger turns accepted verification results into the durable
// attendance record. Its one job beyond appending rows is deduplication:
// repeated sightings of the same person within the cooldown window must not
// produce repeated events.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// EventType classifies an attendance event. A check-in/check-out/check-in
// pattern across a day is legitimate; dedup applies per type within the
// cooldown window, not per day.
type EventType string

const (
	EventCheckIn    EventType = "check_in"
	EventCheckOut   EventType = "check_out"
	EventBreakStart EventType = "break_start"
	EventBreakEnd   EventType = "break_end"
)

// Valid reports whether the event type is one of the known values.
func (e EventType) Valid() bool {
	switch e {
	case EventCheckIn, EventCheckOut, EventBreakStart, EventBreakEnd:
		return true
	}
	return false
}

// Record is one attendance event. Immutable once created.
type Record struct {
	ID         int64
	Identity   string
	Timestamp  time.Time
	EventType  EventType
	CameraID   string
	Confidence float64
	Latency    float64 // verification latency in seconds
}

// Summary is the derived per-day aggregate for an identity. It is recomputed
// incrementally whenever a record for that (identity, date) is appended.
type Summary struct {
	Identity     string
	Date         string // YYYY-MM-DD
	FirstCheckIn *time.Time
	LastCheckOut *time.Time
	Present      bool
}

// timeFormat is fixed-width so lexicographic comparison in SQL matches
// chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS attendance_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    identity TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    event_type TEXT NOT NULL,
    camera_id TEXT NOT NULL DEFAULT '',
    confidence REAL NOT NULL DEFAULT 0,
    latency REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS attendance_identity_type_idx
    ON attendance_records (identity, event_type, timestamp);
CREATE TABLE IF NOT EXISTS attendance_summaries (
    identity TEXT NOT NULL,
    date TEXT NOT NULL,
    first_check_in TEXT,
    last_check_out TEXT,
    present INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (identity, date)
);
`

// Ledger appends attendance records with per-identity dedup.
type Ledger struct {
	db       *sql.DB
	cooldown time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-identity, guards check-then-write
}

// New creates a ledger over the shared SQLite database and ensures its
// schema exists.
func New(db *sql.DB, cooldown time.Duration) (*Ledger, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating attendance schema: %w", err)
	}
	return &Ledger{
		db:       db,
		cooldown: cooldown,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// lockFor returns the mutex serializing writes for one identity.
func (l *Ledger) lockFor(identity string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[identity]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[identity] = lock
	}
	return lock
}

// Record appends an attendance event unless an event of the same type for
// the identity exists within the cooldown window. The deduplicated return is
// a soft no-op, not an error: the caller reports attendance as already
// logged. The check-then-write is atomic per identity.
func (l *Ledger) Record(ctx context.Context, rec Record) (*Record, bool, error) {
	if rec.Identity == "" {
		return nil, false, errors.New("identity is required")
	}
	if !rec.EventType.Valid() {
		return nil, false, fmt.Errorf("unknown event type %q", rec.EventType)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Timestamp = rec.Timestamp.UTC()

	lock := l.lockFor(rec.Identity)
	lock.Lock()
	defer lock.Unlock()

	last, err := l.lastTimestamp(ctx, rec.Identity, rec.EventType)
	if err != nil {
		return nil, false, err
	}
	if last != nil && rec.Timestamp.Sub(*last) < l.cooldown {
		return nil, true, nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_records (identity, timestamp, event_type, camera_id, confidence, latency)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Identity, rec.Timestamp.Format(timeFormat), rec.EventType,
		rec.CameraID, rec.Confidence, rec.Latency,
	)
	if err != nil {
		return nil, false, fmt.Errorf("inserting record: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return nil, false, err
	}

	if err := l.updateSummary(ctx, tx, &rec); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing record: %w", err)
	}
	return &rec, false, nil
}

func (l *Ledger) lastTimestamp(ctx context.Context, identity string, eventType EventType) (*time.Time, error) {
	var raw sql.NullString
	err := l.db.QueryRowContext(ctx, `
		SELECT MAX(timestamp) FROM attendance_records
		WHERE identity = ? AND event_type = ?`, identity, eventType,
	).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("looking up last record: %w", err)
	}
	if !raw.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return nil, fmt.Errorf("parsing last timestamp: %w", err)
	}
	return &t, nil
}

// updateSummary refreshes the (identity, date) summary row inside the same
// transaction as the record insert.
func (l *Ledger) updateSummary(ctx context.Context, tx *sql.Tx, rec *Record) error {
	date := rec.Timestamp.Format("2006-01-02")
	ts := rec.Timestamp.Format(timeFormat)

	var err error
	switch rec.EventType {
	case EventCheckIn:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attendance_summaries (identity, date, first_check_in, present)
			VALUES (?, ?, ?, 1)
			ON CONFLICT (identity, date) DO UPDATE SET
				first_check_in = MIN(COALESCE(first_check_in, excluded.first_check_in), excluded.first_check_in),
				present = 1`,
			rec.Identity, date, ts,
		)
	case EventCheckOut:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attendance_summaries (identity, date, last_check_out, present)
			VALUES (?, ?, ?, 1)
			ON CONFLICT (identity, date) DO UPDATE SET
				last_check_out = MAX(COALESCE(last_check_out, excluded.last_check_out), excluded.last_check_out),
				present = 1`,
			rec.Identity, date, ts,
		)
	default:
		// Breaks mark presence but do not move the check-in/out bounds.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attendance_summaries (identity, date, present)
			VALUES (?, ?, 1)
			ON CONFLICT (identity, date) DO UPDATE SET present = 1`,
			rec.Identity, date,
		)
	}
	if err != nil {
		return fmt.Errorf("updating summary: %w", err)
	}
	return nil
}

// RecordsByIdentity returns records for an identity within [from, to],
// newest first.
func (l *Ledger) RecordsByIdentity(ctx context.Context, identity string, from, to time.Time) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, identity, timestamp, event_type, camera_id, confidence, latency
		FROM attendance_records
		WHERE identity = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC`,
		identity, from.UTC().Format(timeFormat), to.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts string
		if err := rows.Scan(&rec.ID, &rec.Identity, &ts, &rec.EventType,
			&rec.CameraID, &rec.Confidence, &rec.Latency); err != nil {
			return nil, err
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing record timestamp: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SummariesByIdentity returns daily summaries for an identity within the
// inclusive date range, oldest first. Dates use YYYY-MM-DD.
func (l *Ledger) SummariesByIdentity(ctx context.Context, identity, fromDate, toDate string) ([]Summary, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT identity, date, first_check_in, last_check_out, present
		FROM attendance_summaries
		WHERE identity = ? AND date >= ? AND date <= ?
		ORDER BY date`,
		identity, fromDate, toDate,
	)
	if err != nil {
		return nil, fmt.Errorf("querying summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var firstIn, lastOut sql.NullString
		if err := rows.Scan(&s.Identity, &s.Date, &firstIn, &lastOut, &s.Present); err != nil {
			return nil, err
		}
		if firstIn.Valid {
			t, err := time.Parse(time.RFC3339Nano, firstIn.String)
			if err != nil {
				return nil, fmt.Errorf("parsing first check-in: %w", err)
			}
			s.FirstCheckIn = &t
		}
		if lastOut.Valid {
			t, err := time.Parse(time.RFC3339Nano, lastOut.String)
			if err != nil {
				return nil, fmt.Errorf("parsing last check-out: %w", err)
			}
			s.LastCheckOut = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
