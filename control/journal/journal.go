// Package journal keeps a persistent record of what happened to the clock: boots, fault state
// changes, time syncs, and restarts.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const initDatabase = `
CREATE TABLE IF NOT EXISTS event (date integer not null, boot text not null, device text not null, kind text not null, detail text not null);
CREATE INDEX IF NOT EXISTS event_boot ON event (boot);
`

// Kinds of events.
const (
	KindBoot    = "boot"
	KindFault   = "fault"
	KindSync    = "sync"
	KindRestart = "restart"
	KindExit    = "exit"
)

// Event is one row of the journal.
type Event struct {
	Date   time.Time
	Boot   string
	Device string
	Kind   string
	Detail string
}

// DB is the journal database.  Every event is tagged with the id of the boot that wrote it.
type DB struct {
	*sql.DB
	boot   uuid.UUID
	device string
	now    func() time.Time
}

// Open opens or creates the journal at filename, and starts a new boot.
func Open(filename, device string) (*DB, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", filename, err)
	}
	// sqlite serializes writers anyway, and ":memory:" databases are per-connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(initDatabase); err != nil {
		db.Close()
		return nil, fmt.Errorf("init database: %w", err)
	}
	return &DB{DB: db, boot: uuid.New(), device: device, now: time.Now}, nil
}

// Boot returns this boot's id.
func (db *DB) Boot() uuid.UUID { return db.boot }

// Record adds an event to the journal.
func (db *DB) Record(ctx context.Context, kind, detail string) error {
	s, err := db.PrepareContext(ctx, "insert into event values(?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer s.Close()
	if _, err := s.ExecContext(ctx, db.now().UnixNano(), db.boot.String(), db.device, kind, detail); err != nil {
		return fmt.Errorf("record %s event: %w", kind, err)
	}
	return nil
}

// Recent returns up to n of the most recent events, newest first.
func (db *DB) Recent(ctx context.Context, n int) ([]Event, error) {
	rows, err := db.QueryContext(ctx, "select date, boot, device, kind, detail from event order by rowid desc limit ?", n)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var result []Event
	for rows.Next() {
		var e Event
		var ns int64
		if err := rows.Scan(&ns, &e.Boot, &e.Device, &e.Kind, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Date = time.Unix(0, ns)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return result, nil
}

// Boots returns the number of boots recorded for this device, including the current one if it has
// recorded anything.
func (db *DB) Boots(ctx context.Context) (int, error) {
	return db.single(ctx, "select count(distinct boot) from event where device = ?", db.device)
}

func (db *DB) single(ctx context.Context, query string, args ...interface{}) (int, error) {
	s, err := db.PrepareContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer s.Close()

	rows, err := s.QueryContext(ctx, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var result int
	var found bool
	for rows.Next() {
		if found {
			return 0, errors.New("more than one row returned")
		}
		if err := rows.Scan(&result); err != nil {
			return 0, err
		}
		found = true
	}
	return result, rows.Err()
}
