package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
)

// sqlite result codes for a damaged or foreign file
const (
	sqliteCorrupt = 11
	sqliteNotADB  = 26
)

type SqliteStore struct {
	db      *sql.DB
	path    string
	skipped int
}

// NewSqliteStore opens (or creates) the captures table at path. A file that
// is not a usable database is moved aside and replaced with an empty one.
func NewSqliteStore(path string) (*SqliteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := openSqlite(path)
	if err != nil && isCorrupt(err) {
		if qerr := quarantine(path); qerr != nil {
			return nil, fmt.Errorf("quarantine %s: %w", path, qerr)
		}
		db, err = openSqlite(path)
	}
	if err != nil {
		return nil, err
	}
	return &SqliteStore{db: db, path: path}, nil
}

func openSqlite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	for _, table := range []string{"captures", "captures_rejected"} {
		_, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + table + ` (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        source_address TEXT NOT NULL,
        latitude REAL NOT NULL,
        longitude REAL NOT NULL,
        city TEXT NOT NULL,
        country TEXT NOT NULL,
        captured_at TEXT NOT NULL
    );`)
		if err != nil {
			return err
		}
	}
	return nil
}

func isCorrupt(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqliteCorrupt, sqliteNotADB:
		return true
	}
	return false
}

func quarantine(path string) error {
	return os.Rename(path, fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix()))
}

// Load returns the stored captures oldest first. Rows whose timestamp does
// not parse are moved to captures_rejected so they neither fail the load
// nor occupy retention slots. Skipped reports how many were moved.
func (s *SqliteStore) Load(ctx context.Context) ([]CaptureEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, source_address, latitude, longitude, city, country, captured_at FROM captures ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []CaptureEvent{}
	var bad []int64
	for rows.Next() {
		var e CaptureEvent
		var id int64
		var ts string
		if err := rows.Scan(&id, &e.SourceAddress, &e.Latitude, &e.Longitude, &e.City, &e.Country, &ts); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			bad = append(bad, id)
			continue
		}
		e.CapturedAt = t
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	s.skipped = len(bad)
	if err := s.reject(ctx, bad); err != nil {
		return nil, fmt.Errorf("move unreadable rows: %w", err)
	}
	return out, nil
}

func (s *SqliteStore) reject(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `INSERT INTO captures_rejected(source_address, latitude, longitude, city, country, captured_at)
            SELECT source_address, latitude, longitude, city, country, captured_at FROM captures WHERE id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM captures WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Save inserts the appended row and trims the table to the retained length
// in one transaction.
func (s *SqliteStore) Save(ctx context.Context, appended CaptureEvent, retained []CaptureEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO captures(source_address, latitude, longitude, city, country, captured_at) VALUES (?, ?, ?, ?, ?, ?)`,
		appended.SourceAddress, appended.Latitude, appended.Longitude, appended.City, appended.Country,
		appended.CapturedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM captures WHERE id NOT IN (SELECT id FROM captures ORDER BY id DESC LIMIT ?)`, len(retained)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteStore) Skipped() int { return s.skipped }

func (s *SqliteStore) Path() string { return s.path }

func (s *SqliteStore) Close() error { return s.db.Close() }
