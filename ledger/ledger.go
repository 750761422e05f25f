// Package ledger keeps one SQLite row per call so captures can be compared
// over time: a fingerprint of the payload region flags repeats, and the edit
// distance to the previous capture for the same identifier shows drift.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"proteld/capture"
	"proteld/payload"

	lev "github.com/agnivade/levenshtein"
	"github.com/zeebo/xxh3"
	_ "modernc.org/sqlite"
)

// NoDistance marks an entry with no earlier success to compare against.
const NoDistance = -1

// Entry is one ledger row.
type Entry struct {
	ID          int64
	Started     time.Time
	Ended       time.Time
	Remote      string
	Outcome     string
	Resets      int
	Bytes       int
	Identifier  string
	Fingerprint uint64
	Path        string
	Success     bool
	Duplicate   bool
	Distance    int

	region []byte
}

// Ledger is safe for concurrent use; inserts are serialized so duplicate and
// distance lookups see every earlier row.
type Ledger struct {
	db *sql.DB
	mu sync.Mutex
}

// Open runs a preflight check on path, then opens (or creates) the database
// and ensures the schema exists.
func Open(path string) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ledger: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: ensure dir: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := preflight(path, 2*time.Second, nil); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS calls (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_ms INTEGER NOT NULL,
    ended_ms INTEGER NOT NULL,
    remote TEXT,
    outcome TEXT NOT NULL,
    resets INTEGER,
    bytes INTEGER,
    identifier TEXT,
    fingerprint INTEGER,
    region BLOB,
    path TEXT,
    success INTEGER,
    duplicate INTEGER,
    distance INTEGER
);
CREATE INDEX IF NOT EXISTS calls_identifier ON calls (identifier, success, id);
CREATE INDEX IF NOT EXISTS calls_fingerprint ON calls (fingerprint, success);`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record derives the identifier, fingerprint, duplicate flag and distance
// from data, inserts the row and returns it. Only successful captures are
// fingerprinted and compared.
func (l *Ledger) Record(ctx context.Context, e Entry, data []byte) (Entry, error) {
	if l == nil || l.db == nil {
		return e, errors.New("ledger: closed")
	}
	e.Distance = NoDistance
	if id, ok := payload.Identifier(data); ok {
		e.Identifier = capture.IdentifierField(id)
	}
	if e.Success {
		e.region = append([]byte(nil), payload.Region(data)...)
		e.Fingerprint = xxh3.Hash(e.region)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Success {
		dup, err := l.seenFingerprint(ctx, e.Fingerprint)
		if err != nil {
			return e, err
		}
		e.Duplicate = dup
		if e.Identifier != "" {
			prev, ok, err := l.previous(ctx, e.Identifier)
			if err != nil {
				return e, err
			}
			if ok {
				e.Distance = lev.ComputeDistance(string(prev.region), string(e.region))
			}
		}
	}

	res, err := l.db.ExecContext(ctx, `
INSERT INTO calls (
    started_ms, ended_ms, remote, outcome, resets, bytes, identifier,
    fingerprint, region, path, success, duplicate, distance
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Started.UTC().UnixMilli(),
		e.Ended.UTC().UnixMilli(),
		e.Remote,
		e.Outcome,
		e.Resets,
		e.Bytes,
		nullString(e.Identifier),
		int64(e.Fingerprint),
		e.region,
		nullString(e.Path),
		boolToInt(e.Success),
		boolToInt(e.Duplicate),
		e.Distance,
	)
	if err != nil {
		return e, fmt.Errorf("ledger: insert: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return e, nil
}

// Previous returns the latest successful capture for identifier.
func (l *Ledger) Previous(ctx context.Context, identifier string) (Entry, bool, error) {
	if l == nil || l.db == nil {
		return Entry{}, false, errors.New("ledger: closed")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.previous(ctx, identifier)
}

// Recent returns up to limit rows, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("ledger: closed")
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx, selectColumns+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: query recent: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const selectColumns = `
SELECT id, started_ms, ended_ms, remote, outcome, resets, bytes, identifier,
       fingerprint, region, path, success, duplicate, distance
FROM calls`

func (l *Ledger) previous(ctx context.Context, identifier string) (Entry, bool, error) {
	row := l.db.QueryRowContext(ctx, selectColumns+` WHERE identifier = ? AND success = 1 ORDER BY id DESC LIMIT 1`, identifier)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (l *Ledger) seenFingerprint(ctx context.Context, fp uint64) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM calls WHERE fingerprint = ? AND success = 1`, int64(fp)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("ledger: query fingerprint: %w", err)
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e                   Entry
		startedMS, endedMS  int64
		remote, ident, path sql.NullString
		fp                  int64
		success, dup        int
	)
	err := s.Scan(&e.ID, &startedMS, &endedMS, &remote, &e.Outcome, &e.Resets, &e.Bytes,
		&ident, &fp, &e.region, &path, &success, &dup, &e.Distance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("ledger: scan: %w", err)
	}
	e.Started = time.UnixMilli(startedMS).UTC()
	e.Ended = time.UnixMilli(endedMS).UTC()
	e.Remote = remote.String
	e.Identifier = ident.String
	e.Path = path.String
	e.Fingerprint = uint64(fp)
	e.Success = success != 0
	e.Duplicate = dup != 0
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
