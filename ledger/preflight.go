package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// preflightResult reports what the startup check did to an existing ledger.
type preflightResult struct {
	Healthy        bool
	Quarantined    bool
	QuarantinePath string
	Elapsed        time.Duration
	CheckErr       error
}

var sidecarSuffixes = []string{"-wal", "-shm", "-journal"}

// preflight runs a bounded WAL checkpoint and quick_check on an existing
// ledger. A damaged file is renamed aside with its sidecars so the daemon can
// start with a fresh one instead of refusing calls.
func preflight(path string, timeout time.Duration, logf func(string, ...any)) (preflightResult, error) {
	if logf == nil {
		logf = log.Printf
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	start := time.Now()
	var res preflightResult

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return res, fmt.Errorf("ledger: preflight open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		// A file that is not a database fails here; treat it like a failed check.
		res.CheckErr = err
	} else {
		res.CheckErr = checkDatabase(ctx, db)
	}
	db.Close()
	res.Elapsed = time.Since(start)

	if res.CheckErr == nil {
		res.Healthy = true
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("ledger: preflight timed out after %s", timeout)
	}

	dest, err := quarantine(path, time.Now().UTC())
	if err != nil {
		return res, fmt.Errorf("ledger: quarantine failed: %w (check: %v)", err, res.CheckErr)
	}
	res.Quarantined = true
	res.QuarantinePath = dest
	logf("Ledger preflight failed (%v); moved %s to %s", res.CheckErr, path, dest)
	return res, nil
}

func checkDatabase(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

// quarantine renames path and any sidecars to <name>.bad-<timestamp>.
func quarantine(path string, now time.Time) (string, error) {
	suffix := ".bad-" + now.Format("20060102T150405Z")
	dest := path + suffix
	if err := os.Rename(path, dest); err != nil {
		return "", err
	}
	for _, s := range sidecarSuffixes {
		side := path + s
		if err := os.Rename(side, side+suffix); err != nil && !os.IsNotExist(err) {
			return dest, err
		}
	}
	return dest, nil
}
