package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"proteld/config"
)

const (
	logStampLayout = "2006/01/02 15:04:05"
	logDayLayout   = "02-Jan-2006"
	logFileExt     = ".log"
	maxPendingLog  = 16 * 1024
)

// terminal owns the operator's console. Log lines go to err; while echo is on,
// live calls also write their printable payload bytes to out and " [n] "
// markers to err. Every write takes the same lock, and a log line that lands
// while an echoed payload is mid-line is moved to a line of its own.
type terminal struct {
	mu      sync.Mutex
	out     io.Writer
	err     io.Writer
	midLine bool
}

func newTerminal(out, err io.Writer) *terminal {
	return &terminal{out: out, err: err}
}

// Payload is the writer session.Echo prints received bytes to.
func (t *terminal) Payload() io.Writer { return termWriter{t: t, w: t.out} }

// Diag is the writer session.Echo reports non-printable bytes to.
func (t *terminal) Diag() io.Writer { return termWriter{t: t, w: t.err} }

type termWriter struct {
	t *terminal
	w io.Writer
}

func (tw termWriter) Write(p []byte) (int, error) {
	if tw.w == nil {
		return len(p), nil
	}
	tw.t.mu.Lock()
	defer tw.t.mu.Unlock()
	n, err := tw.w.Write(p)
	if n > 0 {
		tw.t.midLine = p[n-1] != '\n'
	}
	return n, err
}

func (t *terminal) logLine(line string, now time.Time) {
	if t == nil || t.err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.midLine {
		_, _ = io.WriteString(t.err, "\n")
		t.midLine = false
	}
	_, _ = io.WriteString(t.err, logStamp(now)+" "+line+"\n")
}

// dailyLog appends lines to <dir>/<DD-Mon-YYYY>.log. When the UTC day turns
// over, the finished file is closed with the call totals as its last lines,
// the new day's file is opened and files past the retention window are pruned.
type dailyLog struct {
	mu       sync.Mutex
	dir      string
	keepDays int
	day      string
	f        *os.File
	totals   func() []string
	warn     *terminal
	warnedAt time.Time
}

// Purpose: Create the log directory and prune what retention no longer keeps.
// Upstream: setupLogging.
func openDailyLog(dir string, keepDays int, warn *terminal) (*dailyLog, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("log directory is empty")
	}
	if keepDays <= 0 {
		keepDays = 7
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %q: %w", dir, err)
	}
	l := &dailyLog{dir: dir, keepDays: keepDays, warn: warn}
	if err := pruneLogs(dir, time.Now(), keepDays); err != nil {
		l.warnf(time.Now(), "prune %s: %v", dir, err)
	}
	return l, nil
}

func (l *dailyLog) write(line string, now time.Time) {
	if l == nil {
		return
	}
	now = now.UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	if day := now.Format(logDayLayout); l.f == nil || l.day != day {
		l.turnOver(day, now)
	}
	if l.f == nil {
		return
	}
	if _, err := l.f.WriteString(logStamp(now) + " " + line + "\n"); err != nil {
		l.warnf(now, "write %s: %v", l.day, err)
	}
}

// turnOver ends the open day's file and starts the file for day.
// The caller holds mu.
func (l *dailyLog) turnOver(day string, now time.Time) {
	if l.f != nil {
		if l.day != day && l.totals != nil {
			stamp := logStamp(now)
			fmt.Fprintf(l.f, "%s Totals at end of %s:\n", stamp, l.day)
			for _, line := range l.totals() {
				fmt.Fprintf(l.f, "%s %s\n", stamp, line)
			}
		}
		_ = l.f.Close()
		l.f = nil
	}
	path := filepath.Join(l.dir, day+logFileExt)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.warnf(now, "open %s: %v", path, err)
		return
	}
	l.f = f
	l.day = day
	if err := pruneLogs(l.dir, now, l.keepDays); err != nil {
		l.warnf(now, "prune %s: %v", l.dir, err)
	}
}

// warnf reports file trouble on the console, at most once a minute.
func (l *dailyLog) warnf(now time.Time, format string, args ...any) {
	if !l.warnedAt.IsZero() && now.Sub(l.warnedAt) < time.Minute {
		return
	}
	l.warnedAt = now
	if l.warn != nil {
		l.warn.logLine("Logging: "+fmt.Sprintf(format, args...), now)
	}
}

func (l *dailyLog) setTotals(fn func() []string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.totals = fn
	l.mu.Unlock()
}

func (l *dailyLog) close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	l.day = ""
	return err
}

// logFanout is the standard logger's output. Calls log from their own
// goroutines, so partial writes are joined into lines under mu before each
// line goes to the terminal and the daily file.
type logFanout struct {
	mu      sync.Mutex
	pending []byte
	term    *terminal
	file    *dailyLog
}

// Purpose: Build the fanout from config.
// Key aspects: A file sink that cannot be opened leaves a working
// console-only fanout, returned with the error.
// Upstream: run.
func setupLogging(cfg config.LoggingConfig, term *terminal) (*logFanout, error) {
	f := &logFanout{term: term}
	if !cfg.Enabled {
		return f, nil
	}
	file, err := openDailyLog(cfg.Dir, cfg.RetentionDays, term)
	if err != nil {
		return f, err
	}
	f.file = file
	return f, nil
}

// HasFile reports whether lines also reach a daily file.
func (f *logFanout) HasFile() bool {
	return f != nil && f.file != nil
}

// SetDayTotals supplies the lines written at the end of each day's file.
func (f *logFanout) SetDayTotals(fn func() []string) {
	if f != nil {
		f.file.setTotals(fn)
	}
}

func (f *logFanout) Write(p []byte) (int, error) {
	if f == nil {
		return len(p), nil
	}
	var lines []string
	f.mu.Lock()
	rest := append(f.pending, p...)
	for {
		line, tail, ok := bytes.Cut(rest, []byte{'\n'})
		if !ok {
			break
		}
		lines = append(lines, string(bytes.TrimRight(line, "\r")))
		rest = tail
	}
	if len(rest) > maxPendingLog {
		lines = append(lines, string(rest))
		rest = nil
	}
	f.pending = rest
	f.mu.Unlock()

	now := time.Now().UTC()
	for _, line := range lines {
		f.term.logLine(line, now)
		f.file.write(line, now)
	}
	return len(p), nil
}

// WriteFileOnlyLine puts line in the daily file without touching the console.
func (f *logFanout) WriteFileOnlyLine(line string, now time.Time) {
	if f != nil {
		f.file.write(line, now)
	}
}

func (f *logFanout) Close() error {
	if f == nil {
		return nil
	}
	return f.file.close()
}

func logStamp(now time.Time) string {
	return now.UTC().Format(logStampLayout)
}

func logNameForDay(t time.Time) string {
	return t.UTC().Format(logDayLayout) + logFileExt
}

// logDay returns the day a log file name carries.
func logDay(name string) (time.Time, bool) {
	base, ok := strings.CutSuffix(name, logFileExt)
	if !ok {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation(logDayLayout, base, time.UTC)
	return day, err == nil
}

// pruneLogs removes daily files older than keepDays, today included. Other
// files in dir are left alone.
func pruneLogs(dir string, now time.Time, keepDays int) error {
	if keepDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	y, m, d := now.UTC().Date()
	oldest := time.Date(y, m, d-(keepDays-1), 0, 0, 0, 0, time.UTC)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if day, ok := logDay(e.Name()); ok && day.Before(oldest) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}
