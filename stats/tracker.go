// Package stats tracks process-wide call counters for the shutdown report and
// periodic console output. Every call goroutine updates the same Tracker, so
// all counters are atomics.
package stats

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Tracker tracks call statistics across all sessions.
type Tracker struct {
	// outcome counters live in sync.Map + atomic.Uint64 so per-call increments don't fight over a mutex
	outcomeCounts   sync.Map // string -> *atomic.Uint64
	start           atomic.Int64
	attempted       atomic.Uint64
	succeeded       atomic.Uint64
	active          atomic.Int64
	received        atomic.Uint64
	resets          atomic.Uint64
	corrections     atomic.Uint64
	persistFailures atomic.Uint64
}

// NewTracker creates a new stats tracker
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// BeginCall counts a new connection and returns its call number (1-based).
func (t *Tracker) BeginCall() uint64 {
	if t == nil {
		return 0
	}
	t.active.Add(1)
	return t.attempted.Add(1)
}

// EndCall records how a call finished.
func (t *Tracker) EndCall(outcome string, success bool, received, resets int) {
	if t == nil {
		return
	}
	t.active.Add(-1)
	if success {
		t.succeeded.Add(1)
	}
	if received > 0 {
		t.received.Add(uint64(received))
	}
	if resets > 0 {
		t.resets.Add(uint64(resets))
	}
	incrementCounter(&t.outcomeCounts, outcome)
}

// IncrementCorrections counts one applied autocorrection.
func (t *Tracker) IncrementCorrections() {
	if t == nil {
		return
	}
	t.corrections.Add(1)
}

// IncrementPersistFailures counts one capture that could not be written.
func (t *Tracker) IncrementPersistFailures() {
	if t == nil {
		return
	}
	t.persistFailures.Add(1)
}

// Attempted returns the number of calls accepted since start.
func (t *Tracker) Attempted() uint64 { return t.attempted.Load() }

// Succeeded returns the number of calls that produced a complete payload.
func (t *Tracker) Succeeded() uint64 { return t.succeeded.Load() }

// Active returns the number of calls in progress.
func (t *Tracker) Active() int64 { return t.active.Load() }

// Received returns the total bytes read across all calls.
func (t *Tracker) Received() uint64 { return t.received.Load() }

// Resets returns the total number of discarded attempts.
func (t *Tracker) Resets() uint64 { return t.resets.Load() }

// Corrections returns the number of applied autocorrections.
func (t *Tracker) Corrections() uint64 { return t.corrections.Load() }

// PersistFailures returns the number of captures that could not be written.
func (t *Tracker) PersistFailures() uint64 { return t.persistFailures.Load() }

// GetOutcomeCounts returns a copy of per-outcome call counts
func (t *Tracker) GetOutcomeCounts() map[string]uint64 {
	counts := make(map[string]uint64)
	t.outcomeCounts.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

// GetUptime returns how long the tracker has been running
func (t *Tracker) GetUptime() time.Duration {
	start := t.start.Load()
	return time.Since(time.Unix(0, start))
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	lines := make([]string, 0, 3)
	lines = append(lines, fmt.Sprintf("Calls: %s attempted, %s succeeded, %d active (uptime %s)",
		humanize.Comma(int64(t.Attempted())),
		humanize.Comma(int64(t.Succeeded())),
		t.Active(),
		t.GetUptime().Truncate(time.Second)))
	lines = append(lines, formatMapCounts("Calls by outcome", &t.outcomeCounts))
	lines = append(lines, fmt.Sprintf("Received %s, %d resets, %d corrections, %d write failures",
		humanize.Bytes(t.Received()), t.Resets(), t.Corrections(), t.PersistFailures()))
	return lines
}

// ReportLines returns the shutdown summary.
func (t *Tracker) ReportLines() []string {
	return []string{
		fmt.Sprintf("%-16s: %5d", "Calls Processed", t.Attempted()),
		fmt.Sprintf("%-16s: %5d", "Calls Succeeded", t.Succeeded()),
	}
}

func formatMapCounts(label string, counts *sync.Map) string {
	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	first := true
	counts.Range(func(key, value any) bool {
		if !first {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%d", key.(string), value.(*atomic.Uint64).Load())
		first = false
		return true
	})
	if first {
		builder.WriteString("(none)")
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
