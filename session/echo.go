package session

import (
	"fmt"
	"io"
	"sync"
)

// Echo mirrors the received stream for an operator watching the console.
// Printable bytes go to out as they arrive; every other byte is reported to
// diag as " [n] ". Concurrent calls share one Echo, so each chunk is written
// under a lock, but chunks from different calls still interleave.
type Echo struct {
	mu   sync.Mutex
	out  io.Writer
	diag io.Writer
}

// NewEcho returns an Echo writing to out and diag. A nil writer drops that
// half of the echo.
func NewEcho(out, diag io.Writer) *Echo {
	return &Echo{out: out, diag: diag}
}

// Write echoes p. It never fails; console write errors are ignored.
func (e *Echo) Write(p []byte) (int, error) {
	if e == nil {
		return len(p), nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	run := 0
	for i, b := range p {
		if isPrintable(b) {
			continue
		}
		e.printable(p[run:i])
		run = i + 1
		if e.diag != nil {
			_, _ = fmt.Fprintf(e.diag, " [%d] ", b)
		}
	}
	e.printable(p[run:])
	return len(p), nil
}

func (e *Echo) printable(p []byte) {
	if len(p) == 0 || e.out == nil {
		return
	}
	_, _ = e.out.Write(p)
}

func isPrintable(b byte) bool {
	return b >= 0x20 && b <= 0x7e
}
