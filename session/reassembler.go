// Package session reassembles one call's printout from the byte stream
// relayed by the softmodem bridge.
//
// A call is a small state machine:
//
//	Accumulating -> Success   complete payload received
//	Accumulating -> Aborted   corruption seen twice; no further printout is coming
//	Accumulating -> Closed    peer hung up, read failed, or the buffer filled
//
// On the first corruption the buffer is discarded and the reassembler waits
// for the device to send the printout again, which it does after 10-20 s.
// The reassembler owns its buffer exclusively; nothing else touches it.
package session

import (
	"errors"
	"io"
	"log"

	"proteld/payload"
)

// DefaultMaxResets is the number of corrupted attempts after which the call is
// abandoned. The device prints twice, so a second corruption is final.
const DefaultMaxResets = 2

// ErrBufferFull ends a call whose buffer filled before a payload was found.
var ErrBufferFull = errors.New("session: buffer full")

// Outcome is the state of a call.
type Outcome uint8

const (
	Accumulating Outcome = iota
	Success
	Aborted
	Closed
)

func (o Outcome) String() string {
	switch o {
	case Accumulating:
		return "accumulating"
	case Success:
		return "success"
	case Aborted:
		return "aborted"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options tune a reassembler. Zero values select the defaults.
type Options struct {
	BufferSize int
	MaxResets  int
	// Echo receives every byte as it arrives. Nil disables the echo.
	Echo io.Writer
	// Verbosity above zero logs why each incomplete attempt is incomplete.
	Verbosity int
	// Label prefixes diagnostic log lines (e.g. "Call #3").
	Label string

	OnCorrection func(payload.Correction)
	OnReset      func()
	OnReceive    func(n int)
}

// Result describes a finished call.
type Result struct {
	Outcome Outcome
	// Data holds the bytes of the final attempt. After a reset it does not
	// include the discarded attempt.
	Data []byte
	// Resets counts discarded attempts.
	Resets int
	// Received counts every byte read, across attempts.
	Received int
	// Err is the read error that closed the call, if any.
	Err error
}

// Success reports whether the call produced a complete payload.
func (r Result) Success() bool { return r.Outcome == Success }

// Reassembler accumulates one call's bytes until the outcome is known.
type Reassembler struct {
	opts     Options
	buf      *Buffer
	resets   int
	received int
	outcome  Outcome
	err      error
	// reported holds offsets already logged as unrecoverable in this attempt.
	reported map[int]struct{}
}

// NewReassembler returns a reassembler in the Accumulating state.
func NewReassembler(opts Options) *Reassembler {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.MaxResets <= 0 {
		opts.MaxResets = DefaultMaxResets
	}
	return &Reassembler{
		opts: opts,
		buf:  NewBuffer(opts.BufferSize),
	}
}

// Outcome returns the current state.
func (r *Reassembler) Outcome() Outcome { return r.outcome }

// Resets returns the number of discarded attempts so far.
func (r *Reassembler) Resets() int { return r.resets }

// Run reads from conn until the call reaches a terminal state. Each read is
// bounded by the space left in the buffer, so a full buffer ends the call.
func (r *Reassembler) Run(conn io.Reader) Result {
	for r.outcome == Accumulating {
		free := r.buf.Free()
		if len(free) == 0 {
			r.close(ErrBufferFull)
			break
		}
		n, err := conn.Read(free)
		if n > 0 {
			r.buf.Grow(n)
			r.commit(r.buf.Bytes()[r.buf.Len()-n:])
		}
		if r.outcome != Accumulating {
			break
		}
		if err != nil {
			r.close(err)
		} else if n == 0 {
			r.close(io.ErrNoProgress)
		}
	}
	return r.Result()
}

// Feed processes bytes that were read elsewhere and returns the new state.
// Bytes that do not fit in the buffer are dropped.
func (r *Reassembler) Feed(p []byte) Outcome {
	if r.outcome != Accumulating || len(p) == 0 {
		return r.outcome
	}
	n := r.buf.Append(p)
	if n < len(p) {
		r.logf("Dropped %d bytes past buffer capacity", len(p)-n)
	}
	if n > 0 {
		r.commit(r.buf.Bytes()[r.buf.Len()-n:])
	}
	return r.outcome
}

// Result snapshots the call. Data aliases the internal buffer.
func (r *Reassembler) Result() Result {
	return Result{
		Outcome:  r.outcome,
		Data:     r.buf.Bytes(),
		Resets:   r.resets,
		Received: r.received,
		Err:      r.err,
	}
}

func (r *Reassembler) commit(chunk []byte) {
	r.received += len(chunk)
	if r.opts.OnReceive != nil {
		r.opts.OnReceive(len(chunk))
	}
	if r.opts.Echo != nil {
		_, _ = r.opts.Echo.Write(chunk)
	}
	r.step()
}

func (r *Reassembler) step() {
	data := r.buf.Bytes()
	verdict := payload.Validate(data)
	r.reportCorrections(verdict.Corrections)
	if verdict.Complete {
		r.outcome = Success
		return
	}
	if r.opts.Verbosity > 0 && verdict.Reason != "" {
		r.logf("Incomplete payload (%d bytes): %s", len(data), verdict.Reason)
	}

	if payload.IsCorrupted(data) {
		r.resets++
		if r.opts.OnReset != nil {
			r.opts.OnReset()
		}
		if r.resets >= r.opts.MaxResets {
			r.logf("Duplicate corruption, aborting")
			r.outcome = Aborted
			return
		}
		r.logf("Resetting buffer (data corrupted)")
		r.buf.Reset()
		r.reported = nil
		return
	}

	if r.buf.Full() {
		r.logf("Buffer truncation occurred (%d bytes)", r.buf.Len())
	}
}

func (r *Reassembler) reportCorrections(corrections []payload.Correction) {
	for _, c := range corrections {
		if !c.Applied {
			if _, seen := r.reported[c.Offset]; seen {
				continue
			}
			if r.reported == nil {
				r.reported = make(map[int]struct{})
			}
			r.reported[c.Offset] = struct{}{}
		}
		r.logf("%s", c)
		if r.opts.OnCorrection != nil {
			r.opts.OnCorrection(c)
		}
	}
}

func (r *Reassembler) close(err error) {
	r.outcome = Closed
	r.err = err
}

func (r *Reassembler) logf(format string, args ...any) {
	if r.opts.Label != "" {
		format = r.opts.Label + ": " + format
	}
	log.Printf(format, args...)
}
