package session

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"proteld/stats"
)

// Persister stores the bytes of a finished call.
type Persister interface {
	Save(data []byte, success bool) (string, error)
}

// Call is a finished call as handed to the Finish hook.
type Call struct {
	Number  uint64
	Remote  string
	Started time.Time
	Ended   time.Time
	Result
	// Path is where the capture was written, if it was.
	Path       string
	PersistErr error
}

// Handler runs one Reassembler per connection. It is safe for concurrent use;
// every call gets its own Reassembler and buffer.
type Handler struct {
	// Options is copied for every call; Label is set per call.
	Options   Options
	Tracker   *stats.Tracker
	Persister Persister
	// Begin runs once the call is numbered, before the first read.
	Begin func(*Call)
	// Finish runs last, after the capture is written and stats are updated.
	Finish func(*Call)
}

// ServeConn reassembles the call on conn, hangs up, and persists the result.
// The connection is closed as soon as the outcome is known: closing the
// socket makes the bridge drop the phone line, which ends the billed call.
func (h *Handler) ServeConn(conn net.Conn) {
	number := h.Tracker.BeginCall()
	call := &Call{
		Number:  number,
		Remote:  remoteAddr(conn),
		Started: time.Now(),
	}
	log.Printf("Call # %d: New connection from %s", number, call.Remote)
	if h.Begin != nil {
		h.Begin(call)
	}

	opts := h.Options
	opts.Label = fmt.Sprintf("Call # %d", number)
	call.Result = NewReassembler(opts).Run(conn)

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("Call # %d: close: %v", number, err)
	}
	call.Ended = time.Now()
	logOutcome(call)

	if h.Persister != nil {
		call.Path, call.PersistErr = h.Persister.Save(call.Data, call.Success())
		if call.PersistErr != nil {
			h.Tracker.IncrementPersistFailures()
			log.Printf("Call # %d: %v", number, call.PersistErr)
		} else {
			log.Printf("Call # %d: saved %d bytes to %s", number, len(call.Data), call.Path)
		}
	}

	h.Tracker.EndCall(call.Outcome.String(), call.Success(), call.Received, call.Resets)
	if h.Finish != nil {
		h.Finish(call)
	}
}

func logOutcome(call *Call) {
	elapsed := call.Ended.Sub(call.Started).Truncate(time.Millisecond)
	switch call.Outcome {
	case Success:
		log.Printf("Call # %d: payload complete after %s (%d bytes, %d resets)", call.Number, elapsed, call.Received, call.Resets)
	case Aborted:
		log.Printf("Call # %d: aborted after %s (%d bytes, %d resets)", call.Number, elapsed, call.Received, call.Resets)
	default:
		reason := "peer closed"
		if call.Err != nil && !errors.Is(call.Err, io.EOF) {
			reason = call.Err.Error()
		}
		log.Printf("Call # %d: connection ended without payload after %s (%d bytes): %s", call.Number, elapsed, call.Received, reason)
	}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
