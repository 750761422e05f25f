package session

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"proteld/stats"
)

type memoryPersister struct {
	mu      sync.Mutex
	data    []byte
	success bool
	calls   int
	err     error
}

func (p *memoryPersister) Save(data []byte, success bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.data = append([]byte(nil), data...)
	p.success = success
	if p.err != nil {
		return "", p.err
	}
	return "mem://capture", nil
}

func serve(t *testing.T, h *Handler, write func(client net.Conn)) *Call {
	t.Helper()
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan *Call, 1)
	h.Finish = func(c *Call) { done <- c }
	go h.ServeConn(server)

	write(client)
	select {
	case call := <-done:
		return call
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestServeConnHangsUpOnSuccess(t *testing.T) {
	tracker := stats.NewTracker()
	persist := &memoryPersister{}
	h := &Handler{Tracker: tracker, Persister: persist}

	call := serve(t, h, func(client net.Conn) {
		if _, err := client.Write([]byte(samplePreamble + samplePayload + resetTrailer)); err != nil {
			t.Errorf("client write: %v", err)
			return
		}
		// The daemon hangs up first; the client sees EOF without closing.
		_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
			t.Errorf("client read after success: %v, want EOF", err)
		}
	})

	if call.Outcome != Success || call.Number != 1 {
		t.Fatalf("call = %+v", call)
	}
	if call.Path != "mem://capture" || call.PersistErr != nil {
		t.Fatalf("persist path %q err %v", call.Path, call.PersistErr)
	}
	if !persist.success || !bytes.Contains(persist.data, []byte(samplePayload)) {
		t.Fatalf("persisted success=%v data=%q", persist.success, persist.data)
	}
	if tracker.Attempted() != 1 || tracker.Succeeded() != 1 || tracker.Active() != 0 {
		t.Fatalf("tracker attempted=%d succeeded=%d active=%d", tracker.Attempted(), tracker.Succeeded(), tracker.Active())
	}
}

func TestServeConnPeerClosesEarly(t *testing.T) {
	tracker := stats.NewTracker()
	persist := &memoryPersister{}
	h := &Handler{Tracker: tracker, Persister: persist}
	stream := bytes.Repeat([]byte{'T', 0}, 10)

	call := serve(t, h, func(client net.Conn) {
		if _, err := client.Write(stream); err != nil {
			t.Errorf("client write: %v", err)
		}
		client.Close()
	})

	if call.Outcome != Closed || call.Success() {
		t.Fatalf("outcome %s, want closed", call.Outcome)
	}
	if persist.calls != 1 || persist.success || !bytes.Equal(persist.data, stream) {
		t.Fatalf("persisted calls=%d success=%v data=%q", persist.calls, persist.success, persist.data)
	}
	if tracker.Attempted() != 1 || tracker.Succeeded() != 0 {
		t.Fatalf("tracker attempted=%d succeeded=%d", tracker.Attempted(), tracker.Succeeded())
	}
}

func TestServeConnAbortsOnRepeatedCorruption(t *testing.T) {
	tracker := stats.NewTracker()
	h := &Handler{Tracker: tracker}
	stream := append(corruptedAttempt(), corruptedAttempt()...)

	call := serve(t, h, func(client net.Conn) {
		for _, b := range stream {
			if _, err := client.Write([]byte{b}); err != nil {
				t.Errorf("client write: %v", err)
				return
			}
		}
	})

	if call.Outcome != Aborted || call.Resets != 2 {
		t.Fatalf("outcome %s resets %d, want aborted after 2", call.Outcome, call.Resets)
	}
	if got := tracker.GetOutcomeCounts()["aborted"]; got != 1 {
		t.Fatalf("aborted count = %d", got)
	}
}

func TestServeConnPersistFailureIsCounted(t *testing.T) {
	tracker := stats.NewTracker()
	persist := &memoryPersister{err: errors.New("disk full")}
	h := &Handler{Tracker: tracker, Persister: persist}

	call := serve(t, h, func(client net.Conn) {
		client.Close()
	})

	if call.PersistErr == nil {
		t.Fatal("expected persist error on call")
	}
	if tracker.PersistFailures() != 1 {
		t.Fatalf("PersistFailures = %d", tracker.PersistFailures())
	}
}
