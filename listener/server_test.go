package listener

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	ztelnet "github.com/ziutek/telnet"
)

func startServer(t *testing.T, opts ServerOptions, h Handler) *Server {
	t.Helper()
	opts.LocalOnly = true
	srv := NewServer(opts, h)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func TestServerHandsEachConnectionToHandler(t *testing.T) {
	got := make(chan string, 4)
	h := HandlerFunc(func(conn net.Conn) {
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		got <- string(data)
	})
	srv := startServer(t, ServerOptions{}, h)

	for _, msg := range []string{"first call", "second call"} {
		conn, err := net.Dial("tcp", srv.Addr().String())
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		if _, err := conn.Write([]byte(msg)); err != nil {
			t.Fatalf("Write: %v", err)
		}
		conn.Close()
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-got:
			seen[msg] = true
		case <-time.After(5 * time.Second):
			t.Fatal("handler was not called")
		}
	}
	if !seen["first call"] || !seen["second call"] {
		t.Fatalf("unexpected payloads %v", seen)
	}
}

func TestServerBindsLoopbackWhenLocalOnly(t *testing.T) {
	srv := startServer(t, ServerOptions{}, HandlerFunc(func(conn net.Conn) { conn.Close() }))
	addr, ok := srv.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("Addr = %T", srv.Addr())
	}
	if !addr.IP.IsLoopback() || addr.Port == 0 {
		t.Fatalf("bound to %s", addr)
	}
}

func TestServerRejectsOverMaxSessions(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	h := HandlerFunc(func(conn net.Conn) {
		defer conn.Close()
		started <- struct{}{}
		<-release
	})
	srv := startServer(t, ServerOptions{MaxSessions: 1}, h)
	defer close(release)

	first, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer first.Close()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first call not started")
	}

	second, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected second connection to be closed")
	}
	select {
	case <-started:
		t.Fatal("second call should not reach the handler")
	default:
	}
}

func TestServerWrapsTelnetTransport(t *testing.T) {
	wrapped := make(chan bool, 1)
	h := HandlerFunc(func(conn net.Conn) {
		defer conn.Close()
		_, ok := conn.(*ztelnet.Conn)
		wrapped <- ok
	})
	srv := startServer(t, ServerOptions{Transport: "Telnet"}, h)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	select {
	case ok := <-wrapped:
		if !ok {
			t.Fatal("expected telnet-wrapped connection")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called")
	}
}

func TestStopEndsAcceptLoopQuietly(t *testing.T) {
	srv := NewServer(ServerOptions{LocalOnly: true}, HandlerFunc(func(conn net.Conn) { conn.Close() }))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv.Stop()
	srv.Stop()
	select {
	case err := <-srv.Err():
		t.Fatalf("unexpected fatal error after Stop: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartFailsWhenPortIsTaken(t *testing.T) {
	plain, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer plain.Close()
	port := plain.Addr().(*net.TCPAddr).Port

	srv := NewServer(ServerOptions{Port: port, LocalOnly: true}, HandlerFunc(func(conn net.Conn) { conn.Close() }))
	if err := srv.Start(); err == nil {
		srv.Stop()
		t.Fatal("expected bind failure on a port held without SO_REUSEPORT")
	}
}

func TestIsTransientAcceptError(t *testing.T) {
	cases := []struct {
		err    error
		expect bool
	}{
		{&net.OpError{Op: "accept", Err: os.NewSyscallError("accept", syscall.EINTR)}, true},
		{&net.OpError{Op: "accept", Err: os.NewSyscallError("accept", syscall.ECONNABORTED)}, true},
		{&net.OpError{Op: "accept", Err: os.NewSyscallError("accept", syscall.EMFILE)}, false},
		{errors.New("boom"), false},
		{net.ErrClosed, false},
	}
	for _, tc := range cases {
		if got := isTransientAcceptError(tc.err); got != tc.expect {
			t.Fatalf("isTransientAcceptError(%v) = %v, want %v", tc.err, got, tc.expect)
		}
	}
}

func TestNormalizeServerOptions(t *testing.T) {
	got := normalizeServerOptions(ServerOptions{Transport: " RAW ", MaxSessions: -3})
	if got.Backlog != defaultBacklog || got.Transport != TransportRaw || got.MaxSessions != 0 {
		t.Fatalf("normalized = %+v", got)
	}
}

// scriptedListener hands out the queued results of Accept in order, then
// blocks until closed.
type scriptedListener struct {
	results chan acceptResult
	calls   chan struct{}
	closed  chan struct{}
}

type acceptResult struct {
	conn net.Conn
	err  error
}

func newScriptedListener(results ...acceptResult) *scriptedListener {
	l := &scriptedListener{
		results: make(chan acceptResult, len(results)),
		calls:   make(chan struct{}, len(results)+1),
		closed:  make(chan struct{}),
	}
	for _, r := range results {
		l.results <- r
	}
	return l
}

func (l *scriptedListener) Accept() (net.Conn, error) {
	l.calls <- struct{}{}
	select {
	case r := <-l.results:
		return r.conn, r.err
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *scriptedListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *scriptedListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8300}
}

func TestAcceptRetriesTransientThenFailsFatally(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	fatalErr := &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept4", syscall.EMFILE)}
	ln := newScriptedListener(
		acceptResult{err: &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept4", syscall.EINTR)}},
		acceptResult{conn: server},
		acceptResult{err: fatalErr},
	)

	served := make(chan net.Conn, 1)
	srv := NewServer(ServerOptions{}, HandlerFunc(func(conn net.Conn) {
		served <- conn
		conn.Close()
	}))
	srv.listener = ln
	done := make(chan struct{})
	go func() {
		srv.acceptConnections()
		close(done)
	}()
	defer srv.Stop()

	select {
	case conn := <-served:
		if conn != server {
			t.Fatalf("handler got %v, want the accepted conn", conn)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connection after EINTR was not served")
	}

	select {
	case err := <-srv.Err():
		if !errors.Is(err, syscall.EMFILE) {
			t.Fatalf("Err() = %v, want EMFILE", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fatal accept error was not reported")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("accept loop kept running after a fatal error")
	}
	if n := len(ln.calls); n != 3 {
		t.Fatalf("Accept called %d times, want 3", n)
	}
}
