// Package listener accepts the TCP connections opened by the softmodem bridge,
// one per phone call, and hands each to its own goroutine.
//
// Architecture:
//   - One accept loop per process (acceptConnections)
//   - One goroutine per connection, owning the net.Conn it was given
//   - No waiting on calls: each runs to completion independently
//   - Optional session cap; by default the number of calls is unbounded
//
// Accept errors are split in two: transient ones (timeouts, EINTR,
// ECONNABORTED) are retried, anything else is fatal and reported on Err.
package listener

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"proteld/internal/ratelimit"

	ztelnet "github.com/ziutek/telnet"
)

const (
	defaultBacklog = 2

	TransportRaw    = "raw"
	TransportTelnet = "telnet"
)

// Handler serves one call. It owns conn and must close it.
type Handler interface {
	ServeConn(conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(conn net.Conn)

func (f HandlerFunc) ServeConn(conn net.Conn) { f(conn) }

// ServerOptions configures the listener.
type ServerOptions struct {
	Port int
	// LocalOnly binds 127.0.0.1 instead of every interface.
	LocalOnly bool
	Backlog   int
	// Transport is "raw" for a plain byte stream or "telnet" to strip telnet
	// negotiation sent by bridges such as tcpser.
	Transport string
	// MaxSessions caps concurrent calls; zero means unlimited.
	MaxSessions int
}

// Server is the connection acceptor.
type Server struct {
	port        int
	host        string
	backlog     int
	transport   string
	useTelnet   bool
	maxSessions int
	sessions    chan struct{}
	handler     Handler
	listener    net.Listener
	shutdown    chan struct{}
	stopOnce    sync.Once
	fatal       chan error
	rejects     *ratelimit.Limiter
	retries     *ratelimit.Limiter
}

// NewServer creates a new listener; call Start to bind.
func NewServer(opts ServerOptions, handler Handler) *Server {
	opts = normalizeServerOptions(opts)
	host := "0.0.0.0"
	if opts.LocalOnly {
		host = "127.0.0.1"
	}
	s := &Server{
		port:        opts.Port,
		host:        host,
		backlog:     opts.Backlog,
		transport:   opts.Transport,
		useTelnet:   opts.Transport == TransportTelnet,
		maxSessions: opts.MaxSessions,
		handler:     handler,
		shutdown:    make(chan struct{}),
		fatal:       make(chan error, 1),
		rejects:     ratelimit.New(time.Second),
		retries:     ratelimit.New(time.Second),
	}
	if opts.MaxSessions > 0 {
		s.sessions = make(chan struct{}, opts.MaxSessions)
	}
	return s
}

func normalizeServerOptions(opts ServerOptions) ServerOptions {
	config := opts
	if config.Backlog <= 0 {
		config.Backlog = defaultBacklog
	}
	config.Transport = strings.ToLower(strings.TrimSpace(config.Transport))
	if config.Transport == "" {
		config.Transport = TransportRaw
	}
	if config.MaxSessions < 0 {
		config.MaxSessions = 0
	}
	return config
}

// Start binds the listening socket and begins accepting calls.
func (s *Server) Start() error {
	listener, err := listenTCP(s.host, s.port, s.backlog)
	if err != nil {
		return fmt.Errorf("unable to listen on TCP port %d: %w", s.port, err)
	}
	s.listener = listener
	log.Printf("Listening on %s (transport=%s)", listener.Addr(), s.transport)

	go s.acceptConnections()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Err delivers the error that stopped the accept loop, if one does.
func (s *Server) Err() <-chan error {
	return s.fatal
}

// Stop closes the listening socket. Calls in progress are left running.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
	})
}

// acceptConnections handles incoming connections
func (s *Server) acceptConnections() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if isTransientAcceptError(err) {
				if total, ok := s.retries.Allow(); ok {
					log.Printf("Accept interrupted, retrying: %v (%d so far)", err, total)
				}
				continue
			}
			log.Printf("Accept failed: %v", err)
			s.fatal <- fmt.Errorf("accept: %w", err)
			return
		}

		if s.sessions != nil {
			select {
			case s.sessions <- struct{}{}:
			default:
				if total, ok := s.rejects.Allow(); ok {
					log.Printf("Rejected connection from %s: max sessions reached (%d); %d rejected so far", conn.RemoteAddr(), s.maxSessions, total)
				}
				conn.Close()
				continue
			}
		}

		// The goroutine owns conn; nothing here touches it after this point.
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	if s.sessions != nil {
		defer func() { <-s.sessions }()
	}
	if s.useTelnet {
		tconn, err := ztelnet.NewConn(conn)
		if err != nil {
			log.Printf("Failed to wrap telnet connection from %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			return
		}
		conn = tconn
	}
	s.handler.ServeConn(conn)
}

// isTransientAcceptError reports whether Accept may succeed if retried.
func isTransientAcceptError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EAGAIN)
}
