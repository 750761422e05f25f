// Package metrics exposes call counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "proteld"

var (
	once sync.Once

	CallsAttempted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_attempted_total",
		Help:      "Total number of accepted connections",
	})

	CallsByOutcome = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_total",
		Help:      "Finished calls by outcome",
	}, []string{"outcome"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Calls currently in progress",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "received_bytes_total",
		Help:      "Bytes read from callers",
	})

	BufferResets = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "buffer_resets_total",
		Help:      "Buffer resets caused by corruption markers",
	})

	Autocorrections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "autocorrections_total",
		Help:      "Delimiter repairs by result (applied or unrecoverable)",
	}, []string{"result"})

	PersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "persist_failures_total",
		Help:      "Capture files that could not be written",
	})

	LedgerFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "failures_total",
		Help:      "Ledger rows that could not be recorded",
	})

	NotifyDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Call events dropped because the publish queue was full",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(CallsAttempted)
		prometheus.MustRegister(CallsByOutcome)
		prometheus.MustRegister(ActiveSessions)
		prometheus.MustRegister(BytesReceived)
		prometheus.MustRegister(BufferResets)
		prometheus.MustRegister(Autocorrections)
		prometheus.MustRegister(PersistFailures)
		prometheus.MustRegister(LedgerFailures)
		prometheus.MustRegister(NotifyDropped)
	})
}

// Correction results used as the Autocorrections label.
const (
	CorrectionApplied       = "applied"
	CorrectionUnrecoverable = "unrecoverable"
)

// ObserveCorrection counts one repair attempt.
func ObserveCorrection(applied bool) {
	result := CorrectionUnrecoverable
	if applied {
		result = CorrectionApplied
	}
	Autocorrections.WithLabelValues(result).Inc()
}

// CallStarted and CallFinished bracket one session.
func CallStarted() {
	CallsAttempted.Inc()
	ActiveSessions.Inc()
}

func CallFinished(outcome string) {
	ActiveSessions.Dec()
	CallsByOutcome.WithLabelValues(outcome).Inc()
}

// Server serves /metrics and /healthz.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Serve registers the metrics and starts the HTTP endpoint on addr.
func Serve(addr string) (*Server, error) {
	Register()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server stopped: %v", err)
		}
	}()
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	if s == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops the endpoint.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
