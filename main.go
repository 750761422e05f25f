// Program proteld terminates the TCP streams a softmodem bridge opens for
// incoming COCOT calls, reassembles the printout each payphone sends, hangs up
// as soon as the outcome is known, and saves what was received.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"proteld/capture"
	"proteld/config"
	"proteld/ledger"
	"proteld/listener"
	"proteld/metrics"
	"proteld/notify"
	"proteld/payload"
	"proteld/session"
	"proteld/stats"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	defaultConfigPath = "data/config.yaml"
	envConfigPath     = "PROTELD_CONFIG"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "proteld: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "proteld",
		Short:         "Capture COCOT printouts relayed over TCP by a softmodem bridge",
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, source, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			applyFlags(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				_ = cmd.Usage()
				return err
			}
			return run(cfg, source)
		},
	}
	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "config file or directory (default $"+envConfigPath+" or "+defaultConfigPath+")")
	f.IntP("port", "p", 0, "TCP port to listen on")
	f.StringP("dir", "f", "", "directory to save captures in (captures are not saved without one)")
	f.BoolP("local", "l", false, "accept connections on 127.0.0.1 only")
	f.CountP("verbose", "v", "increase verbosity (repeatable)")
	return cmd
}

// Purpose: Resolve the config source.
// Key aspects: An explicit path or $PROTELD_CONFIG must exist; the default
// path is optional and falls back to built-in defaults.
// Upstream: root command.
func loadConfig(explicit string) (*config.Config, string, error) {
	path := strings.TrimSpace(explicit)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envConfigPath))
	}
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, path, err
		}
		return cfg, cfg.LoadedFrom, nil
	}
	cfg, err := config.Load(defaultConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config.Default(), "built-in defaults", nil
		}
		return nil, defaultConfigPath, err
	}
	return cfg, cfg.LoadedFrom, nil
}

// applyFlags copies the flags given on the command line over cfg; flags left
// unset do not touch the file values.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Listener.Port, _ = f.GetInt("port")
	}
	if f.Changed("dir") {
		cfg.Capture.Dir, _ = f.GetString("dir")
	}
	if f.Changed("local") {
		cfg.Listener.LocalOnly, _ = f.GetBool("local")
	}
	if f.Changed("verbose") {
		cfg.Logging.Verbosity, _ = f.GetCount("verbose")
	}
}

// Purpose: Report whether stdout is a TTY for echo gating.
func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func echoEnabled(mode string, tty bool) bool {
	switch mode {
	case config.EchoOn:
		return true
	case config.EchoOff:
		return false
	default:
		return tty
	}
}

func run(cfg *config.Config, source string) error {
	console := newTerminal(os.Stdout, os.Stderr)
	fanout, err := setupLogging(cfg.Logging, console)
	log.SetFlags(0)
	log.SetOutput(fanout)
	if err != nil {
		log.Printf("Warning: file logging disabled: %v", err)
	}

	log.Printf("proteld v%s starting...", Version)
	log.Printf("Loaded configuration from %s", source)
	cfg.Print()

	tracker := stats.NewTracker()
	fanout.SetDayTotals(tracker.SnapshotLines)

	echoOn := echoEnabled(cfg.Capture.Echo, isStdoutTTY())
	var echoTo *terminal
	if echoOn {
		echoTo = console
	}
	d, err := newDaemon(cfg, tracker, echoTo)
	if err != nil {
		return err
	}

	srv := listener.NewServer(listener.ServerOptions{
		Port:        cfg.Listener.Port,
		LocalOnly:   cfg.Listener.LocalOnly,
		Backlog:     cfg.Listener.Backlog,
		Transport:   cfg.Listener.Transport,
		MaxSessions: cfg.Listener.MaxSessions,
	}, d.handler)
	if err := srv.Start(); err != nil {
		d.close()
		log.Fatalf("Failed to start listener: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if interval := time.Duration(cfg.Stats.DisplayIntervalSeconds) * time.Second; interval > 0 {
		go displayStats(ctx, interval, tracker, fanout, echoOn && fanout.HasFile())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	log.Println("Waiting for calls. Press Ctrl+C to stop.")

	select {
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
	case err := <-srv.Err():
		d.close()
		log.Fatalf("Listener failed: %v", err)
	}

	// Returning ends the process; calls still reading are abandoned.
	srv.Stop()
	d.close()
	writeReport(os.Stderr, tracker)
	_ = fanout.Close()
	return nil
}

func writeReport(w io.Writer, tracker *stats.Tracker) {
	fmt.Fprintln(w)
	for _, line := range tracker.ReportLines() {
		fmt.Fprintln(w, line)
	}
}

// Purpose: Periodically log the statistics snapshot.
// Key aspects: While payload bytes are echoed to the console the snapshot goes
// to the log file only.
// Upstream: run when stats.display_interval_seconds > 0.
func displayStats(ctx context.Context, interval time.Duration, tracker *stats.Tracker, fanout *logFanout, fileOnly bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, line := range tracker.SnapshotLines() {
				if fileOnly {
					fanout.WriteFileOnlyLine(line, now)
				} else {
					log.Print(line)
				}
			}
		}
	}
}

// daemon owns everything a call touches after the listener hands it over.
type daemon struct {
	handler   *session.Handler
	writer    *capture.Writer
	ledger    *ledger.Ledger
	publisher *notify.Publisher
	metrics   *metrics.Server

	// mu guards closed; finish holds it shared while it uses the ledger and
	// the publisher.
	mu     sync.RWMutex
	closed bool
}

// newDaemon wires the optional capture, ledger, metrics and MQTT components
// around a call handler. A nil echoTo leaves the live echo off.
func newDaemon(cfg *config.Config, tracker *stats.Tracker, echoTo *terminal) (*daemon, error) {
	d := &daemon{}

	if cfg.Capture.Dir != "" {
		w, err := capture.NewWriter(cfg.Capture.Dir)
		if err != nil {
			return nil, fmt.Errorf("capture directory: %w", err)
		}
		d.writer = w
	}
	if cfg.Ledger.Enabled {
		l, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			return nil, err
		}
		d.ledger = l
		log.Printf("Recording calls to ledger %s", cfg.Ledger.Path)
	}
	if cfg.Metrics.Enabled {
		srv, err := metrics.Serve(cfg.Metrics.Address)
		if err != nil {
			d.close()
			return nil, err
		}
		d.metrics = srv
		log.Printf("Metrics available at http://%s/metrics", srv.Addr())
	}
	if cfg.MQTT.Enabled {
		p := notify.NewPublisher(notify.Options{
			Broker:   cfg.MQTT.Broker,
			Port:     cfg.MQTT.Port,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			Queue:    cfg.MQTT.Queue,
			OnDrop:   metrics.NotifyDropped.Inc,
		})
		if err := p.Connect(); err != nil {
			log.Printf("Warning: call events disabled: %v", err)
		} else {
			d.publisher = p
		}
	}

	var echo io.Writer
	if echoTo != nil {
		echo = session.NewEcho(echoTo.Payload(), echoTo.Diag())
	}
	d.handler = &session.Handler{
		Options: session.Options{
			BufferSize: cfg.Capture.BufferSize,
			MaxResets:  cfg.Capture.MaxResets,
			Echo:       echo,
			Verbosity:  cfg.Logging.Verbosity,
			OnCorrection: func(c payload.Correction) {
				metrics.ObserveCorrection(c.Applied)
				if c.Applied {
					tracker.IncrementCorrections()
				}
			},
			OnReset:   metrics.BufferResets.Inc,
			OnReceive: func(n int) { metrics.BytesReceived.Add(float64(n)) },
		},
		Tracker: tracker,
		Begin:   func(*session.Call) { metrics.CallStarted() },
		Finish:  d.finish,
	}
	if d.writer != nil {
		d.handler.Persister = d.writer
	}
	return d, nil
}

// finish records a finished call in the ledger and publishes it.
func (d *daemon) finish(call *session.Call) {
	metrics.CallFinished(call.Outcome.String())
	if call.PersistErr != nil {
		metrics.PersistFailures.Inc()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		log.Printf("Call # %d: finished after shutdown; not recorded", call.Number)
		return
	}

	entry := ledger.Entry{
		Started:  call.Started,
		Ended:    call.Ended,
		Remote:   call.Remote,
		Outcome:  call.Outcome.String(),
		Resets:   call.Resets,
		Bytes:    len(call.Data),
		Path:     call.Path,
		Success:  call.Success(),
		Distance: ledger.NoDistance,
	}
	if d.ledger != nil {
		recorded, err := d.ledger.Record(context.Background(), entry, call.Data)
		if err != nil {
			metrics.LedgerFailures.Inc()
			log.Printf("Call # %d: %v", call.Number, err)
		} else {
			entry = recorded
			if entry.Duplicate {
				log.Printf("Call # %d: payload identical to an earlier capture from %s", call.Number, entry.Identifier)
			} else if entry.Distance > 0 {
				log.Printf("Call # %d: payload differs from previous capture by %d bytes", call.Number, entry.Distance)
			}
		}
	} else if id, ok := payload.Identifier(call.Data); ok {
		entry.Identifier = capture.IdentifierField(id)
	}

	d.publisher.Publish(notify.Event{
		Call:       call.Number,
		Remote:     entry.Remote,
		Outcome:    entry.Outcome,
		Success:    entry.Success,
		Identifier: entry.Identifier,
		Bytes:      entry.Bytes,
		Resets:     entry.Resets,
		Path:       entry.Path,
		Started:    entry.Started.UTC(),
		DurationMS: entry.Ended.Sub(entry.Started).Milliseconds(),
		Duplicate:  entry.Duplicate,
		Distance:   entry.Distance,
	})
}

// close stops the publisher and closes the ledger and metrics server. Calls
// that finish afterwards skip recording.
func (d *daemon) close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.publisher != nil {
		d.publisher.Stop()
		log.Printf("Call events: %d sent, %d dropped", d.publisher.Sent(), d.publisher.Dropped())
	}
	if d.metrics != nil {
		if err := d.metrics.Close(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			log.Printf("Metrics shutdown: %v", err)
		}
	}
	if d.ledger != nil {
		if err := d.ledger.Close(); err != nil {
			log.Printf("Ledger close: %v", err)
		}
	}
}
