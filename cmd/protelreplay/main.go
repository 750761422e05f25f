// Command protelreplay sends a saved capture (or a built-in sample printout)
// to a running proteld at modem speed, so the daemon can be exercised without
// a phone line. It reports how many bytes went out before the daemon hung up.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	ztelnet "github.com/ziutek/telnet"
)

// One start bit, eight data bits and one stop bit.
const bitsPerByte = 10

const samplePrintout = "TC!\x00\x00\x00\x90\x00\x00\x00\x00*3115552368*43125*DD8822*1234*032*2312237122028*37090*"

func main() {
	addr := flag.String("addr", "127.0.0.1:8300", "proteld address (host:port)")
	baud := flag.Int("baud", 300, "line speed used to pace writes; 0 sends at full speed")
	chunk := flag.Int("chunk", 1, "bytes per write")
	useTelnet := flag.Bool("telnet", false, "dial through a telnet connection (for transport: telnet)")
	timeout := flag.Duration("timeout", 5*time.Second, "dial timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: protelreplay [flags] [capture-file]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	data := []byte(samplePrintout)
	if flag.NArg() > 0 {
		raw, err := os.ReadFile(flag.Arg(0))
		if err != nil {
			log.Fatalf("Failed to read capture: %v", err)
		}
		data = raw
	}

	conn, err := dial(*addr, *useTelnet, *timeout)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *addr, err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	sent, err := replay(ctx, conn, data, byteDelay(*baud), *chunk)
	elapsed := time.Since(start).Truncate(time.Millisecond)
	switch {
	case err == nil:
		log.Printf("Sent %d bytes in %s; waiting for hang-up", sent, elapsed)
		if hungUp := waitHangUp(conn, 10*time.Second); hungUp {
			log.Printf("Daemon hung up")
		} else {
			log.Printf("Daemon kept the line open")
		}
	case isHangUp(err):
		log.Printf("Daemon hung up after %d of %d bytes (%s)", sent, len(data), elapsed)
	default:
		log.Fatalf("Replay failed after %d bytes: %v", sent, err)
	}
}

func dial(addr string, useTelnet bool, timeout time.Duration) (io.ReadWriteCloser, error) {
	if useTelnet {
		return ztelnet.DialTimeout("tcp", addr, timeout)
	}
	return net.DialTimeout("tcp", addr, timeout)
}

// byteDelay returns the time one byte occupies on the line at baud.
func byteDelay(baud int) time.Duration {
	if baud <= 0 {
		return 0
	}
	return time.Second * bitsPerByte / time.Duration(baud)
}

// replay writes data in chunks of size chunk, sleeping delay per byte
// between writes. It returns the number of bytes written.
func replay(ctx context.Context, w io.Writer, data []byte, delay time.Duration, chunk int) (int, error) {
	if chunk <= 0 {
		chunk = 1
	}
	sent := 0
	for sent < len(data) {
		end := sent + chunk
		if end > len(data) {
			end = len(data)
		}
		n, err := w.Write(data[sent:end])
		sent += n
		if err != nil {
			return sent, err
		}
		if delay <= 0 || sent == len(data) {
			continue
		}
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case <-time.After(delay * time.Duration(n)):
		}
	}
	return sent, nil
}

// waitHangUp reads until the peer closes the connection or timeout passes.
func waitHangUp(conn io.Reader, timeout time.Duration) bool {
	if dc, ok := conn.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = dc.SetReadDeadline(time.Now().Add(timeout))
	}
	_, err := io.Copy(io.Discard, conn)
	return err == nil || isHangUp(err)
}

func isHangUp(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
