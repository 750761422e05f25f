//go:build !(linux || darwin || freebsd)

package listener

import (
	"context"
	"net"
	"strconv"
)

// listenTCP falls back to the standard listener; the backlog is left to the
// operating system on these platforms.
func listenTCP(host string, port, _ int) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(context.Background(), "tcp4", net.JoinHostPort(host, strconv.Itoa(port)))
}
