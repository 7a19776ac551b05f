//go:build linux && !nosystemd

// Package daemon integrates with the host service manager. On Linux it speaks
// the sd_notify protocol; the nosystemd build tag (and other platforms)
// compile in no-ops instead.
package daemon

import (
	"log/slog"
	"net"
	"os"
)

// notify sends one sd_notify datagram to the socket named by NOTIFY_SOCKET.
// Outside a systemd unit the variable is unset and notify does nothing.
func notify(state string) {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socket, Net: "unixgram"})
	if err != nil {
		slog.Warn("sd_notify dial failed", "socket", socket, "err", err)
		return
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(state)); err != nil {
		slog.Warn("sd_notify write failed", "err", err)
	}
}

// Ready tells the service manager the process finished starting up.
func Ready() { notify("READY=1") }

// Stopping tells the service manager the process has begun shutting down.
func Stopping() { notify("STOPPING=1") }

// Watchdog pets the service-manager watchdog.
func Watchdog() { notify("WATCHDOG=1") }
