package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Dialer opens the raw connection behind a pipe.
//
// The address format is dialer specific: "host:port" for TCP, a device path such as
// "/dev/ttyUSB0" for serial ports.
type Dialer interface {
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// DialerFunc adapts an ordinary function to the Dialer interface.
type DialerFunc func(ctx context.Context, address string) (net.Conn, error)

// DialContext calls f(ctx, address).
func (f DialerFunc) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return f(ctx, address)
}

// TCPDialer dials TCP connections.
type TCPDialer struct {
	// LocalAddr is the optional local "ip:port" to bind before connecting.
	LocalAddr string
	// KeepAlive is the TCP keep-alive period. Zero selects 30 seconds, negative disables it.
	KeepAlive time.Duration
}

var _ Dialer = (*TCPDialer)(nil)

// DialContext connects to address. The connect timeout is carried by ctx.
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	keepAlive := d.KeepAlive
	if keepAlive == 0 {
		keepAlive = 30 * time.Second
	}

	dialer := &net.Dialer{KeepAlive: keepAlive}
	if d.LocalAddr != "" {
		local, err := net.ResolveTCPAddr("tcp", d.LocalAddr)
		if err != nil {
			return nil, fmt.Errorf("resolve local address %q: %w", d.LocalAddr, err)
		}
		dialer.LocalAddr = local
	}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	return conn, nil
}
