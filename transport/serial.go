package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.bug.st/serial"
)

// serialPollInterval bounds a single blocking read on the port, so deadlines and
// cancellation are noticed within this interval.
const serialPollInterval = 100 * time.Millisecond

// SerialDialer opens serial ports and presents them as net.Conn, so that a pipe can run the
// same framing and exchange logic over RS-232/RS-485 links.
type SerialDialer struct {
	// Mode is the port configuration. Nil selects 9600 8N1.
	Mode *serial.Mode
}

var _ Dialer = (*SerialDialer)(nil)

// DialContext opens the serial port named by address.
func (d *SerialDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		mode = &serial.Mode{
			BaudRate: 9600,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
	}

	port, err := serial.Open(address, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", address, err)
	}

	return newSerialConn(port, address), nil
}

// serialConn adapts a serial.Port to net.Conn. Read deadlines are emulated by polling the
// port with a short read timeout; writes ignore deadlines because the driver does not
// support them.
type serialConn struct {
	port serial.Port
	addr serialAddr

	mu           sync.Mutex
	readDeadline time.Time
}

func newSerialConn(port serial.Port, name string) *serialConn {
	return &serialConn{port: port, addr: serialAddr(name)}
}

func (c *serialConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		wait := serialPollInterval
		if deadline := c.getReadDeadline(); !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			wait = min(wait, remaining)
		}

		if err := c.port.SetReadTimeout(wait); err != nil {
			return 0, err
		}

		n, err := c.port.Read(p)
		if err != nil {
			var portErr *serial.PortError
			if errors.As(err, &portErr) && portErr.Code() == serial.PortClosed {
				return n, net.ErrClosed
			}
			return n, err
		}
		if n > 0 {
			return n, nil
		}
	}
}

func (c *serialConn) Write(p []byte) (int, error) {
	return c.port.Write(p)
}

func (c *serialConn) Close() error {
	return c.port.Close()
}

func (c *serialConn) LocalAddr() net.Addr  { return c.addr }
func (c *serialConn) RemoteAddr() net.Addr { return c.addr }

func (c *serialConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *serialConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()

	return nil
}

func (c *serialConn) SetWriteDeadline(time.Time) error {
	return nil
}

func (c *serialConn) getReadDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.readDeadline
}

type serialAddr string

func (a serialAddr) Network() string { return "serial" }
func (a serialAddr) String() string  { return string(a) }
