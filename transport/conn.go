package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"
)

// Sentinel errors returned by Conn. Underlying causes stay reachable through errors.Is / errors.As.
var (
	// ErrRemoteClosed indicates that the peer ended the stream while a read was in progress.
	ErrRemoteClosed = errors.New("transport: remote closed the connection")

	// ErrTimeout indicates that no data arrived (or could be written) within the configured window.
	ErrTimeout = errors.New("transport: timeout")

	// ErrConnClosed indicates that the connection was closed locally.
	ErrConnClosed = errors.New("transport: connection closed")
)

// aLongTimeAgo is a deadline in the past, used to unblock pending I/O when a context is canceled.
var aLongTimeAgo = time.Unix(1, 0)

// Reader is the read side handed to framing strategies: a byte stream that also supports
// single byte reads for line and variable-length decoding.
type Reader interface {
	io.Reader
	io.ByteReader
}

// Conn wraps a net.Conn with the primitives the exchange engine needs: read exactly N bytes,
// write all bytes, and read one framed message. Every operation honors both the configured
// timeout and the cancellation of the supplied context.
//
// Conn keeps a buffered reader bound to the connection for its whole lifetime, so bytes
// read ahead by one message are never lost for the next one.
//
// Conn is NOT goroutine-safe. The owning pipe's gate guarantees that a single exchange uses
// it at a time.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader

	readTimeout  time.Duration
	writeTimeout time.Duration

	bytesRead    *atomic.Uint64
	bytesWritten *atomic.Uint64

	closed atomic.Bool
}

// NewConn wraps c.
func NewConn(c net.Conn) *Conn {
	tc := &Conn{conn: c}
	tc.reader = bufio.NewReader(countingReader{tc})

	return tc
}

// Raw returns the wrapped net.Conn.
func (c *Conn) Raw() net.Conn { return c.conn }

// SetReadTimeout sets the window for a complete read phase. A non-positive value disables the
// timeout; the context deadline, if any, still applies.
func (c *Conn) SetReadTimeout(d time.Duration) { c.readTimeout = d }

// ReadTimeout returns the configured read window.
func (c *Conn) ReadTimeout() time.Duration { return c.readTimeout }

// SetWriteTimeout sets the window for a complete write. A non-positive value disables it.
func (c *Conn) SetWriteTimeout(d time.Duration) { c.writeTimeout = d }

// CountInto makes the connection add the number of bytes read and written to the given counters.
// Either counter may be nil.
func (c *Conn) CountInto(read, written *atomic.Uint64) {
	c.bytesRead = read
	c.bytesWritten = written
}

// Buffered returns the number of bytes already read from the socket but not yet consumed.
func (c *Conn) Buffered() int { return c.reader.Buffered() }

// WriteAll writes every byte of data, looping over partial writes.
func (c *Conn) WriteAll(ctx context.Context, data []byte) error {
	stop, err := c.arm(ctx, c.writeTimeout, c.conn.SetWriteDeadline)
	if err != nil {
		return c.classify(ctx, err)
	}
	defer stop()

	for written := 0; written < len(data); {
		n, err := c.conn.Write(data[written:])
		written += n
		if c.bytesWritten != nil {
			c.bytesWritten.Add(uint64(n)) //nolint:gosec // n is never negative
		}

		if err != nil {
			return fmt.Errorf("write %d of %d bytes: %w", written, len(data), c.classify(ctx, err))
		}
	}

	return nil
}

// ReadFull reads exactly len(buf) bytes within the read timeout.
func (c *Conn) ReadFull(ctx context.Context, buf []byte) error {
	return c.ReadWith(ctx, func(r Reader) error {
		_, err := io.ReadFull(r, buf)
		return err
	})
}

// ReadByteContext reads a single byte within the read timeout.
func (c *Conn) ReadByteContext(ctx context.Context) (byte, error) {
	var b byte
	err := c.ReadWith(ctx, func(r Reader) error {
		var err error
		b, err = r.ReadByte()
		return err
	})

	return b, err
}

// ReadWith runs fn as a single read phase: the read timeout covers everything fn reads.
// Errors returned by fn are classified into ErrRemoteClosed / ErrTimeout when they come from
// the socket, and passed through otherwise.
func (c *Conn) ReadWith(ctx context.Context, fn func(r Reader) error) error {
	stop, err := c.arm(ctx, c.readTimeout, c.conn.SetReadDeadline)
	if err != nil {
		return c.classify(ctx, err)
	}
	defer stop()

	if err := fn(c.reader); err != nil {
		return c.classify(ctx, err)
	}

	return nil
}

// Close closes the underlying connection, letting queued data drain to the peer.
// It is safe to call more than once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	return c.conn.Close()
}

// Abort closes the connection immediately. On TCP the linger timeout is set to 0 first, so
// unsent data is dropped and the peer sees a reset. It is safe to call more than once and
// after Close.
func (c *Conn) Abort() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if tcpConn, ok := c.conn.(*net.TCPConn); ok {
		_ = tcpConn.SetLinger(0) // force close
	}

	return c.conn.Close()
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// arm sets the deadline for one I/O phase and interrupts it when ctx is canceled.
// The returned function must be called when the phase ends.
func (c *Conn) arm(ctx context.Context, timeout time.Duration, set func(time.Time) error) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	if err := set(deadline); err != nil {
		return nil, err
	}

	stopAfter := context.AfterFunc(ctx, func() {
		_ = set(aLongTimeAgo)
	})

	return func() { stopAfter() }, nil
}

// classify maps socket errors onto the transport sentinel errors.
func (c *Conn) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrTimeout, ctxErr)
		}
		return ctxErr
	}

	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrRemoteClosed) || errors.Is(err, ErrConnClosed) {
		return err
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout(), errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %w", ErrRemoteClosed, err)
	case errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %w", ErrConnClosed, err)
	}

	return err
}

// IsIOError reports whether err originated from the connection itself rather than from
// a protocol decision.
func IsIOError(err error) bool {
	return errors.Is(err, ErrRemoteClosed) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnClosed)
}

type countingReader struct {
	c *Conn
}

func (r countingReader) Read(p []byte) (int, error) {
	n, err := r.c.conn.Read(p)
	if n > 0 && r.c.bytesRead != nil {
		r.c.bytesRead.Add(uint64(n))
	}

	return n, err
}
