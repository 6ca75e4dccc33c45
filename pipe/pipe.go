package pipe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/arloliu/go-devcomm/logger"
	"github.com/arloliu/go-devcomm/transport"
)

// Pipe owns the connection to one logical endpoint and serializes access to it.
//
// Every exchange runs inside the pipe's gate: Acquire, UsableConn, I/O, MarkHealthy or
// MarkError, Release. Do wraps that sequence and is what the exchange engine and the
// stream transfer use. The gate is a one slot semaphore, so waiting for it honors the
// caller's context.
//
// In Persistent mode the handle survives across exchanges and is re-established once,
// transparently, by the first exchange after an error. In Transient mode a new handle is
// opened for every exchange and closed when it ends.
type Pipe struct {
	cfg     *Config
	logger  logger.Logger
	metrics *Metrics
	breaker *gobreaker.CircuitBreaker[net.Conn]

	gate chan struct{}

	// mu protects conn so that Close can force it shut while an exchange holds the gate.
	mu       sync.Mutex
	conn     *transport.Conn
	hasError bool

	connectErrors atomic.Int64
	closed        atomic.Bool
}

// New creates a pipe. No connection is opened until the first exchange or Connect.
func New(cfg *Config) *Pipe {
	return &Pipe{
		cfg:     cfg,
		logger:  cfg.logger.With("pipe", cfg.Address(), "mode", cfg.mode.String()),
		metrics: &Metrics{},
		breaker: newBreaker(cfg.Address(), cfg.breaker),
		gate:    make(chan struct{}, 1),
	}
}

// Config returns the pipe configuration.
func (p *Pipe) Config() *Config { return p.cfg }

// Metrics returns the pipe counters.
func (p *Pipe) Metrics() *Metrics { return p.metrics }

// Logger returns the pipe's logger.
func (p *Pipe) Logger() logger.Logger { return p.logger }

// Acquire blocks until the gate is free or ctx is done.
func (p *Pipe) Acquire(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPipeClosed
	}

	select {
	case p.gate <- struct{}{}:
		p.metrics.incInflightCount()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the gate. It must be called exactly once for each successful Acquire.
func (p *Pipe) Release() {
	p.metrics.decInflightCount()
	<-p.gate
}

// UsableConn returns the handle for the current exchange. The caller must hold the gate.
//
// Persistent mode reuses a healthy handle and reconnects once otherwise; Transient mode
// always opens a new handle.
func (p *Pipe) UsableConn(ctx context.Context) (*transport.Conn, error) {
	if p.closed.Load() {
		return nil, ErrPipeClosed
	}

	p.mu.Lock()
	conn, hasError := p.conn, p.hasError
	p.mu.Unlock()

	if conn != nil && !hasError && !conn.IsClosed() && p.cfg.mode == Persistent {
		return conn, nil
	}

	if conn != nil {
		p.dropConn(conn, hasError)
	}

	return p.connect(ctx)
}

// MarkError flags the handle as unusable and closes it.
func (p *Pipe) MarkError() {
	p.mu.Lock()
	p.hasError = true
	conn := p.conn
	p.mu.Unlock()

	if conn != nil {
		p.dropConn(conn, true)
	}
}

// MarkHealthy clears the error flag.
func (p *Pipe) MarkHealthy() {
	p.mu.Lock()
	p.hasError = false
	p.mu.Unlock()
}

// HasConn reports whether a handle is currently held.
func (p *Pipe) HasConn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.conn != nil
}

// HasError reports whether the last exchange failed.
func (p *Pipe) HasError() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.hasError
}

// ConnectErrorCount returns the saturating number of connect failures.
func (p *Pipe) ConnectErrorCount() int64 {
	return p.connectErrors.Load()
}

// Connect opens the handle of a persistent pipe ahead of the first exchange. On a transient
// pipe it opens and closes a handle, which checks that the endpoint is reachable.
func (p *Pipe) Connect(ctx context.Context) error {
	if err := p.Acquire(ctx); err != nil {
		return err
	}
	defer p.Release()

	conn, err := p.UsableConn(ctx)
	if err != nil {
		p.MarkError()
		return err
	}

	p.MarkHealthy()
	if p.cfg.mode == Transient {
		p.closeConn(ctx, conn)
	}

	return nil
}

// Do runs fn with exclusive use of a usable handle.
//
// A non-nil error from fn marks the pipe errored and closes the handle. In Transient mode
// the handle is closed after fn regardless of the outcome.
func (p *Pipe) Do(ctx context.Context, fn func(ctx context.Context, conn *transport.Conn) error) error {
	if err := p.Acquire(ctx); err != nil {
		return err
	}
	defer p.Release()

	p.metrics.incExchangeCount()

	conn, err := p.UsableConn(ctx)
	if err != nil {
		p.metrics.incExchangeErrCount()
		p.MarkError()

		return err
	}

	if err := fn(ctx, conn); err != nil {
		p.metrics.incExchangeErrCount()
		p.logger.Debug("exchange failed, closing connection", "error", err, "method", "Do")
		p.MarkError()

		return err
	}

	p.MarkHealthy()
	if p.cfg.mode == Transient {
		p.closeConn(ctx, conn)
	}

	return nil
}

// Close runs the disconnect hook on a healthy handle, closes it and rejects further use.
// If an exchange still holds the gate after the close timeout, its handle is closed
// underneath it without running the hook.
func (p *Pipe) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.closeTimeout)
	defer cancel()

	select {
	case p.gate <- struct{}{}:
		defer func() { <-p.gate }()
	case <-ctx.Done():
		p.logger.Warn("close timed out waiting for an exchange, forcing connection closed", "method", "Close")
		p.MarkError()

		return nil
	}

	p.mu.Lock()
	conn, hasError := p.conn, p.hasError
	p.mu.Unlock()

	if conn == nil {
		return nil
	}

	if hasError {
		return p.dropConn(conn, true)
	}

	return p.closeConn(ctx, conn)
}

// IsClosed reports whether Close has been called.
func (p *Pipe) IsClosed() bool {
	return p.closed.Load()
}

// connect dials a new handle, runs the init hook and installs the handle.
func (p *Pipe) connect(ctx context.Context) (*transport.Conn, error) {
	dialCtx := ctx
	if timeout := p.cfg.connectTimeout; timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := p.dial(dialCtx)
	if err != nil {
		return nil, p.connectError(err)
	}

	conn := transport.NewConn(raw)
	conn.CountInto(&p.metrics.BytesRecv, &p.metrics.BytesSent)
	conn.SetWriteTimeout(p.cfg.writeTimeout)
	if p.cfg.receiveTimeout > 0 {
		conn.SetReadTimeout(p.cfg.receiveTimeout)
	}

	if p.cfg.initHook != nil {
		if err := p.cfg.initHook(dialCtx, conn); err != nil {
			_ = conn.Abort()
			return nil, p.connectError(fmt.Errorf("init hook: %w", err))
		}
	}

	p.mu.Lock()
	p.conn = conn
	p.hasError = false
	p.mu.Unlock()

	p.metrics.incConnectCount()
	p.logger.Debug("connected to the remote",
		"local_addr", conn.LocalAddr().String(),
		"remote_addr", conn.RemoteAddr().String(),
		"elapsed", time.Since(start),
		"method", "connect",
	)

	return conn, nil
}

// connectError counts a failed connect and wraps err.
func (p *Pipe) connectError(err error) *ConnectError {
	p.metrics.incConnectErrCount()

	var count int64
	for {
		cur := p.connectErrors.Load()
		if cur >= maxConnectErrors {
			count = maxConnectErrors
			break
		}
		if p.connectErrors.CompareAndSwap(cur, cur+1) {
			count = cur + 1
			break
		}
	}

	p.logger.Debug("failed to connect", "error", err, "count", count, "method", "connect")

	return &ConnectError{Address: p.cfg.Address(), Err: err, code: -count}
}

// closeConn runs the disconnect hook and closes conn.
func (p *Pipe) closeConn(ctx context.Context, conn *transport.Conn) error {
	var hookErr error
	if p.cfg.disconnectHook != nil {
		hookCtx := ctx
		if ctx.Err() != nil {
			hookCtx = context.Background()
		}
		hookCtx, cancel := context.WithTimeout(hookCtx, p.cfg.closeTimeout)
		hookErr = p.cfg.disconnectHook(hookCtx, conn)
		cancel()

		if hookErr != nil {
			p.logger.Debug("disconnect hook failed", "error", hookErr, "method", "closeConn")
		}
	}

	return errors.Join(hookErr, p.dropConn(conn, false))
}

// dropConn closes conn and clears it if it is still the current handle.
// A forced drop aborts the connection instead of closing it gracefully.
func (p *Pipe) dropConn(conn *transport.Conn, force bool) error {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()

	var err error
	if force {
		err = conn.Abort()
	} else {
		err = conn.Close()
	}
	p.logger.Debug("connection closed", "method", "dropConn", "force", force)

	return err
}
