package pipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-devcomm/logger"
	"github.com/arloliu/go-devcomm/transport"
)

// echoServer echoes every byte it receives and counts accepted connections.
type echoServer struct {
	ln       net.Listener
	accepted atomic.Int32
	wg       sync.WaitGroup
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &echoServer{ln: ln}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.accepted.Add(1)
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		s.wg.Wait()
	})

	return s
}

func (s *echoServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func newTestPipe(t *testing.T, port int, opts ...Option) *Pipe {
	t.Helper()

	opts = append([]Option{WithLogger(logger.NewMockLogger().AllowAll())}, opts...)
	cfg, err := NewConfig("127.0.0.1", port, opts...)
	require.NoError(t, err)

	p := New(cfg)
	t.Cleanup(func() { _ = p.Close() })

	return p
}

func echo(ctx context.Context, conn *transport.Conn, msg []byte) error {
	if err := conn.WriteAll(ctx, msg); err != nil {
		return err
	}

	got := make([]byte, len(msg))
	if err := conn.ReadFull(ctx, got); err != nil {
		return err
	}
	if !bytes.Equal(got, msg) {
		return fmt.Errorf("echo mismatch: sent %q, got %q", msg, got)
	}

	return nil
}

func TestNewConfig(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConfig("127.0.0.1", 502)
	require.NoError(err)
	require.Equal("127.0.0.1:502", cfg.Address())
	require.Equal(Persistent, cfg.Mode())
	require.Equal(3*time.Second, cfg.ConnectTimeout())
	require.Equal(5*time.Second, cfg.ReceiveTimeout())
	require.Equal(256<<20, cfg.ReadOptions().MaxContentLength)

	cfg, err = NewConfig("/dev/ttyUSB0", 0, WithDialer(&transport.SerialDialer{}), WithTransient(),
		WithReceiveTimeout(-1), WithSleepBeforeReceive(10*time.Millisecond))
	require.NoError(err)
	require.Equal("/dev/ttyUSB0", cfg.Address())
	require.Equal(Transient, cfg.Mode())
	require.Negative(cfg.ReceiveTimeout())

	invalid := []struct {
		host string
		port int
		opts []Option
	}{
		{"", 502, nil},
		{"127.0.0.1", 70000, nil},
		{"127.0.0.1", 0, nil},
		{"127.0.0.1", 502, []Option{WithConnectTimeout(-time.Second)}},
		{"127.0.0.1", 502, []Option{WithSleepBeforeReceive(2 * time.Minute)}},
		{"127.0.0.1", 502, []Option{WithMaxContentLength(0)}},
		{"127.0.0.1", 502, []Option{WithLocalAddr("nope")}},
		{"127.0.0.1", 502, []Option{WithDialer(nil)}},
		{"127.0.0.1", 502, []Option{WithLogger(nil)}},
		{"127.0.0.1", 502, []Option{WithCloseTimeout(0)}},
	}
	for i, tt := range invalid {
		_, err := NewConfig(tt.host, tt.port, tt.opts...)
		require.ErrorIs(err, ErrInvalidConfig, "case %d", i)
	}
}

func TestPipe_Persistent(t *testing.T) {
	require := require.New(t)

	srv := newEchoServer(t)
	p := newTestPipe(t, srv.port())
	ctx := context.Background()

	var first, second *transport.Conn
	require.NoError(p.Do(ctx, func(ctx context.Context, conn *transport.Conn) error {
		first = conn
		return echo(ctx, conn, []byte("one"))
	}))
	require.True(p.HasConn())

	require.NoError(p.Do(ctx, func(ctx context.Context, conn *transport.Conn) error {
		second = conn
		return echo(ctx, conn, []byte("two"))
	}))

	require.Same(first, second)
	require.Equal(int32(1), srv.accepted.Load())
	require.Equal(uint64(1), p.Metrics().ConnectCount.Load())
	require.Equal(uint64(2), p.Metrics().ExchangeCount.Load())
	require.Equal(uint64(6), p.Metrics().BytesSent.Load())
	require.Equal(uint64(6), p.Metrics().BytesRecv.Load())

	require.NoError(p.Close())
	require.False(p.HasConn())
	require.True(first.IsClosed())

	err := p.Do(ctx, func(context.Context, *transport.Conn) error { return nil })
	require.ErrorIs(err, ErrPipeClosed)
}

func TestPipe_Transient(t *testing.T) {
	require := require.New(t)

	srv := newEchoServer(t)
	p := newTestPipe(t, srv.port(), WithTransient())
	ctx := context.Background()

	var conns []*transport.Conn
	for i := 0; i < 3; i++ {
		require.NoError(p.Do(ctx, func(ctx context.Context, conn *transport.Conn) error {
			conns = append(conns, conn)
			return echo(ctx, conn, []byte{byte(i)})
		}))
		require.False(p.HasConn())
	}

	require.Equal(int32(3), srv.accepted.Load())
	for _, c := range conns {
		require.True(c.IsClosed())
	}
}

func TestPipe_ReconnectAfterError(t *testing.T) {
	require := require.New(t)

	srv := newEchoServer(t)
	p := newTestPipe(t, srv.port())
	ctx := context.Background()

	errBoom := errors.New("boom")
	var broken *transport.Conn
	err := p.Do(ctx, func(_ context.Context, conn *transport.Conn) error {
		broken = conn
		return errBoom
	})
	require.ErrorIs(err, errBoom)
	require.True(p.HasError())
	require.False(p.HasConn())
	require.True(broken.IsClosed())

	require.NoError(p.Do(ctx, func(ctx context.Context, conn *transport.Conn) error {
		require.NotSame(broken, conn)
		return echo(ctx, conn, []byte("again"))
	}))
	require.False(p.HasError())
	require.Equal(int32(2), srv.accepted.Load())
	require.Equal(uint64(1), p.Metrics().ExchangeErrCount.Load())
}

func TestPipe_ConnectErrorSaturates(t *testing.T) {
	require := require.New(t)

	errRefused := errors.New("refused")
	dialer := transport.DialerFunc(func(context.Context, string) (net.Conn, error) {
		return nil, errRefused
	})
	p := newTestPipe(t, 502, WithDialer(dialer))
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		err := p.Connect(ctx)
		require.ErrorIs(err, ErrConnect)
		require.ErrorIs(err, errRefused)

		var connErr *ConnectError
		require.ErrorAs(err, &connErr)
		require.Equal(-i, connErr.Code())
	}

	p.connectErrors.Store(maxConnectErrors - 1)
	for i := 0; i < 3; i++ {
		var connErr *ConnectError
		require.ErrorAs(p.Connect(ctx), &connErr)
		require.Equal(int64(-maxConnectErrors), connErr.Code())
	}
	require.Equal(int64(maxConnectErrors), p.ConnectErrorCount())
}

func TestPipe_GateExclusive(t *testing.T) {
	require := require.New(t)

	srv := newEchoServer(t)
	p := newTestPipe(t, srv.port())
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, 8)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.Do(ctx, func(ctx context.Context, conn *transport.Conn) error {
				n := inside.Add(1)
				defer inside.Add(-1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}

				// dribble the request out so that overlapping exchanges would interleave
				msg := []byte(fmt.Sprintf("req-%d", i))
				for _, b := range msg {
					if err := conn.WriteAll(ctx, []byte{b}); err != nil {
						return err
					}
					time.Sleep(time.Millisecond)
				}

				got := make([]byte, len(msg))
				if err := conn.ReadFull(ctx, got); err != nil {
					return err
				}
				if !bytes.Equal(got, msg) {
					return fmt.Errorf("interleaved: sent %q, got %q", msg, got)
				}
				return nil
			})
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(err)
	}
	require.Equal(int32(1), maxInside.Load())
	require.Zero(p.Metrics().InflightCount.Load())
}

func TestPipe_AcquireHonorsContext(t *testing.T) {
	require := require.New(t)

	p := newTestPipe(t, 502)
	require.NoError(p.Acquire(context.Background()))
	defer p.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(p.Acquire(ctx), context.DeadlineExceeded)
}

func TestPipe_Hooks(t *testing.T) {
	require := require.New(t)

	srv := newEchoServer(t)

	var inits, goodbyes atomic.Int32
	p := newTestPipe(t, srv.port(),
		WithInitHook(func(ctx context.Context, conn *transport.Conn) error {
			inits.Add(1)
			return echo(ctx, conn, []byte("hello"))
		}),
		WithDisconnectHook(func(ctx context.Context, conn *transport.Conn) error {
			goodbyes.Add(1)
			return conn.WriteAll(ctx, []byte("bye"))
		}),
	)

	require.NoError(p.Connect(context.Background()))
	require.NoError(p.Connect(context.Background()))
	require.Equal(int32(1), inits.Load())

	require.NoError(p.Close())
	require.Equal(int32(1), goodbyes.Load())

	failing := newTestPipe(t, srv.port(), WithInitHook(func(context.Context, *transport.Conn) error {
		return errors.New("login rejected")
	}))
	err := failing.Connect(context.Background())
	require.ErrorIs(err, ErrConnect)
	require.ErrorContains(err, "login rejected")
	require.False(failing.HasConn())
}

func TestPipe_TransientConnectOnlyChecksReachability(t *testing.T) {
	require := require.New(t)

	srv := newEchoServer(t)
	p := newTestPipe(t, srv.port(), WithTransient())

	require.NoError(p.Connect(context.Background()))
	require.False(p.HasConn())
	require.Equal(int32(1), srv.accepted.Load())
}

func TestPipe_CircuitBreaker(t *testing.T) {
	require := require.New(t)

	var dials atomic.Int32
	dialer := transport.DialerFunc(func(context.Context, string) (net.Conn, error) {
		dials.Add(1)
		return nil, errors.New("refused")
	})
	p := newTestPipe(t, 502, WithDialer(dialer), WithCircuitBreaker(1, 0, time.Minute))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(p.Connect(ctx), ErrConnect)
	}
	require.Equal(gobreaker.StateOpen, p.BreakerState())

	err := p.Connect(ctx)
	require.ErrorIs(err, ErrConnect)
	require.ErrorIs(err, gobreaker.ErrOpenState)
	require.Equal(int32(3), dials.Load())
}

func TestPipe_CloseForcesStuckExchange(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
			_, _ = io.Copy(io.Discard, c)
		}
	}()

	p := newTestPipe(t, ln.Addr().(*net.TCPAddr).Port,
		WithReceiveTimeout(0), WithCloseTimeout(50*time.Millisecond))

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- p.Do(context.Background(), func(ctx context.Context, conn *transport.Conn) error {
			close(started)
			return conn.ReadFull(ctx, make([]byte, 1))
		})
	}()

	<-started
	require.NoError(p.Close())

	select {
	case err := <-done:
		require.ErrorIs(err, transport.ErrConnClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("exchange was not interrupted by Close")
	}
}

// sink accepts one connection, discards its input and reports how the peer ended it.
func sink(t *testing.T) (int, <-chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	ended := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			ended <- err
			return
		}
		defer c.Close()
		_, err = io.Copy(io.Discard, c)
		ended <- err
	}()

	return ln.Addr().(*net.TCPAddr).Port, ended
}

func TestPipe_CloseEndsHealthyConnGracefully(t *testing.T) {
	require := require.New(t)

	port, ended := sink(t)
	p := newTestPipe(t, port)
	ctx := context.Background()

	require.NoError(p.Do(ctx, func(ctx context.Context, conn *transport.Conn) error {
		return conn.WriteAll(ctx, make([]byte, 64<<10))
	}))
	require.NoError(p.Close())

	select {
	case err := <-ended:
		require.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not see the connection end")
	}
}

func TestPipe_MarkErrorResetsConn(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	p := newTestPipe(t, ln.Addr().(*net.TCPAddr).Port)
	require.NoError(p.Connect(context.Background()))
	peer := <-accepted
	defer peer.Close()

	p.MarkError()
	require.False(p.HasConn())

	require.NoError(peer.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, err = io.ReadAll(peer)
	require.ErrorIs(err, syscall.ECONNRESET)
}

func TestMetrics_Register(t *testing.T) {
	require := require.New(t)

	srv := newEchoServer(t)
	p := newTestPipe(t, srv.port())
	require.NoError(p.Do(context.Background(), func(ctx context.Context, conn *transport.Conn) error {
		return echo(ctx, conn, []byte("ping"))
	}))

	set := metrics.NewSet()
	p.Metrics().Register(set, "devcomm_pipe", `{pipe="test"}`)

	var buf bytes.Buffer
	set.WritePrometheus(&buf)
	out := buf.String()
	require.Contains(out, `devcomm_pipe_exchanges_total{pipe="test"} 1`)
	require.Contains(out, `devcomm_pipe_bytes_sent_total{pipe="test"} 4`)
	require.Contains(out, `devcomm_pipe_inflight{pipe="test"} 0`)
}
