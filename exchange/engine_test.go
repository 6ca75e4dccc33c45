package exchange

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-devcomm/framing"
	"github.com/arloliu/go-devcomm/logger"
	"github.com/arloliu/go-devcomm/pipe"
	"github.com/arloliu/go-devcomm/transport"
)

func startServer(t *testing.T, handle func(c net.Conn)) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer c.Close()
				handle(c)
			}()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})

	return ln.Addr().(*net.TCPAddr).Port
}

// mbapDevice answers every MBAP request with the same head and the PDU reversed.
// tidDelta is added to the transaction id of the reply.
func mbapDevice(tidDelta uint16, delay time.Duration) func(c net.Conn) {
	return func(c net.Conn) {
		for {
			head := make([]byte, 6)
			if _, err := io.ReadFull(c, head); err != nil {
				return
			}
			body := make([]byte, binary.BigEndian.Uint16(head[4:6]))
			if _, err := io.ReadFull(c, body); err != nil {
				return
			}

			for i, j := 0, len(body)-1; i < j; i, j = i+1, j-1 {
				body[i], body[j] = body[j], body[i]
			}
			binary.BigEndian.PutUint16(head[0:2], binary.BigEndian.Uint16(head[0:2])+tidDelta)

			time.Sleep(delay)
			if _, err := c.Write(append(head, body...)); err != nil {
				return
			}
		}
	}
}

func newEngine(t *testing.T, port int, opts []pipe.Option, engOpts ...Option) *Engine {
	t.Helper()

	opts = append([]pipe.Option{pipe.WithLogger(logger.NewMockLogger().AllowAll())}, opts...)
	cfg, err := pipe.NewConfig("127.0.0.1", port, opts...)
	require.NoError(t, err)

	p := pipe.New(cfg)
	t.Cleanup(func() { _ = p.Close() })

	return New(p, engOpts...)
}

func mbap(t *testing.T, tid uint16, pdu ...byte) []byte {
	t.Helper()

	corr := binary.BigEndian.AppendUint16(nil, tid)
	msg, err := framing.ModbusTCP().Pack(pdu, corr)
	require.NoError(t, err)

	return msg
}

var modbusFramer = framing.NewHeadFramer(framing.ModbusTCP())

func TestEngine_Exchange(t *testing.T) {
	require := require.New(t)

	port := startServer(t, mbapDevice(0, 0))
	eng := newEngine(t, port, nil)
	ctx := context.Background()

	for tid := uint16(1); tid <= 3; tid++ {
		resp, err := eng.Exchange(ctx, Request{
			Command:        mbap(t, tid, 0x01, 0x03, 0x00, 0x10),
			Framer:         modbusFramer,
			ExpectResponse: true,
		})
		require.NoError(err)
		require.Equal(mbap(t, tid, 0x10, 0x00, 0x03, 0x01), resp)
	}

	require.True(eng.Pipe().HasConn())
	require.Equal(uint64(1), eng.Pipe().Metrics().ConnectCount.Load())
}

func TestEngine_ExchangeAsync(t *testing.T) {
	require := require.New(t)

	port := startServer(t, mbapDevice(0, 0))
	eng := newEngine(t, port, []pipe.Option{pipe.WithTransient()})

	res := <-eng.ExchangeAsync(context.Background(), Request{
		Command:        mbap(t, 7, 0xaa, 0xbb),
		Framer:         modbusFramer,
		ExpectResponse: true,
	})
	require.True(res.IsSuccess())
	require.Empty(res.Message())
	require.Equal(mbap(t, 7, 0xbb, 0xaa), res.Payload)
	require.False(eng.Pipe().HasConn())

	res = <-eng.ExchangeAsync(context.Background(), Request{
		Command:        mbap(t, 8, 0xaa),
		Framer:         modbusFramer,
		ExpectResponse: true,
		RePack:         true,
	})
	require.True(res.IsSuccess())
}

func TestEngine_HeadCheckFailed(t *testing.T) {
	require := require.New(t)

	port := startServer(t, mbapDevice(1, 0))
	eng := newEngine(t, port, nil)

	res := <-eng.ExchangeAsync(context.Background(), Request{
		Command:        mbap(t, 1, 0x01, 0x03),
		Framer:         modbusFramer,
		ExpectResponse: true,
	})
	require.ErrorIs(res.Err, ErrHeadCheckFailed)
	require.False(res.IsSuccess())
	require.NotEmpty(res.Message())
	require.False(eng.Pipe().HasConn())
	require.True(eng.Pipe().HasError())
}

func TestEngine_FireAndForget(t *testing.T) {
	require := require.New(t)

	received := make(chan []byte, 2)
	port := startServer(t, func(c net.Conn) {
		buf := make([]byte, 64)
		for {
			n, err := c.Read(buf)
			if err != nil {
				return
			}
			received <- append([]byte(nil), buf[:n]...)
		}
	})

	eng := newEngine(t, port, []pipe.Option{pipe.WithReceiveTimeout(-1)})
	resp, err := eng.Exchange(context.Background(), Request{Command: []byte("SET 1"), ExpectResponse: true})
	require.NoError(err)
	require.NotNil(resp)
	require.Empty(resp)
	require.Equal("SET 1", string(<-received))

	eng = newEngine(t, port, nil)
	resp, err = eng.Exchange(context.Background(), Request{Command: []byte("SET 2")})
	require.NoError(err)
	require.Empty(resp)
	require.Equal("SET 2", string(<-received))
}

func TestEngine_ReceiveTimeout(t *testing.T) {
	require := require.New(t)

	port := startServer(t, func(c net.Conn) { _, _ = io.Copy(io.Discard, c) })
	eng := newEngine(t, port, []pipe.Option{pipe.WithReceiveTimeout(50 * time.Millisecond)})

	start := time.Now()
	_, err := eng.Exchange(context.Background(), Request{
		Command:        mbap(t, 1, 0x01),
		Framer:         modbusFramer,
		ExpectResponse: true,
	})
	require.ErrorIs(err, transport.ErrTimeout)
	require.Less(time.Since(start), 2*time.Second)
	require.False(eng.Pipe().HasConn())
}

func TestEngine_SleepBeforeReceive(t *testing.T) {
	require := require.New(t)

	port := startServer(t, mbapDevice(0, 0))
	eng := newEngine(t, port, []pipe.Option{pipe.WithSleepBeforeReceive(80 * time.Millisecond)})

	start := time.Now()
	_, err := eng.Exchange(context.Background(), Request{
		Command:        mbap(t, 1, 0x01),
		Framer:         modbusFramer,
		ExpectResponse: true,
	})
	require.NoError(err)
	require.GreaterOrEqual(time.Since(start), 80*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = eng.Exchange(ctx, Request{
		Command:        mbap(t, 2, 0x01),
		Framer:         modbusFramer,
		ExpectResponse: true,
	})
	require.ErrorIs(err, context.DeadlineExceeded)
}

func TestEngine_SizeExceeded(t *testing.T) {
	require := require.New(t)

	port := startServer(t, mbapDevice(0, 0))
	eng := newEngine(t, port, []pipe.Option{pipe.WithMaxContentLength(4)})

	_, err := eng.Exchange(context.Background(), Request{
		Command:        mbap(t, 1, 1, 2, 3, 4, 5, 6),
		Framer:         modbusFramer,
		ExpectResponse: true,
	})
	require.ErrorIs(err, framing.ErrSizeExceeded)
	require.False(eng.Pipe().HasConn())
}

func TestEngine_InvalidDescriptor(t *testing.T) {
	require := require.New(t)

	port := startServer(t, mbapDevice(0, 0))
	eng := newEngine(t, port, nil)

	// the length field runs past the 2-byte head
	framer := framing.NewHeadFramer(framing.LengthPrefixed{HeadLen: 2, LengthOffset: 1, LengthSize: 4})
	res := <-eng.ExchangeAsync(context.Background(), Request{
		Command:        mbap(t, 1, 0x01, 0x03),
		Framer:         framer,
		ExpectResponse: true,
	})
	require.ErrorIs(res.Err, framing.ErrInvalidDescriptor)
	require.False(res.IsSuccess())
}

// mbapPacker wraps bare PDUs in an MBAP head with a rolling transaction id.
type mbapPacker struct {
	mu  sync.Mutex
	tid uint16
}

func (p *mbapPacker) Pack(cmd []byte) ([]byte, error) {
	if len(cmd) == 0 {
		return nil, errors.New("empty pdu")
	}

	p.mu.Lock()
	p.tid++
	tid := p.tid
	p.mu.Unlock()

	return framing.ModbusTCP().Pack(cmd, binary.BigEndian.AppendUint16(nil, tid))
}

func (p *mbapPacker) Unpack(_, resp []byte) ([]byte, error) {
	return resp[6:], nil
}

func TestEngine_RePack(t *testing.T) {
	require := require.New(t)

	port := startServer(t, mbapDevice(0, 0))
	eng := newEngine(t, port, nil, WithPacker(&mbapPacker{}))

	resp, err := eng.Exchange(context.Background(), Request{
		Command:        []byte{0x01, 0x02, 0x03},
		Framer:         modbusFramer,
		ExpectResponse: true,
		RePack:         true,
	})
	require.NoError(err)
	require.Equal([]byte{0x03, 0x02, 0x01}, resp)

	// pack failures leave the pipe alone
	_, err = eng.Exchange(context.Background(), Request{Command: nil, ExpectResponse: true, RePack: true})
	require.ErrorContains(err, "empty pdu")
	require.True(eng.Pipe().HasConn())
	require.False(eng.Pipe().HasError())
	require.Equal(uint64(1), eng.Pipe().Metrics().ExchangeCount.Load())
}

func TestEngine_ConcurrentExchanges(t *testing.T) {
	require := require.New(t)

	port := startServer(t, mbapDevice(0, 2*time.Millisecond))
	eng := newEngine(t, port, nil, WithPacker(&mbapPacker{}))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			pdu := []byte(strconv.Itoa(i))
			resp, err := eng.Exchange(context.Background(), Request{
				Command:        append([]byte{0x00}, pdu...),
				Framer:         modbusFramer,
				ExpectResponse: true,
				RePack:         true,
			})
			if err != nil {
				errs <- err
				return
			}
			want := append([]byte{}, pdu...)
			for l, r := 0, len(want)-1; l < r; l, r = l+1, r-1 {
				want[l], want[r] = want[r], want[l]
			}
			if !bytes.Equal(resp, append(want, 0x00)) {
				errs <- fmt.Errorf("exchange %d got %v", i, resp)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(err)
	}
	require.Equal(uint64(1), eng.Pipe().Metrics().ConnectCount.Load())
}

func TestEngine_ConnectFailure(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(ln.Close())

	eng := newEngine(t, port, []pipe.Option{pipe.WithConnectTimeout(time.Second)})
	_, err = eng.Exchange(context.Background(), Request{Command: []byte{1}, ExpectResponse: true})
	require.ErrorIs(err, pipe.ErrConnect)

	var connErr *pipe.ConnectError
	require.ErrorAs(err, &connErr)
	require.Equal(int64(-1), connErr.Code())
}

func TestEngine_ExchangeOn(t *testing.T) {
	require := require.New(t)

	port := startServer(t, mbapDevice(0, 0))
	eng := newEngine(t, port, nil)

	err := eng.Pipe().Do(context.Background(), func(ctx context.Context, conn *transport.Conn) error {
		for tid := uint16(10); tid < 12; tid++ {
			resp, err := eng.ExchangeOn(ctx, conn, Request{
				Command:        mbap(t, tid, 0x05, 0x06),
				Framer:         modbusFramer,
				ExpectResponse: true,
			})
			if err != nil {
				return err
			}
			if !bytes.Equal(resp, mbap(t, tid, 0x06, 0x05)) {
				return fmt.Errorf("unexpected response %v", resp)
			}
		}
		return nil
	})
	require.NoError(err)
}
