package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/xxh3"

	"github.com/arloliu/go-devcomm/exchange"
	"github.com/arloliu/go-devcomm/logger"
	"github.com/arloliu/go-devcomm/pipe"
	"github.com/arloliu/go-devcomm/transport"
)

// DefaultChunkSize is the number of payload bytes carried by one chunk.
const DefaultChunkSize = 16 << 10

var (
	// ErrEmptySource is returned when the source yields no bytes for a non-empty transfer.
	ErrEmptySource = errors.New("stream: source is empty")

	// ErrSourceShort is returned when the source ends before the announced length.
	ErrSourceShort = errors.New("stream: source ended before the announced length")

	// ErrAckMismatch is returned when an acknowledgement reports a different received count
	// than the sender has written.
	ErrAckMismatch = errors.New("stream: acknowledged byte count mismatch")

	// ErrOverflow is returned when a chunk would carry the transfer past its total length.
	ErrOverflow = errors.New("stream: chunk exceeds the announced length")

	// ErrAckRequired is returned when the pipe is configured for fire-and-forget receives,
	// which leaves no room for acknowledgements.
	ErrAckRequired = errors.New("stream: transfer needs a non-negative receive timeout")
)

// Result summarizes a finished transfer.
type Result struct {
	// Chunks is the number of chunks moved.
	Chunks int
	// Bytes is the number of payload bytes moved.
	Bytes int64
	// Digest is the XXH3-64 hash of the payload.
	Digest uint64
}

// AsyncResult is the outcome of an asynchronous transfer.
type AsyncResult struct {
	Result
	Err error
}

type options struct {
	chunkSize int
	progress  func(transferred, total int64)
	percent   func(percent int)
}

// Option configures a Transfer.
type Option func(*options)

// WithChunkSize sets the chunk size. Non-positive values are ignored.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithProgress registers a callback invoked after every chunk.
func WithProgress(fn func(transferred, total int64)) Option {
	return func(o *options) { o.progress = fn }
}

// WithPercentProgress registers a callback invoked whenever the integer completion
// percentage changes.
func WithPercentProgress(fn func(percent int)) Option {
	return func(o *options) { o.percent = fn }
}

// Transfer moves payloads over one pipe with one codec.
type Transfer struct {
	pipe   *pipe.Pipe
	codec  Codec
	engine *exchange.Engine
	opts   options
	logger logger.Logger
}

// New creates a Transfer on p.
func New(p *pipe.Pipe, codec Codec, opts ...Option) *Transfer {
	t := &Transfer{
		pipe:   p,
		codec:  codec,
		engine: exchange.New(p, exchange.WithPacker(codec.Packer())),
		opts:   options{chunkSize: DefaultChunkSize},
		logger: p.Logger(),
	}

	for _, opt := range opts {
		opt(&t.opts)
	}

	return t
}

// ChunkSize returns the configured chunk size.
func (t *Transfer) ChunkSize() int { return t.opts.chunkSize }

// Send streams total bytes from src over the pipe. When src is an io.Seeker it is
// rewound first.
func (t *Transfer) Send(ctx context.Context, src io.Reader, total int64) (Result, error) {
	if err := t.checkAck(); err != nil {
		return Result{}, err
	}

	var res Result
	err := t.pipe.Do(ctx, func(ctx context.Context, conn *transport.Conn) error {
		var err error
		res, err = t.SendOn(ctx, conn, src, total)

		return err
	})

	return res, err
}

// SendAsync runs Send in a new goroutine. The channel receives one result and is closed.
func (t *Transfer) SendAsync(ctx context.Context, src io.Reader, total int64) <-chan AsyncResult {
	return async(func() (Result, error) { return t.Send(ctx, src, total) })
}

// Receive reads total bytes from the pipe into dst.
func (t *Transfer) Receive(ctx context.Context, dst io.Writer, total int64) (Result, error) {
	var res Result
	err := t.pipe.Do(ctx, func(ctx context.Context, conn *transport.Conn) error {
		var err error
		res, err = t.ReceiveOn(ctx, conn, dst, total)

		return err
	})

	return res, err
}

// ReceiveAsync runs Receive in a new goroutine. The channel receives one result and is closed.
func (t *Transfer) ReceiveAsync(ctx context.Context, dst io.Writer, total int64) <-chan AsyncResult {
	return async(func() (Result, error) { return t.Receive(ctx, dst, total) })
}

// SendFile streams the file at path.
func (t *Transfer) SendFile(ctx context.Context, path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{}, err
	}

	return t.Send(ctx, f, info.Size())
}

// ReceiveFile receives total bytes into a new file at path. The file is removed when the
// transfer fails.
func (t *Transfer) ReceiveFile(ctx context.Context, path string, total int64) (res Result, err error) {
	f, err := os.Create(path)
	if err != nil {
		return Result{}, err
	}

	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	return t.Receive(ctx, f, total)
}

// SendOn streams total bytes from src on conn, which the caller obtained inside pipe.Do.
// The connection is aborted on a transfer failure. ErrAckRequired leaves it untouched.
func (t *Transfer) SendOn(ctx context.Context, conn *transport.Conn, src io.Reader, total int64) (Result, error) {
	if err := t.checkAck(); err != nil {
		return Result{}, err
	}

	res, err := t.send(ctx, conn, src, total)
	if err != nil {
		_ = conn.Abort()
		t.logger.Warn("stream send failed", "sent", res.Bytes, "total", total, "error", err)
	}

	return res, err
}

// ReceiveOn reads total bytes from conn into dst. The connection is aborted on failure.
func (t *Transfer) ReceiveOn(ctx context.Context, conn *transport.Conn, dst io.Writer, total int64) (Result, error) {
	res, err := t.receive(ctx, conn, dst, total)
	if err != nil {
		_ = conn.Abort()
		t.logger.Warn("stream receive failed", "received", res.Bytes, "total", total, "error", err)
	}

	return res, err
}

func (t *Transfer) checkAck() error {
	if t.pipe.Config().ReceiveTimeout() < 0 {
		return ErrAckRequired
	}

	return nil
}

func (t *Transfer) send(ctx context.Context, conn *transport.Conn, src io.Reader, total int64) (Result, error) {
	if seeker, ok := src.(io.Seeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return Result{}, fmt.Errorf("rewind source: %w", err)
		}
	}

	state := newState(total, t.opts)
	hash := xxh3.New()
	buf := make([]byte, t.opts.chunkSize)

	var res Result
	for state.Transferred < total {
		want := min(int64(len(buf)), total-state.Transferred)
		n, err := io.ReadFull(src, buf[:want])
		if n == 0 {
			if state.Transferred == 0 {
				return res, ErrEmptySource
			}
			return res, fmt.Errorf("%w: %d of %d bytes: %w", ErrSourceShort, state.Transferred, total, err)
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return res, fmt.Errorf("read source: %w", err)
		}

		chunk := buf[:n]
		ack, err := t.engine.ExchangeOn(ctx, conn, exchange.Request{
			Command:        chunk,
			Framer:         t.codec.Framer(),
			ExpectResponse: true,
			RePack:         true,
		})
		if err != nil {
			return res, fmt.Errorf("chunk %d: %w", res.Chunks+1, err)
		}

		if err := state.advance(n); err != nil {
			return res, err
		}
		_, _ = hash.Write(chunk)
		res.Chunks++
		res.Bytes = state.Transferred

		if len(ack) < 8 {
			return res, fmt.Errorf("%w: acknowledgement of %d bytes", ErrAckMismatch, len(ack))
		}
		if got := binary.LittleEndian.Uint64(ack); got != uint64(state.Transferred) { //nolint:gosec
			return res, fmt.Errorf("%w: receiver has %d, sent %d", ErrAckMismatch, got, state.Transferred)
		}
	}

	res.Digest = hash.Sum64()
	t.logger.Debug("stream sent", "chunks", res.Chunks, "bytes", res.Bytes)

	return res, nil
}

func (t *Transfer) receive(ctx context.Context, conn *transport.Conn, dst io.Writer, total int64) (Result, error) {
	framer := t.codec.Framer()
	readOpts := t.pipe.Config().ReadOptions()

	state := newState(total, t.opts)
	hash := xxh3.New()

	var res Result
	for state.Transferred < total {
		var msg []byte
		err := conn.ReadWith(ctx, func(r transport.Reader) error {
			var err error
			msg, err = framer.ReadMessage(r, readOpts)

			return err
		})
		if err != nil {
			return res, fmt.Errorf("chunk %d: %w", res.Chunks+1, err)
		}

		chunk, err := t.codec.DecodeChunk(msg)
		if err != nil {
			return res, fmt.Errorf("chunk %d: %w", res.Chunks+1, err)
		}
		if len(chunk) == 0 {
			return res, fmt.Errorf("chunk %d: %w: empty chunk", res.Chunks+1, ErrSourceShort)
		}

		if err := state.advance(len(chunk)); err != nil {
			return res, err
		}
		if _, err := dst.Write(chunk); err != nil {
			return res, fmt.Errorf("write sink: %w", err)
		}
		_, _ = hash.Write(chunk)
		res.Chunks++
		res.Bytes = state.Transferred

		ack, err := t.codec.EncodeAck(msg, uint64(state.Transferred)) //nolint:gosec
		if err != nil {
			return res, err
		}
		if err := conn.WriteAll(ctx, ack); err != nil {
			return res, fmt.Errorf("acknowledge chunk %d: %w", res.Chunks, err)
		}
	}

	res.Digest = hash.Sum64()
	t.logger.Debug("stream received", "chunks", res.Chunks, "bytes", res.Bytes)

	return res, nil
}

func async(fn func() (Result, error)) <-chan AsyncResult {
	ch := make(chan AsyncResult, 1)
	go func() {
		defer close(ch)
		res, err := fn()
		ch <- AsyncResult{Result: res, Err: err}
	}()

	return ch
}
