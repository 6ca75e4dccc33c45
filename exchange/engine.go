package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/arloliu/go-devcomm/framing"
	"github.com/arloliu/go-devcomm/internal/pool"
	"github.com/arloliu/go-devcomm/logger"
	"github.com/arloliu/go-devcomm/pipe"
	"github.com/arloliu/go-devcomm/transport"
)

// ErrHeadCheckFailed is returned when the response head does not match the request,
// e.g. a different transaction id. The connection is closed.
var ErrHeadCheckFailed = errors.New("exchange: response head check failed")

// Packer adds and removes protocol framing around command payloads.
type Packer interface {
	// Pack turns a bare command into the bytes written on the wire.
	Pack(cmd []byte) ([]byte, error)
	// Unpack turns a received message into the payload returned to the caller.
	// sent is the packed request.
	Unpack(sent, resp []byte) ([]byte, error)
}

// IdentityPacker leaves commands and responses untouched.
type IdentityPacker struct{}

func (IdentityPacker) Pack(cmd []byte) ([]byte, error)       { return cmd, nil }
func (IdentityPacker) Unpack(_, resp []byte) ([]byte, error) { return resp, nil }

// Request describes one exchange.
type Request struct {
	// Command is written as is, or passed through the engine's Packer when RePack is set.
	Command []byte
	// Framer decides where the response ends. Nil selects framing.Simple.
	Framer framing.Framer
	// ExpectResponse false makes the exchange return right after the write.
	ExpectResponse bool
	// RePack routes Command through Packer.Pack and the response through Packer.Unpack.
	RePack bool
	// Progress, if set, is called while a large response is being read.
	Progress func(read, total int)
}

// Result is the outcome of an asynchronous exchange.
type Result struct {
	Payload []byte
	Err     error
}

// IsSuccess reports whether the exchange succeeded.
func (r Result) IsSuccess() bool { return r.Err == nil }

// Message returns the error text, or an empty string on success.
func (r Result) Message() string {
	if r.Err == nil {
		return ""
	}

	return r.Err.Error()
}

// Engine runs exchanges on one pipe.
type Engine struct {
	pipe   *pipe.Pipe
	packer Packer
	logger logger.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithPacker sets the packer used for RePack requests. Defaults to IdentityPacker.
func WithPacker(p Packer) Option {
	return func(e *Engine) {
		if p != nil {
			e.packer = p
		}
	}
}

// WithLogger sets the logger. Defaults to the pipe's logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an engine for p.
func New(p *pipe.Pipe, opts ...Option) *Engine {
	e := &Engine{
		pipe:   p,
		packer: IdentityPacker{},
		logger: p.Logger(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Pipe returns the engine's pipe.
func (e *Engine) Pipe() *pipe.Pipe { return e.pipe }

// Packer returns the engine's packer.
func (e *Engine) Packer() Packer { return e.packer }

// Exchange runs req and blocks until it completes or ctx is done.
//
// With a negative pipe receive timeout, or ExpectResponse false, it returns an empty
// payload as soon as the request is written.
func (e *Engine) Exchange(ctx context.Context, req Request) ([]byte, error) {
	return e.exchange(ctx, req)
}

// ExchangeAsync runs req in a new goroutine. The returned channel receives exactly one
// Result and is then closed.
func (e *Engine) ExchangeAsync(ctx context.Context, req Request) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		payload, err := e.exchange(ctx, req)
		ch <- Result{Payload: payload, Err: err}
	}()

	return ch
}

// ExchangeOn runs req on conn, which the caller obtained inside pipe.Do. It neither takes
// the gate nor changes the pipe's health; the surrounding Do does both.
func (e *Engine) ExchangeOn(ctx context.Context, conn *transport.Conn, req Request) ([]byte, error) {
	packed, err := e.pack(req)
	if err != nil {
		return nil, err
	}

	return e.roundTrip(ctx, conn, req, packed)
}

func (e *Engine) exchange(ctx context.Context, req Request) ([]byte, error) {
	// pack failures never touch the connection
	packed, err := e.pack(req)
	if err != nil {
		return nil, err
	}

	var resp []byte
	err = e.pipe.Do(ctx, func(ctx context.Context, conn *transport.Conn) error {
		var err error
		resp, err = e.roundTrip(ctx, conn, req, packed)

		return err
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (e *Engine) pack(req Request) ([]byte, error) {
	if !req.RePack {
		return req.Command, nil
	}

	packed, err := e.packer.Pack(req.Command)
	if err != nil {
		return nil, fmt.Errorf("pack command: %w", err)
	}

	return packed, nil
}

// roundTrip writes packed and reads the response on conn.
func (e *Engine) roundTrip(ctx context.Context, conn *transport.Conn, req Request, packed []byte) ([]byte, error) {
	cfg := e.pipe.Config()

	if err := conn.WriteAll(ctx, packed); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	if !req.ExpectResponse || cfg.ReceiveTimeout() < 0 {
		return []byte{}, nil
	}

	if err := pool.Sleep(ctx, cfg.SleepBeforeReceive()); err != nil {
		return nil, err
	}

	framer := req.Framer
	if framer == nil {
		framer = framing.Simple{}
	}

	opts := cfg.ReadOptions()
	opts.Progress = req.Progress

	var resp []byte
	err := conn.ReadWith(ctx, func(r transport.Reader) error {
		var err error
		resp, err = framer.ReadMessage(r, opts)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("receive %s response: %w", framer.Kind(), err)
	}

	if hc, ok := framer.(framing.HeadChecker); ok && !hc.CheckHead(resp, packed) {
		e.logger.Warn("response head does not match the request",
			"kind", framer.Kind().String(),
			"sent_len", len(packed),
			"resp_len", len(resp),
			"method", "roundTrip",
		)

		return nil, ErrHeadCheckFailed
	}

	if req.RePack {
		unpacked, err := e.packer.Unpack(packed, resp)
		if err != nil {
			return nil, fmt.Errorf("unpack response: %w", err)
		}
		resp = unpacked
	}

	e.logger.Debug("exchange completed", "sent", len(packed), "received", len(resp), "method", "roundTrip")

	return resp, nil
}
