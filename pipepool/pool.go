// Package pipepool keeps several persistent pipes to the same endpoint so that independent
// exchanges do not queue behind one gate.
package pipepool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"

	"github.com/arloliu/go-devcomm/exchange"
	"github.com/arloliu/go-devcomm/logger"
	"github.com/arloliu/go-devcomm/pipe"
)

// ErrInvalidSize is returned for a non-positive pool size.
var ErrInvalidSize = errors.New("pipepool: size must be positive")

// Stats is a snapshot of pool statistics.
type Stats struct {
	TotalPipes       int32
	IdlePipes        int32
	ActivePipes      int32
	AcquireCount     uint64
	AcquireWaitCount uint64
	AcquireWaitTime  time.Duration
	CreatedPipes     uint64
	DestroyedPipes   uint64
}

// Pool hands out persistent pipes to one endpoint. A pipe that ends an exchange in error
// is destroyed rather than returned, and a fresh one is connected on demand.
type Pool struct {
	cfg    *pipe.Config
	pool   *puddle.Pool[*pipe.Pipe]
	logger logger.Logger

	created   atomic.Int64
	destroyed atomic.Int64
}

// New creates a pool of at most maxSize pipes to host:port. Pipes are always persistent;
// a WithTransient option is overridden.
func New(host string, port int, maxSize int32, opts ...pipe.Option) (*Pool, error) {
	if maxSize <= 0 {
		return nil, ErrInvalidSize
	}

	cfg, err := pipe.NewConfig(host, port, append(opts, pipe.WithPersistent())...)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:    cfg,
		logger: cfg.Logger().With("pool", cfg.Address()),
	}

	pool, err := puddle.NewPool(&puddle.Config[*pipe.Pipe]{
		Constructor: p.construct,
		Destructor: func(pp *pipe.Pipe) {
			p.destroyed.Add(1)
			_ = pp.Close()
		},
		MaxSize: maxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	p.pool = pool

	return p, nil
}

func (p *Pool) construct(ctx context.Context) (*pipe.Pipe, error) {
	pp := pipe.New(p.cfg)
	if err := pp.Connect(ctx); err != nil {
		_ = pp.Close()
		return nil, err
	}
	p.created.Add(1)

	return pp, nil
}

// Config returns the configuration shared by every pipe of the pool.
func (p *Pool) Config() *pipe.Config { return p.cfg }

// Do runs fn with an exclusively held pipe.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context, pp *pipe.Pipe) error) error {
	res, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire pipe: %w", err)
	}

	err = fn(ctx, res.Value())
	if err != nil && (res.Value().HasError() || errors.Is(err, pipe.ErrConnect)) {
		p.logger.Debug("destroying failed pipe", "error", err, "method", "Do")
		res.Destroy()

		return err
	}
	res.Release()

	return err
}

// Exchange runs req on a pooled pipe. Options configure the engine built for the call.
func (p *Pool) Exchange(ctx context.Context, req exchange.Request, opts ...exchange.Option) ([]byte, error) {
	var resp []byte
	err := p.Do(ctx, func(ctx context.Context, pp *pipe.Pipe) error {
		var err error
		resp, err = exchange.New(pp, opts...).Exchange(ctx, req)

		return err
	})

	return resp, err
}

// Stats returns a snapshot of the pool statistics.
func (p *Pool) Stats() Stats {
	s := p.pool.Stat()

	return Stats{
		TotalPipes:       s.TotalResources(),
		IdlePipes:        s.IdleResources(),
		ActivePipes:      s.AcquiredResources(),
		AcquireCount:     uint64(s.AcquireCount()),      //nolint:gosec
		AcquireWaitCount: uint64(s.EmptyAcquireCount()), //nolint:gosec
		AcquireWaitTime:  s.EmptyAcquireWaitTime(),
		CreatedPipes:     uint64(p.created.Load()),   //nolint:gosec
		DestroyedPipes:   uint64(p.destroyed.Load()), //nolint:gosec
	}
}

// Close closes every pipe. It blocks until all acquired pipes are returned.
func (p *Pool) Close() {
	p.pool.Close()
}
