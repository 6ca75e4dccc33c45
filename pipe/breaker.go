package pipe

import (
	"context"
	"net"
	"time"

	"github.com/sony/gobreaker/v2"
)

type breakerSettings struct {
	maxRequests uint32
	interval    time.Duration
	timeout     time.Duration
}

func newBreaker(name string, s *breakerSettings) *gobreaker.CircuitBreaker[net.Conn] {
	if s == nil {
		return nil
	}

	return gobreaker.NewCircuitBreaker[net.Conn](gobreaker.Settings{
		Name:        name,
		MaxRequests: s.maxRequests,
		Interval:    s.interval,
		Timeout:     s.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	})
}

// dial opens a raw connection through the breaker, if one is configured.
func (p *Pipe) dial(ctx context.Context) (net.Conn, error) {
	address := p.cfg.Address()
	if p.breaker == nil {
		return p.cfg.dialer.DialContext(ctx, address)
	}

	return p.breaker.Execute(func() (net.Conn, error) {
		return p.cfg.dialer.DialContext(ctx, address)
	})
}

// BreakerState returns the state of the connect circuit breaker, or StateClosed when the
// pipe has none.
func (p *Pipe) BreakerState() gobreaker.State {
	if p.breaker == nil {
		return gobreaker.StateClosed
	}

	return p.breaker.State()
}
