package pipe

import (
	"errors"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry shares one Pipe per endpoint address, so that all exchanges to the same device
// are serialized by the same gate.
type Registry struct {
	opts  []Option
	pipes *xsync.MapOf[string, *Pipe]
}

// NewRegistry creates a registry whose pipes are configured with opts.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		opts:  opts,
		pipes: xsync.NewMapOf[string, *Pipe](),
	}
}

// Get returns the pipe for host and port, creating it on first use. opts are appended to
// the registry options when the pipe is created and ignored otherwise.
func (r *Registry) Get(host string, port int, opts ...Option) (*Pipe, error) {
	cfg, err := NewConfig(host, port, append(append([]Option{}, r.opts...), opts...)...)
	if err != nil {
		return nil, err
	}

	p, _ := r.pipes.LoadOrCompute(cfg.Address(), func() *Pipe {
		return New(cfg)
	})

	// a pipe closed directly by its user is replaced
	if p.IsClosed() {
		p, _ = r.pipes.Compute(cfg.Address(), func(old *Pipe, loaded bool) (*Pipe, bool) {
			if loaded && !old.IsClosed() {
				return old, false
			}
			return New(cfg), false
		})
	}

	return p, nil
}

// Remove closes and forgets the pipe for address.
func (r *Registry) Remove(address string) error {
	p, ok := r.pipes.LoadAndDelete(address)
	if !ok {
		return nil
	}

	return p.Close()
}

// Len returns the number of registered pipes.
func (r *Registry) Len() int {
	return r.pipes.Size()
}

// Range calls fn for each registered pipe until fn returns false.
func (r *Registry) Range(fn func(address string, p *Pipe) bool) {
	r.pipes.Range(fn)
}

// CloseAll closes and forgets every pipe.
func (r *Registry) CloseAll() error {
	var errs []error
	r.pipes.Range(func(address string, p *Pipe) bool {
		r.pipes.Delete(address)
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
		return true
	})

	return errors.Join(errs...)
}
