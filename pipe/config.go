package pipe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/arloliu/go-devcomm/framing"
	"github.com/arloliu/go-devcomm/logger"
	"github.com/arloliu/go-devcomm/transport"
)

// Mode selects whether the connection handle outlives a single exchange.
type Mode uint8

const (
	// Persistent keeps the handle open across exchanges until an error or Close.
	Persistent Mode = iota
	// Transient opens a fresh handle for every exchange and closes it afterwards.
	Transient
)

func (m Mode) String() string {
	switch m {
	case Persistent:
		return "persistent"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Hook runs protocol specific logic on a freshly connected or about to be closed handle,
// e.g. a login exchange or a goodbye message.
type Hook func(ctx context.Context, conn *transport.Conn) error

// Config holds the settings of a Pipe. It is immutable once the Pipe is created.
type Config struct {
	// host is the remote host, or a device path when a serial dialer is used.
	host string
	// port is the remote TCP port. Zero means the address is host alone.
	port int

	// mode defaults to Persistent.
	mode Mode

	// connectTimeout bounds dialing plus the init hook. It should be between 0 and 120 seconds.
	// Defaults to 3 seconds.
	connectTimeout time.Duration
	// receiveTimeout bounds receiving one complete message. Negative selects fire-and-forget,
	// zero waits without a deadline.
	// Defaults to 5 seconds.
	receiveTimeout time.Duration
	// writeTimeout bounds writing one request. Zero disables it.
	// Defaults to 5 seconds.
	writeTimeout time.Duration
	// sleepBeforeReceive is a settle time between sending and receiving. Defaults to 0.
	sleepBeforeReceive time.Duration
	// closeTimeout bounds how long Close waits for an in-flight exchange before forcing the
	// handle closed. Defaults to 3 seconds.
	closeTimeout time.Duration

	// localAddr is the optional local bind address for TCP.
	localAddr string

	// maxContentLength caps the content of one received message.
	// Defaults to framing.DefaultMaxContentLength.
	maxContentLength int

	dialer         transport.Dialer
	initHook       Hook
	disconnectHook Hook

	breaker *breakerSettings

	logger logger.Logger
}

// NewConfig creates a pipe configuration for host and port, applying opts in order.
func NewConfig(host string, port int, opts ...Option) (*Config, error) {
	cfg := &Config{
		host:             host,
		port:             port,
		mode:             Persistent,
		connectTimeout:   3 * time.Second,
		receiveTimeout:   5 * time.Second,
		writeTimeout:     5 * time.Second,
		closeTimeout:     3 * time.Second,
		maxContentLength: framing.DefaultMaxContentLength,
		logger:           logger.GetLogger(),
	}

	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrInvalidConfig)
	}

	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, port)
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.dialer == nil {
		cfg.dialer = &transport.TCPDialer{LocalAddr: cfg.localAddr}
	}

	if _, isTCP := cfg.dialer.(*transport.TCPDialer); isTCP && port == 0 {
		return nil, fmt.Errorf("%w: TCP pipe needs a port", ErrInvalidConfig)
	}

	return cfg, nil
}

// Address returns the dial address: "host:port", or host alone when port is zero.
func (cfg *Config) Address() string {
	if cfg.port == 0 {
		return cfg.host
	}

	return net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port))
}

func (cfg *Config) Host() string                      { return cfg.host }
func (cfg *Config) Port() int                         { return cfg.port }
func (cfg *Config) Mode() Mode                        { return cfg.mode }
func (cfg *Config) ConnectTimeout() time.Duration     { return cfg.connectTimeout }
func (cfg *Config) ReceiveTimeout() time.Duration     { return cfg.receiveTimeout }
func (cfg *Config) WriteTimeout() time.Duration       { return cfg.writeTimeout }
func (cfg *Config) SleepBeforeReceive() time.Duration { return cfg.sleepBeforeReceive }
func (cfg *Config) MaxContentLength() int             { return cfg.maxContentLength }
func (cfg *Config) Logger() logger.Logger             { return cfg.logger }

// ReadOptions returns the framing options matching this configuration.
func (cfg *Config) ReadOptions() framing.ReadOptions {
	return framing.ReadOptions{MaxContentLength: cfg.maxContentLength}
}

// Option represents a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc struct {
	name      string
	applyFunc func(*Config) error
}

func (o *optFunc) apply(cfg *Config) error {
	if err := o.applyFunc(cfg); err != nil {
		return fmt.Errorf("%s: %w", o.name, err)
	}

	return nil
}

func newOptFunc(name string, f func(*Config) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

// WithPersistent keeps the handle open across exchanges.
func WithPersistent() Option {
	return newOptFunc("WithPersistent", func(cfg *Config) error {
		cfg.mode = Persistent
		return nil
	})
}

// WithTransient opens and closes a handle for every exchange.
func WithTransient() Option {
	return newOptFunc("WithTransient", func(cfg *Config) error {
		cfg.mode = Transient
		return nil
	})
}

// WithConnectTimeout sets the connect timeout. It should be between 0 and 120 seconds;
// zero leaves dialing bounded only by the caller's context.
func WithConnectTimeout(d time.Duration) Option {
	return newOptFunc("WithConnectTimeout", func(cfg *Config) error {
		if d < 0 || d > 120*time.Second {
			return fmt.Errorf("%w: connect timeout %s out of range [0, 120s]", ErrInvalidConfig, d)
		}
		cfg.connectTimeout = d

		return nil
	})
}

// WithReceiveTimeout sets the receive timeout. A negative value selects fire-and-forget:
// exchanges return right after the request is written.
func WithReceiveTimeout(d time.Duration) Option {
	return newOptFunc("WithReceiveTimeout", func(cfg *Config) error {
		if d > time.Hour {
			return fmt.Errorf("%w: receive timeout %s longer than 1h", ErrInvalidConfig, d)
		}
		cfg.receiveTimeout = d

		return nil
	})
}

// WithWriteTimeout sets the write timeout. Zero disables it.
func WithWriteTimeout(d time.Duration) Option {
	return newOptFunc("WithWriteTimeout", func(cfg *Config) error {
		if d < 0 {
			return fmt.Errorf("%w: negative write timeout", ErrInvalidConfig)
		}
		cfg.writeTimeout = d

		return nil
	})
}

// WithSleepBeforeReceive sets a settle time between writing a request and reading the reply.
func WithSleepBeforeReceive(d time.Duration) Option {
	return newOptFunc("WithSleepBeforeReceive", func(cfg *Config) error {
		if d < 0 || d > time.Minute {
			return fmt.Errorf("%w: sleep before receive %s out of range [0, 1m]", ErrInvalidConfig, d)
		}
		cfg.sleepBeforeReceive = d

		return nil
	})
}

// WithCloseTimeout sets how long Close waits for an in-flight exchange.
func WithCloseTimeout(d time.Duration) Option {
	return newOptFunc("WithCloseTimeout", func(cfg *Config) error {
		if d <= 0 || d > 30*time.Second {
			return fmt.Errorf("%w: close timeout %s out of range (0, 30s]", ErrInvalidConfig, d)
		}
		cfg.closeTimeout = d

		return nil
	})
}

// WithLocalAddr binds outgoing TCP connections to addr ("ip:port", port may be 0).
// It has no effect when a custom dialer is set.
func WithLocalAddr(addr string) Option {
	return newOptFunc("WithLocalAddr", func(cfg *Config) error {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%w: local address %q: %w", ErrInvalidConfig, addr, err)
		}
		cfg.localAddr = addr

		return nil
	})
}

// WithMaxContentLength caps the content length of one received message.
func WithMaxContentLength(n int) Option {
	return newOptFunc("WithMaxContentLength", func(cfg *Config) error {
		if n <= 0 {
			return fmt.Errorf("%w: max content length must be positive", ErrInvalidConfig)
		}
		cfg.maxContentLength = n

		return nil
	})
}

// WithDialer replaces the default TCP dialer, e.g. with a transport.SerialDialer.
func WithDialer(d transport.Dialer) Option {
	return newOptFunc("WithDialer", func(cfg *Config) error {
		if d == nil {
			return fmt.Errorf("%w: nil dialer", ErrInvalidConfig)
		}
		cfg.dialer = d

		return nil
	})
}

// WithInitHook sets a hook run on every new handle before it is used, e.g. a login.
// A failing hook is reported as a connect error.
func WithInitHook(h Hook) Option {
	return newOptFunc("WithInitHook", func(cfg *Config) error {
		cfg.initHook = h
		return nil
	})
}

// WithDisconnectHook sets a hook run before a healthy handle is closed.
func WithDisconnectHook(h Hook) Option {
	return newOptFunc("WithDisconnectHook", func(cfg *Config) error {
		cfg.disconnectHook = h
		return nil
	})
}

// WithCircuitBreaker guards dialing with a circuit breaker. After it trips, connects fail
// immediately for timeout, then up to maxRequests trial requests are let through.
func WithCircuitBreaker(maxRequests uint32, interval, timeout time.Duration) Option {
	return newOptFunc("WithCircuitBreaker", func(cfg *Config) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: circuit breaker timeout must be positive", ErrInvalidConfig)
		}
		cfg.breaker = &breakerSettings{maxRequests: maxRequests, interval: interval, timeout: timeout}

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", func(cfg *Config) error {
		if l == nil {
			return fmt.Errorf("%w: nil logger", ErrInvalidConfig)
		}
		cfg.logger = l

		return nil
	})
}
