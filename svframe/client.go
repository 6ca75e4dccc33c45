package svframe

import (
	"context"
	"errors"
	"fmt"

	"github.com/arloliu/go-devcomm/pipe"
	"github.com/arloliu/go-devcomm/transport"
)

// ErrLoginRejected is returned by Login when the peer refuses the account.
var ErrLoginRejected = errors.New("svframe: login rejected")

// Login result codes carried by OpLoginResult.
const (
	LoginOK       int64 = 0
	LoginRejected int64 = 1
)

// Client runs control exchanges over a pipe. Each call holds the pipe's gate for its whole
// request/response sequence.
type Client struct {
	pipe  *pipe.Pipe
	token Token
}

// NewClient creates a client for p.
func NewClient(p *pipe.Pipe, token Token) *Client {
	return &Client{pipe: p, token: token}
}

// Do runs fn with a session on the pipe's connection.
func (c *Client) Do(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	return c.pipe.Do(ctx, func(ctx context.Context, conn *transport.Conn) error {
		return fn(ctx, NewSession(conn, c.token, c.pipe.Config().ReadOptions()))
	})
}

// Call sends one frame and returns the peer's reply frame.
func (c *Client) Call(ctx context.Context, opcode uint32, payload []byte) (Frame, error) {
	var reply Frame
	err := c.Do(ctx, func(ctx context.Context, s *Session) error {
		if err := s.Send(ctx, opcode, s.Correlation, payload); err != nil {
			return err
		}

		var err error
		reply, err = s.Receive(ctx)

		return err
	})

	return reply, err
}

// CallString sends a string and returns the peer's string reply.
func (c *Client) CallString(ctx context.Context, str string) (string, error) {
	var reply string
	err := c.Do(ctx, func(ctx context.Context, s *Session) error {
		if err := s.SendString(ctx, str); err != nil {
			return err
		}

		var err error
		reply, err = s.ReceiveString(ctx)

		return err
	})

	return reply, err
}

// Login performs the account check on conn.
func Login(ctx context.Context, conn *transport.Conn, token Token, account, password string) error {
	s := NewSession(conn, token, defaultReadOptions)

	if err := s.Send(ctx, OpLogin, 0, EncodeStringArray([]string{account, password})); err != nil {
		return err
	}

	f, err := s.ReceiveOp(ctx, OpLoginResult)
	if err != nil {
		return err
	}

	code, err := decodeInt64(f.Payload)
	if err != nil {
		return err
	}
	if code != LoginOK {
		return fmt.Errorf("%w: account %q, code %d", ErrLoginRejected, account, code)
	}

	return nil
}

// LoginHook returns a pipe init hook that logs in on every new connection.
func LoginHook(token Token, account, password string) pipe.Hook {
	return func(ctx context.Context, conn *transport.Conn) error {
		return Login(ctx, conn, token, account, password)
	}
}

// VerifyLogin is the server side of Login. check decides whether the account is accepted;
// a rejected login is answered and reported as ErrLoginRejected.
func VerifyLogin(ctx context.Context, conn *transport.Conn, token Token, check func(account, password string) bool) (string, error) {
	s := NewSession(conn, token, defaultReadOptions)

	f, err := s.ReceiveOp(ctx, OpLogin)
	if err != nil {
		return "", err
	}

	creds, err := DecodeStringArray(f.Payload)
	if err != nil {
		return "", err
	}
	if len(creds) != 2 {
		return "", fmt.Errorf("%w: login carries %d fields", ErrMalformedPayload, len(creds))
	}

	code := LoginRejected
	if check(creds[0], creds[1]) {
		code = LoginOK
	}

	if err := s.Send(ctx, OpLoginResult, f.Correlation, encodeInt64(code)); err != nil {
		return creds[0], err
	}

	if code != LoginOK {
		return creds[0], fmt.Errorf("%w: account %q", ErrLoginRejected, creds[0])
	}

	return creds[0], nil
}
