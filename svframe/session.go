package svframe

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf16"

	"github.com/arloliu/go-devcomm/framing"
	"github.com/arloliu/go-devcomm/transport"
)

// defaultReadOptions bounds control frames exchanged outside a pipe's configuration.
var defaultReadOptions = framing.ReadOptions{MaxContentLength: 1 << 20}

// Session runs acknowledged frame exchanges on one connection.
//
// A failed check moves the session to Aborted and closes the connection; a pipe that owns
// the connection will reconnect on its next exchange.
//
// Session is NOT goroutine-safe.
type Session struct {
	conn  *transport.Conn
	token Token
	opts  framing.ReadOptions
	state State

	// Correlation is written into every frame sent by the typed helpers.
	Correlation uint32
}

// NewSession creates a session for conn. opts bounds the payload of received frames.
func NewSession(conn *transport.Conn, token Token, opts framing.ReadOptions) *Session {
	return &Session{conn: conn, token: token, opts: opts}
}

// State returns the state of the last frame exchange.
func (s *Session) State() State { return s.state }

// Token returns the session token.
func (s *Session) Token() Token { return s.token }

// Send writes one frame and waits for its acknowledgement.
func (s *Session) Send(ctx context.Context, opcode, correlation uint32, payload []byte) error {
	s.state = Idle

	msg := Frame{Opcode: opcode, Correlation: correlation, Token: s.token, Payload: payload}.Marshal()
	if err := s.conn.WriteAll(ctx, msg); err != nil {
		return s.abort(fmt.Errorf("send frame: %w", err))
	}
	s.state = Sent

	s.state = AwaitingAck
	var ack [AckLength]byte
	if err := s.conn.ReadFull(ctx, ack[:]); err != nil {
		return s.abort(fmt.Errorf("read ack: %w", err))
	}

	if got, want := binary.LittleEndian.Uint64(ack[:]), uint64(len(msg)); got != want {
		return s.abort(fmt.Errorf("%w: sent %d bytes, peer acknowledged %d", ErrLengthCheckFailed, want, got))
	}
	s.state = Verified

	return nil
}

// Receive reads one frame, verifies its token and acknowledges it.
func (s *Session) Receive(ctx context.Context) (Frame, error) {
	s.state = Idle

	var msg []byte
	err := s.conn.ReadWith(ctx, func(r transport.Reader) error {
		head := make([]byte, HeadLength)
		if _, err := io.ReadFull(r, head); err != nil {
			return fmt.Errorf("read head: %w", err)
		}

		h, _ := ParseHead(head)
		if h.Token != s.token {
			return fmt.Errorf("%w: got %s", ErrTokenCheckFailed, h.Token)
		}
		if err := s.opts.CheckSize(int(h.Length)); err != nil {
			return err
		}

		msg = make([]byte, HeadLength+int(h.Length))
		copy(msg, head)
		if _, err := io.ReadFull(r, msg[HeadLength:]); err != nil {
			return fmt.Errorf("read payload: %w", err)
		}

		return nil
	})
	if err != nil {
		return Frame{}, s.abort(err)
	}

	frame, err := Unmarshal(msg)
	if err != nil {
		return Frame{}, s.abort(err)
	}

	var ack [AckLength]byte
	binary.LittleEndian.PutUint64(ack[:], uint64(len(msg)))
	if err := s.conn.WriteAll(ctx, ack[:]); err != nil {
		return Frame{}, s.abort(fmt.Errorf("send ack: %w", err))
	}
	s.state = Verified

	return frame, nil
}

// ReceiveOp receives one frame and checks its opcode.
func (s *Session) ReceiveOp(ctx context.Context, opcode uint32) (Frame, error) {
	f, err := s.Receive(ctx)
	if err != nil {
		return Frame{}, err
	}

	if f.Opcode != opcode {
		return Frame{}, s.abort(fmt.Errorf("%w: want 0x%08x, got 0x%08x", ErrUnexpectedOpcode, opcode, f.Opcode))
	}

	return f, nil
}

func (s *Session) abort(err error) error {
	s.state = Aborted
	_ = s.conn.Abort()

	return err
}

// SendBytes sends raw bytes.
func (s *Session) SendBytes(ctx context.Context, b []byte) error {
	return s.Send(ctx, OpBytes, s.Correlation, b)
}

// ReceiveBytes receives raw bytes.
func (s *Session) ReceiveBytes(ctx context.Context) ([]byte, error) {
	f, err := s.ReceiveOp(ctx, OpBytes)
	if err != nil {
		return nil, err
	}

	return f.Payload, nil
}

// SendString sends s as UTF-16LE.
func (s *Session) SendString(ctx context.Context, str string) error {
	return s.Send(ctx, OpString, s.Correlation, EncodeString(str))
}

// ReceiveString receives a UTF-16LE string.
func (s *Session) ReceiveString(ctx context.Context) (string, error) {
	f, err := s.ReceiveOp(ctx, OpString)
	if err != nil {
		return "", err
	}

	return DecodeString(f.Payload)
}

// SendStringArray sends a count followed by length-prefixed UTF-16LE strings.
func (s *Session) SendStringArray(ctx context.Context, items []string) error {
	return s.Send(ctx, OpStringArray, s.Correlation, EncodeStringArray(items))
}

// ReceiveStringArray receives a string array.
func (s *Session) ReceiveStringArray(ctx context.Context) ([]string, error) {
	f, err := s.ReceiveOp(ctx, OpStringArray)
	if err != nil {
		return nil, err
	}

	return DecodeStringArray(f.Payload)
}

// SendInt64 sends v as 8 little-endian bytes.
func (s *Session) SendInt64(ctx context.Context, v int64) error {
	return s.Send(ctx, OpInt64, s.Correlation, encodeInt64(v))
}

// ReceiveInt64 receives an int64.
func (s *Session) ReceiveInt64(ctx context.Context) (int64, error) {
	f, err := s.ReceiveOp(ctx, OpInt64)
	if err != nil {
		return 0, err
	}

	return decodeInt64(f.Payload)
}

func encodeInt64(v int64) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(v)) //nolint:gosec
}

func decodeInt64(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: int64 payload of %d bytes", ErrMalformedPayload, len(b))
	}

	return int64(binary.LittleEndian.Uint64(b)), nil //nolint:gosec
}

// EncodeString encodes s as UTF-16LE without terminator.
func EncodeString(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[2*i:], u)
	}

	return out
}

// DecodeString decodes UTF-16LE bytes.
func DecodeString(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("%w: odd UTF-16 length %d", ErrMalformedPayload, len(b))
	}

	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[2*i:])
	}

	return string(utf16.Decode(units)), nil
}

// EncodeStringArray encodes a 4-byte count, then a 4-byte byte length and UTF-16LE bytes
// per item, all little-endian.
func EncodeStringArray(items []string) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(items))) //nolint:gosec
	for _, item := range items {
		enc := EncodeString(item)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(enc))) //nolint:gosec
		out = append(out, enc...)
	}

	return out
}

// DecodeStringArray decodes the EncodeStringArray format.
func DecodeStringArray(b []byte) ([]string, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: string array without count", ErrMalformedPayload)
	}

	count := binary.LittleEndian.Uint32(b)
	b = b[4:]
	// every item needs at least its 4-byte length
	if uint64(count)*4 > uint64(len(b)) {
		return nil, fmt.Errorf("%w: string array count %d exceeds payload", ErrMalformedPayload, count)
	}

	items := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(b) < 4 {
			return nil, fmt.Errorf("%w: item %d: %w", ErrMalformedPayload, i, io.ErrUnexpectedEOF)
		}
		n := binary.LittleEndian.Uint32(b)
		b = b[4:]
		if uint64(n) > uint64(len(b)) {
			return nil, fmt.Errorf("%w: item %d: %w", ErrMalformedPayload, i, io.ErrUnexpectedEOF)
		}

		s, err := DecodeString(b[:n])
		if err != nil {
			return nil, err
		}
		items = append(items, s)
		b = b[n:]
	}

	return items, nil
}
