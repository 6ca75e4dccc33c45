package framing

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrSizeExceeded is returned when a head announces more content than ReadOptions.MaxContentLength.
	ErrSizeExceeded = errors.New("framing: content length exceeds the configured maximum")

	// ErrDecode is returned for a malformed WebSocket, MQTT or RESP head.
	ErrDecode = errors.New("framing: malformed frame")

	// ErrInvalidDescriptor is returned when a Descriptor places its fields outside the head.
	ErrInvalidDescriptor = errors.New("framing: invalid descriptor")
)

const (
	// DefaultMaxContentLength is the content cap applied when ReadOptions leaves it unset.
	DefaultMaxContentLength = 256 << 20

	// DefaultProgressChunk is the read granularity used to report progress on large payloads.
	DefaultProgressChunk = 64 << 10

	// DefaultSimpleBufferSize is the single read size of the Simple framer.
	DefaultSimpleBufferSize = 2048
)

// Kind tags a framing strategy.
type Kind uint8

const (
	KindSimple Kind = iota
	KindLengthPrefixed
	KindWebSocket
	KindMQTT
	KindRedis
	KindSelfVerifying
)

func (k Kind) String() string {
	switch k {
	case KindSimple:
		return "simple"
	case KindLengthPrefixed:
		return "length-prefixed"
	case KindWebSocket:
		return "websocket"
	case KindMQTT:
		return "mqtt"
	case KindRedis:
		return "redis"
	case KindSelfVerifying:
		return "self-verifying"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Reader is the byte source a Framer reads from.
type Reader interface {
	io.Reader
	io.ByteReader
}

// ReadOptions tunes a single ReadMessage call.
type ReadOptions struct {
	// MaxContentLength caps the content bytes of one message. Zero selects DefaultMaxContentLength.
	MaxContentLength int
	// Progress, if set, is called with (bytes read, total) while reading content that spans
	// more than one ProgressChunk.
	Progress func(read, total int)
	// ProgressChunk is the read granularity for progress reporting. Zero selects DefaultProgressChunk.
	ProgressChunk int
}

func (o ReadOptions) maxContent() int {
	if o.MaxContentLength <= 0 {
		return DefaultMaxContentLength
	}

	return o.MaxContentLength
}

func (o ReadOptions) chunk() int {
	if o.ProgressChunk <= 0 {
		return DefaultProgressChunk
	}

	return o.ProgressChunk
}

// CheckSize fails with ErrSizeExceeded when n is above the cap.
func (o ReadOptions) CheckSize(n int) error {
	if limit := o.maxContent(); n > limit {
		return fmt.Errorf("%w: %d > %d", ErrSizeExceeded, n, limit)
	}

	return nil
}

// Framer reads exactly one message from r.
type Framer interface {
	Kind() Kind
	ReadMessage(r Reader, opts ReadOptions) ([]byte, error)
}

// Descriptor is the contract of a fixed-header protocol.
type Descriptor interface {
	Kind() Kind
	// HeadLength is the number of bytes needed before the content length is known.
	HeadLength() int
	// ContentLength maps a complete head to the number of bytes that follow it.
	// Zero or negative means the head is the whole message.
	ContentLength(head []byte) int
}

// HeadChecker validates a received message against the request that produced it, usually
// by comparing a correlation field. msg always starts with the complete head.
type HeadChecker interface {
	CheckHead(msg, sent []byte) bool
}

// HeadFramer reads messages described by a Descriptor.
type HeadFramer struct {
	Descriptor Descriptor
}

var (
	_ Framer      = HeadFramer{}
	_ HeadChecker = HeadFramer{}
)

// NewHeadFramer returns a Framer for d.
func NewHeadFramer(d Descriptor) HeadFramer {
	return HeadFramer{Descriptor: d}
}

func (f HeadFramer) Kind() Kind {
	return f.Descriptor.Kind()
}

// ReadMessage reads the head, then the content announced by it, and returns head and
// content as one slice.
func (f HeadFramer) ReadMessage(r Reader, opts ReadOptions) ([]byte, error) {
	if v, ok := f.Descriptor.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}

	headLen := f.Descriptor.HeadLength()
	if headLen <= 0 {
		return nil, fmt.Errorf("%w: head length %d", ErrInvalidDescriptor, headLen)
	}

	head := make([]byte, headLen)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("read head: %w", err)
	}

	contentLen := f.Descriptor.ContentLength(head)
	if contentLen <= 0 {
		return head, nil
	}

	if err := opts.CheckSize(contentLen); err != nil {
		return nil, err
	}

	msg := make([]byte, headLen+contentLen)
	copy(msg, head)

	if err := readContent(r, msg[headLen:], opts); err != nil {
		return nil, err
	}

	return msg, nil
}

// CheckHead delegates to the descriptor when it is a HeadChecker, and accepts otherwise.
func (f HeadFramer) CheckHead(msg, sent []byte) bool {
	if hc, ok := f.Descriptor.(HeadChecker); ok {
		return hc.CheckHead(msg, sent)
	}

	return true
}

// readContent fills dst, reporting progress when dst spans more than one chunk.
func readContent(r io.Reader, dst []byte, opts ReadOptions) error {
	total := len(dst)
	chunk := opts.chunk()

	if opts.Progress == nil || total <= chunk {
		if _, err := io.ReadFull(r, dst); err != nil {
			return fmt.Errorf("read content: %w", err)
		}
		return nil
	}

	for read := 0; read < total; {
		end := min(read+chunk, total)
		if _, err := io.ReadFull(r, dst[read:end]); err != nil {
			return fmt.Errorf("read content at %d/%d: %w", read, total, err)
		}
		read = end
		opts.Progress(read, total)
	}

	return nil
}

// Simple is the no-framing fallback: one read of whatever is available, up to BufferSize bytes.
type Simple struct {
	BufferSize int
}

var _ Framer = Simple{}

func (Simple) Kind() Kind { return KindSimple }

func (s Simple) ReadMessage(r Reader, _ ReadOptions) ([]byte, error) {
	size := s.BufferSize
	if size <= 0 {
		size = DefaultSimpleBufferSize
	}

	buf := make([]byte, size)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}
