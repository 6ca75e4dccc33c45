package svframe

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// HeadLength is the size of a frame head.
	HeadLength = 32
	// AckLength is the size of an acknowledgement.
	AckLength = 8
	// TokenLength is the size of the token region.
	TokenLength = 16

	obfuscationKey byte = 0xB5
)

// Opcodes used by the helpers of this package.
const (
	OpBytes       uint32 = 0x0000_1001
	OpString      uint32 = 0x0000_1002
	OpStringArray uint32 = 0x0000_1003
	OpInt64       uint32 = 0x0000_1004
	OpLogin       uint32 = 0x0000_2001
	OpLoginResult uint32 = 0x0000_2002
	OpStreamChunk uint32 = 0x0000_3001
	OpStreamAck   uint32 = 0x0000_3002
)

var (
	// ErrLengthCheckFailed is returned when an acknowledgement does not match the bytes sent.
	ErrLengthCheckFailed = errors.New("svframe: acknowledged length does not match")

	// ErrTokenCheckFailed is returned when a received head carries a foreign token.
	ErrTokenCheckFailed = errors.New("svframe: token check failed")

	// ErrUnexpectedOpcode is returned when a typed receive gets a frame of another kind.
	ErrUnexpectedOpcode = errors.New("svframe: unexpected opcode")

	// ErrMalformedPayload is returned when a typed payload cannot be decoded.
	ErrMalformedPayload = errors.New("svframe: malformed payload")
)

// Token identifies the peers of a control session.
type Token [TokenLength]byte

// NewToken returns a random token.
func NewToken() (Token, error) {
	var t Token
	_, err := rand.Read(t[:])

	return t, err
}

// ParseToken parses 32 hex digits, dashes allowed (GUID form).
func ParseToken(s string) (Token, error) {
	var t Token

	raw, err := hex.DecodeString(strings.ReplaceAll(s, "-", ""))
	if err != nil {
		return t, fmt.Errorf("svframe: parse token: %w", err)
	}
	if len(raw) != TokenLength {
		return t, fmt.Errorf("svframe: token must be %d bytes, got %d", TokenLength, len(raw))
	}
	copy(t[:], raw)

	return t, nil
}

// String returns the token in GUID form.
func (t Token) String() string {
	h := hex.EncodeToString(t[:])
	return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
}

// Head is a decoded frame head.
type Head struct {
	Opcode      uint32
	Correlation uint32
	Token       Token
	Length      uint32
}

// ParseHead decodes a 32-byte head.
func ParseHead(b []byte) (Head, error) {
	if len(b) < HeadLength {
		return Head{}, fmt.Errorf("svframe: head needs %d bytes, got %d", HeadLength, len(b))
	}

	h := Head{
		Opcode:      binary.LittleEndian.Uint32(b[0:4]),
		Correlation: binary.LittleEndian.Uint32(b[4:8]),
		Length:      binary.LittleEndian.Uint32(b[28:32]),
	}
	copy(h.Token[:], b[8:24])

	return h, nil
}

// Put encodes h into the first 32 bytes of b.
func (h Head) Put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.Opcode)
	binary.LittleEndian.PutUint32(b[4:8], h.Correlation)
	copy(b[8:24], h.Token[:])
	clear(b[24:28])
	binary.LittleEndian.PutUint32(b[28:32], h.Length)
}

// Frame is one control message.
type Frame struct {
	Opcode      uint32
	Correlation uint32
	Token       Token
	Payload     []byte
}

// Marshal returns head and obfuscated payload. f.Payload is not modified.
func (f Frame) Marshal() []byte {
	out := make([]byte, HeadLength+len(f.Payload))
	Head{
		Opcode:      f.Opcode,
		Correlation: f.Correlation,
		Token:       f.Token,
		Length:      uint32(len(f.Payload)), //nolint:gosec // payloads are bounded by the read cap
	}.Put(out)

	copy(out[HeadLength:], f.Payload)
	Obfuscate(out[HeadLength:], f.Token)

	return out
}

// Unmarshal decodes a complete frame (head and obfuscated payload).
func Unmarshal(msg []byte) (Frame, error) {
	h, err := ParseHead(msg)
	if err != nil {
		return Frame{}, err
	}

	if int(h.Length) != len(msg)-HeadLength {
		return Frame{}, fmt.Errorf("%w: head announces %d bytes, frame carries %d",
			ErrMalformedPayload, h.Length, len(msg)-HeadLength)
	}

	payload := append([]byte(nil), msg[HeadLength:]...)
	Obfuscate(payload, h.Token)

	return Frame{Opcode: h.Opcode, Correlation: h.Correlation, Token: h.Token, Payload: payload}, nil
}

// Obfuscate XORs payload in place with the token and a fixed key. Applying it twice
// restores the payload.
func Obfuscate(payload []byte, token Token) {
	for i := range payload {
		payload[i] ^= token[i%TokenLength] ^ obfuscationKey
	}
}

// State is the progress of one frame exchange.
type State uint8

const (
	Idle State = iota
	Sent
	AwaitingAck
	Verified
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sent:
		return "sent"
	case AwaitingAck:
		return "awaiting-ack"
	case Verified:
		return "verified"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}
