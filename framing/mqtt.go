package framing

import (
	"fmt"
	"io"
)

// MaxRemainingLength is the largest value a 4-byte MQTT remaining length can carry.
const MaxRemainingLength = 268_435_455

// MQTT control packet types (MQTT 3.1.1 §2.2.1).
const (
	MQTTConnect    byte = 1
	MQTTConnAck    byte = 2
	MQTTPublish    byte = 3
	MQTTPubAck     byte = 4
	MQTTSubscribe  byte = 8
	MQTTSubAck     byte = 9
	MQTTPingReq    byte = 12
	MQTTPingResp   byte = 13
	MQTTDisconnect byte = 14
)

// MQTTPacket is one control packet split into its fixed header byte and body.
type MQTTPacket struct {
	Header byte
	Body   []byte
}

// Type returns the control packet type.
func (p MQTTPacket) Type() byte { return p.Header >> 4 }

// Flags returns the flag nibble of the fixed header.
func (p MQTTPacket) Flags() byte { return p.Header & 0x0f }

// MQTT reads complete MQTT control packets and returns them as they appeared on the wire.
type MQTT struct{}

var _ Framer = MQTT{}

func (MQTT) Kind() Kind { return KindMQTT }

func (MQTT) ReadMessage(r Reader, opts ReadOptions) ([]byte, error) {
	msg, _, err := readMQTT(r, opts)
	return msg, err
}

// ReadMQTTPacket reads one control packet.
func ReadMQTTPacket(r Reader, opts ReadOptions) (MQTTPacket, error) {
	raw, bodyOffset, err := readMQTT(r, opts)
	if err != nil {
		return MQTTPacket{}, err
	}

	return MQTTPacket{Header: raw[0], Body: raw[bodyOffset:]}, nil
}

// readMQTT returns the raw packet and the offset of its body.
func readMQTT(r Reader, opts ReadOptions) ([]byte, int, error) {
	header, err := r.ReadByte()
	if err != nil {
		return nil, 0, fmt.Errorf("read mqtt fixed header: %w", err)
	}

	remaining, lenBytes, err := DecodeRemainingLength(r)
	if err != nil {
		return nil, 0, err
	}

	if err := opts.CheckSize(remaining); err != nil {
		return nil, 0, err
	}

	bodyOffset := 1 + lenBytes
	msg := make([]byte, bodyOffset+remaining)
	msg[0] = header
	putRemainingLength(msg[1:bodyOffset], remaining)

	if err := readContent(r, msg[bodyOffset:], opts); err != nil {
		return nil, 0, err
	}

	return msg, bodyOffset, nil
}

// EncodeMQTTPacket serializes a control packet.
func EncodeMQTTPacket(header byte, body []byte) ([]byte, error) {
	lenBytes, err := EncodeRemainingLength(len(body))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+len(lenBytes)+len(body))
	out = append(out, header)
	out = append(out, lenBytes...)
	out = append(out, body...)

	return out, nil
}

// DecodeRemainingLength reads a 1 to 4 byte variable length integer and returns its value
// and the number of bytes consumed. A continuation bit on the fourth byte is an ErrDecode.
func DecodeRemainingLength(r io.ByteReader) (int, int, error) {
	value := 0
	multiplier := 1

	for i := 1; i <= 4; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && i > 1 {
				err = io.ErrUnexpectedEOF
			}
			return 0, 0, fmt.Errorf("read mqtt remaining length: %w", err)
		}

		value += int(b&0x7f) * multiplier
		if b&0x80 == 0 {
			return value, i, nil
		}
		multiplier *= 128
	}

	return 0, 0, fmt.Errorf("%w: mqtt remaining length longer than 4 bytes", ErrDecode)
}

// EncodeRemainingLength encodes n as a variable length integer. Values above
// MaxRemainingLength would need a fifth byte and are rejected.
func EncodeRemainingLength(n int) ([]byte, error) {
	if n < 0 || n > MaxRemainingLength {
		return nil, fmt.Errorf("%w: mqtt remaining length %d out of range [0, %d]",
			ErrSizeExceeded, n, MaxRemainingLength)
	}

	out := make([]byte, remainingLengthSize(n))
	putRemainingLength(out, n)

	return out, nil
}

func remainingLengthSize(n int) int {
	switch {
	case n < 128:
		return 1
	case n < 16_384:
		return 2
	case n < 2_097_152:
		return 3
	default:
		return 4
	}
}

// putRemainingLength writes n into dst, which must be exactly remainingLengthSize(n) long.
func putRemainingLength(dst []byte, n int) {
	for i := range dst {
		b := byte(n % 128)
		n /= 128
		if i < len(dst)-1 {
			b |= 0x80
		}
		dst[i] = b
	}
}
