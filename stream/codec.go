package stream

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/arloliu/go-devcomm/exchange"
	"github.com/arloliu/go-devcomm/framing"
	"github.com/arloliu/go-devcomm/internal/idgen"
	"github.com/arloliu/go-devcomm/svframe"
)

// Codec frames the chunks and acknowledgements of a transfer.
type Codec interface {
	// Packer wraps a chunk on the sending side and extracts the 8-byte acknowledged count
	// from the receiver's reply.
	Packer() exchange.Packer
	// Framer reads one chunk or acknowledgement message.
	Framer() framing.Framer
	// DecodeChunk extracts the chunk bytes from a received chunk message.
	DecodeChunk(msg []byte) ([]byte, error)
	// EncodeAck builds the acknowledgement for chunkMsg.
	EncodeAck(chunkMsg []byte, received uint64) ([]byte, error)
}

// SVCodec carries chunks in self-verifying frames.
type SVCodec struct {
	token  svframe.Token
	packer *svframe.Packer
}

var _ Codec = (*SVCodec)(nil)

// NewSVCodec creates a codec for token.
func NewSVCodec(token svframe.Token) *SVCodec {
	return &SVCodec{token: token, packer: svframe.NewPacker(svframe.OpStreamChunk, token)}
}

func (c *SVCodec) Packer() exchange.Packer { return c.packer }

func (c *SVCodec) Framer() framing.Framer { return svframe.NewFramer(c.token) }

func (c *SVCodec) DecodeChunk(msg []byte) ([]byte, error) {
	f, err := svframe.Unmarshal(msg)
	if err != nil {
		return nil, err
	}

	if f.Token != c.token {
		return nil, fmt.Errorf("%w: chunk carries %s", svframe.ErrTokenCheckFailed, f.Token)
	}
	if f.Opcode != svframe.OpStreamChunk {
		return nil, fmt.Errorf("%w: 0x%08x is not a stream chunk", svframe.ErrUnexpectedOpcode, f.Opcode)
	}

	return f.Payload, nil
}

func (c *SVCodec) EncodeAck(chunkMsg []byte, received uint64) ([]byte, error) {
	h, err := svframe.ParseHead(chunkMsg)
	if err != nil {
		return nil, err
	}

	return svframe.Frame{
		Opcode:      svframe.OpStreamAck,
		Correlation: h.Correlation,
		Token:       c.token,
		Payload:     binary.LittleEndian.AppendUint64(nil, received),
	}.Marshal(), nil
}

// MQTTCodec carries chunks in QoS 1 PUBLISH packets on Topic. The receiver answers each
// with a PUBACK holding the packet id followed by the 8-byte little-endian received count.
type MQTTCodec struct {
	Topic string

	packetIDs idgen.Generator
}

var _ Codec = (*MQTTCodec)(nil)

// NewMQTTCodec creates a codec publishing on topic.
func NewMQTTCodec(topic string) *MQTTCodec {
	c := &MQTTCodec{Topic: topic}
	c.packetIDs.Seed()

	return c
}

func (c *MQTTCodec) Packer() exchange.Packer { return mqttPacker{c} }

func (c *MQTTCodec) Framer() framing.Framer { return mqttFramer{} }

func (c *MQTTCodec) DecodeChunk(msg []byte) ([]byte, error) {
	header, body, err := splitMQTT(msg)
	if err != nil {
		return nil, err
	}
	if header>>4 != framing.MQTTPublish {
		return nil, fmt.Errorf("%w: mqtt packet type %d is not PUBLISH", framing.ErrDecode, header>>4)
	}

	topic, rest, err := readMQTTString(body)
	if err != nil {
		return nil, err
	}
	if topic != c.Topic {
		return nil, fmt.Errorf("%w: chunk published on %q, want %q", framing.ErrDecode, topic, c.Topic)
	}
	if len(rest) < 2 {
		return nil, fmt.Errorf("%w: PUBLISH without packet id", framing.ErrDecode)
	}

	return rest[2:], nil
}

func (c *MQTTCodec) EncodeAck(chunkMsg []byte, received uint64) ([]byte, error) {
	pid, err := publishPacketID(chunkMsg)
	if err != nil {
		return nil, err
	}

	body := binary.BigEndian.AppendUint16(nil, pid)
	body = binary.LittleEndian.AppendUint64(body, received)

	return framing.EncodeMQTTPacket(framing.MQTTPubAck<<4, body)
}

type mqttPacker struct {
	c *MQTTCodec
}

func (p mqttPacker) Pack(chunk []byte) ([]byte, error) {
	if len(p.c.Topic) > 0xffff {
		return nil, fmt.Errorf("mqtt topic of %d bytes is too long", len(p.c.Topic))
	}

	body := make([]byte, 0, 2+len(p.c.Topic)+2+len(chunk))
	body = binary.BigEndian.AppendUint16(body, uint16(len(p.c.Topic))) //nolint:gosec
	body = append(body, p.c.Topic...)
	body = binary.BigEndian.AppendUint16(body, p.c.packetIDs.Next16())
	body = append(body, chunk...)

	// QoS 1
	return framing.EncodeMQTTPacket(framing.MQTTPublish<<4|0x02, body)
}

func (p mqttPacker) Unpack(_, resp []byte) ([]byte, error) {
	header, body, err := splitMQTT(resp)
	if err != nil {
		return nil, err
	}
	if header>>4 != framing.MQTTPubAck || len(body) < 2 {
		return nil, fmt.Errorf("%w: expected PUBACK, got packet type %d", framing.ErrDecode, header>>4)
	}

	return body[2:], nil
}

// mqttFramer reads MQTT packets and pairs a PUBACK with its PUBLISH by packet id.
type mqttFramer struct {
	framing.MQTT
}

func (mqttFramer) CheckHead(msg, sent []byte) bool {
	want, err := publishPacketID(sent)
	if err != nil {
		return false
	}

	_, body, err := splitMQTT(msg)
	if err != nil || len(body) < 2 {
		return false
	}

	return binary.BigEndian.Uint16(body[:2]) == want
}

// splitMQTT splits a raw packet into its fixed header byte and body.
func splitMQTT(msg []byte) (byte, []byte, error) {
	if len(msg) < 2 {
		return 0, nil, fmt.Errorf("%w: mqtt packet of %d bytes", framing.ErrDecode, len(msg))
	}

	remaining, n, err := framing.DecodeRemainingLength(bytes.NewReader(msg[1:]))
	if err != nil {
		return 0, nil, err
	}

	body := msg[1+n:]
	if len(body) != remaining {
		return 0, nil, fmt.Errorf("%w: mqtt remaining length %d, packet carries %d", framing.ErrDecode, remaining, len(body))
	}

	return msg[0], body, nil
}

func readMQTTString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("%w: truncated mqtt string", framing.ErrDecode)
	}

	n := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+n {
		return "", nil, fmt.Errorf("%w: truncated mqtt string", framing.ErrDecode)
	}

	return string(b[2 : 2+n]), b[2+n:], nil
}

func publishPacketID(msg []byte) (uint16, error) {
	_, body, err := splitMQTT(msg)
	if err != nil {
		return 0, err
	}

	_, rest, err := readMQTTString(body)
	if err != nil {
		return 0, err
	}
	if len(rest) < 2 {
		return 0, fmt.Errorf("%w: PUBLISH without packet id", framing.ErrDecode)
	}

	return binary.BigEndian.Uint16(rest), nil
}
