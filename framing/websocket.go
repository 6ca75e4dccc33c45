package framing

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // required by RFC 6455 for Sec-WebSocket-Accept
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// WebSocket opcodes (RFC 6455 §5.2).
const (
	WSContinuation byte = 0x0
	WSText         byte = 0x1
	WSBinary       byte = 0x2
	WSClose        byte = 0x8
	WSPing         byte = 0x9
	WSPong         byte = 0xA
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// WebSocketFrame is a single frame on the wire.
type WebSocketFrame struct {
	Fin     bool
	Opcode  byte
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

// WebSocketMessage is a message reassembled from one or more frames, payload unmasked.
type WebSocketMessage struct {
	Opcode  byte
	Masked  bool
	Payload []byte
}

// WebSocket reads complete WebSocket messages and returns their unmasked payload.
type WebSocket struct {
	// OnControl, if set, receives control frames that arrive between the fragments of a
	// data message. Such frames are discarded when it is nil.
	OnControl func(frame WebSocketFrame) error
}

var _ Framer = WebSocket{}

func (WebSocket) Kind() Kind { return KindWebSocket }

func (w WebSocket) ReadMessage(r Reader, opts ReadOptions) ([]byte, error) {
	msg, err := ReadWebSocketMessageFunc(r, opts, w.OnControl)
	if err != nil {
		return nil, err
	}

	return msg.Payload, nil
}

// ReadWebSocketMessage reads frames until one with FIN set, concatenating their payloads.
// It is ReadWebSocketMessageFunc with a nil control frame handler.
func ReadWebSocketMessage(r Reader, opts ReadOptions) (WebSocketMessage, error) {
	return ReadWebSocketMessageFunc(r, opts, nil)
}

// ReadWebSocketMessageFunc reads one message.
//
// A control frame (close, ping, pong) that arrives before any data frame is returned as a
// message of its own. Control frames between the fragments of a data message are passed
// to onControl, or discarded when onControl is nil, and reading continues with the next
// fragment. The opcode of a fragmented message is the one of its first frame; the mask
// flag is taken from the last frame.
//
// A continuation frame without an opening frame, or a new data frame before the current
// message is complete, fails with ErrDecode.
func ReadWebSocketMessageFunc(r Reader, opts ReadOptions, onControl func(WebSocketFrame) error) (WebSocketMessage, error) {
	var (
		msg     WebSocketMessage
		started bool
	)

	for {
		frame, err := ReadWebSocketFrame(r, opts)
		if err != nil {
			return WebSocketMessage{}, err
		}

		switch {
		case isWebSocketControl(frame.Opcode):
			if !started {
				return WebSocketMessage{Opcode: frame.Opcode, Masked: frame.Masked, Payload: frame.Payload}, nil
			}
			if onControl != nil {
				if err := onControl(frame); err != nil {
					return WebSocketMessage{}, err
				}
			}

			continue
		case frame.Opcode == WSContinuation && !started:
			return WebSocketMessage{}, fmt.Errorf("%w: websocket continuation frame without an opening frame", ErrDecode)
		case frame.Opcode != WSContinuation && started:
			return WebSocketMessage{}, fmt.Errorf("%w: websocket data frame 0x%x inside a fragmented message",
				ErrDecode, frame.Opcode)
		}

		if err := opts.CheckSize(len(msg.Payload) + len(frame.Payload)); err != nil {
			return WebSocketMessage{}, err
		}

		if !started {
			msg.Opcode = frame.Opcode
			msg.Payload = frame.Payload
			started = true
		} else {
			msg.Payload = append(msg.Payload, frame.Payload...)
		}
		msg.Masked = frame.Masked

		if frame.Fin {
			return msg, nil
		}
	}
}

func isWebSocketControl(opcode byte) bool {
	return opcode&0x08 != 0
}

// ReadWebSocketFrame reads one frame and unmasks its payload.
func ReadWebSocketFrame(r Reader, opts ReadOptions) (WebSocketFrame, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return WebSocketFrame{}, fmt.Errorf("read websocket head: %w", err)
	}

	frame := WebSocketFrame{
		Fin:    head[0]&0x80 != 0,
		Opcode: head[0] & 0x0f,
		Masked: head[1]&0x80 != 0,
	}

	switch {
	case frame.Opcode > WSBinary && frame.Opcode < WSClose, frame.Opcode > WSPong:
		return WebSocketFrame{}, fmt.Errorf("%w: reserved websocket opcode 0x%x", ErrDecode, frame.Opcode)
	case isWebSocketControl(frame.Opcode) && !frame.Fin:
		return WebSocketFrame{}, fmt.Errorf("%w: fragmented websocket control frame", ErrDecode)
	case isWebSocketControl(frame.Opcode) && head[1]&0x7f > 125:
		return WebSocketFrame{}, fmt.Errorf("%w: websocket control frame longer than 125 bytes", ErrDecode)
	}

	var length uint64
	switch base := head[1] & 0x7f; base {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return WebSocketFrame{}, fmt.Errorf("read websocket 16-bit length: %w", err)
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return WebSocketFrame{}, fmt.Errorf("read websocket 64-bit length: %w", err)
		}
		length = binary.BigEndian.Uint64(ext[:])
		if length>>63 != 0 {
			return WebSocketFrame{}, fmt.Errorf("%w: websocket length has the most significant bit set", ErrDecode)
		}
	default:
		length = uint64(base)
	}

	if length > uint64(opts.maxContent()) {
		return WebSocketFrame{}, fmt.Errorf("%w: %d > %d", ErrSizeExceeded, length, opts.maxContent())
	}

	if frame.Masked {
		if _, err := io.ReadFull(r, frame.MaskKey[:]); err != nil {
			return WebSocketFrame{}, fmt.Errorf("read websocket mask key: %w", err)
		}
	}

	frame.Payload = make([]byte, int(length))
	if err := readContent(r, frame.Payload, opts); err != nil {
		return WebSocketFrame{}, err
	}

	if frame.Masked {
		MaskWebSocket(frame.Payload, frame.MaskKey)
	}

	return frame, nil
}

// MaskWebSocket XORs payload in place with key. Applying it twice restores the payload.
func MaskWebSocket(payload []byte, key [4]byte) {
	for i := range payload {
		payload[i] ^= key[i%4]
	}
}

// EncodeWebSocketFrame serializes f. When f.Masked is set the payload is masked with
// f.MaskKey in the output; f.Payload itself is left untouched.
func EncodeWebSocketFrame(f WebSocketFrame) []byte {
	length := len(f.Payload)

	headLen := 2
	switch {
	case length > 0xffff:
		headLen += 8
	case length > 125:
		headLen += 2
	}
	if f.Masked {
		headLen += 4
	}

	out := make([]byte, headLen+length)
	out[0] = f.Opcode & 0x0f
	if f.Fin {
		out[0] |= 0x80
	}
	if f.Masked {
		out[1] = 0x80
	}

	pos := 2
	switch {
	case length > 0xffff:
		out[1] |= 127
		binary.BigEndian.PutUint64(out[2:10], uint64(length))
		pos = 10
	case length > 125:
		out[1] |= 126
		binary.BigEndian.PutUint16(out[2:4], uint16(length))
		pos = 4
	default:
		out[1] |= byte(length)
	}

	if f.Masked {
		copy(out[pos:pos+4], f.MaskKey[:])
		pos += 4
	}

	copy(out[pos:], f.Payload)
	if f.Masked {
		MaskWebSocket(out[pos:], f.MaskKey)
	}

	return out
}

// NewWebSocketKey returns a random Sec-WebSocket-Key value.
func NewWebSocketKey() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

// NewWebSocketMaskKey returns a random client mask key.
func NewWebSocketMaskKey() ([4]byte, error) {
	var key [4]byte
	_, err := rand.Read(key[:])

	return key, err
}

// WebSocketAccept computes the Sec-WebSocket-Accept value for key.
func WebSocketAccept(key string) string {
	h := sha1.New() //nolint:gosec
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))

	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// BuildWebSocketHandshake returns the client opening handshake request.
func BuildWebSocketHandshake(host, path, key string) []byte {
	if path == "" {
		path = "/"
	}

	var sb strings.Builder
	sb.WriteString("GET " + path + " HTTP/1.1\r\n")
	sb.WriteString("Host: " + host + "\r\n")
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	sb.WriteString("Sec-WebSocket-Key: " + key + "\r\n")
	sb.WriteString("Sec-WebSocket-Version: 13\r\n")
	sb.WriteString("\r\n")

	return []byte(sb.String())
}

// CheckWebSocketHandshake reads the server's handshake response from r and verifies the
// status line and the accept value for key.
func CheckWebSocketHandshake(r Reader, key string) error {
	const maxHeaderLine = 4096

	status, err := readLine(r, maxHeaderLine)
	if err != nil {
		return fmt.Errorf("read handshake status: %w", err)
	}

	fields := strings.Fields(string(status))
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") || fields[1] != "101" {
		return fmt.Errorf("%w: unexpected handshake status %q", ErrDecode, status)
	}

	headers := make(map[string]string)
	for {
		line, err := readLine(r, maxHeaderLine)
		if err != nil {
			return fmt.Errorf("read handshake header: %w", err)
		}
		if len(line) == 0 {
			break
		}

		name, value, ok := strings.Cut(string(line), ":")
		if !ok {
			return fmt.Errorf("%w: malformed handshake header %q", ErrDecode, line)
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}

	if !strings.EqualFold(headers["upgrade"], "websocket") {
		return fmt.Errorf("%w: missing websocket upgrade header", ErrDecode)
	}
	if !strings.Contains(strings.ToLower(headers["connection"]), "upgrade") {
		return fmt.Errorf("%w: missing connection upgrade header", ErrDecode)
	}
	if headers["sec-websocket-accept"] != WebSocketAccept(key) {
		return fmt.Errorf("%w: invalid Sec-WebSocket-Accept", ErrDecode)
	}

	return nil
}

// readLine reads up to and including CRLF and returns the line without the terminator.
func readLine(r io.ByteReader, maxLen int) ([]byte, error) {
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}

		if b == '\n' {
			if len(line) == 0 || line[len(line)-1] != '\r' {
				return nil, fmt.Errorf("%w: line not terminated by CRLF", ErrDecode)
			}
			return line[:len(line)-1], nil
		}

		if len(line) >= maxLen {
			return nil, fmt.Errorf("%w: line longer than %d bytes", ErrDecode, maxLen)
		}
		line = append(line, b)
	}
}
