package svframe

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/arloliu/go-devcomm/exchange"
	"github.com/arloliu/go-devcomm/framing"
	"github.com/arloliu/go-devcomm/internal/idgen"
)

// Descriptor frames self-verifying messages for the exchange engine. Its head check
// requires the session token and the correlation of the request.
type Descriptor struct {
	Token Token
}

var (
	_ framing.Descriptor  = Descriptor{}
	_ framing.HeadChecker = Descriptor{}
)

func (Descriptor) Kind() framing.Kind { return framing.KindSelfVerifying }

func (Descriptor) HeadLength() int { return HeadLength }

func (Descriptor) ContentLength(head []byte) int {
	return int(binary.LittleEndian.Uint32(head[28:32]))
}

func (d Descriptor) CheckHead(msg, sent []byte) bool {
	if len(msg) < HeadLength || len(sent) < HeadLength {
		return false
	}

	return bytes.Equal(msg[8:24], d.Token[:]) && bytes.Equal(msg[4:8], sent[4:8])
}

// NewFramer returns a framer for self-verifying messages carrying token.
func NewFramer(token Token) framing.HeadFramer {
	return framing.NewHeadFramer(Descriptor{Token: token})
}

// Packer wraps engine commands in self-verifying frames. Each packed request gets a new
// correlation value, so that the head check pairs every response with its request.
//
// Exchanges through Packer skip the acknowledgement step; the peer answers a request
// frame directly with a response frame.
type Packer struct {
	Opcode uint32
	Token  Token

	correlation idgen.Generator
}

var _ exchange.Packer = (*Packer)(nil)

// NewPacker creates a packer for opcode and token.
func NewPacker(opcode uint32, token Token) *Packer {
	p := &Packer{Opcode: opcode, Token: token}
	p.correlation.Seed()

	return p
}

func (p *Packer) Pack(cmd []byte) ([]byte, error) {
	return Frame{
		Opcode:      p.Opcode,
		Correlation: p.correlation.Next(),
		Token:       p.Token,
		Payload:     cmd,
	}.Marshal(), nil
}

func (p *Packer) Unpack(_, resp []byte) ([]byte, error) {
	f, err := Unmarshal(resp)
	if err != nil {
		return nil, fmt.Errorf("unpack response: %w", err)
	}

	return f.Payload, nil
}
