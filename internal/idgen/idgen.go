// Package idgen hands out correlation ids for request/response pairing.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync/atomic"
)

// Generator produces increasing ids and is safe for concurrent use. The zero value
// starts at 1; Seed moves the start to a random point so that ids of a restarted process
// do not collide with responses still in flight from its predecessor.
type Generator struct {
	id atomic.Uint32
}

// New returns a randomly seeded generator.
func New() *Generator {
	g := &Generator{}
	g.Seed()

	return g
}

// Seed resets the generator to a random starting point. It keeps the current value if
// the system random source fails.
func (g *Generator) Seed() {
	var buf [4]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return
	}
	g.id.Store(binary.LittleEndian.Uint32(buf[:]))
}

// Next returns the next 32-bit id.
func (g *Generator) Next() uint32 {
	return g.id.Add(1)
}

// Next16 returns the next non-zero 16-bit id, as MQTT packet identifiers require.
func (g *Generator) Next16() uint16 {
	for {
		if id := uint16(g.id.Add(1)); id != 0 { //nolint:gosec
			return id
		}
	}
}

// Bytes16 returns Next16 as 2 big-endian bytes, e.g. a Modbus transaction id.
func (g *Generator) Bytes16() []byte {
	return binary.BigEndian.AppendUint16(nil, g.Next16())
}
