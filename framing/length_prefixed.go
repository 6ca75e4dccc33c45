package framing

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// LengthPrefixed describes a fixed-size head carrying the content length in a 1, 2 or 4 byte
// field. An optional correlation field must echo the same bytes of the request.
type LengthPrefixed struct {
	HeadLen      int
	LengthOffset int
	LengthSize   int
	// ByteOrder of the length field. Nil means big-endian.
	ByteOrder binary.ByteOrder
	// Adjustment is added to the decoded field. Protocols whose length field counts bytes that
	// belong to the head use a negative value.
	Adjustment int

	// CorrelationOffset and CorrelationSize locate a transaction id echoed by the peer.
	// A zero CorrelationSize disables the check.
	CorrelationOffset int
	CorrelationSize   int
}

var (
	_ Descriptor  = LengthPrefixed{}
	_ HeadChecker = LengthPrefixed{}
)

// ModbusTCP describes the MBAP head: transaction id (2), protocol id (2), length (2).
// The length field counts the unit id and PDU that follow it.
func ModbusTCP() LengthPrefixed {
	return LengthPrefixed{
		HeadLen:         6,
		LengthOffset:    4,
		LengthSize:      2,
		CorrelationSize: 2,
	}
}

// Validate checks that both fields lie inside the head.
func (d LengthPrefixed) Validate() error {
	switch {
	case d.HeadLen <= 0:
		return fmt.Errorf("%w: head length %d must be positive", ErrInvalidDescriptor, d.HeadLen)
	case d.LengthSize != 1 && d.LengthSize != 2 && d.LengthSize != 4:
		return fmt.Errorf("%w: length field size %d must be 1, 2 or 4", ErrInvalidDescriptor, d.LengthSize)
	case d.LengthOffset < 0 || d.LengthOffset+d.LengthSize > d.HeadLen:
		return fmt.Errorf("%w: length field [%d:%d) outside head of %d bytes", ErrInvalidDescriptor,
			d.LengthOffset, d.LengthOffset+d.LengthSize, d.HeadLen)
	case d.CorrelationSize < 0 || d.CorrelationOffset < 0 || d.CorrelationOffset+d.CorrelationSize > d.HeadLen:
		return fmt.Errorf("%w: correlation field [%d:%d) outside head of %d bytes", ErrInvalidDescriptor,
			d.CorrelationOffset, d.CorrelationOffset+d.CorrelationSize, d.HeadLen)
	}

	return nil
}

func (LengthPrefixed) Kind() Kind { return KindLengthPrefixed }

func (d LengthPrefixed) HeadLength() int { return d.HeadLen }

// ContentLength returns -1 when the length field does not fit in head.
func (d LengthPrefixed) ContentLength(head []byte) int {
	if d.LengthOffset < 0 || d.LengthOffset+d.LengthSize > len(head) {
		return -1
	}
	field := head[d.LengthOffset : d.LengthOffset+d.LengthSize]

	var n int
	switch d.LengthSize {
	case 1:
		n = int(field[0])
	case 2:
		n = int(d.order().Uint16(field))
	case 4:
		n = int(d.order().Uint32(field))
	default:
		return -1
	}

	return n + d.Adjustment
}

// CheckHead compares the correlation field of msg with the one in sent.
func (d LengthPrefixed) CheckHead(msg, sent []byte) bool {
	if d.CorrelationSize == 0 {
		return true
	}

	end := d.CorrelationOffset + d.CorrelationSize
	if len(msg) < end || len(sent) < end {
		return false
	}

	return bytes.Equal(msg[d.CorrelationOffset:end], sent[d.CorrelationOffset:end])
}

// Pack prepends a head to content, writing the length field and copying the correlation
// bytes from corr (which may be nil).
func (d LengthPrefixed) Pack(content, corr []byte) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	field := len(content) - d.Adjustment
	maxField := 1<<(8*d.LengthSize) - 1
	if field < 0 || field > maxField {
		return nil, fmt.Errorf("%w: content of %d bytes does not fit a %d byte length field",
			ErrSizeExceeded, len(content), d.LengthSize)
	}

	msg := make([]byte, d.HeadLen+len(content))
	if d.CorrelationSize > 0 {
		copy(msg[d.CorrelationOffset:d.CorrelationOffset+d.CorrelationSize], corr)
	}

	lf := msg[d.LengthOffset : d.LengthOffset+d.LengthSize]
	switch d.LengthSize {
	case 1:
		lf[0] = byte(field)
	case 2:
		d.order().PutUint16(lf, uint16(field))
	case 4:
		d.order().PutUint32(lf, uint32(field))
	}
	copy(msg[d.HeadLen:], content)

	return msg, nil
}

func (d LengthPrefixed) order() binary.ByteOrder {
	if d.ByteOrder == nil {
		return binary.BigEndian
	}

	return d.ByteOrder
}
