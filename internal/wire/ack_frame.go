package wire

import (
	"bytes"
	"fmt"
	"io"
	"math/bits"

	"github.com/gustwire/gust/internal/protocol"
)

// An AckFrame reports, for a single block, the bitmap of unit indices the
// receiver actually holds:
//
//	[type][block seq][unit count][bitmap]
//
// It is sent opportunistically on block state changes and on deadlines; a
// bitmap with fewer than k bits set doubles as a retransmission request for
// the missing indices.
type AckFrame struct {
	BlockSeq protocol.BlockSeq
	Units    Bitmap
}

func parseAckFrame(r *bytes.Reader) (*AckFrame, error) {
	f := &AckFrame{}
	blockSeq, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	f.BlockSeq = protocol.BlockSeq(blockSeq)
	n, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if n == 0 || n > protocol.MaxUnitsPerBlock {
		return nil, fmt.Errorf("invalid ack unit count: %d", n)
	}
	f.Units = NewBitmap(int(n))
	if r.Len() != len(f.Units.bits) {
		return nil, io.ErrUnexpectedEOF
	}
	if _, err := io.ReadFull(r, f.Units.bits); err != nil {
		return nil, err
	}
	// bits beyond the unit count must be zero
	if extra := f.Units.n % 8; extra != 0 {
		if f.Units.bits[len(f.Units.bits)-1]>>extra != 0 {
			return nil, fmt.Errorf("ack bitmap has bits set beyond unit count %d", n)
		}
	}
	return f, nil
}

// Append serializes the frame onto b.
func (f *AckFrame) Append(b []byte) ([]byte, error) {
	if f.Units.n == 0 || f.Units.n > protocol.MaxUnitsPerBlock {
		return nil, fmt.Errorf("invalid ack unit count: %d", f.Units.n)
	}
	b = appendVarint(b, uint64(ackFrameType))
	b = appendVarint(b, uint64(f.BlockSeq))
	b = appendVarint(b, uint64(f.Units.n))
	return append(b, f.Units.bits...), nil
}

// Length of the written frame.
func (f *AckFrame) Length() protocol.ByteCount {
	return protocol.ByteCount(varintLen(uint64(ackFrameType)) +
		varintLen(uint64(f.BlockSeq)) +
		varintLen(uint64(f.Units.n)) +
		len(f.Units.bits))
}

// A Bitmap marks received unit indices within a block. The LSB of byte 0 is
// index 0.
type Bitmap struct {
	n    int
	bits []byte
}

func NewBitmap(n int) Bitmap {
	return Bitmap{n: n, bits: make([]byte, (n+7)/8)}
}

// Len returns the number of indices the bitmap covers.
func (b Bitmap) Len() int { return b.n }

// Set marks index i as received.
func (b Bitmap) Set(i int) {
	if i < 0 || i >= b.n {
		panic(fmt.Sprintf("bitmap index %d out of range [0, %d)", i, b.n))
	}
	b.bits[i/8] |= 1 << (i % 8)
}

// Has reports whether index i is marked.
func (b Bitmap) Has(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.bits[i/8]&(1<<(i%8)) != 0
}

// Count returns the number of marked indices.
func (b Bitmap) Count() int {
	c := 0
	for _, v := range b.bits {
		c += bits.OnesCount8(v)
	}
	return c
}
