package fec

import (
	"fmt"

	"github.com/gustwire/gust/internal/protocol"
)

// A Block buffers the units of one block on the receive side. Data payloads
// occupy indices [0, k), parity payloads [0, r). Missing entries are nil.
type Block struct {
	seq       protocol.BlockSeq
	k, r      int
	data      [][]byte
	parity    [][]byte
	numData   int
	numParity int
}

// NewBlock returns an empty block buffer for the declared geometry.
func NewBlock(seq protocol.BlockSeq, k, r int) *Block {
	return &Block{
		seq:    seq,
		k:      k,
		r:      r,
		data:   make([][]byte, k),
		parity: make([][]byte, r),
	}
}

func (b *Block) Seq() protocol.BlockSeq { return b.seq }
func (b *Block) K() int                 { return b.k }
func (b *Block) R() int                 { return b.r }

// AddData records the data payload at index i. Duplicates are no-ops.
// It reports whether the payload was newly recorded.
func (b *Block) AddData(i int, payload []byte) bool {
	if i < 0 || i >= b.k {
		return false
	}
	if b.data[i] != nil {
		return false
	}
	if payload == nil {
		payload = []byte{}
	}
	b.data[i] = payload
	b.numData++
	return true
}

// AddParity records the parity payload at index i (relative to the parity
// run, i.e. wire index minus k). Duplicates are no-ops.
func (b *Block) AddParity(i int, payload []byte) bool {
	if i < 0 || i >= b.r {
		return false
	}
	if b.parity[i] != nil {
		return false
	}
	b.parity[i] = payload
	b.numParity++
	return true
}

// HasData reports whether the data payload at index i has arrived.
func (b *Block) HasData(i int) bool { return i >= 0 && i < b.k && b.data[i] != nil }

// HasParity reports whether the parity payload at index i has arrived.
func (b *Block) HasParity(i int) bool { return i >= 0 && i < b.r && b.parity[i] != nil }

// Complete reports whether all k data payloads are present.
func (b *Block) Complete() bool { return b.numData == b.k }

// Recoverable reports whether at least k of the block's k+r units are
// present, which is sufficient for reconstruction regardless of which ones.
func (b *Block) Recoverable() bool { return b.numData+b.numParity >= b.k }

// Recover reconstructs any missing data payloads using the scheme. It is a
// no-op for complete blocks. Callers must check Recoverable first; invoking
// Recover on a non-recoverable block is a bug and yields
// ErrInsufficientUnits.
func (b *Block) Recover(s Scheme) error {
	if b.Complete() {
		return nil
	}
	if !b.Recoverable() {
		return ErrInsufficientUnits
	}
	if b.r == 0 {
		// r=0 blocks are pass-through: recoverable implies complete
		return fmt.Errorf("block %d has no parity units to recover from", b.seq)
	}
	if err := s.Recover(b.data, b.parity); err != nil {
		return err
	}
	b.numData = b.k
	return nil
}

// DataPayloads returns the ordered data payloads of a complete block.
func (b *Block) DataPayloads() ([][]byte, error) {
	if !b.Complete() {
		return nil, fmt.Errorf("block %d is not complete", b.seq)
	}
	return b.data, nil
}
