// Package framer splits an application byte stream into fixed-capacity
// data units grouped into blocks, and reassembles delivered blocks back
// into bytes.
package framer

import (
	"github.com/gustwire/gust/internal/protocol"
	"github.com/gustwire/gust/internal/wire"
)

// A Block is a completed run of data units sharing one block sequence
// number. K is the declared data unit count; R is the parity count the
// redundancy profile prescribed when the block was opened.
type Block struct {
	Seq   protocol.BlockSeq
	K     int
	R     int
	Units []*wire.UnitFrame
}

// A Framer cuts one stream's bytes into data units. It buffers the
// partially filled block between calls; it has no other side effects.
type Framer struct {
	streamID protocol.StreamID
	nextSeq  protocol.BlockSeq

	curK       int
	curR       int
	curPayload protocol.ByteCount
	pending    []*wire.UnitFrame
}

// New returns a Framer for the given stream.
func New(streamID protocol.StreamID) *Framer {
	return &Framer{streamID: streamID}
}

// Frame appends b to the stream, cutting data units of at most payloadSize
// bytes and grouping them into blocks of k units. The (k, r) profile and
// payload size are sampled when a block is opened and held until it
// closes; they are never applied retroactively. Completed blocks are
// returned in sequence order.
func (f *Framer) Frame(b []byte, k, r int, payloadSize protocol.ByteCount) []*Block {
	var blocks []*Block
	for len(b) > 0 {
		if len(f.pending) == 0 {
			f.curK = k
			f.curR = r
			f.curPayload = payloadSize
		}
		n := int(f.curPayload)
		if n > len(b) {
			n = len(b)
		}
		payload := make([]byte, n)
		copy(payload, b[:n])
		b = b[n:]

		f.pending = append(f.pending, &wire.UnitFrame{
			StreamID: f.streamID,
			BlockSeq: f.nextSeq,
			Index:    protocol.UnitIndex(len(f.pending)),
			Kind:     protocol.UnitData,
			K:        f.curK,
			R:        f.curR,
			Payload:  payload,
		})
		if len(f.pending) == f.curK {
			blocks = append(blocks, f.closeBlock())
		}
	}
	return blocks
}

// Flush closes the partially filled block, if any. The flushed block
// declares its actual unit count as k, so short final blocks remain
// self-describing on the wire.
func (f *Framer) Flush() *Block {
	if len(f.pending) == 0 {
		return nil
	}
	k := len(f.pending)
	for _, u := range f.pending {
		u.K = k
	}
	f.curK = k
	return f.closeBlock()
}

func (f *Framer) closeBlock() *Block {
	blk := &Block{
		Seq:   f.nextSeq,
		K:     f.curK,
		R:     f.curR,
		Units: f.pending,
	}
	f.pending = nil
	f.nextSeq++
	return blk
}

// LastSeq returns the sequence number of the most recently closed block
// and whether any block has been closed at all.
func (f *Framer) LastSeq() (protocol.BlockSeq, bool) {
	if f.nextSeq == 0 {
		return 0, false
	}
	return f.nextSeq - 1, true
}

// Reassemble inverts Frame for one delivered block: the concatenation of
// its data payloads in unit index order.
func Reassemble(payloads [][]byte) []byte {
	total := 0
	for _, p := range payloads {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range payloads {
		out = append(out, p...)
	}
	return out
}
