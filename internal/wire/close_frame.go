package wire

import (
	"bytes"

	"github.com/gustwire/gust/internal/protocol"
)

// A CloseFrame marks the end of the sender's stream:
//
//	[type][final block seq]
//
// The receiver signals end-of-stream once every block up to and including
// FinalSeq has been delivered or expired. HasBlocks is false when the
// stream closed before any block was formed.
type CloseFrame struct {
	FinalSeq  protocol.BlockSeq
	HasBlocks bool
}

const closeFrameNoBlocks = 0

func parseCloseFrame(r *bytes.Reader) (*CloseFrame, error) {
	f := &CloseFrame{}
	v, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if v == closeFrameNoBlocks {
		return f, nil
	}
	f.HasBlocks = true
	f.FinalSeq = protocol.BlockSeq(v - 1)
	return f, nil
}

// Append serializes the frame onto b.
func (f *CloseFrame) Append(b []byte) ([]byte, error) {
	b = appendVarint(b, uint64(closeFrameType))
	if !f.HasBlocks {
		return appendVarint(b, closeFrameNoBlocks), nil
	}
	return appendVarint(b, uint64(f.FinalSeq)+1), nil
}

// Length of the written frame.
func (f *CloseFrame) Length() protocol.ByteCount {
	v := uint64(closeFrameNoBlocks)
	if f.HasBlocks {
		v = uint64(f.FinalSeq) + 1
	}
	return protocol.ByteCount(varintLen(uint64(closeFrameType)) + varintLen(v))
}
