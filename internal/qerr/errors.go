package qerr

import (
	"fmt"

	"github.com/gustwire/gust/internal/protocol"
)

// A FramingError reports a protocol-level violation in a received unit:
// malformed unit boundaries or an index outside the block's declared
// geometry. It is fatal to the stream.
type FramingError struct {
	StreamID protocol.StreamID
	BlockSeq protocol.BlockSeq
	Reason   string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error (stream %d, block %d): %s", e.StreamID, e.BlockSeq, e.Reason)
}

// A BlockExpiredError reports that the blocks in [First, Last] could not be
// recovered via FEC or retransmission within budget. It surfaces as a data
// gap and is not fatal to the connection.
type BlockExpiredError struct {
	First protocol.BlockSeq
	Last  protocol.BlockSeq
}

func (e *BlockExpiredError) Error() string {
	if e.First == e.Last {
		return fmt.Sprintf("block %d expired", e.First)
	}
	return fmt.Sprintf("blocks %d through %d expired", e.First, e.Last)
}
