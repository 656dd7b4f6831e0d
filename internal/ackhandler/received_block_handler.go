// Package ackhandler tracks blocks on both sides of a connection: the
// receiver's per-block arrival bookkeeping and the sender's
// outstanding-block table.
package ackhandler

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/gustwire/gust/internal/fec"
	"github.com/gustwire/gust/internal/framer"
	"github.com/gustwire/gust/internal/protocol"
	"github.com/gustwire/gust/internal/qerr"
	"github.com/gustwire/gust/internal/wire"
)

// BlockState is the receive-side lifecycle of one block. A block moves
// through it exactly once: pending → delivered, or pending →
// retransmit-requested → delivered | expired.
type BlockState uint8

// maxBlockLookahead bounds how far beyond the next in-order block the
// tracker will buffer, protecting the block table from corrupt sequence
// numbers.
const maxBlockLookahead = 1024

// ackHistorySize is the number of retired blocks whose acknowledgment
// bitmaps are kept around. A unit arriving for a retired block means the
// peer never saw our acknowledgment; replaying it lets the sender retire
// the block instead of retransmitting it into abandonment.
const ackHistorySize = 1024

const (
	BlockPending BlockState = iota
	BlockRetransmitRequested
	BlockDelivered
	BlockExpired
)

func (s BlockState) String() string {
	switch s {
	case BlockPending:
		return "pending"
	case BlockRetransmitRequested:
		return "retransmit-requested"
	case BlockDelivered:
		return "delivered"
	case BlockExpired:
		return "expired"
	default:
		return "unknown"
	}
}

type trackedBlock struct {
	block     *fec.Block
	state     BlockState
	received  wire.Bitmap // unit indices actually received off the wire
	deadline  time.Time
	rounds    int // retransmission requests issued so far
	recovered bool
}

func (tb *trackedBlock) terminal() bool {
	return tb.state == BlockDelivered || tb.state == BlockExpired
}

// ReceivedBlockHandler is the block tracker: it records unit arrivals,
// invokes the FEC codec once a block crosses the recoverable threshold,
// escalates blocks that miss their deadline to retransmission requests,
// and hands completed blocks to the application strictly in sequence
// order. Blocks live in a map keyed by sequence number; the stream itself
// holds nothing but the next sequence to deliver.
//
// Callbacks are invoked while the handler's caller serializes access; the
// handler itself is not safe for concurrent use.
type ReceivedBlockHandler struct {
	scheme fec.Scheme
	logger zerolog.Logger

	recoverDeadline       time.Duration
	maxRetransmitRequests int

	blocks      map[protocol.BlockSeq]*trackedBlock
	ackHistory  map[protocol.BlockSeq]wire.Bitmap
	nextDeliver protocol.BlockSeq

	finalSeq    protocol.BlockSeq
	hasFinal    bool
	noBlocks    bool
	eosSignaled bool

	sendAck func(*wire.AckFrame)
	deliver func(seq protocol.BlockSeq, data []byte, recovered bool)
	expire  func(seq protocol.BlockSeq)
	eos     func()
}

// NewReceivedBlockHandler wires a tracker to its outputs: sendAck emits an
// acknowledgment summary to the peer, deliver hands one reassembled block
// up in sequence order, expire reports a gap in sequence order, and eos
// fires once after the final block has been delivered or expired.
func NewReceivedBlockHandler(
	scheme fec.Scheme,
	recoverDeadline time.Duration,
	maxRetransmitRequests int,
	sendAck func(*wire.AckFrame),
	deliver func(seq protocol.BlockSeq, data []byte, recovered bool),
	expire func(seq protocol.BlockSeq),
	eos func(),
	logger zerolog.Logger,
) *ReceivedBlockHandler {
	return &ReceivedBlockHandler{
		scheme:                scheme,
		logger:                logger,
		recoverDeadline:       recoverDeadline,
		maxRetransmitRequests: maxRetransmitRequests,
		blocks:                make(map[protocol.BlockSeq]*trackedBlock),
		ackHistory:            make(map[protocol.BlockSeq]wire.Bitmap),
		sendAck:               sendAck,
		deliver:               deliver,
		expire:                expire,
		eos:                   eos,
	}
}

// OnUnitArrival records one unit. Duplicate arrivals never change block
// state; a unit for an already retired or terminal block replays that
// block's acknowledgment, since its arrival means the original was lost.
// A unit whose index falls outside its block's declared geometry is a
// FramingError, fatal to the stream.
func (h *ReceivedBlockHandler) OnUnitArrival(f *wire.UnitFrame, now time.Time) error {
	if err := validateUnit(f); err != nil {
		return err
	}
	if f.BlockSeq < h.nextDeliver {
		// block already delivered or expired and retired
		if units, ok := h.ackHistory[f.BlockSeq]; ok {
			h.sendAck(&wire.AckFrame{BlockSeq: f.BlockSeq, Units: units})
		}
		return nil
	}
	if h.hasFinal && f.BlockSeq > h.finalSeq {
		return nil
	}
	if f.BlockSeq >= h.nextDeliver+maxBlockLookahead {
		h.logger.Warn().Uint64("block", uint64(f.BlockSeq)).Msg("dropping unit far beyond delivery window")
		return nil
	}

	// A unit for a later block reveals that every untracked lower block is
	// in flight (or lost entirely); give them deadlines so they get nacked.
	for seq := h.nextDeliver; seq < f.BlockSeq; seq++ {
		if _, ok := h.blocks[seq]; !ok {
			h.blocks[seq] = &trackedBlock{
				state:    BlockPending,
				received: wire.NewBitmap(1),
				deadline: now.Add(h.recoverDeadline),
			}
		}
	}

	tb, ok := h.blocks[f.BlockSeq]
	if !ok {
		tb = &trackedBlock{
			state:    BlockPending,
			deadline: now.Add(h.recoverDeadline),
		}
		h.blocks[f.BlockSeq] = tb
	}
	if tb.block == nil {
		// first unit observed for this block declares its geometry
		tb.block = fec.NewBlock(f.BlockSeq, f.K, f.R)
		tb.received = wire.NewBitmap(f.K + f.R)
	}
	if tb.block.K() != f.K || tb.block.R() != f.R {
		return &qerr.FramingError{
			StreamID: f.StreamID,
			BlockSeq: f.BlockSeq,
			Reason:   "units disagree about block geometry",
		}
	}
	if tb.terminal() {
		h.sendAck(&wire.AckFrame{BlockSeq: f.BlockSeq, Units: tb.received})
		return nil
	}

	var added bool
	if f.Kind == protocol.UnitData {
		added = tb.block.AddData(int(f.Index), f.Payload)
	} else {
		added = tb.block.AddParity(int(f.Index)-f.K, f.Payload)
	}
	if !added {
		return nil
	}
	tb.received.Set(int(f.Index))

	if !tb.block.Recoverable() {
		return nil
	}
	tb.recovered = !tb.block.Complete()
	if err := tb.block.Recover(h.scheme); err != nil {
		return err
	}
	tb.state = BlockDelivered
	h.sendAck(&wire.AckFrame{BlockSeq: f.BlockSeq, Units: tb.received})
	h.drain()
	return nil
}

func validateUnit(f *wire.UnitFrame) error {
	switch f.Kind {
	case protocol.UnitData:
		if int(f.Index) >= f.K {
			return &qerr.FramingError{
				StreamID: f.StreamID,
				BlockSeq: f.BlockSeq,
				Reason:   "data unit index outside declared k",
			}
		}
	case protocol.UnitParity:
		if int(f.Index) < f.K || int(f.Index) >= f.K+f.R {
			return &qerr.FramingError{
				StreamID: f.StreamID,
				BlockSeq: f.BlockSeq,
				Reason:   "parity unit index outside declared geometry",
			}
		}
	}
	return nil
}

// OnDeadline escalates blocks whose deadline has elapsed: a pending block
// becomes retransmit-requested and its acknowledgment bitmap is emitted as
// a targeted retransmission request; a block that exhausts its request
// budget expires and is reported as a gap in sequence order.
func (h *ReceivedBlockHandler) OnDeadline(now time.Time) {
	for seq, tb := range h.blocks {
		if tb.terminal() || tb.deadline.After(now) {
			continue
		}
		if tb.rounds >= h.maxRetransmitRequests {
			tb.state = BlockExpired
			h.logger.Debug().Uint64("block", uint64(seq)).Msg("block expired after retransmission budget")
			continue
		}
		tb.state = BlockRetransmitRequested
		tb.rounds++
		tb.deadline = now.Add(h.recoverDeadline)
		h.sendAck(&wire.AckFrame{BlockSeq: seq, Units: tb.received})
	}
	h.drain()
}

// NextDeadline returns the earliest pending deadline, or the zero time if
// no block is waiting.
func (h *ReceivedBlockHandler) NextDeadline() time.Time {
	var next time.Time
	for _, tb := range h.blocks {
		if tb.terminal() {
			continue
		}
		if next.IsZero() || tb.deadline.Before(next) {
			next = tb.deadline
		}
	}
	return next
}

// HandleClose records the peer's end-of-stream marker. Blocks up to the
// final sequence that were never observed at all are tracked from here so
// they can be nacked and, failing that, expired.
func (h *ReceivedBlockHandler) HandleClose(f *wire.CloseFrame, now time.Time) {
	if h.hasFinal || h.noBlocks {
		return
	}
	if !f.HasBlocks {
		h.noBlocks = true
	} else {
		h.hasFinal = true
		h.finalSeq = f.FinalSeq
		for seq := h.nextDeliver; seq <= h.finalSeq; seq++ {
			if _, ok := h.blocks[seq]; !ok {
				h.blocks[seq] = &trackedBlock{
					state:    BlockPending,
					received: wire.NewBitmap(1),
					deadline: now.Add(h.recoverDeadline),
				}
			}
		}
	}
	h.drain()
}

// Close expires every non-terminal block and reports the gaps, so a local
// close never leaves blocks silently incomplete.
func (h *ReceivedBlockHandler) Close() {
	for _, tb := range h.blocks {
		if !tb.terminal() {
			tb.state = BlockExpired
		}
	}
	h.drain()
}

// drain hands terminal blocks upward strictly in sequence order and
// retires them. Blocks completed out of order stay buffered until every
// lower-sequence block is delivered or expired.
func (h *ReceivedBlockHandler) drain() {
	for {
		tb, ok := h.blocks[h.nextDeliver]
		if !ok {
			break
		}
		switch tb.state {
		case BlockDelivered:
			payloads, err := tb.block.DataPayloads()
			if err != nil {
				// unreachable: delivered implies complete
				h.logger.Error().Err(err).Uint64("block", uint64(h.nextDeliver)).Msg("delivered block without payloads")
				return
			}
			h.deliver(h.nextDeliver, framer.Reassemble(payloads), tb.recovered)
		case BlockExpired:
			h.expire(h.nextDeliver)
		default:
			return
		}
		h.ackHistory[h.nextDeliver] = tb.received
		if h.nextDeliver >= ackHistorySize {
			delete(h.ackHistory, h.nextDeliver-ackHistorySize)
		}
		delete(h.blocks, h.nextDeliver)
		h.nextDeliver++
	}
	if h.finished() && !h.eosSignaled {
		h.eosSignaled = true
		h.eos()
	}
}

func (h *ReceivedBlockHandler) finished() bool {
	if h.noBlocks {
		return true
	}
	return h.hasFinal && h.nextDeliver > h.finalSeq
}
