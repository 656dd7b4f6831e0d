package ackhandler

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/gustwire/gust/internal/congestion"
	"github.com/gustwire/gust/internal/protocol"
	"github.com/gustwire/gust/internal/wire"
)

type sentUnit struct {
	frame           *wire.UnitFrame
	acked           bool
	retransmissions int
	lastSentAt      time.Time
}

type outstandingBlock struct {
	seq         protocol.BlockSeq
	k, r        int
	units       []*sentUnit
	firstSentAt time.Time
	ackDeadline time.Time
	gotAck      bool
}

// SentBlockHandler is the sender-side reliability controller. It owns the
// outstanding-block table: sent units are retained until the peer confirms
// it holds enough of the block, units reported missing past the grace
// period are retransmitted individually, and a block whose units exhaust
// their retransmission budget is abandoned and reported upward exactly
// once.
//
// The handler is not safe for concurrent use; the connection serializes
// access to it.
type SentBlockHandler struct {
	rtt    *congestion.RTTStats
	loss   *congestion.LossStats
	logger zerolog.Logger

	graceRTTs              float64
	maxUnitRetransmissions int

	blocks map[protocol.BlockSeq]*outstandingBlock

	retransmit func(frames []*wire.UnitFrame)
	expired    func(seq protocol.BlockSeq)
}

// NewSentBlockHandler wires the controller to its outputs: retransmit
// queues exactly the given unit frames for sending again, expired reports
// one abandoned block.
func NewSentBlockHandler(
	rtt *congestion.RTTStats,
	loss *congestion.LossStats,
	graceRTTs float64,
	maxUnitRetransmissions int,
	retransmit func(frames []*wire.UnitFrame),
	expired func(seq protocol.BlockSeq),
	logger zerolog.Logger,
) *SentBlockHandler {
	return &SentBlockHandler{
		rtt:                    rtt,
		loss:                   loss,
		logger:                 logger,
		graceRTTs:              graceRTTs,
		maxUnitRetransmissions: maxUnitRetransmissions,
		blocks:                 make(map[protocol.BlockSeq]*outstandingBlock),
		retransmit:             retransmit,
		expired:                expired,
	}
}

// OnBlockSent retains all of a block's units (data and parity) until the
// peer acknowledges the block.
func (h *SentBlockHandler) OnBlockSent(seq protocol.BlockSeq, k, r int, frames []*wire.UnitFrame, now time.Time) {
	units := make([]*sentUnit, len(frames))
	for i, f := range frames {
		units[i] = &sentUnit{frame: f, lastSentAt: now}
	}
	h.blocks[seq] = &outstandingBlock{
		seq:         seq,
		k:           k,
		r:           r,
		units:       units,
		firstSentAt: now,
		ackDeadline: now.Add(h.rtt.RTO()),
	}
}

// OnAck processes an acknowledgment summary: confirmed units are released,
// the RTT and loss estimates take one sample per block from its first ack,
// the block is retired once the peer holds at least k of its units, and
// units still missing past the grace period are retransmitted
// individually.
func (h *SentBlockHandler) OnAck(f *wire.AckFrame, now time.Time) {
	ob, ok := h.blocks[f.BlockSeq]
	if !ok {
		// already retired or abandoned
		return
	}

	total := len(ob.units)
	held := 0
	for i, u := range ob.units {
		if f.Units.Has(i) {
			held++
			if !u.acked {
				u.acked = true
				u.frame = nil // confirmed, release the retained copy
			}
		}
	}

	// one RTT and one loss sample per block, from the first ack; later
	// nack rounds re-report the same missing units and would skew both
	if !ob.gotAck {
		ob.gotAck = true
		h.rtt.Update(now.Sub(ob.firstSentAt))
		h.loss.Observe(total-held, total)
	}

	if held >= ob.k {
		delete(h.blocks, f.BlockSeq)
		return
	}

	ob.ackDeadline = now.Add(h.rtt.RTO())
	h.retransmitMissing(ob, now)
}

// OnDeadline retransmits the unacknowledged units of blocks that have not
// heard an acknowledgment within the retransmission timeout, covering the
// case where every datagram of a block (or its ack) was lost.
func (h *SentBlockHandler) OnDeadline(now time.Time) {
	var due []*outstandingBlock
	for _, ob := range h.blocks {
		if !ob.ackDeadline.After(now) {
			due = append(due, ob)
		}
	}
	// deterministic order for retransmission and abandonment
	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })
	for _, ob := range due {
		ob.ackDeadline = now.Add(h.rtt.RTO())
		h.retransmitMissing(ob, now)
	}
}

// retransmitMissing resends exactly the units the peer does not hold,
// within the per-unit budget. Exhausting the budget abandons the block.
func (h *SentBlockHandler) retransmitMissing(ob *outstandingBlock, now time.Time) {
	grace := h.rtt.GracePeriod(h.graceRTTs)
	var frames []*wire.UnitFrame
	for _, u := range ob.units {
		if u.acked || now.Sub(u.lastSentAt) < grace {
			continue
		}
		if u.retransmissions >= h.maxUnitRetransmissions {
			h.abandon(ob)
			return
		}
		u.retransmissions++
		u.lastSentAt = now
		frames = append(frames, u.frame)
	}
	if len(frames) > 0 {
		h.logger.Debug().
			Uint64("block", uint64(ob.seq)).
			Int("units", len(frames)).
			Msg("retransmitting missing units")
		h.retransmit(frames)
	}
}

func (h *SentBlockHandler) abandon(ob *outstandingBlock) {
	delete(h.blocks, ob.seq)
	h.logger.Warn().Uint64("block", uint64(ob.seq)).Msg("abandoning block after retransmission budget")
	h.expired(ob.seq)
}

// NextDeadline returns the earliest acknowledgment deadline, or the zero
// time if nothing is outstanding.
func (h *SentBlockHandler) NextDeadline() time.Time {
	var next time.Time
	for _, ob := range h.blocks {
		if next.IsZero() || ob.ackDeadline.Before(next) {
			next = ob.ackDeadline
		}
	}
	return next
}

// Outstanding returns the number of blocks awaiting acknowledgment.
func (h *SentBlockHandler) Outstanding() int { return len(h.blocks) }

// Close abandons every outstanding block, reporting each as expired
// exactly once and in sequence order.
func (h *SentBlockHandler) Close() {
	seqs := make([]protocol.BlockSeq, 0, len(h.blocks))
	for seq := range h.blocks {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		ob := h.blocks[seq]
		delete(h.blocks, seq)
		h.expired(ob.seq)
	}
}
