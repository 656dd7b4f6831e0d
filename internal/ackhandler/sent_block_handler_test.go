package ackhandler

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"github.com/gustwire/gust/internal/congestion"
	"github.com/gustwire/gust/internal/protocol"
	"github.com/gustwire/gust/internal/wire"
)

var _ = Describe("Sent block handler", func() {
	const (
		graceRTTs              = 0.5
		maxUnitRetransmissions = 2
	)

	var (
		h             *SentBlockHandler
		rtt           *congestion.RTTStats
		loss          *congestion.LossStats
		retransmitted [][]*wire.UnitFrame
		expired       []protocol.BlockSeq
		now           time.Time
	)

	BeforeEach(func() {
		rtt = &congestion.RTTStats{}
		loss = &congestion.LossStats{}
		retransmitted = nil
		expired = nil
		now = time.Now()
		h = NewSentBlockHandler(
			rtt, loss, graceRTTs, maxUnitRetransmissions,
			func(frames []*wire.UnitFrame) { retransmitted = append(retransmitted, frames) },
			func(seq protocol.BlockSeq) { expired = append(expired, seq) },
			zerolog.Nop(),
		)
	})

	// sendBlock registers a block of k data and r parity frames.
	sendBlock := func(seq protocol.BlockSeq, k, r int) []*wire.UnitFrame {
		frames := make([]*wire.UnitFrame, 0, k+r)
		for i := 0; i < k+r; i++ {
			kind := protocol.UnitData
			if i >= k {
				kind = protocol.UnitParity
			}
			frames = append(frames, &wire.UnitFrame{
				BlockSeq: seq, Index: protocol.UnitIndex(i),
				Kind: kind, K: k, R: r, Payload: []byte{byte(i)},
			})
		}
		h.OnBlockSent(seq, k, r, frames, now)
		return frames
	}

	ack := func(seq protocol.BlockSeq, total int, held ...int) {
		units := wire.NewBitmap(total)
		for _, i := range held {
			units.Set(i)
		}
		h.OnAck(&wire.AckFrame{BlockSeq: seq, Units: units}, now)
	}

	It("retires a block once the peer holds k of its units", func() {
		sendBlock(0, 2, 1)
		Expect(h.Outstanding()).To(Equal(1))

		now = now.Add(40 * time.Millisecond)
		ack(0, 3, 0, 2) // any two of three units suffice for k=2
		Expect(h.Outstanding()).To(BeZero())
		Expect(retransmitted).To(BeEmpty())
	})

	It("takes the RTT sample from the first acknowledgment only", func() {
		sendBlock(0, 2, 1)
		now = now.Add(80 * time.Millisecond)
		ack(0, 3, 0)
		Expect(rtt.SmoothedRTT()).To(Equal(80 * time.Millisecond))

		now = now.Add(300 * time.Millisecond)
		ack(0, 3, 0)
		Expect(rtt.SmoothedRTT()).To(Equal(80 * time.Millisecond))
	})

	It("takes the loss sample from the first acknowledgment only", func() {
		sendBlock(0, 2, 1)
		ack(0, 3, 0)
		Expect(loss.Ratio()).To(BeNumerically("~", 2.0/3, 1e-9))

		// a nack round re-reporting the same missing units is not new loss
		ack(0, 3, 0)
		Expect(loss.Ratio()).To(BeNumerically("~", 2.0/3, 1e-9))
	})

	It("retransmits exactly the units the peer is missing", func() {
		frames := sendBlock(0, 4, 1)
		now = now.Add(600 * time.Millisecond) // well past the grace period
		ack(0, 5, 0, 3)                       // units 1, 2 and 4 missing

		Expect(h.Outstanding()).To(Equal(1))
		Expect(retransmitted).To(HaveLen(1))
		Expect(retransmitted[0]).To(Equal([]*wire.UnitFrame{frames[1], frames[2], frames[4]}))
	})

	It("grants recently sent units a grace period", func() {
		sendBlock(0, 2, 1)
		ack(0, 3, 0) // instant ack, units still within grace
		Expect(retransmitted).To(BeEmpty())
		Expect(h.Outstanding()).To(Equal(1))
	})

	It("retransmits on the ack deadline when no ack arrives at all", func() {
		frames := sendBlock(0, 2, 1)
		now = now.Add(rtt.RTO() + time.Millisecond)
		h.OnDeadline(now)
		Expect(retransmitted).To(HaveLen(1))
		Expect(retransmitted[0]).To(Equal(frames))
	})

	It("abandons a block after the per-unit retransmission budget", func() {
		sendBlock(0, 2, 1)
		for i := 0; i < maxUnitRetransmissions; i++ {
			now = now.Add(rtt.RTO() + time.Millisecond)
			h.OnDeadline(now)
		}
		Expect(retransmitted).To(HaveLen(maxUnitRetransmissions))
		Expect(expired).To(BeEmpty())

		now = now.Add(rtt.RTO() + time.Millisecond)
		h.OnDeadline(now)
		Expect(expired).To(Equal([]protocol.BlockSeq{0}))
		Expect(h.Outstanding()).To(BeZero())
	})

	It("ignores acks for unknown blocks", func() {
		ack(7, 3, 0, 1)
		Expect(h.Outstanding()).To(BeZero())
		Expect(loss.Ratio()).To(BeZero())
	})

	It("ignores late acks after abandonment", func() {
		sendBlock(0, 2, 1)
		for i := 0; i <= maxUnitRetransmissions; i++ {
			now = now.Add(rtt.RTO() + time.Millisecond)
			h.OnDeadline(now)
		}
		Expect(expired).To(HaveLen(1))
		ack(0, 3, 0, 1, 2)
		Expect(h.Outstanding()).To(BeZero())
	})

	It("treats acked units as held even with a short placeholder bitmap", func() {
		// a receiver that never saw any unit of the block acks with a
		// single-entry bitmap; no unit may be counted as held
		sendBlock(0, 2, 1)
		now = now.Add(600 * time.Millisecond)
		ack(0, 1)
		Expect(h.Outstanding()).To(Equal(1))
		Expect(retransmitted).To(HaveLen(1))
		Expect(retransmitted[0]).To(HaveLen(3))
	})

	It("reports every outstanding block exactly once on close, in order", func() {
		sendBlock(2, 2, 1)
		sendBlock(0, 2, 1)
		sendBlock(1, 2, 1)
		h.Close()
		Expect(expired).To(Equal([]protocol.BlockSeq{0, 1, 2}))
		Expect(h.Outstanding()).To(BeZero())
		h.Close()
		Expect(expired).To(HaveLen(3))
	})

	It("tracks the earliest ack deadline", func() {
		Expect(h.NextDeadline().IsZero()).To(BeTrue())
		sendBlock(0, 2, 1)
		first := h.NextDeadline()
		Expect(first).To(Equal(now.Add(rtt.RTO())))

		now = now.Add(10 * time.Millisecond)
		sendBlock(1, 2, 1)
		Expect(h.NextDeadline()).To(Equal(first))
	})
})
