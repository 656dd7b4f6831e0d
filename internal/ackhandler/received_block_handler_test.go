package ackhandler

import (
	"bytes"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"github.com/gustwire/gust/internal/fec"
	"github.com/gustwire/gust/internal/protocol"
	"github.com/gustwire/gust/internal/qerr"
	"github.com/gustwire/gust/internal/wire"
)

type deliveredBlock struct {
	seq       protocol.BlockSeq
	data      []byte
	recovered bool
}

var _ = Describe("Received block handler", func() {
	const (
		recoverDeadline       = 100 * time.Millisecond
		maxRetransmitRequests = 2
	)

	var (
		h         *ReceivedBlockHandler
		scheme    fec.Scheme
		acks      []*wire.AckFrame
		delivered []deliveredBlock
		expired   []protocol.BlockSeq
		eosCount  int
		now       time.Time
	)

	BeforeEach(func() {
		scheme = fec.NewReedSolomonScheme()
		acks = nil
		delivered = nil
		expired = nil
		eosCount = 0
		now = time.Now()
		h = NewReceivedBlockHandler(
			scheme, recoverDeadline, maxRetransmitRequests,
			func(f *wire.AckFrame) { acks = append(acks, f) },
			func(seq protocol.BlockSeq, data []byte, recovered bool) {
				delivered = append(delivered, deliveredBlock{seq, data, recovered})
			},
			func(seq protocol.BlockSeq) { expired = append(expired, seq) },
			func() { eosCount++ },
			zerolog.Nop(),
		)
	})

	// blockUnits builds the k+r unit frames of one block from payloads.
	blockUnits := func(seq protocol.BlockSeq, r int, payloads ...[]byte) []*wire.UnitFrame {
		k := len(payloads)
		units := make([]*wire.UnitFrame, 0, k+r)
		for i, p := range payloads {
			units = append(units, &wire.UnitFrame{
				BlockSeq: seq, Index: protocol.UnitIndex(i),
				Kind: protocol.UnitData, K: k, R: r, Payload: p,
			})
		}
		if r > 0 {
			parity, err := scheme.Encode(payloads, r)
			Expect(err).ToNot(HaveOccurred())
			for i, p := range parity {
				units = append(units, &wire.UnitFrame{
					BlockSeq: seq, Index: protocol.UnitIndex(k + i),
					Kind: protocol.UnitParity, K: k, R: r, Payload: p,
				})
			}
		}
		return units
	}

	feed := func(units ...*wire.UnitFrame) {
		for _, u := range units {
			ExpectWithOffset(1, h.OnUnitArrival(u, now)).To(Succeed())
		}
	}

	It("delivers a complete block and acknowledges it", func() {
		units := blockUnits(0, 1, []byte("foo"), []byte("bar"))
		feed(units[0], units[1])

		Expect(delivered).To(HaveLen(1))
		Expect(delivered[0].seq).To(Equal(protocol.BlockSeq(0)))
		Expect(delivered[0].data).To(Equal([]byte("foobar")))
		Expect(delivered[0].recovered).To(BeFalse())

		Expect(acks).To(HaveLen(1))
		Expect(acks[0].BlockSeq).To(Equal(protocol.BlockSeq(0)))
		Expect(acks[0].Units.Count()).To(Equal(2))
		Expect(acks[0].Units.Len()).To(Equal(3))
	})

	It("recovers a lost data unit from parity", func() {
		units := blockUnits(0, 1, []byte("foo"), []byte("bar"))
		feed(units[1], units[2]) // lose unit 0, parity arrives

		Expect(delivered).To(HaveLen(1))
		Expect(delivered[0].data).To(Equal([]byte("foobar")))
		Expect(delivered[0].recovered).To(BeTrue())
	})

	It("ignores duplicate units", func() {
		units := blockUnits(0, 1, []byte("foo"), []byte("bar"))
		feed(units[0], units[0], units[1])
		Expect(delivered).To(HaveLen(1))
		Expect(acks).To(HaveLen(1))
	})

	It("replays the acknowledgment when a retired block's unit arrives again", func() {
		units := blockUnits(0, 1, []byte("foo"), []byte("bar"))
		feed(units[0], units[1])
		Expect(delivered).To(HaveLen(1))
		Expect(acks).To(HaveLen(1))

		// the sender retransmitting a delivered block means our ack was lost
		feed(units[0])
		Expect(acks).To(HaveLen(2))
		Expect(acks[1].BlockSeq).To(Equal(protocol.BlockSeq(0)))
		Expect(acks[1].Units.Count()).To(Equal(2))
		Expect(delivered).To(HaveLen(1)) // no observable delivery effect
	})

	It("re-acknowledges a delivered block still buffered behind a gap", func() {
		b1 := blockUnits(1, 1, []byte("second"), []byte("block"))
		feed(b1[0], b1[1]) // delivered but block 0 still outstanding
		Expect(acks).To(HaveLen(1))

		feed(b1[0])
		Expect(acks).To(HaveLen(2))
		Expect(acks[1].BlockSeq).To(Equal(protocol.BlockSeq(1)))
		Expect(acks[1].Units.Count()).To(Equal(2))
	})

	It("buffers blocks completed out of order and delivers in sequence", func() {
		b0 := blockUnits(0, 1, []byte("first"), []byte("block"))
		b1 := blockUnits(1, 1, []byte("second"), []byte("block"))

		feed(b1[0], b1[1])
		Expect(delivered).To(BeEmpty()) // block 0 still outstanding

		feed(b0[0], b0[1])
		Expect(delivered).To(HaveLen(2))
		Expect(delivered[0].seq).To(Equal(protocol.BlockSeq(0)))
		Expect(delivered[1].seq).To(Equal(protocol.BlockSeq(1)))
	})

	It("escalates a stuck block to retransmission requests, then expires it", func() {
		units := blockUnits(0, 1, []byte("foo"), []byte("bar"))
		feed(units[0]) // one of three units arrives, not recoverable

		now = now.Add(recoverDeadline)
		h.OnDeadline(now)
		Expect(acks).To(HaveLen(1)) // first retransmission request
		Expect(acks[0].Units.Has(0)).To(BeTrue())
		Expect(acks[0].Units.Has(1)).To(BeFalse())
		Expect(expired).To(BeEmpty())

		now = now.Add(recoverDeadline)
		h.OnDeadline(now)
		Expect(acks).To(HaveLen(2)) // second and final request

		now = now.Add(recoverDeadline)
		h.OnDeadline(now)
		Expect(expired).To(Equal([]protocol.BlockSeq{0}))
		Expect(delivered).To(BeEmpty())
	})

	It("continues past an expired block", func() {
		b1 := blockUnits(1, 1, []byte("second"), []byte("block"))
		feed(b1...) // block 0 never arrives at all

		for i := 0; i < maxRetransmitRequests+1; i++ {
			now = now.Add(recoverDeadline)
			h.OnDeadline(now)
		}
		Expect(expired).To(Equal([]protocol.BlockSeq{0}))
		Expect(delivered).To(HaveLen(1))
		Expect(delivered[0].seq).To(Equal(protocol.BlockSeq(1)))
	})

	It("late units for an escalated block can still complete it", func() {
		units := blockUnits(0, 1, []byte("foo"), []byte("bar"))
		feed(units[0])

		now = now.Add(recoverDeadline)
		h.OnDeadline(now)

		feed(units[1])
		Expect(delivered).To(HaveLen(1))
		Expect(expired).To(BeEmpty())
	})

	It("rejects a data unit index outside the declared k", func() {
		err := h.OnUnitArrival(&wire.UnitFrame{
			BlockSeq: 0, Index: 2, Kind: protocol.UnitData, K: 2, R: 1,
		}, now)
		var fe *qerr.FramingError
		Expect(err).To(BeAssignableToTypeOf(fe))
	})

	It("rejects units that disagree about block geometry", func() {
		units := blockUnits(0, 1, []byte("foo"), []byte("bar"))
		feed(units[0])
		err := h.OnUnitArrival(&wire.UnitFrame{
			BlockSeq: 0, Index: 1, Kind: protocol.UnitData, K: 3, R: 1, Payload: []byte("x"),
		}, now)
		var fe *qerr.FramingError
		Expect(err).To(BeAssignableToTypeOf(fe))
	})

	It("drops units far beyond the delivery window", func() {
		err := h.OnUnitArrival(&wire.UnitFrame{
			BlockSeq: maxBlockLookahead, Index: 0, Kind: protocol.UnitData, K: 2, R: 1, Payload: []byte("x"),
		}, now)
		Expect(err).ToNot(HaveOccurred())
		Expect(h.NextDeadline().IsZero()).To(BeTrue())
	})

	Context("end of stream", func() {
		It("signals immediately when the peer closes without blocks", func() {
			h.HandleClose(&wire.CloseFrame{}, now)
			Expect(eosCount).To(Equal(1))
		})

		It("signals after the final block is delivered", func() {
			units := blockUnits(0, 1, []byte("foo"), []byte("bar"))
			feed(units[0], units[1])
			Expect(eosCount).To(BeZero())

			h.HandleClose(&wire.CloseFrame{FinalSeq: 0, HasBlocks: true}, now)
			Expect(eosCount).To(Equal(1))
		})

		It("tracks wholly lost blocks up to the final sequence", func() {
			h.HandleClose(&wire.CloseFrame{FinalSeq: 0, HasBlocks: true}, now)
			Expect(eosCount).To(BeZero())

			for i := 0; i < maxRetransmitRequests+1; i++ {
				now = now.Add(recoverDeadline)
				h.OnDeadline(now)
			}
			Expect(expired).To(Equal([]protocol.BlockSeq{0}))
			Expect(eosCount).To(Equal(1))
		})

		It("ignores units beyond the final sequence", func() {
			h.HandleClose(&wire.CloseFrame{FinalSeq: 0, HasBlocks: true}, now)
			err := h.OnUnitArrival(&wire.UnitFrame{
				BlockSeq: 5, Index: 0, Kind: protocol.UnitData, K: 2, R: 1, Payload: []byte("x"),
			}, now)
			Expect(err).ToNot(HaveOccurred())
			Expect(delivered).To(BeEmpty())
		})

		It("signals exactly once", func() {
			h.HandleClose(&wire.CloseFrame{}, now)
			h.HandleClose(&wire.CloseFrame{}, now)
			Expect(eosCount).To(Equal(1))
		})
	})

	It("expires everything non-terminal on close", func() {
		units := blockUnits(0, 1, []byte("foo"), []byte("bar"))
		feed(units[0])
		b1 := blockUnits(1, 1, []byte("second"), []byte("block"))
		feed(b1[0])

		h.Close()
		Expect(expired).To(Equal([]protocol.BlockSeq{0, 1}))
	})

	It("reassembles large payloads split across many units", func() {
		payloads := make([][]byte, 8)
		var want bytes.Buffer
		for i := range payloads {
			payloads[i] = bytes.Repeat([]byte{byte(i)}, 100)
			want.Write(payloads[i])
		}
		units := blockUnits(0, 2, payloads...)
		// drop two data units, feed the rest plus both parity units
		feed(units[2:]...)
		Expect(delivered).To(HaveLen(1))
		Expect(delivered[0].data).To(Equal(want.Bytes()))
		Expect(delivered[0].recovered).To(BeTrue())
	})
})
