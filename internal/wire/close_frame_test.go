package wire

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("CLOSE frame", func() {
	It("round-trips a final block sequence", func() {
		f := &CloseFrame{FinalSeq: 99, HasBlocks: true}
		b, err := f.Append(nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(b).To(HaveLen(int(f.Length())))
		parsed, err := ParseFrame(b)
		Expect(err).ToNot(HaveOccurred())
		Expect(parsed).To(Equal(f))
	})

	It("round-trips a close before any block was formed", func() {
		f := &CloseFrame{}
		b, err := f.Append(nil)
		Expect(err).ToNot(HaveOccurred())
		parsed, err := ParseFrame(b)
		Expect(err).ToNot(HaveOccurred())
		Expect(parsed.(*CloseFrame).HasBlocks).To(BeFalse())
	})

	It("distinguishes final sequence zero from no blocks", func() {
		f := &CloseFrame{FinalSeq: 0, HasBlocks: true}
		b, err := f.Append(nil)
		Expect(err).ToNot(HaveOccurred())
		parsed, err := ParseFrame(b)
		Expect(err).ToNot(HaveOccurred())
		Expect(parsed.(*CloseFrame).HasBlocks).To(BeTrue())
		Expect(parsed.(*CloseFrame).FinalSeq).To(BeZero())
	})
})

var _ = Describe("Frame parser", func() {
	It("rejects unknown frame types", func() {
		_, err := ParseFrame([]byte{0x20})
		Expect(err).To(MatchError(ContainSubstring("unknown frame type")))
	})

	It("rejects an empty datagram", func() {
		_, err := ParseFrame(nil)
		Expect(err).To(HaveOccurred())
	})
})
