package fec

import (
	"fmt"
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// randomPayloads returns k payloads of varying lengths, as the framer
// produces them for a short final block.
func randomPayloads(rng *rand.Rand, k, maxLen int) [][]byte {
	payloads := make([][]byte, k)
	for i := range payloads {
		p := make([]byte, 1+rng.Intn(maxLen))
		rng.Read(p)
		payloads[i] = p
	}
	return payloads
}

var _ = Describe("Reed-Solomon scheme", func() {
	var (
		scheme Scheme
		rng    *rand.Rand
	)

	BeforeEach(func() {
		scheme = NewReedSolomonScheme()
		rng = rand.New(rand.NewSource(42))
	})

	It("recovers from any r losses", func() {
		const k, r = 8, 2
		original := randomPayloads(rng, k, 1300)
		parity, err := scheme.Encode(original, r)
		Expect(err).ToNot(HaveOccurred())
		Expect(parity).To(HaveLen(r))

		// every way of losing two of the k+r units
		for a := 0; a < k+r; a++ {
			for b := a + 1; b < k+r; b++ {
				data := make([][]byte, k)
				copy(data, original)
				par := make([][]byte, r)
				copy(par, parity)
				for _, lost := range []int{a, b} {
					if lost < k {
						data[lost] = nil
					} else {
						par[lost-k] = nil
					}
				}
				Expect(scheme.Recover(data, par)).To(Succeed(),
					fmt.Sprintf("losing units %d and %d", a, b))
				for i := range original {
					Expect(data[i]).To(Equal(original[i]))
				}
			}
		}
	})

	It("preserves unequal payload lengths through recovery", func() {
		original := [][]byte{
			[]byte("a"),
			[]byte("much longer payload"),
			[]byte("mid"),
		}
		parity, err := scheme.Encode(original, 2)
		Expect(err).ToNot(HaveOccurred())

		data := [][]byte{nil, nil, original[2]}
		Expect(scheme.Recover(data, parity)).To(Succeed())
		Expect(data[0]).To(Equal(original[0]))
		Expect(data[1]).To(Equal(original[1]))
	})

	It("is a no-op when all data units are present", func() {
		original := randomPayloads(rng, 4, 100)
		data := make([][]byte, 4)
		copy(data, original)
		Expect(scheme.Recover(data, [][]byte{nil})).To(Succeed())
		for i := range original {
			Expect(data[i]).To(Equal(original[i]))
		}
	})

	It("returns ErrInsufficientUnits below the threshold", func() {
		original := randomPayloads(rng, 4, 100)
		parity, err := scheme.Encode(original, 1)
		Expect(err).ToNot(HaveOccurred())

		data := [][]byte{original[0], original[1], nil, nil}
		err = scheme.Recover(data, parity)
		Expect(err).To(MatchError(ErrInsufficientUnits))
	})

	It("rejects encoding with a missing data unit", func() {
		_, err := scheme.Encode([][]byte{[]byte("a"), nil}, 1)
		Expect(err).To(MatchError(ContainSubstring("data unit 1 missing")))
	})

	It("rejects an unsupported geometry", func() {
		data := make([][]byte, 200)
		for i := range data {
			data[i] = []byte{byte(i)}
		}
		_, err := scheme.Encode(data, 100)
		Expect(err).To(MatchError(ContainSubstring("unsupported reed-solomon geometry")))
	})
})

var _ = Describe("XOR scheme", func() {
	var scheme Scheme

	BeforeEach(func() {
		scheme = NewXORScheme()
	})

	It("recovers a single missing data unit", func() {
		original := [][]byte{
			[]byte("first"),
			[]byte("the second unit"),
			[]byte("3rd"),
		}
		parity, err := scheme.Encode(original, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(parity).To(HaveLen(1))

		for lost := range original {
			data := make([][]byte, len(original))
			copy(data, original)
			data[lost] = nil
			Expect(scheme.Recover(data, parity)).To(Succeed())
			Expect(data[lost]).To(Equal(original[lost]))
		}
	})

	It("cannot repair two losses", func() {
		original := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
		parity, err := scheme.Encode(original, 1)
		Expect(err).ToNot(HaveOccurred())

		data := [][]byte{nil, nil, original[2]}
		Expect(scheme.Recover(data, parity)).To(MatchError(ErrInsufficientUnits))
	})

	It("refuses more than one parity unit", func() {
		_, err := scheme.Encode([][]byte{[]byte("a")}, 2)
		Expect(err).To(MatchError(ContainSubstring("single parity unit")))
	})
})
