package gust

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gustwire/gust/internal/protocol"
)

var _ = Describe("Config", func() {
	It("defaults every unset field", func() {
		c := populated(nil)
		Expect(c.Validate()).To(Succeed())
		Expect(c.Scheme).To(Equal(SchemeReedSolomon))
		Expect(c.InitialK).To(Equal(protocol.DefaultK))
		Expect(c.InitialR).To(Equal(protocol.DefaultR))
		Expect(c.UnitPayloadSize).To(Equal(int(protocol.DefaultUnitPayloadSize)))
		Expect(c.RecoverDeadline).To(Equal(250 * time.Millisecond))
		Expect(c.MaxRetransmitRequests).To(Equal(3))
		Expect(c.MaxUnitRetransmissions).To(Equal(5))
	})

	It("keeps explicitly set fields", func() {
		c := populated(&Config{InitialK: 8, RecoverDeadline: time.Second})
		Expect(c.InitialK).To(Equal(8))
		Expect(c.RecoverDeadline).To(Equal(time.Second))
		Expect(c.InitialR).To(Equal(protocol.DefaultR))
	})

	It("pins r to 1 for the XOR scheme", func() {
		c := populated(&Config{Scheme: SchemeXOR, InitialR: 4})
		Expect(c.Validate()).To(Succeed())
		Expect(c.InitialR).To(Equal(1))
		Expect(c.MaxR).To(Equal(1))
	})

	DescribeTable("rejecting invalid settings",
		func(mutate func(*Config)) {
			c := populated(nil)
			mutate(c)
			Expect(c.Validate()).To(HaveOccurred())
		},
		Entry("unknown scheme", func(c *Config) { c.Scheme = "raptor" }),
		Entry("k below the minimum", func(c *Config) { c.MinK = 1 }),
		Entry("geometry exceeding the block limit", func(c *Config) { c.MaxK = 200; c.MaxR = 100 }),
		Entry("initial k out of bounds", func(c *Config) { c.InitialK = 100; c.MaxK = 64 }),
		Entry("initial r out of bounds", func(c *Config) { c.InitialR = 99; c.MaxR = 16 }),
		Entry("oversized unit payload", func(c *Config) { c.UnitPayloadSize = 4000 }),
		Entry("inverted payload bounds", func(c *Config) {
			c.AdaptUnitPayload = true
			c.MinUnitPayload = 1000
			c.MaxUnitPayload = 500
		}),
		Entry("negative pacing rate", func(c *Config) { c.PacingRate = -1 }),
	)

	It("loads a TOML file", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "gust.toml")
		Expect(os.WriteFile(path, []byte(`
stream_id = 9
scheme = "xor"
initial_k = 8
unit_payload_size = 600
recover_deadline = "150ms"
max_retransmit_requests = 5
pacing_rate = 1000.0
`), 0o644)).To(Succeed())

		cfg, err := LoadConfig(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.StreamID).To(Equal(uint64(9)))
		Expect(cfg.Scheme).To(Equal(SchemeXOR))
		Expect(cfg.InitialK).To(Equal(8))
		Expect(cfg.UnitPayloadSize).To(Equal(600))
		Expect(cfg.RecoverDeadline).To(Equal(150 * time.Millisecond))
		Expect(cfg.MaxRetransmitRequests).To(Equal(5))
		Expect(cfg.PacingRate).To(Equal(1000.0))

		c := populated(cfg)
		Expect(c.Validate()).To(Succeed())
	})

	It("rejects a malformed duration", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "gust.toml")
		Expect(os.WriteFile(path, []byte(`recover_deadline = "soon"`), 0o644)).To(Succeed())
		_, err := LoadConfig(path)
		Expect(err).To(HaveOccurred())
	})

	It("errors on a missing file", func() {
		_, err := LoadConfig(filepath.Join(GinkgoT().TempDir(), "nope.toml"))
		Expect(err).To(HaveOccurred())
	})
})
