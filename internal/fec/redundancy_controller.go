package fec

import (
	"sync"
	"time"

	"github.com/gustwire/gust/internal/protocol"
)

// ControllerParams bound and tune the adaptive policy.
type ControllerParams struct {
	InitialK, InitialR     int
	MinK, MaxK, MinR, MaxR int

	// HysteresisWindow is the number of consecutive below-threshold
	// acknowledgments required before redundancy may shrink.
	HysteresisWindow int
	// UpFactor scales the recovery threshold for growth: redundancy grows
	// once measured loss exceeds UpFactor * r/(k+r).
	UpFactor float64
	// DownFactor scales the recovery threshold for decay: redundancy
	// shrinks only while measured loss stays below DownFactor * r/(k+r).
	DownFactor float64
	// RTTInflationFactor marks the link as congested once the smoothed RTT
	// exceeds this multiple of the minimum RTT, shrinking k.
	RTTInflationFactor float64

	// Unit payload adaptation (optional).
	AdaptUnitPayload               bool
	UnitPayloadSize                protocol.ByteCount
	MinUnitPayload, MaxUnitPayload protocol.ByteCount
}

// A RedundancyController owns the redundancy profile: the (k, r) pair read
// by the codec at block-formation time. It is the profile's single writer;
// OnAck must be invoked from one goroutine (the acknowledgment path).
// Profile adjustments never apply retroactively to in-flight blocks.
type RedundancyController struct {
	mu sync.Mutex

	params ControllerParams

	k, r        int
	unitPayload protocol.ByteCount

	lastLoss   float64
	belowCount int // consecutive acks below the decay threshold
	calmCount  int // consecutive acks without RTT inflation
}

// NewRedundancyController returns a controller starting at the initial
// profile.
func NewRedundancyController(p ControllerParams) *RedundancyController {
	return &RedundancyController{
		params:      p,
		k:           p.InitialK,
		r:           p.InitialR,
		unitPayload: p.UnitPayloadSize,
	}
}

// Profile returns a snapshot of the current (k, r).
func (c *RedundancyController) Profile() (k, r int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.k, c.r
}

// UnitPayloadSize returns the current per-unit payload target.
func (c *RedundancyController) UnitPayloadSize() protocol.ByteCount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unitPayload
}

// OnAck recomputes the profile from the smoothed loss ratio and RTT
// estimate after an acknowledgment.
//
// The policy is monotone with hysteresis: the redundancy ratio r/(k+r)
// grows as soon as loss crosses the scaled recovery threshold, and decays
// one step at a time only after HysteresisWindow consecutive acks with loss
// below the decay threshold and not rising, never under MinR. Block size k
// shrinks when the RTT inflates (shorter blocks recover sooner) and grows
// back while the link stays calm.
func (c *RedundancyController) OnAck(loss float64, srtt, minRTT time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rising := loss > c.lastLoss+1e-9
	c.lastLoss = loss

	threshold := float64(c.r) / float64(c.k+c.r)
	switch {
	case loss > threshold*c.params.UpFactor:
		if c.r < c.params.MaxR {
			c.r++
		}
		c.belowCount = 0
	case rising:
		// don't let a rising trend erode redundancy, even below threshold
		c.belowCount = 0
	case loss < threshold*c.params.DownFactor:
		c.belowCount++
		if c.belowCount >= c.params.HysteresisWindow {
			if c.r > c.params.MinR {
				c.r--
			}
			c.belowCount = 0
		}
	default:
		c.belowCount = 0
	}

	if minRTT > 0 && c.params.RTTInflationFactor > 0 {
		inflated := float64(srtt) > c.params.RTTInflationFactor*float64(minRTT)
		if inflated {
			if c.k > c.params.MinK {
				c.k--
			}
			c.calmCount = 0
		} else {
			c.calmCount++
			if c.calmCount >= c.params.HysteresisWindow {
				if c.k < c.params.MaxK {
					c.k++
				}
				c.calmCount = 0
			}
		}
	}

	if c.params.AdaptUnitPayload {
		c.unitPayload = c.adaptedPayload(loss, srtt)
	}
}

// adaptedPayload derives the unit payload target from link quality: low
// latency and low loss push toward the maximum, a poor link toward the
// minimum. Sizes are rounded to even.
func (c *RedundancyController) adaptedPayload(loss float64, srtt time.Duration) protocol.ByteCount {
	normalizedLatency := 1.0 / (1.0 + srtt.Seconds())
	quality := (normalizedLatency + (1.0 - loss)) / 2.0
	span := float64(c.params.MaxUnitPayload - c.params.MinUnitPayload)
	size := protocol.ByteCount(float64(c.params.MinUnitPayload)+span*quality) &^ 1
	if size < c.params.MinUnitPayload {
		size = c.params.MinUnitPayload
	}
	if size > c.params.MaxUnitPayload {
		size = c.params.MaxUnitPayload
	}
	return size
}
