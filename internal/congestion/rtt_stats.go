package congestion

import (
	"sync"
	"time"
)

// RTO parameters (RFC 6298).
const (
	clockGranularity = 10 * time.Millisecond
	minRTO           = 200 * time.Millisecond
	maxRTO           = 10 * time.Second
	initialRTO       = 1 * time.Second

	rttAlpha = 0.125
	rttBeta  = 0.25
)

// RTTStats keeps the smoothed round-trip estimate for one connection.
// It is updated on every acknowledgment and read by the adaptive and
// reliability controllers.
type RTTStats struct {
	mu sync.Mutex

	hasMeasurement bool
	latest         time.Duration
	min            time.Duration
	smoothed       time.Duration
	meanDeviation  time.Duration
}

// Update folds a new RTT sample into the estimate.
func (r *RTTStats) Update(sample time.Duration) {
	if sample <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.latest = sample
	if r.min == 0 || sample < r.min {
		r.min = sample
	}
	if !r.hasMeasurement {
		r.hasMeasurement = true
		r.smoothed = sample
		r.meanDeviation = sample / 2
		return
	}
	diff := r.smoothed - sample
	if diff < 0 {
		diff = -diff
	}
	r.meanDeviation = time.Duration((1-rttBeta)*float64(r.meanDeviation) + rttBeta*float64(diff))
	r.smoothed = time.Duration((1-rttAlpha)*float64(r.smoothed) + rttAlpha*float64(sample))
}

// SmoothedRTT returns the smoothed estimate, or 0 before any measurement.
func (r *RTTStats) SmoothedRTT() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.smoothed
}

// MinRTT returns the smallest sample seen, or 0 before any measurement.
func (r *RTTStats) MinRTT() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.min
}

// LatestRTT returns the most recent sample.
func (r *RTTStats) LatestRTT() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}

// RTO returns the retransmission timeout: smoothed RTT plus four mean
// deviations, clamped to [200ms, 10s], or 1s before any measurement.
func (r *RTTStats) RTO() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasMeasurement {
		return initialRTO
	}
	kvar := 4 * r.meanDeviation
	if kvar < clockGranularity {
		kvar = clockGranularity
	}
	rto := r.smoothed + kvar
	if rto < minRTO {
		rto = minRTO
	}
	if rto > maxRTO {
		rto = maxRTO
	}
	return rto
}

// GracePeriod returns the wait before retransmitting a unit reported
// missing: factor smoothed RTTs, at least the clock granularity.
func (r *RTTStats) GracePeriod(factor float64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasMeasurement {
		return initialRTO / 2
	}
	grace := time.Duration(factor * float64(r.smoothed))
	if grace < clockGranularity {
		grace = clockGranularity
	}
	return grace
}
