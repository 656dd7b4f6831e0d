package congestion

import "sync"

// EMA retention for the loss ratio. One observation window is one
// block's worth of units.
const lossRetention = 0.9

// LossStats keeps the exponentially smoothed unit loss ratio for one
// connection, fed one sample per acknowledged block.
type LossStats struct {
	mu sync.Mutex

	initialized bool
	ratio       float64
}

// Observe folds an acknowledgment covering total units, lost of which were
// missing, into the smoothed ratio.
func (l *LossStats) Observe(lost, total int) {
	if total <= 0 {
		return
	}
	sample := float64(lost) / float64(total)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		l.initialized = true
		l.ratio = sample
		return
	}
	l.ratio = lossRetention*l.ratio + (1-lossRetention)*sample
}

// Ratio returns the smoothed loss ratio in [0, 1].
func (l *LossStats) Ratio() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ratio
}
