package gust

import (
	"sync/atomic"
	"time"
)

// ConnStats is a point-in-time snapshot of connection counters and
// estimates.
type ConnStats struct {
	UnitsSent       uint64
	ParityUnitsSent uint64
	UnitsReceived   uint64
	Retransmissions uint64
	AcksSent        uint64
	AcksReceived    uint64
	ChecksumDrops   uint64
	BlocksDelivered uint64
	BlocksRecovered uint64 // delivered via FEC recovery rather than complete arrival
	BlocksExpired   uint64 // receive-side gaps
	BlocksAbandoned uint64 // send-side delivery failures

	SmoothedRTT time.Duration
	LossRatio   float64
	K, R        int
}

type connCounters struct {
	unitsSent       atomic.Uint64
	parityUnitsSent atomic.Uint64
	unitsReceived   atomic.Uint64
	retransmissions atomic.Uint64
	acksSent        atomic.Uint64
	acksReceived    atomic.Uint64
	checksumDrops   atomic.Uint64
	blocksDelivered atomic.Uint64
	blocksRecovered atomic.Uint64
	blocksExpired   atomic.Uint64
	blocksAbandoned atomic.Uint64
}

func (c *connCounters) snapshot() ConnStats {
	return ConnStats{
		UnitsSent:       c.unitsSent.Load(),
		ParityUnitsSent: c.parityUnitsSent.Load(),
		UnitsReceived:   c.unitsReceived.Load(),
		Retransmissions: c.retransmissions.Load(),
		AcksSent:        c.acksSent.Load(),
		AcksReceived:    c.acksReceived.Load(),
		ChecksumDrops:   c.checksumDrops.Load(),
		BlocksDelivered: c.blocksDelivered.Load(),
		BlocksRecovered: c.blocksRecovered.Load(),
		BlocksExpired:   c.blocksExpired.Load(),
		BlocksAbandoned: c.blocksAbandoned.Load(),
	}
}
