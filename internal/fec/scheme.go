package fec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gustwire/gust/internal/protocol"
)

// ErrInsufficientUnits is returned when decode is invoked with fewer than k
// of a block's units present. This is a precondition violation by the
// caller, not a network condition: the block tracker must verify
// recoverability before asking a scheme to recover.
var ErrInsufficientUnits = errors.New("insufficient units to reconstruct block")

// A Scheme is a systematic erasure code over a block of k data payloads.
// Encode derives r parity payloads such that any k of the k+r payloads
// reconstruct the original data (MDS property, exact finite-field
// arithmetic, no floating point).
type Scheme interface {
	// Encode derives parity parity payloads from a complete block of data
	// payloads. Payloads may have unequal lengths; every returned parity
	// payload has the block's shard length.
	Encode(data [][]byte, parity int) ([][]byte, error)
	// Recover reconstructs the missing (nil) entries of data in place.
	// Missing parity entries are nil. Returns ErrInsufficientUnits if
	// fewer than len(data) payloads are present in total.
	Recover(data [][]byte, parity [][]byte) error
}

// Shards carry the payload padded to a common length plus a 16-bit
// big-endian suffix holding the original payload length, so unequal unit
// payloads survive the codec bit-for-bit.
const shardLenSuffix = 2

// shardLength returns the common shard length for a block with the given
// data payloads: the largest payload plus the length suffix.
func shardLength(data [][]byte) (int, error) {
	maxLen := 0
	for _, p := range data {
		if len(p) > maxLen {
			maxLen = len(p)
		}
	}
	if maxLen > int(protocol.MaxUnitPayloadSize) {
		return 0, fmt.Errorf("unit payload too large for shard length suffix: %d", maxLen)
	}
	return maxLen + shardLenSuffix, nil
}

// toShard copies payload into a shard of shardLen bytes with the length
// suffix appended.
func toShard(payload []byte, shardLen int) ([]byte, error) {
	if len(payload)+shardLenSuffix > shardLen {
		return nil, fmt.Errorf("payload of %d bytes does not fit shard length %d", len(payload), shardLen)
	}
	shard := make([]byte, shardLen)
	copy(shard, payload)
	binary.BigEndian.PutUint16(shard[shardLen-shardLenSuffix:], uint16(len(payload)))
	return shard, nil
}

// fromShard strips the padding and length suffix from a reconstructed
// shard.
func fromShard(shard []byte) ([]byte, error) {
	if len(shard) < shardLenSuffix {
		return nil, fmt.Errorf("shard too short: %d bytes", len(shard))
	}
	payloadLen := int(binary.BigEndian.Uint16(shard[len(shard)-shardLenSuffix:]))
	if payloadLen > len(shard)-shardLenSuffix {
		return nil, fmt.Errorf("reconstructed payload length %d exceeds shard capacity %d", payloadLen, len(shard)-shardLenSuffix)
	}
	return shard[:payloadLen:payloadLen], nil
}

func countPresent(payloads [][]byte) int {
	n := 0
	for _, p := range payloads {
		if p != nil {
			n++
		}
	}
	return n
}
