package fec

import (
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"

	"github.com/gustwire/gust/internal/protocol"
)

type geometry struct {
	k, r int
}

// reedSolomonScheme is the default MDS code, operating over GF(2^8), so
// k+r is bounded by protocol.MaxUnitsPerBlock. Encoders are cached per
// block geometry because the redundancy profile changes between blocks.
type reedSolomonScheme struct {
	mu       sync.Mutex
	encoders map[geometry]reedsolomon.Encoder
}

// NewReedSolomonScheme returns a Reed-Solomon Scheme.
func NewReedSolomonScheme() Scheme {
	return &reedSolomonScheme{encoders: make(map[geometry]reedsolomon.Encoder)}
}

func (s *reedSolomonScheme) encoder(k, r int) (reedsolomon.Encoder, error) {
	if k < 1 || r < 1 || k+r > protocol.MaxUnitsPerBlock {
		return nil, fmt.Errorf("unsupported reed-solomon geometry: k=%d r=%d", k, r)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if enc, ok := s.encoders[geometry{k, r}]; ok {
		return enc, nil
	}
	enc, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, err
	}
	s.encoders[geometry{k, r}] = enc
	return enc, nil
}

func (s *reedSolomonScheme) Encode(data [][]byte, parity int) ([][]byte, error) {
	k := len(data)
	enc, err := s.encoder(k, parity)
	if err != nil {
		return nil, err
	}
	shardLen, err := shardLength(data)
	if err != nil {
		return nil, err
	}
	shards := make([][]byte, k+parity)
	for i, p := range data {
		if p == nil {
			return nil, fmt.Errorf("cannot encode parity: data unit %d missing", i)
		}
		shard, err := toShard(p, shardLen)
		if err != nil {
			return nil, err
		}
		shards[i] = shard
	}
	for i := 0; i < parity; i++ {
		shards[k+i] = make([]byte, shardLen)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("unable to make parity shards: %w", err)
	}
	return shards[k:], nil
}

func (s *reedSolomonScheme) Recover(data [][]byte, parity [][]byte) error {
	k := len(data)
	r := len(parity)
	if countPresent(data)+countPresent(parity) < k {
		return ErrInsufficientUnits
	}
	if countPresent(data) == k {
		// nothing missing
		return nil
	}

	// The shard length travels with every parity payload. At least one
	// parity payload must be present here: data alone cannot reach k when
	// a data unit is missing.
	shardLen := 0
	for _, p := range parity {
		if p != nil {
			shardLen = len(p)
			break
		}
	}
	if shardLen < shardLenSuffix {
		return fmt.Errorf("invalid parity shard length: %d", shardLen)
	}

	enc, err := s.encoder(k, r)
	if err != nil {
		return err
	}
	shards := make([][]byte, k+r)
	missing := make([]int, 0, k)
	for i, p := range data {
		if p == nil {
			missing = append(missing, i)
			continue
		}
		shard, err := toShard(p, shardLen)
		if err != nil {
			return err
		}
		shards[i] = shard
	}
	for i, p := range parity {
		if p == nil {
			continue
		}
		if len(p) != shardLen {
			return fmt.Errorf("parity shard %d has length %d, want %d", i, len(p), shardLen)
		}
		shards[k+i] = p
	}
	if err := enc.ReconstructData(shards); err != nil {
		return fmt.Errorf("reed-solomon reconstruction failed: %w", err)
	}
	for _, i := range missing {
		payload, err := fromShard(shards[i])
		if err != nil {
			return err
		}
		data[i] = payload
	}
	return nil
}
