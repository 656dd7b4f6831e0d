package fec

import "fmt"

// xorScheme is the single-parity code: the parity payload is the XOR of
// all data shards, so it can repair exactly one missing data unit. It is
// MDS for r = 1 and avoids the Reed-Solomon matrix setup.
type xorScheme struct{}

// NewXORScheme returns the XOR Scheme. It only supports r = 1.
func NewXORScheme() Scheme {
	return &xorScheme{}
}

func (s *xorScheme) Encode(data [][]byte, parity int) ([][]byte, error) {
	if parity != 1 {
		return nil, fmt.Errorf("xor only supports a single parity unit, got r=%d", parity)
	}
	shardLen, err := shardLength(data)
	if err != nil {
		return nil, err
	}
	p := make([]byte, shardLen)
	for i, d := range data {
		if d == nil {
			return nil, fmt.Errorf("cannot encode parity: data unit %d missing", i)
		}
		shard, err := toShard(d, shardLen)
		if err != nil {
			return nil, err
		}
		xorInto(p, shard)
	}
	return [][]byte{p}, nil
}

func (s *xorScheme) Recover(data [][]byte, parity [][]byte) error {
	k := len(data)
	if len(parity) != 1 {
		return fmt.Errorf("xor only supports a single parity unit, got r=%d", len(parity))
	}
	present := countPresent(data)
	if present == k {
		return nil
	}
	if present+countPresent(parity) < k {
		return ErrInsufficientUnits
	}

	// exactly one data unit missing, parity present
	shardLen := len(parity[0])
	if shardLen < shardLenSuffix {
		return fmt.Errorf("invalid parity shard length: %d", shardLen)
	}
	recovered := make([]byte, shardLen)
	copy(recovered, parity[0])
	missing := -1
	for i, d := range data {
		if d == nil {
			missing = i
			continue
		}
		shard, err := toShard(d, shardLen)
		if err != nil {
			return err
		}
		xorInto(recovered, shard)
	}
	payload, err := fromShard(recovered)
	if err != nil {
		return err
	}
	data[missing] = payload
	return nil
}

func xorInto(dst, src []byte) {
	for i := 0; i < len(src) && i < len(dst); i++ {
		dst[i] ^= src[i]
	}
}
