package protocol

// A StreamID identifies the logical byte stream a unit belongs to.
type StreamID uint64

// A BlockSeq is the monotonically increasing sequence number of a block
// within a stream.
type BlockSeq uint64

// A UnitIndex is the position of a unit within its block. Data units occupy
// [0, k), parity units occupy [k, k+r).
type UnitIndex uint32

// A ByteCount in gust.
type ByteCount int64

// UnitKind discriminates data units from parity units.
type UnitKind uint8

const (
	UnitData   UnitKind = 0
	UnitParity UnitKind = 1
)

func (k UnitKind) String() string {
	switch k {
	case UnitData:
		return "data"
	case UnitParity:
		return "parity"
	default:
		return "unknown"
	}
}

// MaxUnitsPerBlock bounds k+r. The Reed-Solomon codec operates over
// GF(2^8), which supports at most 256 shards per block.
const MaxUnitsPerBlock = 256

// MaxUnitPayloadSize is the hard upper bound on a unit payload. The shard
// length suffix used by the FEC codec is a 16-bit value, so payloads must
// stay addressable by it.
const MaxUnitPayloadSize ByteCount = 65535

// MaxPacketBufferSize is the size of the buffers used to marshal and parse
// datagrams: the largest unit header plus the default payload budget.
const MaxPacketBufferSize = 2048

// DefaultUnitPayloadSize leaves room for the unit header and checksum
// within MaxPacketBufferSize.
const DefaultUnitPayloadSize ByteCount = 1300

// Redundancy profile defaults and bounds.
const (
	DefaultK = 16
	DefaultR = 4
	MinK     = 2
	MaxK     = 128
	MinR     = 1
	MaxR     = 64
)
