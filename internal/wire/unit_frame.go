package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/gustwire/gust/internal/protocol"
)

// ErrChecksumMismatch is returned when a UNIT frame fails checksum
// validation. The unit is treated as not received.
var ErrChecksumMismatch = errors.New("checksum mismatch")

var crcTable = crc32.MakeTable(crc32.IEEE)

const checksumLen = 4

// A UnitFrame carries one transmissible unit:
//
//	[type][stream id][block seq][unit index][kind][block k][block r]
//	[payload len][payload][checksum]
//
// All header fields are varints. The checksum is CRC32 (IEEE) over every
// preceding byte of the frame, appended big-endian. K and R declare the
// block's geometry; the redundancy profile changes between blocks, so every
// unit carries the geometry of the block it belongs to.
type UnitFrame struct {
	StreamID protocol.StreamID
	BlockSeq protocol.BlockSeq
	Index    protocol.UnitIndex
	Kind     protocol.UnitKind
	K        int
	R        int
	Payload  []byte
}

func parseUnitFrame(data []byte, r *bytes.Reader) (*UnitFrame, error) {
	f := &UnitFrame{}
	streamID, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	f.StreamID = protocol.StreamID(streamID)
	blockSeq, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	f.BlockSeq = protocol.BlockSeq(blockSeq)
	index, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	kind, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if kind != uint64(protocol.UnitData) && kind != uint64(protocol.UnitParity) {
		return nil, fmt.Errorf("invalid unit kind: %d", kind)
	}
	f.Kind = protocol.UnitKind(kind)
	k, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	rr, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if k < 1 || k+rr > protocol.MaxUnitsPerBlock {
		return nil, fmt.Errorf("invalid block geometry: k=%d r=%d", k, rr)
	}
	// validated against the full varint before the narrowing cast
	if index >= k+rr {
		return nil, fmt.Errorf("unit index outside block geometry: %d", index)
	}
	f.Index = protocol.UnitIndex(index)
	f.K = int(k)
	f.R = int(rr)
	payloadLen, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if payloadLen > uint64(protocol.MaxUnitPayloadSize) {
		return nil, fmt.Errorf("unit payload too large: %d bytes", payloadLen)
	}
	if uint64(r.Len()) != payloadLen+checksumLen {
		return nil, io.ErrUnexpectedEOF
	}
	if payloadLen != 0 {
		f.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			// this should never happen since we already checked the length
			return nil, err
		}
	}
	var sum [checksumLen]byte
	if _, err := io.ReadFull(r, sum[:]); err != nil {
		return nil, err
	}
	computed := crc32.Checksum(data[:len(data)-checksumLen], crcTable)
	if binary.BigEndian.Uint32(sum[:]) != computed {
		return nil, ErrChecksumMismatch
	}
	return f, nil
}

// Append serializes the frame onto b, including the trailing checksum.
// The checksum covers the appended region only, so a frame must occupy a
// datagram on its own.
func (f *UnitFrame) Append(b []byte) ([]byte, error) {
	if len(f.Payload) > int(protocol.MaxUnitPayloadSize) {
		return nil, fmt.Errorf("unit payload too large: %d bytes (max %d)", len(f.Payload), protocol.MaxUnitPayloadSize)
	}
	if f.K < 1 || f.K+f.R > protocol.MaxUnitsPerBlock {
		return nil, fmt.Errorf("invalid block geometry: k=%d r=%d", f.K, f.R)
	}
	if int(f.Index) >= f.K+f.R {
		return nil, fmt.Errorf("unit index outside block geometry: %d", f.Index)
	}
	start := len(b)
	b = appendVarint(b, uint64(unitFrameType))
	b = appendVarint(b, uint64(f.StreamID))
	b = appendVarint(b, uint64(f.BlockSeq))
	b = appendVarint(b, uint64(f.Index))
	b = appendVarint(b, uint64(f.Kind))
	b = appendVarint(b, uint64(f.K))
	b = appendVarint(b, uint64(f.R))
	b = appendVarint(b, uint64(len(f.Payload)))
	b = append(b, f.Payload...)
	sum := crc32.Checksum(b[start:], crcTable)
	return binary.BigEndian.AppendUint32(b, sum), nil
}

// Length of the written frame.
func (f *UnitFrame) Length() protocol.ByteCount {
	return protocol.ByteCount(varintLen(uint64(unitFrameType)) +
		varintLen(uint64(f.StreamID)) +
		varintLen(uint64(f.BlockSeq)) +
		varintLen(uint64(f.Index)) +
		varintLen(uint64(f.Kind)) +
		varintLen(uint64(f.K)) +
		varintLen(uint64(f.R)) +
		varintLen(uint64(len(f.Payload))) +
		len(f.Payload) + checksumLen)
}
