package wire

import (
	"bytes"
	"fmt"
)

const (
	unitFrameType  = 0x1
	ackFrameType   = 0x2
	closeFrameType = 0x3
)

// A Frame is one of *UnitFrame, *AckFrame or *CloseFrame.
type Frame interface {
	Append(b []byte) ([]byte, error)
}

// ParseFrame parses the single frame occupying the datagram data.
func ParseFrame(data []byte) (Frame, error) {
	r := bytes.NewReader(data)
	typ, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	switch typ {
	case unitFrameType:
		return parseUnitFrame(data, r)
	case ackFrameType:
		return parseAckFrame(r)
	case closeFrameType:
		return parseCloseFrame(r)
	default:
		return nil, fmt.Errorf("unknown frame type: %#x", typ)
	}
}
