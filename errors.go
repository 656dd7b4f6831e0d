package gust

import (
	"errors"

	"github.com/gustwire/gust/internal/fec"
	"github.com/gustwire/gust/internal/qerr"
	"github.com/gustwire/gust/internal/wire"
)

// FramingError reports malformed unit boundaries or geometry. It is fatal
// to the stream: the connection is torn down.
type FramingError = qerr.FramingError

// BlockExpiredError reports a block (or contiguous range of blocks) that
// could not be delivered within the FEC and retransmission budget. It is a
// data gap, not a connection failure; the application decides whether a
// gap is tolerable.
type BlockExpiredError = qerr.BlockExpiredError

// ErrInsufficientUnits indicates decode was attempted with fewer than k
// units present. It signals a caller bug, never a network condition.
var ErrInsufficientUnits = fec.ErrInsufficientUnits

// ErrChecksumMismatch marks a unit that failed payload validation; such
// units are treated as not received.
var ErrChecksumMismatch = wire.ErrChecksumMismatch

// ErrConnClosed is returned by operations on a closed connection.
var ErrConnClosed = errors.New("connection closed")
