package wire

import (
	"sync"

	"github.com/gustwire/gust/internal/protocol"
)

var pool sync.Pool

func init() {
	pool.New = func() interface{} {
		b := make([]byte, 0, protocol.MaxPacketBufferSize)
		return &b
	}
}

// GetPacketBuffer returns a zero-length buffer with capacity for one
// marshaled datagram.
func GetPacketBuffer() *[]byte {
	b := pool.Get().(*[]byte)
	*b = (*b)[:0]
	return b
}

// PutPacketBuffer returns a buffer obtained from GetPacketBuffer.
func PutPacketBuffer(b *[]byte) {
	if cap(*b) != protocol.MaxPacketBufferSize {
		panic("wire.PutPacketBuffer called with buffer of wrong size!")
	}
	pool.Put(b)
}
