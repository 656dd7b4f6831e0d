package gust

import (
	"net"
)

// A DatagramTransport carries whole frames over an unreliable,
// unordered datagram link. Implementations must preserve datagram
// boundaries; they are free to drop, duplicate and reorder.
//
// WriteDatagram may be called from multiple goroutines; ReadDatagram is
// called from a single goroutine and blocks until a datagram arrives or
// the transport is closed.
type DatagramTransport interface {
	WriteDatagram(b []byte) error
	ReadDatagram(b []byte) (int, error)
	Close() error
}

type udpTransport struct {
	conn *net.UDPConn
}

// NewUDPTransport adapts a connected UDP socket. The caller dials (or
// connects) the socket; the transport only reads and writes it.
func NewUDPTransport(conn *net.UDPConn) DatagramTransport {
	return &udpTransport{conn: conn}
}

func (t *udpTransport) WriteDatagram(b []byte) error {
	_, err := t.conn.Write(b)
	return err
}

func (t *udpTransport) ReadDatagram(b []byte) (int, error) {
	return t.conn.Read(b)
}

func (t *udpTransport) Close() error {
	return t.conn.Close()
}
