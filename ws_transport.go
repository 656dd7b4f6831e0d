package gust

import (
	"sync"

	"github.com/gorilla/websocket"
)

// wsTransport tunnels datagrams through WebSocket binary messages, for
// links where UDP is blocked. The tunnel is reliable and ordered, so FEC
// recovery never fires across it; it exists for reachability, and for
// driving a connection through a lossy WebSocket proxy in tests.
type wsTransport struct {
	writeMu sync.Mutex // gorilla allows a single concurrent writer
	conn    *websocket.Conn
}

// NewWebSocketTransport adapts an established WebSocket connection. Each
// datagram travels as one binary message; non-binary messages are
// discarded.
func NewWebSocketTransport(conn *websocket.Conn) DatagramTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) WriteDatagram(b []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (t *wsTransport) ReadDatagram(b []byte) (int, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if len(data) > len(b) {
			// oversized for the frame buffer, cannot be a valid frame
			continue
		}
		return copy(b, data), nil
	}
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
