package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"

	"github.com/rs/zerolog"

	"github.com/gustwire/gust"
)

// go run server.go -listen=:4433 -scheme=reed-solomon

func main() {
	listen := flag.String("listen", ":4433", "UDP address to listen on")
	scheme := flag.String("scheme", "reed-solomon", "erasure code: reed-solomon or xor")
	qlogPath := flag.String("qlog", "", "write an NDJSON event trace to this file")
	flag.Parse()

	laddr, err := net.ResolveUDPAddr("udp", *listen)
	if err != nil {
		log.Fatalf("resolving %s: %v", *listen, err)
	}
	sock, err := net.ListenUDP("udp", laddr)
	if err != nil {
		log.Fatalf("listening on %s: %v", *listen, err)
	}

	// wait for the first datagram so the socket can be connected to the peer
	buf := make([]byte, 2048)
	n, raddr, err := sock.ReadFromUDP(buf)
	if err != nil {
		log.Fatalf("waiting for client: %v", err)
	}
	first := append([]byte(nil), buf[:n]...)
	if err := sock.Close(); err != nil {
		log.Fatalf("closing listen socket: %v", err)
	}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		log.Fatalf("connecting to %s: %v", raddr, err)
	}

	cfg := &gust.Config{
		Scheme: gust.Scheme(*scheme),
		Logger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
	if *qlogPath != "" {
		f, err := os.Create(*qlogPath)
		if err != nil {
			log.Fatalf("creating qlog file: %v", err)
		}
		defer f.Close()
		cfg.QLogWriter = f
	}

	c, err := gust.Open(&replayTransport{first: first, t: gust.NewUDPTransport(conn)}, cfg)
	if err != nil {
		log.Fatalf("opening connection: %v", err)
	}
	defer c.Close()

	for {
		data, err := c.Receive()
		if errors.Is(err, io.EOF) {
			break
		}
		var gap *gust.BlockExpiredError
		if errors.As(err, &gap) {
			fmt.Printf("gap: %v\n", gap)
			continue
		}
		if err != nil {
			log.Fatalf("receive: %v", err)
		}
		if err := c.Send(data); err != nil {
			log.Fatalf("echo: %v", err)
		}
		if err := c.Flush(); err != nil {
			log.Fatalf("flush: %v", err)
		}
	}
	fmt.Println(formatStats(c.Stats()))
}

func formatStats(s gust.ConnStats) string {
	return fmt.Sprintf("delivered %d blocks (%d recovered, %d expired), srtt %v, loss %.2f%%",
		s.BlocksDelivered, s.BlocksRecovered, s.BlocksExpired, s.SmoothedRTT, s.LossRatio*100)
}

// replayTransport hands back the datagram consumed while learning the
// peer's address, then defers to the real transport.
type replayTransport struct {
	first []byte
	t     gust.DatagramTransport
}

func (r *replayTransport) WriteDatagram(b []byte) error { return r.t.WriteDatagram(b) }

func (r *replayTransport) ReadDatagram(b []byte) (int, error) {
	if r.first != nil {
		n := copy(b, r.first)
		r.first = nil
		return n, nil
	}
	return r.t.ReadDatagram(b)
}

func (r *replayTransport) Close() error { return r.t.Close() }
