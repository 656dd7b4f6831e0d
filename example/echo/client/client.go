package main

import (
	"bytes"
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

// go run client.go -host=127.0.0.1:4433 -rounds=10 -size=8192

func main() {
	host := flag.String("host", "", "server address")
	rounds := flag.Int("rounds", 10, "number of echo round trips")
	size := flag.Int("size", 8192, "payload bytes per round")
	scheme := flag.String("scheme", "reed-solomon", "erasure code: reed-solomon or xor")
	flag.Parse()

	if *host == "" {
		log.Fatal("the -host flag is required")
	}
	raddr, err := net.ResolveUDPAddr("udp", *host)
	if err != nil {
		log.Fatalf("resolving %s: %v", *host, err)
	}
	sock, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		log.Fatalf("dialing %s: %v", *host, err)
	}

	c, err := gust.Open(gust.NewUDPTransport(sock), &gust.Config{
		Scheme: gust.Scheme(*scheme),
		Logger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
	})
	if err != nil {
		log.Fatalf("opening connection: %v", err)
	}
	defer c.Close()

	payload := make([]byte, *size)
	for i := range payload {
		payload[i] = byte(i)
	}

	for i := 0; i < *rounds; i++ {
		if err := c.Send(payload); err != nil {
			log.Fatalf("send: %v", err)
		}
		if err := c.Flush(); err != nil {
			log.Fatalf("flush: %v", err)
		}
		got, err := receiveBytes(c, *size)
		if err != nil {
			log.Fatalf("round %d: %v", i, err)
		}
		if !bytes.Equal(got, payload) {
			log.Fatalf("round %d: echoed payload does not match", i)
		}
		fmt.Printf("round %d ok\n", i)
	}

	s := c.Stats()
	fmt.Printf("sent %d units (%d parity), %d retransmissions, srtt %v, profile k=%d r=%d\n",
		s.UnitsSent, s.ParityUnitsSent, s.Retransmissions, s.SmoothedRTT, s.K, s.R)
}

// receiveBytes accumulates delivered blocks until n bytes have arrived.
// Gaps are fatal for an echo check.
func receiveBytes(c *gust.Conn, n int) ([]byte, error) {
	var buf bytes.Buffer
	for buf.Len() < n {
		data, err := c.Receive()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("stream ended after %d of %d bytes", buf.Len(), n)
		}
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}
