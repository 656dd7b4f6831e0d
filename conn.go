// Package gust implements a point-to-point, FEC-first reliable transport
// over unreliable datagram links. The sender cuts its byte stream into
// blocks of k data units, attaches r parity units, and lets the receiver
// reconstruct lost units without a round trip; selective retransmission
// steps in only when a block loses more than r units. The redundancy
// profile (k, r) adapts to the measured loss and RTT of the link.
package gust

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/gustwire/gust/internal/ackhandler"
	"github.com/gustwire/gust/internal/congestion"
	"github.com/gustwire/gust/internal/fec"
	"github.com/gustwire/gust/internal/framer"
	"github.com/gustwire/gust/internal/protocol"
	"github.com/gustwire/gust/internal/wire"
	"github.com/gustwire/gust/qlog"
)

type recvItem struct {
	data []byte
	err  error
}

// A Conn is one endpoint of a gust stream over a datagram transport.
//
// Send, Flush, Receive and Close may each be called from their own
// goroutine; Receive must not be called concurrently with itself.
type Conn struct {
	cfg       Config
	logger    zerolog.Logger
	tracer    *qlog.Tracer
	transport DatagramTransport

	// send path, guarded by sendMu
	sendMu sync.Mutex
	framer *framer.Framer
	scheme fec.Scheme

	rc    *fec.RedundancyController
	queue *sendQueue
	pacer *rate.Limiter

	// block tables and link estimates, guarded by handlerMu
	handlerMu sync.Mutex
	sent      *ackhandler.SentBlockHandler
	recvd     *ackhandler.ReceivedBlockHandler
	rttStats  *congestion.RTTStats
	lossStats *congestion.LossStats

	// in-order application delivery, guarded by recvMu
	recvMu     sync.Mutex
	recvQueue  []recvItem
	recvEOF    bool
	recvClosed bool
	closeErr   error
	recvSignal chan struct{}

	wake chan struct{} // timer loop re-evaluates deadlines

	cancel       context.CancelFunc
	group        *errgroup.Group
	closeStarted atomic.Bool
	closed       chan struct{} // transitioned to closing
	done         chan struct{} // loops drained

	counters connCounters
}

// Open starts a connection over the given transport. A nil cfg uses the
// defaults. The connection runs its own receive, send and timer
// goroutines until Close.
func Open(transport DatagramTransport, cfg *Config) (*Conn, error) {
	conf := populated(cfg)
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var scheme fec.Scheme
	switch conf.Scheme {
	case SchemeXOR:
		scheme = fec.NewXORScheme()
	default:
		scheme = fec.NewReedSolomonScheme()
	}

	c := &Conn{
		cfg:       *conf,
		logger:    conf.Logger.With().Uint64("stream", conf.StreamID).Logger(),
		tracer:    conf.tracer(),
		transport: transport,
		framer:    framer.New(protocol.StreamID(conf.StreamID)),
		scheme:    scheme,
		queue:     newSendQueue(),
		rttStats:  &congestion.RTTStats{},
		lossStats: &congestion.LossStats{},

		recvSignal: make(chan struct{}, 1),
		wake:       make(chan struct{}, 1),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.rc = fec.NewRedundancyController(fec.ControllerParams{
		InitialK:           conf.InitialK,
		InitialR:           conf.InitialR,
		MinK:               conf.MinK,
		MaxK:               conf.MaxK,
		MinR:               conf.MinR,
		MaxR:               conf.MaxR,
		HysteresisWindow:   conf.HysteresisWindow,
		UpFactor:           conf.LossUpFactor,
		DownFactor:         conf.LossDownFactor,
		RTTInflationFactor: conf.RTTInflationFactor,
		AdaptUnitPayload:   conf.AdaptUnitPayload,
		UnitPayloadSize:    protocol.ByteCount(conf.UnitPayloadSize),
		MinUnitPayload:     protocol.ByteCount(conf.MinUnitPayload),
		MaxUnitPayload:     protocol.ByteCount(conf.MaxUnitPayload),
	})
	if conf.PacingRate > 0 {
		c.pacer = rate.NewLimiter(rate.Limit(conf.PacingRate), conf.PacingBurst)
	}
	c.sent = ackhandler.NewSentBlockHandler(
		c.rttStats, c.lossStats,
		conf.GraceRTTs, conf.MaxUnitRetransmissions,
		c.queueRetransmissions, c.onSendAbandoned,
		c.logger,
	)
	c.recvd = ackhandler.NewReceivedBlockHandler(
		scheme,
		conf.RecoverDeadline, conf.MaxRetransmitRequests,
		c.queueAckFrame, c.deliverBlock, c.expireBlock, c.onEndOfStream,
		c.logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	c.group = g
	g.Go(func() error { return c.runReceiveLoop(gctx) })
	g.Go(func() error { return c.runSendLoop(gctx) })
	g.Go(func() error { return c.runTimerLoop(gctx) })
	return c, nil
}

// Send appends p to the stream. Data is cut into units under the current
// redundancy profile; completed blocks are encoded and transmitted
// immediately, a trailing partial block is buffered until more data
// arrives, Flush is called, or the connection closes.
func (c *Conn) Send(p []byte) error {
	if c.closeStarted.Load() {
		return ErrConnClosed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	k, r := c.rc.Profile()
	for _, blk := range c.framer.Frame(p, k, r, c.rc.UnitPayloadSize()) {
		if err := c.sendBlock(blk); err != nil {
			return err
		}
	}
	return nil
}

// Flush closes the buffered partial block, if any, and transmits it. The
// short block declares its actual unit count, so the trade is latency for
// a weaker redundancy ratio on that block.
func (c *Conn) Flush() error {
	if c.closeStarted.Load() {
		return ErrConnClosed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	blk := c.framer.Flush()
	if blk == nil {
		return nil
	}
	return c.sendBlock(blk)
}

// sendBlock encodes parity for one completed block, registers it with the
// reliability controller, and queues every unit. Callers hold sendMu.
func (c *Conn) sendBlock(blk *framer.Block) error {
	frames := blk.Units
	if blk.R > 0 {
		data := make([][]byte, len(blk.Units))
		for i, u := range blk.Units {
			data[i] = u.Payload
		}
		parity, err := c.scheme.Encode(data, blk.R)
		if err != nil {
			return fmt.Errorf("encoding block %d: %w", blk.Seq, err)
		}
		frames = make([]*wire.UnitFrame, 0, blk.K+blk.R)
		frames = append(frames, blk.Units...)
		for i, p := range parity {
			frames = append(frames, &wire.UnitFrame{
				StreamID: protocol.StreamID(c.cfg.StreamID),
				BlockSeq: blk.Seq,
				Index:    protocol.UnitIndex(blk.K + i),
				Kind:     protocol.UnitParity,
				K:        blk.K,
				R:        blk.R,
				Payload:  p,
			})
		}
	}

	now := time.Now()
	c.handlerMu.Lock()
	c.sent.OnBlockSent(blk.Seq, blk.K, blk.R, frames, now)
	c.handlerMu.Unlock()

	for _, f := range frames {
		buf, err := marshalFrame(f)
		if err != nil {
			return fmt.Errorf("marshaling unit %d of block %d: %w", f.Index, f.BlockSeq, err)
		}
		c.queue.Add(buf)
		c.counters.unitsSent.Add(1)
		if f.Kind == protocol.UnitParity {
			c.counters.parityUnitsSent.Add(1)
		}
		c.tracer.Trace(qlog.UnitSent{
			BlockSeq: uint64(f.BlockSeq),
			Index:    uint32(f.Index),
			Kind:     f.Kind.String(),
			Size:     len(f.Payload),
		})
	}
	c.wakeTimer()
	return nil
}

// Receive returns the next block's bytes in stream order. A block that
// could not be delivered within budget surfaces as a *BlockExpiredError
// for its position; the stream continues past it. After the peer's close
// marker has been fully drained, Receive returns io.EOF.
func (c *Conn) Receive() ([]byte, error) {
	for {
		c.recvMu.Lock()
		if len(c.recvQueue) > 0 {
			item := c.recvQueue[0]
			c.recvQueue = c.recvQueue[1:]
			c.recvMu.Unlock()
			return item.data, item.err
		}
		eof, closed, closeErr := c.recvEOF, c.recvClosed, c.closeErr
		c.recvMu.Unlock()
		if eof {
			return nil, io.EOF
		}
		if closed {
			return nil, closeErr
		}
		select {
		case <-c.recvSignal:
		case <-c.closed:
			// drain anything queued before the close on the next pass
		}
	}
}

// Stats returns a snapshot of the connection's counters and estimates.
func (c *Conn) Stats() ConnStats {
	s := c.counters.snapshot()
	s.SmoothedRTT = c.rttStats.SmoothedRTT()
	s.LossRatio = c.lossStats.Ratio()
	s.K, s.R = c.rc.Profile()
	return s
}

// Close flushes buffered data, announces the final block to the peer, and
// tears the connection down. Outstanding sent blocks that never completed
// are reported through OnDeliveryFailure exactly once; undelivered
// received blocks surface as gaps to Receive before ErrConnClosed.
func (c *Conn) Close() error {
	if !c.closeStarted.CompareAndSwap(false, true) {
		<-c.done
		return nil
	}

	c.sendMu.Lock()
	if blk := c.framer.Flush(); blk != nil {
		if err := c.sendBlock(blk); err != nil {
			c.logger.Warn().Err(err).Msg("flushing final block failed")
		}
	}
	cf := &wire.CloseFrame{}
	if seq, ok := c.framer.LastSeq(); ok {
		cf.FinalSeq = seq
		cf.HasBlocks = true
	}
	c.sendMu.Unlock()

	if buf, err := marshalFrame(cf); err == nil {
		c.queue.Add(buf)
	}
	c.drainSendQueue()

	c.teardown(ErrConnClosed)
	<-c.done
	return nil
}

// destroy aborts the connection on a fatal protocol error.
func (c *Conn) destroy(err error) {
	if !c.closeStarted.CompareAndSwap(false, true) {
		return
	}
	c.teardown(err)
}

func (c *Conn) teardown(err error) {
	c.handlerMu.Lock()
	c.sent.Close()
	c.recvd.Close()
	c.handlerMu.Unlock()

	c.recvMu.Lock()
	c.recvClosed = true
	c.closeErr = err
	c.recvMu.Unlock()

	c.cancel()
	close(c.closed)
	_ = c.transport.Close()
	go func() {
		_ = c.group.Wait()
		c.queue.Clear()
		close(c.done)
	}()
}

// drainSendQueue writes everything queued straight to the transport,
// bypassing pacing. Used during close so the final units and the close
// marker get their one chance on the wire.
func (c *Conn) drainSendQueue() {
	for {
		buf, ok := c.queue.Pop()
		if !ok {
			return
		}
		_ = c.transport.WriteDatagram(*buf)
		wire.PutPacketBuffer(buf)
	}
}

func (c *Conn) runReceiveLoop(ctx context.Context) error {
	buf := make([]byte, protocol.MaxPacketBufferSize)
	for {
		n, err := c.transport.ReadDatagram(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
			default:
				c.logger.Debug().Err(err).Msg("transport read failed, stopping receive loop")
			}
			return nil
		}
		c.handleDatagram(buf[:n])
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (c *Conn) handleDatagram(data []byte) {
	frame, err := wire.ParseFrame(data)
	if err != nil {
		if errors.Is(err, wire.ErrChecksumMismatch) {
			c.counters.checksumDrops.Add(1)
		} else {
			c.logger.Debug().Err(err).Msg("dropping unparsable datagram")
		}
		return
	}
	now := time.Now()
	switch f := frame.(type) {
	case *wire.UnitFrame:
		if f.StreamID != protocol.StreamID(c.cfg.StreamID) {
			c.logger.Debug().Uint64("unit_stream", uint64(f.StreamID)).Msg("dropping unit for foreign stream")
			return
		}
		c.counters.unitsReceived.Add(1)
		c.tracer.Trace(qlog.UnitReceived{
			BlockSeq: uint64(f.BlockSeq),
			Index:    uint32(f.Index),
			Kind:     f.Kind.String(),
			Size:     len(f.Payload),
		})
		c.handlerMu.Lock()
		err := c.recvd.OnUnitArrival(f, now)
		c.handlerMu.Unlock()
		if err != nil {
			var fe *FramingError
			if errors.As(err, &fe) {
				c.logger.Error().Err(err).Msg("framing violation, closing connection")
				c.destroy(err)
				return
			}
			c.logger.Warn().Err(err).Msg("unit arrival failed")
		}
		c.wakeTimer()

	case *wire.AckFrame:
		c.counters.acksReceived.Add(1)
		c.handlerMu.Lock()
		c.sent.OnAck(f, now)
		c.handlerMu.Unlock()
		c.adaptProfile()
		c.wakeTimer()

	case *wire.CloseFrame:
		c.handlerMu.Lock()
		c.recvd.HandleClose(f, now)
		c.handlerMu.Unlock()
		c.wakeTimer()
	}
}

// adaptProfile feeds the latest link estimates to the redundancy
// controller. The receive loop is the controller's single writer.
func (c *Conn) adaptProfile() {
	k0, r0 := c.rc.Profile()
	c.rc.OnAck(c.lossStats.Ratio(), c.rttStats.SmoothedRTT(), c.rttStats.MinRTT())
	k1, r1 := c.rc.Profile()
	if k0 != k1 || r0 != r1 {
		c.logger.Debug().Int("k", k1).Int("r", r1).Msg("redundancy profile changed")
		c.tracer.Trace(qlog.ProfileChanged{K: k1, R: r1})
	}
}

func (c *Conn) runSendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.queue.Signal():
		}
		for {
			buf, ok := c.queue.Pop()
			if !ok {
				break
			}
			if c.pacer != nil {
				if err := c.pacer.Wait(ctx); err != nil {
					wire.PutPacketBuffer(buf)
					return nil
				}
			}
			if err := c.transport.WriteDatagram(*buf); err != nil {
				// the link is lossy by assumption; reliability recovers
				c.logger.Debug().Err(err).Msg("datagram write failed")
			}
			wire.PutPacketBuffer(buf)
		}
	}
}

func (c *Conn) runTimerLoop(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	for {
		c.handlerMu.Lock()
		next := earliestDeadline(c.recvd.NextDeadline(), c.sent.NextDeadline())
		c.handlerMu.Unlock()

		var timerC <-chan time.Time
		if !next.IsZero() {
			timer.Reset(time.Until(next))
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
			if timerC != nil && !timer.Stop() {
				<-timer.C
			}
		case <-timerC:
			now := time.Now()
			c.handlerMu.Lock()
			c.recvd.OnDeadline(now)
			c.sent.OnDeadline(now)
			c.handlerMu.Unlock()
		}
	}
}

func earliestDeadline(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.Before(b) {
		return a
	}
	return b
}

func (c *Conn) wakeTimer() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// queueAckFrame is invoked by the block tracker under handlerMu.
func (c *Conn) queueAckFrame(f *wire.AckFrame) {
	buf, err := marshalFrame(f)
	if err != nil {
		c.logger.Error().Err(err).Msg("marshaling ack failed")
		return
	}
	c.queue.Add(buf)
	c.counters.acksSent.Add(1)
	c.tracer.Trace(qlog.AckSent{
		BlockSeq: uint64(f.BlockSeq),
		Held:     f.Units.Count(),
		Total:    f.Units.Len(),
	})
}

// queueRetransmissions is invoked by the reliability controller under
// handlerMu with exactly the units the peer reported missing.
func (c *Conn) queueRetransmissions(frames []*wire.UnitFrame) {
	for _, f := range frames {
		buf, err := marshalFrame(f)
		if err != nil {
			c.logger.Error().Err(err).Msg("marshaling retransmission failed")
			continue
		}
		c.queue.Add(buf)
		c.counters.retransmissions.Add(1)
		c.tracer.Trace(qlog.UnitSent{
			BlockSeq:       uint64(f.BlockSeq),
			Index:          uint32(f.Index),
			Kind:           f.Kind.String(),
			Size:           len(f.Payload),
			Retransmission: true,
		})
	}
}

func (c *Conn) onSendAbandoned(seq protocol.BlockSeq) {
	c.counters.blocksAbandoned.Add(1)
	c.tracer.Trace(qlog.BlockExpired{BlockSeq: uint64(seq), Sender: true})
	if cb := c.cfg.OnDeliveryFailure; cb != nil {
		cb(BlockExpiredError{First: seq, Last: seq})
	}
}

func (c *Conn) deliverBlock(seq protocol.BlockSeq, data []byte, recovered bool) {
	c.counters.blocksDelivered.Add(1)
	if recovered {
		c.counters.blocksRecovered.Add(1)
	}
	c.tracer.Trace(qlog.BlockDelivered{BlockSeq: uint64(seq), Recovered: recovered})
	c.pushRecv(recvItem{data: data})
}

func (c *Conn) expireBlock(seq protocol.BlockSeq) {
	c.counters.blocksExpired.Add(1)
	c.tracer.Trace(qlog.BlockExpired{BlockSeq: uint64(seq)})
	c.pushRecv(recvItem{err: &BlockExpiredError{First: seq, Last: seq}})
}

func (c *Conn) onEndOfStream() {
	c.recvMu.Lock()
	c.recvEOF = true
	c.recvMu.Unlock()
	c.signalRecv()
}

func (c *Conn) pushRecv(item recvItem) {
	c.recvMu.Lock()
	c.recvQueue = append(c.recvQueue, item)
	c.recvMu.Unlock()
	c.signalRecv()
}

func (c *Conn) signalRecv() {
	select {
	case c.recvSignal <- struct{}{}:
	default:
	}
}

// marshalFrame serializes one frame into a pooled datagram buffer.
func marshalFrame(f wire.Frame) (*[]byte, error) {
	buf := wire.GetPacketBuffer()
	b, err := f.Append((*buf)[:0])
	if err != nil {
		wire.PutPacketBuffer(buf)
		return nil, err
	}
	*buf = b
	return buf, nil
}
