// Package sender implements the per-flow paced sender: it emits data
// packets at a target rate, correlates returning ACKs with pending sends,
// and evicts pending entries that will never be acknowledged.
package sender

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/m-lab/udp-flowtest/flowtest/clock"
	"github.com/m-lab/udp-flowtest/flowtest/model"
	"github.com/m-lab/udp-flowtest/flowtest/packet"
	"github.com/m-lab/udp-flowtest/flowtest/results"
	"github.com/m-lab/udp-flowtest/flowtest/spec"
	"github.com/m-lab/udp-flowtest/logging"
	"github.com/m-lab/udp-flowtest/metrics"
)

// retryBackoff is how long to wait before the single retry of a failed send.
const retryBackoff = time.Millisecond

// AckArrival is a decoded ACK together with its local arrival time. RTT is
// computed against ArrivedNS, not the remote timestamp, so that matched
// ACKs always yield a non-negative RTT on one clock.
type AckArrival struct {
	Ack       packet.Ack
	ArrivedNS int64
}

// Config configures one flow sender.
type Config struct {
	FlowID uint32
	// TargetRateBPS is the target rate in bits per second.
	TargetRateBPS int64
	// PacketSize is the full datagram size in bytes, header included.
	PacketSize int
	// EvictionTimeout is how long a pending send may wait for its ACK.
	// Zero means spec.DefaultEvictionTimeout.
	EvictionTimeout time.Duration
	// DrainGrace is how long to keep draining ACKs after the stop signal.
	// Zero means spec.DrainGracePeriod.
	DrainGrace time.Duration
	// Write sends one encoded datagram to the peer.
	Write func(b []byte) (int, error)
	// Acks delivers this flow's ACKs. The channel is owned by whoever owns
	// the socket; the sender only drains it.
	Acks <-chan AckArrival
	// Shard, when non-nil, receives one CSV row per packet whose fate is
	// known: acknowledged or evicted.
	Shard *results.Shard
}

// Sender is one flow's sender. All state except the counters is owned by
// the goroutine running Run; the counters are atomics so that the live
// stats loop may sample them.
type Sender struct {
	cfg        Config
	intervalNS int64
	evictionNS int64
	sweepNS    int64
	drainGrace time.Duration
	pending    map[uint64]int64
	events     []model.Event
	acksClosed bool
	sent       atomic.Int64
	acked      atomic.Int64
	evicted    atomic.Int64
	bytesSent  atomic.Int64
}

// New validates cfg and creates a Sender. A non-positive rate or a packet
// size below the header size is a configuration error, reported before any
// traffic is generated.
func New(cfg Config) (*Sender, error) {
	if cfg.TargetRateBPS <= 0 {
		return nil, errors.Errorf("target rate must be positive, got %d", cfg.TargetRateBPS)
	}
	if cfg.PacketSize < packet.DataHeaderSize {
		return nil, errors.Errorf("packet size must be at least %d, got %d",
			packet.DataHeaderSize, cfg.PacketSize)
	}
	if cfg.Write == nil || cfg.Acks == nil {
		return nil, errors.New("sender needs a Write function and an Acks channel")
	}
	if cfg.EvictionTimeout == 0 {
		cfg.EvictionTimeout = spec.DefaultEvictionTimeout
	}
	if cfg.DrainGrace == 0 {
		cfg.DrainGrace = spec.DrainGracePeriod
	}
	intervalNS := int64(float64(cfg.PacketSize) * 8 * float64(time.Second) / float64(cfg.TargetRateBPS))
	if intervalNS < 1 {
		intervalNS = 1
	}
	sweepNS := int64(cfg.EvictionTimeout) / 4
	if sweepNS < int64(time.Millisecond) {
		sweepNS = int64(time.Millisecond)
	}
	return &Sender{
		cfg:        cfg,
		intervalNS: intervalNS,
		evictionNS: int64(cfg.EvictionTimeout),
		sweepNS:    sweepNS,
		drainGrace: cfg.DrainGrace,
		pending:    make(map[uint64]int64),
	}, nil
}

// Interval returns the inter-send interval derived from the configured
// rate and packet size.
func (s *Sender) Interval() time.Duration {
	return time.Duration(s.intervalNS)
}

// Counters returns a snapshot of the flow's live counters. Safe to call
// while Run is executing.
func (s *Sender) Counters() model.FlowCounters {
	return model.FlowCounters{
		FlowID:         s.cfg.FlowID,
		PacketsSent:    s.sent.Load(),
		PacketsAcked:   s.acked.Load(),
		PacketsEvicted: s.evicted.Load(),
		BytesSent:      s.bytesSent.Load(),
	}
}

// Run paces packets from the shared start time until ctx is done, then
// stops sending, drains late ACKs for the grace period, runs a final
// eviction sweep and returns the flow's event stream. Pending entries that
// are not yet past the eviction timeout when Run returns are still in
// flight and are not counted as lost.
//
// The schedule is an accumulator of absolute deadlines: each iteration
// sleeps until next and then advances next by the inter-send interval, so
// scheduling jitter does not accumulate into rate drift. The stop signal
// is observed within one pacing interval and never interrupts a send.
func (s *Sender) Run(ctx context.Context, start time.Time) []model.Event {
	role := model.RoleSender.String()
	metrics.ActiveFlows.WithLabelValues(role).Inc()
	defer metrics.ActiveFlows.WithLabelValues(role).Dec()
	logging.Logger.Debugf("sender %d: start", s.cfg.FlowID)
	defer logging.Logger.Debugf("sender %d: stop", s.cfg.FlowID)

	next := start.UnixNano()
	nextSweep := next + s.sweepNS
	var seq uint64
	for {
		if !clock.SleepUntil(ctx, next) {
			break
		}
		s.drainAcks()
		now := clock.Now()
		if now >= nextSweep {
			s.evict(now)
			nextSweep = now + s.sweepNS
		}
		if s.send(seq, now) {
			seq++
		}
		next += s.intervalNS
	}
	s.drain()
	s.evict(clock.Now())
	return s.events
}

// send emits one packet and returns whether the sequence number was
// consumed. A failed send is retried once; if the retry also fails the
// packet is counted as a failed send and the sequence number is reused, so
// the receiver never sees a gap for a packet that was never on the wire.
func (s *Sender) send(seq uint64, now int64) bool {
	buf, err := packet.EncodePacket(packet.Packet{
		FlowID:     s.cfg.FlowID,
		Seq:        seq,
		SendTimeNS: now,
	}, s.cfg.PacketSize)
	if err != nil {
		// Unreachable after New validated the packet size.
		logging.Logger.WithError(err).Warnf("sender %d: encode failed", s.cfg.FlowID)
		return false
	}
	if _, err := s.cfg.Write(buf); err != nil {
		time.Sleep(retryBackoff)
		if _, err = s.cfg.Write(buf); err != nil {
			metrics.SendErrors.Inc()
			logging.Logger.WithError(err).Warnf("sender %d: send failed after retry", s.cfg.FlowID)
			return false
		}
	}
	s.pending[seq] = now
	s.events = append(s.events, model.Event{
		Kind:      model.KindSend,
		FlowID:    s.cfg.FlowID,
		Seq:       seq,
		Timestamp: now,
	})
	s.sent.Add(1)
	s.bytesSent.Add(int64(s.cfg.PacketSize))
	metrics.PacketsSent.Inc()
	return true
}

// handleAck matches an ACK with its pending send. An ACK with no pending
// entry is late, duplicated, evicted or was never sent; it is discarded
// silently, which also prevents spurious negative RTTs from corrupt
// sequence numbers.
func (s *Sender) handleAck(a AckArrival) {
	sentNS, ok := s.pending[a.Ack.Seq]
	if !ok {
		metrics.UnmatchedAcks.Inc()
		return
	}
	delete(s.pending, a.Ack.Seq)
	rtt := a.ArrivedNS - sentNS
	s.events = append(s.events, model.Event{
		Kind:      model.KindAck,
		FlowID:    s.cfg.FlowID,
		Seq:       a.Ack.Seq,
		Timestamp: a.ArrivedNS,
		RTTNS:     rtt,
	})
	s.acked.Add(1)
	metrics.AcksReceived.Inc()
	if s.cfg.Shard != nil {
		err := s.cfg.Shard.WriteSender(results.SenderRecord{
			PacketNumber: a.Ack.Seq,
			SendTimeNS:   sentNS,
			RTTNS:        rtt,
		})
		if err != nil {
			logging.Logger.WithError(err).Warnf("sender %d: cannot append shard row", s.cfg.FlowID)
		}
	}
}

// evict removes pending entries older than the eviction timeout. Each
// eviction emits exactly one loss event; a late ACK arriving afterwards
// finds no pending entry and is discarded, never re-added.
func (s *Sender) evict(now int64) {
	cutoff := now - s.evictionNS
	for seq, sentNS := range s.pending {
		if sentNS > cutoff {
			continue
		}
		delete(s.pending, seq)
		s.events = append(s.events, model.Event{
			Kind:      model.KindLoss,
			FlowID:    s.cfg.FlowID,
			Seq:       seq,
			Timestamp: now,
		})
		s.evicted.Add(1)
		metrics.EvictedPackets.Inc()
		if s.cfg.Shard != nil {
			err := s.cfg.Shard.WriteSender(results.SenderRecord{
				PacketNumber: seq,
				SendTimeNS:   sentNS,
				RTTNS:        results.EvictedRTT,
			})
			if err != nil {
				logging.Logger.WithError(err).Warnf("sender %d: cannot append shard row", s.cfg.FlowID)
			}
		}
	}
}

// drainAcks consumes every ACK already queued without blocking.
func (s *Sender) drainAcks() {
	for !s.acksClosed {
		select {
		case a, ok := <-s.cfg.Acks:
			if !ok {
				s.acksClosed = true
				return
			}
			s.handleAck(a)
		default:
			return
		}
	}
}

// drain keeps consuming ACKs for the grace period after the stop signal.
func (s *Sender) drain() {
	if s.acksClosed {
		return
	}
	timer := time.NewTimer(s.drainGrace)
	defer timer.Stop()
	for {
		select {
		case a, ok := <-s.cfg.Acks:
			if !ok {
				s.acksClosed = true
				return
			}
			s.handleAck(a)
		case <-timer.C:
			return
		}
	}
}
