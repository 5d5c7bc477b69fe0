// Package receiver implements the shared-socket receiver: it is the single
// owner of its UDP socket, demultiplexes inbound data packets by flow id,
// timestamps arrivals, tracks sequence gaps and echoes ACKs.
package receiver

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/m-lab/udp-flowtest/flowtest/clock"
	"github.com/m-lab/udp-flowtest/flowtest/model"
	"github.com/m-lab/udp-flowtest/flowtest/packet"
	"github.com/m-lab/udp-flowtest/flowtest/results"
	"github.com/m-lab/udp-flowtest/logging"
	"github.com/m-lab/udp-flowtest/metrics"
)

// readTimeout bounds each blocking read so the stop signal is observed at
// every iteration boundary.
const readTimeout = 250 * time.Millisecond

// Config configures a Receiver.
type Config struct {
	// Conn is the socket this receiver exclusively owns for reading. It may
	// be bound (server side, shared by all flows) or connected (client
	// side, one flow per socket).
	Conn *net.UDPConn
	// SendAcks controls whether decoded data packets are acknowledged. The
	// data-receiving side of a session sets it; the ACK is fire and forget.
	SendAcks bool
	// Shards, when non-nil, returns the CSV shard for a flow. It is called
	// at most once per flow id, from the receiver goroutine.
	Shards func(flowID uint32) *results.Shard
}

// flowState is the receiver-side state of one flow. Owned by the receiver
// goroutine, never shared.
type flowState struct {
	lastRecvNS int64
	highest    uint64
	seen       bool
	// missing holds the sequence numbers currently presumed lost. A late
	// out-of-order arrival removes its entry again, so a gap is never
	// double counted once it is filled.
	missing map[uint64]struct{}
	events  []model.Event
	shard   *results.Shard
}

// Receiver demultiplexes one socket's datagrams into per-flow event
// streams.
type Receiver struct {
	cfg       Config
	connected bool
	flows     map[uint32]*flowState
	received  atomic.Int64
	bytes     atomic.Int64
}

// New creates a Receiver for cfg.
func New(cfg Config) *Receiver {
	return &Receiver{
		cfg:       cfg,
		connected: cfg.Conn.RemoteAddr() != nil,
		flows:     make(map[uint32]*flowState),
	}
}

// Counters returns a snapshot of the receiver's live counters. Safe to
// call while Run is executing.
func (r *Receiver) Counters() model.FlowCounters {
	return model.FlowCounters{
		PacketsReceived: r.received.Load(),
		BytesReceived:   r.bytes.Load(),
	}
}

// Run reads datagrams until ctx is done, then finalizes gap accounting and
// returns the accumulated event stream of every flow seen on the socket.
// Malformed datagrams are dropped and counted, never fatal. Transient read
// errors are absorbed; a closed socket ends the loop.
func (r *Receiver) Run(ctx context.Context) []model.Event {
	role := model.RoleReceiver.String()
	metrics.ActiveFlows.WithLabelValues(role).Inc()
	defer metrics.ActiveFlows.WithLabelValues(role).Dec()
	logging.Logger.Debug("receiver: start")
	defer logging.Logger.Debug("receiver: stop")

	buf := make([]byte, 1<<16)
	for ctx.Err() == nil {
		// Liveness: bound the read so the stop signal is checked.
		if err := r.cfg.Conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			logging.Logger.WithError(err).Warn("receiver: SetReadDeadline failed")
			break
		}
		n, addr, err := r.cfg.Conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			logging.Logger.WithError(err).Warn("receiver: read failed")
			break
		}
		now := clock.Now()
		p, _, _, err := packet.Decode(buf[:n])
		if err != nil {
			metrics.MalformedPackets.Inc()
			continue
		}
		if p == nil {
			// An ACK or hello is not addressed to the receiver role. Drop.
			continue
		}
		r.handlePacket(p, n, now, addr)
	}
	return r.finalize()
}

func (r *Receiver) handlePacket(p *packet.Packet, size int, now int64, addr *net.UDPAddr) {
	fs := r.flows[p.FlowID]
	if fs == nil {
		fs = &flowState{missing: make(map[uint64]struct{})}
		if r.cfg.Shards != nil {
			fs.shard = r.cfg.Shards(p.FlowID)
		}
		r.flows[p.FlowID] = fs
	}

	var delay *int64
	if fs.seen {
		d := now - fs.lastRecvNS
		delay = &d
	}
	fs.lastRecvNS = now
	fs.events = append(fs.events, model.Event{
		Kind:               model.KindRecv,
		FlowID:             p.FlowID,
		Seq:                p.Seq,
		Timestamp:          now,
		InterPacketDelayNS: delay,
	})
	r.received.Add(1)
	r.bytes.Add(int64(size))
	metrics.PacketsReceived.Inc()
	if fs.shard != nil {
		err := fs.shard.WriteReceiver(results.ReceiverRecord{
			PacketNumber:       p.Seq,
			RecvTimeNS:         now,
			InterPacketDelayNS: delay,
		})
		if err != nil {
			logging.Logger.WithError(err).Warnf("receiver: cannot append shard row for flow %d", p.FlowID)
		}
	}

	// Gap accounting. A jump past highest marks the skipped sequence
	// numbers missing; an arrival below highest fills a gap again.
	switch {
	case !fs.seen:
		fs.seen = true
		fs.highest = p.Seq
		for q := uint64(0); q < p.Seq; q++ {
			fs.missing[q] = struct{}{}
		}
	case p.Seq > fs.highest:
		for q := fs.highest + 1; q < p.Seq; q++ {
			fs.missing[q] = struct{}{}
		}
		fs.highest = p.Seq
	default:
		delete(fs.missing, p.Seq)
	}

	if r.cfg.SendAcks {
		ack := packet.EncodeAck(packet.Ack{
			FlowID:     p.FlowID,
			Seq:        p.Seq,
			RecvTimeNS: now,
		})
		var err error
		if r.connected {
			_, err = r.cfg.Conn.Write(ack)
		} else {
			_, err = r.cfg.Conn.WriteToUDP(ack, addr)
		}
		if err != nil {
			// Fire and forget: a lost ACK is a measured phenomenon.
			metrics.SendErrors.Inc()
		}
	}
}

// finalize turns every still-missing sequence number into a loss event and
// merges the per-flow streams.
func (r *Receiver) finalize() []model.Event {
	now := clock.Now()
	var events []model.Event
	for flowID, fs := range r.flows {
		events = append(events, fs.events...)
		for seq := range fs.missing {
			events = append(events, model.Event{
				Kind:      model.KindLoss,
				FlowID:    flowID,
				Seq:       seq,
				Timestamp: now,
			})
		}
	}
	return events
}
