// Package coordinator owns a whole test session: it fans out N concurrent
// flows, starts them on a common barrier, stops them together when the
// duration expires, and merges their event shards into one
// timestamp-ordered stream.
package coordinator

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/m-lab/go/warnonerror"
	"github.com/pkg/errors"

	"github.com/m-lab/udp-flowtest/flowtest/model"
	"github.com/m-lab/udp-flowtest/flowtest/packet"
	"github.com/m-lab/udp-flowtest/flowtest/receiver"
	"github.com/m-lab/udp-flowtest/flowtest/results"
	"github.com/m-lab/udp-flowtest/flowtest/sender"
	"github.com/m-lab/udp-flowtest/flowtest/spec"
	"github.com/m-lab/udp-flowtest/logging"
	"github.com/m-lab/udp-flowtest/metrics"
)

// ackQueueDepth is the per-flow ACK channel capacity. ACKs beyond it are
// dropped, which the sender later evicts: queue overflow degrades into
// measured loss instead of blocking the socket reader.
const ackQueueDepth = 4096

// Config configures a session. The role is implied by the entry point:
// Run*Senders for the transmitting side, Run*Receiver* for the other one.
type Config struct {
	// Flows is the number of concurrent flows.
	Flows int
	// Duration is how long the session runs. The receiving entry points
	// accept zero, meaning run until the context is done.
	Duration time.Duration
	// RateBPS is the per-flow target rate in bits per second.
	RateBPS int64
	// PacketSize is the data datagram size in bytes, header included.
	PacketSize int
	// EvictionTimeout overrides spec.DefaultEvictionTimeout when non-zero.
	EvictionTimeout time.Duration
	// DataDir enables per-flow CSV shards when non-empty.
	DataDir string
	// Measurements, when non-nil, receives live samples from the stats
	// loop. Sends never block; a slow consumer just misses samples.
	Measurements chan<- model.Measurement
}

// Validate checks cfg for role before any socket is opened. Configuration
// errors are fatal: no traffic is generated after one.
func (c Config) Validate(role model.Role) error {
	if c.Flows <= 0 {
		return errors.Errorf("flow count must be positive, got %d", c.Flows)
	}
	if role == model.RoleSender {
		if c.Duration <= 0 {
			return errors.Errorf("duration must be positive, got %s", c.Duration)
		}
		if c.RateBPS <= 0 {
			return errors.Errorf("target rate must be positive, got %d", c.RateBPS)
		}
		if c.PacketSize < packet.DataHeaderSize {
			return errors.Errorf("packet size must be at least %d, got %d",
				packet.DataHeaderSize, c.PacketSize)
		}
	} else if c.Duration < 0 {
		return errors.Errorf("duration must not be negative, got %s", c.Duration)
	}
	return nil
}

// Result is the outcome of one session.
type Result struct {
	// UUID identifies the session and its shard files.
	UUID string
	// Role is the role this side performed.
	Role model.Role
	// Start is the common start time of all flows.
	Start time.Time
	// Duration is the configured duration.
	Duration time.Duration
	// Events is the merged, timestamp-ordered event stream.
	Events []model.Event
}

// shardSet lazily opens per-flow shards and closes them together.
type shardSet struct {
	datadir string
	role    model.Role
	uuid    string
	mu      sync.Mutex
	open    []*results.Shard
}

// forFlow opens the shard for flowID, or returns nil when shards are
// disabled or the open failed. A failed shard only loses the CSV copy of
// the flow's events; the in-memory stream is unaffected.
func (ss *shardSet) forFlow(flowID uint32) *results.Shard {
	if ss.datadir == "" {
		return nil
	}
	s, err := results.OpenShard(ss.datadir, ss.role, ss.uuid, flowID)
	if err != nil {
		logging.Logger.WithError(err).Warnf("coordinator: cannot open shard for flow %d", flowID)
		return nil
	}
	ss.mu.Lock()
	ss.open = append(ss.open, s)
	ss.mu.Unlock()
	return s
}

func (ss *shardSet) closeAll() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for _, s := range ss.open {
		warnonerror.Close(s, "coordinator: ignoring shard close error")
	}
	ss.open = nil
}

// RunSenders runs cfg.Flows senders against raddr, one connected socket
// per flow. This is the client side of a normal-mode session. It returns
// after every flow has stopped, drained its ACKs and finalized eviction.
func RunSenders(ctx context.Context, cfg Config, raddr *net.UDPAddr) (*Result, error) {
	if err := cfg.Validate(model.RoleSender); err != nil {
		return nil, err
	}
	conns := make([]*net.UDPConn, cfg.Flows)
	for i := range conns {
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			for _, c := range conns[:i] {
				warnonerror.Close(c, "coordinator: ignoring close error")
			}
			return nil, errors.Wrapf(err, "cannot dial %s for flow %d", raddr, i)
		}
		SetSocketBuffers(conn)
		conns[i] = conn
	}

	writes := make([]func([]byte) (int, error), cfg.Flows)
	for i, conn := range conns {
		writes[i] = conn.Write
	}
	var readers sync.WaitGroup
	res, err := runSenderFlows(ctx, cfg, writes, func(flowID uint32, acks chan<- sender.AckArrival) {
		conn := conns[flowID]
		readers.Add(1)
		go func() {
			defer readers.Done()
			readAcks(conn, flowID, acks)
		}()
	})
	// Closing the sockets unblocks the ACK readers.
	for _, conn := range conns {
		warnonerror.Close(conn, "coordinator: ignoring close error")
	}
	readers.Wait()
	return res, err
}

// RunSharedSenders runs cfg.Flows senders multiplexed over one unconnected
// socket, addressing each flow to dests[flowID]. This is the server side
// of a reverse-mode session; dests comes from AwaitHellos. The socket's
// single reader demultiplexes returning ACKs by flow id.
func RunSharedSenders(ctx context.Context, cfg Config, conn *net.UDPConn, dests map[uint32]*net.UDPAddr) (*Result, error) {
	if err := cfg.Validate(model.RoleSender); err != nil {
		return nil, err
	}
	if len(dests) < cfg.Flows {
		return nil, errors.Errorf("only %d of %d flows have a destination", len(dests), cfg.Flows)
	}

	writes := make([]func([]byte) (int, error), cfg.Flows)
	for i := range writes {
		addr := dests[uint32(i)]
		if addr == nil {
			return nil, errors.Errorf("flow %d has no destination", i)
		}
		writes[i] = func(b []byte) (int, error) {
			return conn.WriteToUDP(b, addr)
		}
	}

	muxCtx, stopMux := context.WithCancel(context.Background())
	var mux sync.WaitGroup
	queues := make([]chan<- sender.AckArrival, cfg.Flows)
	res, err := runSenderFlows(ctx, cfg, writes, func(flowID uint32, acks chan<- sender.AckArrival) {
		queues[flowID] = acks
		if int(flowID) == cfg.Flows-1 {
			// All queues registered: start the single socket reader.
			mux.Add(1)
			go func() {
				defer mux.Done()
				muxAcks(muxCtx, conn, queues)
			}()
		}
	})
	stopMux()
	mux.Wait()
	return res, err
}

// RunReceiver runs the shared-socket receiver on conn. This is the server
// side of a normal-mode session. A zero cfg.Duration runs until ctx is
// done.
func RunReceiver(ctx context.Context, cfg Config, conn *net.UDPConn) (*Result, error) {
	if err := cfg.Validate(model.RoleReceiver); err != nil {
		return nil, err
	}
	return runReceivers(ctx, cfg, []*net.UDPConn{conn}, cfg.Duration)
}

// RunFlowReceivers announces each flow to the server with a hello and then
// receives on every connected socket. This is the client side of a
// reverse-mode session. The receivers outlive the nominal duration by the
// drain grace so the last in-flight packets are still recorded.
func RunFlowReceivers(ctx context.Context, cfg Config, conns []*net.UDPConn) (*Result, error) {
	if err := cfg.Validate(model.RoleReceiver); err != nil {
		return nil, err
	}
	if len(conns) != cfg.Flows {
		return nil, errors.Errorf("have %d sockets for %d flows", len(conns), cfg.Flows)
	}
	if err := announceFlows(ctx, conns); err != nil {
		return nil, err
	}
	timeout := time.Duration(0)
	if cfg.Duration > 0 {
		timeout = cfg.Duration + spec.StartBarrierDelay + spec.DrainGracePeriod + time.Second
	}
	return runReceivers(ctx, cfg, conns, timeout)
}

// AwaitHellos reads conn until flows distinct flow ids have announced
// their return address. It fails when the timeout expires or ctx is done
// first: a reverse-mode session cannot start with silent flows, because
// the sender would have nowhere to address them.
func AwaitHellos(ctx context.Context, conn *net.UDPConn, flows int, timeout time.Duration) (map[uint32]*net.UDPAddr, error) {
	dests := make(map[uint32]*net.UDPAddr, flows)
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 1<<16)
	for len(dests) < flows && ctx.Err() == nil && time.Now().Before(deadline) {
		if err := conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond)); err != nil {
			return nil, errors.Wrap(err, "cannot set read deadline")
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return nil, errors.Wrap(err, "cannot read hello")
		}
		_, _, h, err := packet.Decode(buf[:n])
		if err != nil {
			metrics.MalformedPackets.Inc()
			continue
		}
		if h == nil {
			continue
		}
		if _, ok := dests[h.FlowID]; !ok {
			dests[h.FlowID] = addr
			logging.Logger.Debugf("coordinator: flow %d announced from %s", h.FlowID, addr)
		}
	}
	if len(dests) < flows {
		return nil, errors.Errorf("only %d of %d flows announced themselves before the timeout",
			len(dests), flows)
	}
	return dests, nil
}

// runSenderFlows is the shared sender-side session body: build the flows,
// start their ACK delivery, release them on a common barrier, cancel them
// at the deadline, and merge their streams.
func runSenderFlows(ctx context.Context, cfg Config, writes []func([]byte) (int, error),
	startAcks func(flowID uint32, acks chan<- sender.AckArrival)) (*Result, error) {

	id := uuid.NewString()
	shards := &shardSet{datadir: cfg.DataDir, role: model.RoleSender, uuid: id}
	defer shards.closeAll()

	senders := make([]*sender.Sender, cfg.Flows)
	for i := 0; i < cfg.Flows; i++ {
		acks := make(chan sender.AckArrival, ackQueueDepth)
		s, err := sender.New(sender.Config{
			FlowID:          uint32(i),
			TargetRateBPS:   cfg.RateBPS,
			PacketSize:      cfg.PacketSize,
			EvictionTimeout: cfg.EvictionTimeout,
			Write:           writes[i],
			Acks:            acks,
			Shard:           shards.forFlow(uint32(i)),
		})
		if err != nil {
			return nil, err
		}
		senders[i] = s
		startAcks(uint32(i), acks)
	}

	// Start barrier: every flow paces from the same instant, so the
	// aggregate reflects true concurrent load rather than a staggered ramp.
	start := time.Now().Add(spec.StartBarrierDelay)
	runCtx, cancel := context.WithDeadline(ctx, start.Add(cfg.Duration))
	defer cancel()

	statsDone := watchStats(runCtx, start, model.RoleSender, cfg.Measurements, func() (int64, int64) {
		var packets, bytes int64
		for _, s := range senders {
			c := s.Counters()
			packets += c.PacketsSent
			bytes += c.BytesSent
		}
		return packets, bytes
	})

	streams := make([][]model.Event, cfg.Flows)
	var wg sync.WaitGroup
	for i, s := range senders {
		wg.Add(1)
		go func(i int, s *sender.Sender) {
			defer wg.Done()
			streams[i] = s.Run(runCtx, start)
		}(i, s)
	}
	wg.Wait()
	cancel()
	<-statsDone

	var packets, bytes int64
	for _, s := range senders {
		c := s.Counters()
		packets += c.PacketsSent
		bytes += c.BytesSent
	}
	logging.Logger.WithFields(log.Fields{
		"uuid":     id,
		"role":     model.RoleSender.String(),
		"duration": cfg.Duration.String(),
		"packets":  packets,
		"mbps":     float64(bytes) * 8 / cfg.Duration.Seconds() / 1e6,
	}).Info("session complete")

	return &Result{
		UUID:     id,
		Role:     model.RoleSender,
		Start:    start,
		Duration: cfg.Duration,
		Events:   mergeStreams(streams),
	}, nil
}

// runReceivers runs one receiver per socket until the timeout (zero: until
// ctx is done) and merges their streams.
func runReceivers(ctx context.Context, cfg Config, conns []*net.UDPConn, timeout time.Duration) (*Result, error) {
	id := uuid.NewString()
	shards := &shardSet{datadir: cfg.DataDir, role: model.RoleReceiver, uuid: id}
	defer shards.closeAll()

	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	receivers := make([]*receiver.Receiver, len(conns))
	for i, conn := range conns {
		receivers[i] = receiver.New(receiver.Config{
			Conn:     conn,
			SendAcks: true,
			Shards:   shards.forFlow,
		})
	}

	statsDone := watchStats(runCtx, start, model.RoleReceiver, cfg.Measurements, func() (int64, int64) {
		var packets, bytes int64
		for _, r := range receivers {
			c := r.Counters()
			packets += c.PacketsReceived
			bytes += c.BytesReceived
		}
		return packets, bytes
	})

	streams := make([][]model.Event, len(receivers))
	var wg sync.WaitGroup
	for i, r := range receivers {
		wg.Add(1)
		go func(i int, r *receiver.Receiver) {
			defer wg.Done()
			streams[i] = r.Run(runCtx)
		}(i, r)
	}
	wg.Wait()
	cancel()
	<-statsDone

	elapsed := time.Since(start)
	var packets, bytes int64
	for _, r := range receivers {
		c := r.Counters()
		packets += c.PacketsReceived
		bytes += c.BytesReceived
	}
	logging.Logger.WithFields(log.Fields{
		"uuid":     id,
		"role":     model.RoleReceiver.String(),
		"duration": elapsed.String(),
		"packets":  packets,
		"mbps":     float64(bytes) * 8 / elapsed.Seconds() / 1e6,
	}).Info("session complete")

	return &Result{
		UUID:     id,
		Role:     model.RoleReceiver,
		Start:    start,
		Duration: cfg.Duration,
		Events:   mergeStreams(streams),
	}, nil
}

// readAcks is the single reader of one connected per-flow socket. It exits
// when the socket is closed. ACKs for other flows cannot arrive on a
// connected socket but are checked anyway and dropped.
func readAcks(conn *net.UDPConn, flowID uint32, acks chan<- sender.AckArrival) {
	defer close(acks)
	buf := make([]byte, 1<<16)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		deliverAck(buf[:n], flowID, acks)
	}
}

// muxAcks is the single reader of a shared sender-side socket. It routes
// ACKs to the per-flow queues by flow id until ctx is done.
func muxAcks(ctx context.Context, conn *net.UDPConn, queues []chan<- sender.AckArrival) {
	defer func() {
		for _, q := range queues {
			close(q)
		}
	}()
	buf := make([]byte, 1<<16)
	for ctx.Err() == nil {
		if err := conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond)); err != nil {
			return
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		_, a, _, err := packet.Decode(buf[:n])
		if err != nil {
			metrics.MalformedPackets.Inc()
			continue
		}
		if a == nil || a.FlowID >= uint32(len(queues)) {
			continue
		}
		deliver(queues[a.FlowID], *a)
	}
}

func deliverAck(buf []byte, flowID uint32, acks chan<- sender.AckArrival) {
	_, a, _, err := packet.Decode(buf)
	if err != nil {
		metrics.MalformedPackets.Inc()
		return
	}
	if a == nil || a.FlowID != flowID {
		return
	}
	deliver(acks, *a)
}

func deliver(acks chan<- sender.AckArrival, a packet.Ack) {
	arrival := sender.AckArrival{Ack: a, ArrivedNS: time.Now().UnixNano()}
	select {
	case acks <- arrival:
	default:
		// Queue full: the entry will be evicted and measured as loss.
	}
}

// announceFlows sends the first hello for every flow synchronously, then
// keeps retrying in the background while the receivers run. Hellos are
// fire and forget; a flow whose hellos are all lost simply receives
// nothing.
func announceFlows(ctx context.Context, conns []*net.UDPConn) error {
	for i, conn := range conns {
		if _, err := conn.Write(packet.EncodeHello(packet.Hello{FlowID: uint32(i)})); err != nil {
			return errors.Wrapf(err, "cannot announce flow %d", i)
		}
	}
	go func() {
		for retry := 1; retry < spec.HelloRetries; retry++ {
			timer := time.NewTimer(spec.HelloRetryInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			for i, conn := range conns {
				if _, err := conn.Write(packet.EncodeHello(packet.Hello{FlowID: uint32(i)})); err != nil {
					logging.Logger.WithError(err).Debugf("coordinator: hello retry for flow %d failed", i)
				}
			}
		}
	}()
	return nil
}

// mergeStreams concatenates the per-flow shards and restores a global
// timestamp order. Within a flow the engine emitted events in order
// already; across flows only the timestamps relate them.
func mergeStreams(streams [][]model.Event) []model.Event {
	var merged []model.Event
	for _, s := range streams {
		merged = append(merged, s...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		if merged[i].FlowID != merged[j].FlowID {
			return merged[i].FlowID < merged[j].FlowID
		}
		return merged[i].Seq < merged[j].Seq
	})
	return merged
}
