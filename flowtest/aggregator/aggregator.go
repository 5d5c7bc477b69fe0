// Package aggregator derives session statistics from an event stream:
// totals and loss rate, a bucketed throughput time series, the RTT
// distribution of matched ACKs, and inter-packet jitter.
package aggregator

import (
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/m-lab/udp-flowtest/flowtest/model"
)

// JitterDefinition selects how jitter is computed. The two definitions in
// circulation disagree enough that the choice is explicit configuration,
// never a silent default of the implementation.
type JitterDefinition int

const (
	// JitterRFC3550 is the mean absolute difference between consecutive
	// inter-packet delays of a flow, i.e. the interarrival jitter of
	// RFC 3550 section 6.4.1 without the 1/16 smoothing gain.
	JitterRFC3550 = JitterDefinition(iota)
	// JitterStdDev is the standard deviation of a flow's inter-packet
	// delays.
	JitterStdDev
)

// String returns the flag spelling of j.
func (j JitterDefinition) String() string {
	if j == JitterStdDev {
		return "stddev"
	}
	return "rfc3550"
}

// ParseJitterDefinition parses the flag spelling of a jitter definition.
func ParseJitterDefinition(s string) (JitterDefinition, error) {
	switch s {
	case "rfc3550":
		return JitterRFC3550, nil
	case "stddev":
		return JitterStdDev, nil
	}
	return 0, errors.Errorf("unknown jitter definition %q (want rfc3550 or stddev)", s)
}

// Config configures aggregation.
type Config struct {
	// PacketSize is the datagram size in bytes, used to convert packet
	// counts into throughput.
	PacketSize int
	// BucketWidth is the throughput time series resolution. Zero means
	// one second.
	BucketWidth time.Duration
	// Jitter selects the jitter definition.
	Jitter JitterDefinition
}

// RTTStats is the distribution of matched-ACK round-trip times. Evicted
// and never-acknowledged packets contribute nothing here; they only count
// as loss.
type RTTStats struct {
	Count int64
	Min   int64
	Mean  float64
	P50   int64
	P95   int64
	Max   int64
}

// ThroughputSample is one bucket of the throughput time series.
type ThroughputSample struct {
	// Offset is the bucket's start relative to the first event.
	Offset time.Duration
	// Packets is the number of packets observed in the bucket.
	Packets int64
	// BitsPerSecond is the bucket's throughput.
	BitsPerSecond float64
}

// FlowSummary is the per-flow breakdown.
type FlowSummary struct {
	FlowID    uint32
	Sent      int64
	Received  int64
	Acked     int64
	Lost      int64
	Reordered int64
	LossRate  float64
	RTT       RTTStats
	JitterNS  float64
}

// Summary is the aggregate outcome of a session.
type Summary struct {
	PacketsSent     int64
	PacketsReceived int64
	PacketsLost     int64
	LossRate        float64
	RTT             RTTStats
	// JitterNS is the mean of the per-flow jitters, weighted by the number
	// of delay samples.
	JitterNS float64
	Jitter   JitterDefinition
	// Throughput is the bucketed time series, derived from receive events
	// when present and from send events otherwise.
	Throughput []ThroughputSample
	Flows      []FlowSummary
}

// flowAcc accumulates one flow's raw samples.
type flowAcc struct {
	sent, received, acked, reordered int64
	lost                             map[uint64]struct{}
	maxSeq                           uint64
	seenRecv                         bool
	rtts                             []int64
	delays                           []int64
}

// Aggregate computes the summary of an event stream. The stream may come
// from a live session or from shard files loaded back from disk; the
// semantics are identical. Losses are deduplicated by (flow, seq) so that
// a packet reported lost by both the sender's eviction and the receiver's
// gap accounting counts once.
func Aggregate(events []model.Event, cfg Config) Summary {
	if cfg.BucketWidth <= 0 {
		cfg.BucketWidth = time.Second
	}

	flows := make(map[uint32]*flowAcc)
	acc := func(flowID uint32) *flowAcc {
		fa := flows[flowID]
		if fa == nil {
			fa = &flowAcc{lost: make(map[uint64]struct{})}
			flows[flowID] = fa
		}
		return fa
	}

	var recvTimes, sendTimes []int64
	for _, ev := range events {
		fa := acc(ev.FlowID)
		switch ev.Kind {
		case model.KindSend:
			fa.sent++
			sendTimes = append(sendTimes, ev.Timestamp)
		case model.KindRecv:
			fa.received++
			recvTimes = append(recvTimes, ev.Timestamp)
			if fa.seenRecv && ev.Seq < fa.maxSeq {
				fa.reordered++
			}
			if !fa.seenRecv || ev.Seq > fa.maxSeq {
				fa.maxSeq = ev.Seq
			}
			fa.seenRecv = true
			if ev.InterPacketDelayNS != nil {
				fa.delays = append(fa.delays, *ev.InterPacketDelayNS)
			}
			// A gap filled late must not stay counted as lost.
			delete(fa.lost, ev.Seq)
		case model.KindAck:
			fa.acked++
			fa.rtts = append(fa.rtts, ev.RTTNS)
		case model.KindLoss:
			fa.lost[ev.Seq] = struct{}{}
		}
	}

	var s Summary
	s.Jitter = cfg.Jitter
	var allRTTs []int64
	var jitterWeight float64
	flowIDs := make([]uint32, 0, len(flows))
	for id := range flows {
		flowIDs = append(flowIDs, id)
	}
	sort.Slice(flowIDs, func(i, j int) bool { return flowIDs[i] < flowIDs[j] })
	for _, id := range flowIDs {
		fa := flows[id]
		fs := FlowSummary{
			FlowID:    id,
			Sent:      fa.sent,
			Received:  fa.received,
			Acked:     fa.acked,
			Lost:      int64(len(fa.lost)),
			Reordered: fa.reordered,
			RTT:       rttStats(fa.rtts),
			JitterNS:  jitter(fa.delays, cfg.Jitter),
		}
		fs.LossRate = lossRate(fs.Sent, fs.Received, fs.Lost)
		s.PacketsSent += fs.Sent
		s.PacketsReceived += fs.Received
		s.PacketsLost += fs.Lost
		if n := float64(len(fa.delays)); n > 0 {
			s.JitterNS += fs.JitterNS * n
			jitterWeight += n
		}
		allRTTs = append(allRTTs, fa.rtts...)
		s.Flows = append(s.Flows, fs)
	}
	if jitterWeight > 0 {
		s.JitterNS /= jitterWeight
	}
	s.RTT = rttStats(allRTTs)
	s.LossRate = lossRate(s.PacketsSent, s.PacketsReceived, s.PacketsLost)

	times := recvTimes
	if len(times) == 0 {
		times = sendTimes
	}
	s.Throughput = buckets(times, cfg)
	return s
}

// lossRate is 1 - received/sent when both sides of the session are in the
// stream. A single-sided stream falls back to the count of established
// losses over the packets it knows about.
func lossRate(sent, received, lost int64) float64 {
	if sent > 0 && received > 0 {
		return 1 - float64(received)/float64(sent)
	}
	if sent > 0 {
		return float64(lost) / float64(sent)
	}
	if received+lost > 0 {
		return float64(lost) / float64(received+lost)
	}
	return 0
}

func rttStats(rtts []int64) RTTStats {
	if len(rtts) == 0 {
		return RTTStats{}
	}
	sorted := make([]int64, len(rtts))
	copy(sorted, rtts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var sum float64
	for _, r := range sorted {
		sum += float64(r)
	}
	return RTTStats{
		Count: int64(len(sorted)),
		Min:   sorted[0],
		Mean:  sum / float64(len(sorted)),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		Max:   sorted[len(sorted)-1],
	}
}

// percentile is the nearest-rank percentile of a sorted slice.
func percentile(sorted []int64, q float64) int64 {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// jitter computes a flow's jitter from its defined inter-packet delays.
// The first packet of a flow has no delay and contributes nothing. Fewer
// than two samples yield zero under either definition.
func jitter(delays []int64, def JitterDefinition) float64 {
	if len(delays) < 2 {
		return 0
	}
	if def == JitterStdDev {
		var mean float64
		for _, d := range delays {
			mean += float64(d)
		}
		mean /= float64(len(delays))
		var variance float64
		for _, d := range delays {
			diff := float64(d) - mean
			variance += diff * diff
		}
		variance /= float64(len(delays))
		return math.Sqrt(variance)
	}
	var sum float64
	for i := 1; i < len(delays); i++ {
		sum += math.Abs(float64(delays[i] - delays[i-1]))
	}
	return sum / float64(len(delays)-1)
}

// buckets turns event timestamps into a contiguous throughput time
// series, zero-filled where no packet arrived.
func buckets(times []int64, cfg Config) []ThroughputSample {
	if len(times) == 0 {
		return nil
	}
	min := times[0]
	for _, t := range times {
		if t < min {
			min = t
		}
	}
	width := int64(cfg.BucketWidth)
	counts := make(map[int64]int64)
	var last int64
	for _, t := range times {
		b := (t - min) / width
		counts[b]++
		if b > last {
			last = b
		}
	}
	seconds := cfg.BucketWidth.Seconds()
	samples := make([]ThroughputSample, 0, last+1)
	for b := int64(0); b <= last; b++ {
		n := counts[b]
		samples = append(samples, ThroughputSample{
			Offset:        time.Duration(b * width),
			Packets:       n,
			BitsPerSecond: float64(n*int64(cfg.PacketSize)*8) / seconds,
		})
	}
	return samples
}
