package aggregator

import (
	"testing"
	"time"

	"github.com/m-lab/udp-flowtest/flowtest/model"
)

func ptr(d int64) *int64 { return &d }

func TestAggregateSenderOnly(t *testing.T) {
	ms := int64(time.Millisecond)
	events := []model.Event{
		{Kind: model.KindSend, Seq: 0, Timestamp: 0},
		{Kind: model.KindSend, Seq: 1, Timestamp: 10 * ms},
		{Kind: model.KindSend, Seq: 2, Timestamp: 20 * ms},
		{Kind: model.KindSend, Seq: 3, Timestamp: 30 * ms},
		{Kind: model.KindAck, Seq: 0, Timestamp: 5 * ms, RTTNS: 5 * ms},
		{Kind: model.KindAck, Seq: 1, Timestamp: 16 * ms, RTTNS: 6 * ms},
		{Kind: model.KindAck, Seq: 3, Timestamp: 37 * ms, RTTNS: 7 * ms},
		{Kind: model.KindLoss, Seq: 2, Timestamp: 40 * ms},
	}
	s := Aggregate(events, Config{PacketSize: 125})

	if s.PacketsSent != 4 || s.PacketsReceived != 0 || s.PacketsLost != 1 {
		t.Errorf("counts = %d/%d/%d, want 4 sent, 0 received, 1 lost",
			s.PacketsSent, s.PacketsReceived, s.PacketsLost)
	}
	if s.LossRate != 0.25 {
		t.Errorf("LossRate = %v, want 0.25", s.LossRate)
	}
	rtt := s.RTT
	if rtt.Count != 3 || rtt.Min != 5*ms || rtt.Max != 7*ms {
		t.Errorf("RTT = %+v, want count 3, min 5ms, max 7ms", rtt)
	}
	if rtt.Mean != float64(6*ms) || rtt.P50 != 6*ms || rtt.P95 != 7*ms {
		t.Errorf("RTT = %+v, want mean/p50 6ms, p95 7ms", rtt)
	}
	// No receive events: throughput falls back to the send timestamps.
	if len(s.Throughput) != 1 || s.Throughput[0].Packets != 4 {
		t.Fatalf("Throughput = %+v, want one bucket of 4 packets", s.Throughput)
	}
	if bps := s.Throughput[0].BitsPerSecond; bps != 4000 {
		t.Errorf("BitsPerSecond = %v, want 4000", bps)
	}
}

func TestAggregateDeduplicatesLosses(t *testing.T) {
	// Seq 2 is reported lost by both sides of the session.
	events := []model.Event{
		{Kind: model.KindSend, Seq: 0}, {Kind: model.KindSend, Seq: 1},
		{Kind: model.KindSend, Seq: 2}, {Kind: model.KindSend, Seq: 3},
		{Kind: model.KindRecv, Seq: 0}, {Kind: model.KindRecv, Seq: 1},
		{Kind: model.KindRecv, Seq: 3},
		{Kind: model.KindLoss, Seq: 2},
		{Kind: model.KindLoss, Seq: 2},
	}
	s := Aggregate(events, Config{PacketSize: 100})
	if s.PacketsLost != 1 {
		t.Errorf("PacketsLost = %d, want 1", s.PacketsLost)
	}
	if s.LossRate != 0.25 {
		t.Errorf("LossRate = %v, want 1 - 3/4", s.LossRate)
	}
}

func TestAggregateLateArrivalClearsLoss(t *testing.T) {
	events := []model.Event{
		{Kind: model.KindLoss, Seq: 2},
		{Kind: model.KindRecv, Seq: 2, Timestamp: 100},
	}
	s := Aggregate(events, Config{PacketSize: 100})
	if s.PacketsLost != 0 {
		t.Errorf("PacketsLost = %d, want 0 after the gap was filled", s.PacketsLost)
	}
}

func TestAggregateJitter(t *testing.T) {
	events := []model.Event{
		{Kind: model.KindRecv, Seq: 0, Timestamp: 0},
		{Kind: model.KindRecv, Seq: 1, Timestamp: 10, InterPacketDelayNS: ptr(10)},
		{Kind: model.KindRecv, Seq: 2, Timestamp: 30, InterPacketDelayNS: ptr(20)},
	}
	// Delays are 10 and 20: the mean absolute difference is 10, the
	// standard deviation is 5.
	s := Aggregate(events, Config{PacketSize: 100, Jitter: JitterRFC3550})
	if s.JitterNS != 10 {
		t.Errorf("rfc3550 jitter = %v, want 10", s.JitterNS)
	}
	s = Aggregate(events, Config{PacketSize: 100, Jitter: JitterStdDev})
	if s.JitterNS != 5 {
		t.Errorf("stddev jitter = %v, want 5", s.JitterNS)
	}
}

func TestAggregateCountsReordering(t *testing.T) {
	events := []model.Event{
		{Kind: model.KindRecv, Seq: 0, Timestamp: 0},
		{Kind: model.KindRecv, Seq: 2, Timestamp: 10},
		{Kind: model.KindRecv, Seq: 1, Timestamp: 20},
	}
	s := Aggregate(events, Config{PacketSize: 100})
	if len(s.Flows) != 1 || s.Flows[0].Reordered != 1 {
		t.Errorf("Flows = %+v, want one flow with 1 reordered packet", s.Flows)
	}
}

func TestAggregateThroughputBuckets(t *testing.T) {
	sec := int64(time.Second)
	events := []model.Event{
		{Kind: model.KindRecv, Seq: 0, Timestamp: 0},
		{Kind: model.KindRecv, Seq: 1, Timestamp: 4 * sec / 10},
		{Kind: model.KindRecv, Seq: 2, Timestamp: 13 * sec / 10},
	}
	s := Aggregate(events, Config{PacketSize: 125})
	if len(s.Throughput) != 2 {
		t.Fatalf("got %d buckets, want 2", len(s.Throughput))
	}
	if s.Throughput[0].Packets != 2 || s.Throughput[0].BitsPerSecond != 2000 {
		t.Errorf("bucket 0 = %+v, want 2 packets at 2000 bps", s.Throughput[0])
	}
	if s.Throughput[1].Packets != 1 || s.Throughput[1].Offset != time.Second {
		t.Errorf("bucket 1 = %+v, want 1 packet at offset 1s", s.Throughput[1])
	}
}

func TestAggregatePerFlow(t *testing.T) {
	events := []model.Event{
		{Kind: model.KindSend, FlowID: 7, Seq: 0},
		{Kind: model.KindSend, FlowID: 7, Seq: 1},
		{Kind: model.KindAck, FlowID: 7, Seq: 0, RTTNS: 100},
		{Kind: model.KindLoss, FlowID: 7, Seq: 1},
		{Kind: model.KindSend, FlowID: 2, Seq: 0},
		{Kind: model.KindAck, FlowID: 2, Seq: 0, RTTNS: 200},
	}
	s := Aggregate(events, Config{PacketSize: 100})
	if len(s.Flows) != 2 {
		t.Fatalf("got %d flows, want 2", len(s.Flows))
	}
	if s.Flows[0].FlowID != 2 || s.Flows[1].FlowID != 7 {
		t.Errorf("flow order = %d, %d, want ascending flow ids", s.Flows[0].FlowID, s.Flows[1].FlowID)
	}
	if f := s.Flows[1]; f.Sent != 2 || f.Acked != 1 || f.Lost != 1 || f.LossRate != 0.5 {
		t.Errorf("flow 7 = %+v, want 2 sent, 1 acked, 1 lost", f)
	}
}

func TestParseJitterDefinition(t *testing.T) {
	for _, name := range []string{"rfc3550", "stddev"} {
		def, err := ParseJitterDefinition(name)
		if err != nil {
			t.Errorf("ParseJitterDefinition(%q): %v", name, err)
		}
		if def.String() != name {
			t.Errorf("round trip of %q gave %q", name, def.String())
		}
	}
	if _, err := ParseJitterDefinition("bogus"); err == nil {
		t.Error("ParseJitterDefinition accepted a bogus name")
	}
}
