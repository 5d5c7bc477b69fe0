package sender

import (
	"context"
	"testing"
	"time"

	"github.com/m-lab/udp-flowtest/flowtest/clock"
	"github.com/m-lab/udp-flowtest/flowtest/model"
	"github.com/m-lab/udp-flowtest/flowtest/packet"
)

func okWrite(b []byte) (int, error) { return len(b), nil }

func TestNewRejectsBadConfig(t *testing.T) {
	acks := make(chan AckArrival)
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero rate", Config{PacketSize: 100, Write: okWrite, Acks: acks}},
		{"negative rate", Config{TargetRateBPS: -1, PacketSize: 100, Write: okWrite, Acks: acks}},
		{"tiny packet", Config{TargetRateBPS: 1000, PacketSize: packet.DataHeaderSize - 1, Write: okWrite, Acks: acks}},
		{"no write", Config{TargetRateBPS: 1000, PacketSize: 100, Acks: acks}},
		{"no acks", Config{TargetRateBPS: 1000, PacketSize: 100, Write: okWrite}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New accepted a bad config")
			}
		})
	}
}

func TestInterval(t *testing.T) {
	acks := make(chan AckArrival)
	// 100 bytes at 800 kbit/s is one packet per millisecond.
	s, err := New(Config{
		FlowID:        1,
		TargetRateBPS: 800000,
		PacketSize:    100,
		Write:         okWrite,
		Acks:          acks,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := s.Interval(); got != time.Millisecond {
		t.Errorf("Interval() = %s, want 1ms", got)
	}
}

func TestRunPacesAtTargetRate(t *testing.T) {
	acks := make(chan AckArrival)
	close(acks)
	var sizes []int
	s, err := New(Config{
		TargetRateBPS: 800000,
		PacketSize:    100,
		DrainGrace:    time.Millisecond,
		Write: func(b []byte) (int, error) {
			sizes = append(sizes, len(b))
			return len(b), nil
		},
		Acks: acks,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	ctx, cancel := context.WithDeadline(context.Background(), start.Add(100*time.Millisecond))
	defer cancel()
	events := s.Run(ctx, start)

	// Nominally 100 packets. Allow generous slack for slow test machines,
	// but a fixed-interval sleep bug would still land far outside.
	if n := len(sizes); n < 50 || n > 120 {
		t.Errorf("sent %d packets in 100ms at 1 packet/ms", n)
	}
	for _, size := range sizes {
		if size != 100 {
			t.Fatalf("wrote a %d byte datagram, want 100", size)
		}
	}
	c := s.Counters()
	if c.PacketsSent != int64(len(sizes)) {
		t.Errorf("PacketsSent = %d, want %d", c.PacketsSent, len(sizes))
	}
	if c.BytesSent != int64(len(sizes)*100) {
		t.Errorf("BytesSent = %d, want %d", c.BytesSent, len(sizes)*100)
	}
	for i, ev := range events {
		if ev.Kind != model.KindSend || ev.Seq != uint64(i) {
			t.Fatalf("event %d = %+v, want send of seq %d", i, ev, i)
		}
	}
}

func TestRunMatchesAcks(t *testing.T) {
	acks := make(chan AckArrival, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls int
	cfg := Config{
		FlowID:          2,
		TargetRateBPS:   1e12, // interval rounds down to the 1ns floor
		PacketSize:      100,
		EvictionTimeout: time.Minute,
		Write: func(b []byte) (int, error) {
			calls++
			if calls == 3 {
				// Seqs 0 and 1 are pending now. Acknowledge them and stop.
				for _, seq := range []uint64{0, 1} {
					acks <- AckArrival{
						Ack:       packet.Ack{FlowID: 2, Seq: seq},
						ArrivedNS: clock.Now(),
					}
				}
				close(acks)
				cancel()
			}
			return len(b), nil
		},
		Acks: acks,
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events := s.Run(ctx, time.Now())

	var sends, ackd, losses int
	for _, ev := range events {
		switch ev.Kind {
		case model.KindSend:
			sends++
		case model.KindAck:
			ackd++
			if ev.RTTNS < 0 {
				t.Errorf("negative RTT %d for seq %d", ev.RTTNS, ev.Seq)
			}
		case model.KindLoss:
			losses++
		}
	}
	if sends != 3 || ackd != 2 || losses != 0 {
		t.Errorf("got %d sends, %d acks, %d losses, want 3, 2, 0", sends, ackd, losses)
	}
	c := s.Counters()
	if c.PacketsAcked != 2 || c.PacketsEvicted != 0 {
		t.Errorf("counters = %+v, want 2 acked, 0 evicted", c)
	}
}

func TestRunEvictsUnacknowledged(t *testing.T) {
	acks := make(chan AckArrival)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls int
	s, err := New(Config{
		TargetRateBPS:   1e12,
		PacketSize:      100,
		EvictionTimeout: 5 * time.Millisecond,
		// The drain grace outlives the eviction timeout, so the final sweep
		// evicts everything that is still pending.
		DrainGrace: 25 * time.Millisecond,
		Write: func(b []byte) (int, error) {
			calls++
			if calls == 3 {
				cancel()
			}
			return len(b), nil
		},
		Acks: acks,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events := s.Run(ctx, time.Now())

	var losses int
	for _, ev := range events {
		if ev.Kind == model.KindLoss {
			losses++
		}
	}
	if losses != 3 {
		t.Errorf("got %d losses, want 3", losses)
	}
	if c := s.Counters(); c.PacketsEvicted != 3 {
		t.Errorf("PacketsEvicted = %d, want 3", c.PacketsEvicted)
	}
}

func TestLateAckAfterEvictionIsDiscarded(t *testing.T) {
	acks := make(chan AckArrival)
	s, err := New(Config{
		TargetRateBPS:   1000,
		PacketSize:      100,
		EvictionTimeout: time.Millisecond,
		Write:           okWrite,
		Acks:            acks,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.pending[7] = clock.Now() - int64(time.Hour)
	s.evict(clock.Now())
	if len(s.events) != 1 || s.events[0].Kind != model.KindLoss {
		t.Fatalf("events = %+v, want one loss", s.events)
	}

	// The eviction already settled seq 7; its late ACK must not revive it.
	s.handleAck(AckArrival{Ack: packet.Ack{Seq: 7}, ArrivedNS: clock.Now()})
	// An ACK for a sequence number that was never sent is discarded too.
	s.handleAck(AckArrival{Ack: packet.Ack{Seq: 99}, ArrivedNS: clock.Now()})
	if len(s.events) != 1 {
		t.Errorf("events = %+v, want the loss only", s.events)
	}
	if c := s.Counters(); c.PacketsAcked != 0 {
		t.Errorf("PacketsAcked = %d, want 0", c.PacketsAcked)
	}
}
