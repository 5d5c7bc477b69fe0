package packet

import (
	"testing"

	"github.com/pkg/errors"
)

func TestDataPacketRoundtrip(t *testing.T) {
	want := Packet{FlowID: 3, Seq: 1<<40 + 7, SendTimeNS: 1234567890123456789}
	buf, err := EncodePacket(want, 64)
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}
	if len(buf) != 64 {
		t.Errorf("len(buf) = %d, want 64", len(buf))
	}
	for _, b := range buf[DataHeaderSize:] {
		if b != 0 {
			t.Fatal("payload padding is not zero")
		}
	}
	p, a, h, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if a != nil || h != nil {
		t.Error("Decode returned more than one message")
	}
	if p == nil || *p != want {
		t.Errorf("Decode = %+v, want %+v", p, want)
	}
}

func TestEncodePacketTooSmall(t *testing.T) {
	if _, err := EncodePacket(Packet{}, DataHeaderSize-1); err == nil {
		t.Error("EncodePacket accepted a size below the header")
	}
}

func TestAckRoundtrip(t *testing.T) {
	want := Ack{FlowID: 1, Seq: 42, RecvTimeNS: 987654321}
	p, a, h, err := Decode(EncodeAck(want))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p != nil || h != nil {
		t.Error("Decode returned more than one message")
	}
	if a == nil || *a != want {
		t.Errorf("Decode = %+v, want %+v", a, want)
	}
}

func TestHelloRoundtrip(t *testing.T) {
	want := Hello{FlowID: 9}
	p, a, h, err := Decode(EncodeHello(want))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p != nil || a != nil {
		t.Error("Decode returned more than one message")
	}
	if h == nil || *h != want {
		t.Errorf("Decode = %+v, want %+v", h, want)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"unknown tag", []byte{0xff, 0, 0, 0, 0}},
		{"truncated data", append([]byte{typeData}, make([]byte, DataHeaderSize-2)...)},
		{"truncated ack", []byte{typeAck, 0, 0}},
		{"truncated hello", []byte{typeHello}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, a, h, err := Decode(tt.buf)
			if errors.Cause(err) != ErrMalformed {
				t.Errorf("Decode error = %v, want ErrMalformed", err)
			}
			if p != nil || a != nil || h != nil {
				t.Error("Decode returned a message for a malformed datagram")
			}
		})
	}
}
