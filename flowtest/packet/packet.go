// Package packet encodes and decodes the flowtest wire format.
//
// Every datagram starts with a one-byte type tag followed by fixed-width
// fields, all in network byte order (big endian). Data packets are padded
// with zeros up to the configured packet size so that the datagram on the
// wire has exactly the size the rate computation assumes.
package packet

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Type tags. A datagram with any other leading byte is malformed.
const (
	typeData  = byte(0x01)
	typeAck   = byte(0x02)
	typeHello = byte(0x03)
)

// DataHeaderSize is the size of a data packet header: tag, flow id,
// sequence number, send timestamp.
const DataHeaderSize = 1 + 4 + 8 + 8

// AckSize is the size of an ACK datagram: tag, flow id, sequence number,
// receive timestamp.
const AckSize = 1 + 4 + 8 + 8

// HelloSize is the size of a hello datagram: tag, flow id.
const HelloSize = 1 + 4

// ErrMalformed is returned by Decode when a datagram is shorter than its
// header or carries an unknown type tag. Callers drop the datagram and
// continue; a malformed datagram is never fatal.
var ErrMalformed = errors.New("malformed datagram")

// Packet is a decoded data packet. The payload is zero padding and is not
// retained.
type Packet struct {
	FlowID     uint32
	Seq        uint64
	SendTimeNS int64
}

// Ack acknowledges one data packet. RecvTimeNS is the receiver's arrival
// timestamp; senders compute RTT against their own clock and treat this
// value as informational.
type Ack struct {
	FlowID     uint32
	Seq        uint64
	RecvTimeNS int64
}

// Hello announces a flow's return address. A reverse-mode client sends one
// per flow so the server learns where to send data. It carries no sequence
// number and produces no events.
type Hello struct {
	FlowID uint32
}

// EncodePacket encodes p into a datagram of exactly size bytes. The bytes
// after the header are zero.
func EncodePacket(p Packet, size int) ([]byte, error) {
	if size < DataHeaderSize {
		return nil, errors.Errorf("packet size %d is below the %d byte header", size, DataHeaderSize)
	}
	buf := make([]byte, size)
	buf[0] = typeData
	binary.BigEndian.PutUint32(buf[1:5], p.FlowID)
	binary.BigEndian.PutUint64(buf[5:13], p.Seq)
	binary.BigEndian.PutUint64(buf[13:21], uint64(p.SendTimeNS))
	return buf, nil
}

// EncodeAck encodes a into an ACK datagram.
func EncodeAck(a Ack) []byte {
	buf := make([]byte, AckSize)
	buf[0] = typeAck
	binary.BigEndian.PutUint32(buf[1:5], a.FlowID)
	binary.BigEndian.PutUint64(buf[5:13], a.Seq)
	binary.BigEndian.PutUint64(buf[13:21], uint64(a.RecvTimeNS))
	return buf
}

// EncodeHello encodes h into a hello datagram.
func EncodeHello(h Hello) []byte {
	buf := make([]byte, HelloSize)
	buf[0] = typeHello
	binary.BigEndian.PutUint32(buf[1:5], h.FlowID)
	return buf
}

// Decode parses one datagram. On success exactly one of the returned
// pointers is non-nil. On failure it returns ErrMalformed, possibly
// wrapped with detail.
func Decode(buf []byte) (*Packet, *Ack, *Hello, error) {
	if len(buf) < 1 {
		return nil, nil, nil, errors.Wrap(ErrMalformed, "empty datagram")
	}
	switch buf[0] {
	case typeData:
		if len(buf) < DataHeaderSize {
			return nil, nil, nil, errors.Wrapf(ErrMalformed, "data packet truncated at %d bytes", len(buf))
		}
		return &Packet{
			FlowID:     binary.BigEndian.Uint32(buf[1:5]),
			Seq:        binary.BigEndian.Uint64(buf[5:13]),
			SendTimeNS: int64(binary.BigEndian.Uint64(buf[13:21])),
		}, nil, nil, nil
	case typeAck:
		if len(buf) < AckSize {
			return nil, nil, nil, errors.Wrapf(ErrMalformed, "ack truncated at %d bytes", len(buf))
		}
		return nil, &Ack{
			FlowID:     binary.BigEndian.Uint32(buf[1:5]),
			Seq:        binary.BigEndian.Uint64(buf[5:13]),
			RecvTimeNS: int64(binary.BigEndian.Uint64(buf[13:21])),
		}, nil, nil
	case typeHello:
		if len(buf) < HelloSize {
			return nil, nil, nil, errors.Wrapf(ErrMalformed, "hello truncated at %d bytes", len(buf))
		}
		return nil, nil, &Hello{
			FlowID: binary.BigEndian.Uint32(buf[1:5]),
		}, nil
	}
	return nil, nil, nil, errors.Wrapf(ErrMalformed, "unknown type tag 0x%02x", buf[0])
}
