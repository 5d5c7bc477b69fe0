// Package model contains the data structures shared by the flowtest
// sender, receiver, coordinator and aggregator.
package model

// Kind discriminates the records in a session's event stream.
type Kind int

const (
	// KindSend records that a data packet left the sender.
	KindSend = Kind(iota)
	// KindRecv records that a data packet arrived at the receiver.
	KindRecv
	// KindAck records that an ACK was matched with a prior send.
	KindAck
	// KindLoss records a packet known to be lost: a sender-side eviction
	// or a receiver-side sequence gap that was never filled.
	KindLoss
)

// String returns the label used in logs for k.
func (k Kind) String() string {
	switch k {
	case KindSend:
		return "send"
	case KindRecv:
		return "recv"
	case KindAck:
		return "ack"
	case KindLoss:
		return "loss"
	}
	return "unknown"
}

// Event is one record in a session's event stream. Events are append-only
// and, within a flow, emitted in timestamp order. A send produces a
// KindSend event; its matched ACK produces at most one KindAck event with
// RTTNS set; an eviction or an unfilled receiver gap produces exactly one
// KindLoss event for the sequence number.
type Event struct {
	Kind   Kind
	FlowID uint32
	Seq    uint64
	// Timestamp is the send or receive time in nanoseconds. For KindAck it
	// is the local arrival time of the ACK; for KindLoss it is the time the
	// loss was established.
	Timestamp int64
	// RTTNS is the round-trip time for KindAck events. Always >= 0 because
	// it is computed against the local clock only.
	RTTNS int64
	// InterPacketDelayNS is the delay since the previous packet of the same
	// flow, for KindRecv events. Nil for the first packet of a flow: the
	// value is absent, not zero.
	InterPacketDelayNS *int64
}

// FlowCounters is a snapshot of a flow's live counters, safe to read while
// the flow is still running.
type FlowCounters struct {
	FlowID          uint32
	PacketsSent     int64
	PacketsReceived int64
	PacketsAcked    int64
	PacketsEvicted  int64
	BytesSent       int64
	BytesReceived   int64
}

// Measurement is a periodic live sample emitted while a session runs. It is
// meant to be serialised as JSON.
type Measurement struct {
	// ElapsedTime is the time elapsed since the start of the session, in
	// microseconds.
	ElapsedTime int64 `json:",omitempty"`

	// BytesSent is the number of payload bytes handed to the kernel since
	// the session started.
	BytesSent int64 `json:",omitempty"`

	// BytesReceived is the number of payload bytes received since the
	// session started.
	BytesReceived int64 `json:",omitempty"`

	// PacketsSent is the number of data packets sent since the session
	// started.
	PacketsSent int64 `json:",omitempty"`

	// PacketsReceived is the number of data packets received since the
	// session started.
	PacketsReceived int64 `json:",omitempty"`
}
