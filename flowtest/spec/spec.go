// Package spec contains constants shared by the flowtest protocol
// implementation and its binaries.
package spec

import "time"

// DefaultPort is the UDP port the server listens on by default.
const DefaultPort = 5000

// DefaultPacketSize is the default size of a data datagram in bytes,
// header included.
const DefaultPacketSize = 1400

// DefaultFlows is the default number of concurrent flows.
const DefaultFlows = 4

// DefaultDuration is the default test duration.
const DefaultDuration = 10 * time.Second

// DefaultBandwidthMbps is the default per-flow target rate in Mbit/s.
const DefaultBandwidthMbps = 50

// DefaultEvictionTimeout is how long a sent packet may wait for its ACK
// before it is evicted from the pending map and counted as lost. Roughly
// 2x a generous RTT estimate.
const DefaultEvictionTimeout = 2 * time.Second

// DrainGracePeriod is how long a sender keeps draining late ACKs after it
// has stopped emitting packets.
const DrainGracePeriod = 500 * time.Millisecond

// StartBarrierDelay is how far in the future the coordinator schedules the
// common start time, so that every flow is ready before the first deadline.
const StartBarrierDelay = 50 * time.Millisecond

// HelloRetries is how many times a reverse-mode client announces each flow.
const HelloRetries = 3

// HelloRetryInterval is the spacing between flow announcements.
const HelloRetryInterval = 200 * time.Millisecond

// UDPBufferSize is the socket send/receive buffer size requested by the
// binaries. Best effort: the kernel may clamp it.
const UDPBufferSize = 1 << 20

// MinStatsInterval is the minimum interval between live stats samples.
const MinStatsInterval = 2500 * time.Millisecond

// AverageStatsInterval is the expected interval between live stats samples.
const AverageStatsInterval = 5 * time.Second

// MaxStatsInterval is the maximum interval between live stats samples.
const MaxStatsInterval = 10 * time.Second
