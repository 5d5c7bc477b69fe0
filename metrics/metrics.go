// Package metrics defines the prometheus collectors shared by the
// flowtest sender, receiver and coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveFlows counts the flows currently running, by role.
	ActiveFlows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowtest_active_flows",
			Help: "A gauge of flows currently being run by this process.",
		},
		[]string{"role"})
	// PacketsSent counts data packets handed to the kernel.
	PacketsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowtest_packets_sent_total",
			Help: "Number of data packets sent.",
		})
	// PacketsReceived counts data packets successfully decoded.
	PacketsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowtest_packets_received_total",
			Help: "Number of data packets received.",
		})
	// AcksReceived counts ACKs matched with a pending send.
	AcksReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowtest_acks_received_total",
			Help: "Number of ACKs matched with a pending packet.",
		})
	// UnmatchedAcks counts ACKs that were late, duplicated or never sent.
	UnmatchedAcks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowtest_acks_unmatched_total",
			Help: "Number of ACKs discarded because no pending packet matched.",
		})
	// EvictedPackets counts pending sends dropped after the eviction timeout.
	EvictedPackets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowtest_packets_evicted_total",
			Help: "Number of unacknowledged packets evicted and counted as lost.",
		})
	// MalformedPackets counts datagrams dropped at decode time.
	MalformedPackets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowtest_packets_malformed_total",
			Help: "Number of datagrams dropped because they did not decode.",
		})
	// SendErrors counts sends that failed even after the single retry.
	SendErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowtest_send_errors_total",
			Help: "Number of datagram sends that failed after retry.",
		})
	// TestRate is the achieved per-session rate, by role.
	TestRate = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "flowtest_test_rate_mbps",
			Help: "A histogram of achieved session rates.",
			Buckets: []float64{
				.1, .15, .25, .4, .6,
				1, 1.5, 2.5, 4, 6,
				10, 15, 25, 40, 60,
				100, 150, 250, 400, 600,
				1000},
		},
		[]string{"role"},
	)
	// TestCount counts completed sessions by role and outcome.
	TestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtest_test_total",
			Help: "Number of flowtest sessions run by this process.",
		},
		[]string{"role", "result"},
	)
)
