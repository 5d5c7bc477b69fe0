// flowtest-client runs one flowtest session against a server. In normal
// mode it paces data packets to the server over one connected socket per
// flow and correlates the returning ACKs. With -reverse it announces its
// flows and receives the server's paced traffic instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/go/warnonerror"

	"github.com/m-lab/udp-flowtest/flowtest/aggregator"
	"github.com/m-lab/udp-flowtest/flowtest/coordinator"
	"github.com/m-lab/udp-flowtest/flowtest/model"
	"github.com/m-lab/udp-flowtest/flowtest/spec"
	"github.com/m-lab/udp-flowtest/logging"
	"github.com/m-lab/udp-flowtest/metrics"
)

var (
	server          = flag.String("server", fmt.Sprintf("localhost:%d", spec.DefaultPort), "Server address (host:port)")
	dataDir         = flag.String("datadir", "", "Directory for per-flow CSV result files (empty: no files)")
	reverse         = flag.Bool("reverse", false, "Receive traffic from the server instead of sending it")
	flows           = flag.Int("flows", spec.DefaultFlows, "Number of concurrent flows")
	duration        = flag.Duration("duration", spec.DefaultDuration, "Test duration")
	bandwidth       = flag.Float64("bandwidth", float64(spec.DefaultBandwidthMbps), "Per-flow target rate in Mbit/s")
	packetSize      = flag.Int("packet-size", spec.DefaultPacketSize, "Data datagram size in bytes")
	evictionTimeout = flag.Duration("eviction-timeout", spec.DefaultEvictionTimeout, "How long to wait for an ACK before counting a packet as lost")
	jitterDef       = flag.String("jitter", aggregator.JitterRFC3550.String(), "Jitter definition: rfc3550 or stddev")

	// Overridable for testing.
	mainCtx, mainCancel = context.WithCancel(context.Background())
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")
	jitter, err := aggregator.ParseJitterDefinition(*jitterDef)
	rtx.Must(err, "Could not parse -jitter")

	promSrv := prometheusx.MustServeMetrics()
	defer warnonerror.Close(promSrv, "Could not close the metrics server")

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		mainCancel()
	}()

	raddr, err := net.ResolveUDPAddr("udp", *server)
	rtx.Must(err, "Could not resolve %s", *server)

	cfg := coordinator.Config{
		Flows:           *flows,
		Duration:        *duration,
		RateBPS:         int64(*bandwidth * 1e6),
		PacketSize:      *packetSize,
		EvictionTimeout: *evictionTimeout,
		DataDir:         *dataDir,
	}

	var result *coordinator.Result
	started := time.Now()
	if *reverse {
		// One connected socket per flow: its local address is the flow's
		// return address, announced to the server with a hello.
		conns := make([]*net.UDPConn, *flows)
		for i := range conns {
			conns[i], err = net.DialUDP("udp", nil, raddr)
			rtx.Must(err, "Could not dial %s for flow %d", raddr, i)
			coordinator.SetSocketBuffers(conns[i])
		}
		result, err = coordinator.RunFlowReceivers(mainCtx, cfg, conns)
		for _, conn := range conns {
			warnonerror.Close(conn, "Could not close a flow socket")
		}
		reportOutcome(err, model.RoleReceiver)
		rtx.Must(err, "Test failed")
	} else {
		result, err = coordinator.RunSenders(mainCtx, cfg, raddr)
		reportOutcome(err, model.RoleSender)
		rtx.Must(err, "Test failed")
	}

	logSummary(result, time.Since(started), aggregator.Config{
		PacketSize: *packetSize,
		Jitter:     jitter,
	})
}

func reportOutcome(err error, role model.Role) {
	outcome := "okay"
	if err != nil {
		outcome = "error"
	}
	metrics.TestCount.WithLabelValues(role.String(), outcome).Inc()
}

// logSummary aggregates the session's event stream and logs the result.
func logSummary(result *coordinator.Result, elapsed time.Duration, cfg aggregator.Config) {
	s := aggregator.Aggregate(result.Events, cfg)
	packets := s.PacketsReceived
	if result.Role == model.RoleSender {
		packets = s.PacketsSent
	}
	mbps := 0.0
	if elapsed > 0 {
		mbps = float64(packets*int64(cfg.PacketSize)*8) / elapsed.Seconds() / 1e6
	}
	metrics.TestRate.WithLabelValues(result.Role.String()).Observe(mbps)
	logging.Logger.WithFields(log.Fields{
		"uuid":             result.UUID,
		"role":             result.Role.String(),
		"packets_sent":     s.PacketsSent,
		"packets_received": s.PacketsReceived,
		"packets_lost":     s.PacketsLost,
		"loss_rate":        s.LossRate,
		"mbps":             mbps,
		"rtt_mean_ms":      s.RTT.Mean / 1e6,
		"rtt_p95_ms":       float64(s.RTT.P95) / 1e6,
		"jitter_ms":        s.JitterNS / 1e6,
		"jitter_def":       s.Jitter.String(),
	}).Info("test complete")
	for _, f := range s.Flows {
		logging.Logger.WithFields(log.Fields{
			"flow":      f.FlowID,
			"sent":      f.Sent,
			"received":  f.Received,
			"acked":     f.Acked,
			"lost":      f.Lost,
			"reordered": f.Reordered,
			"loss_rate": f.LossRate,
		}).Info("flow summary")
	}
}
