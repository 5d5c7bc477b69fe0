// flowtest-server is the server side of a flowtest session. In normal
// mode it binds a UDP port, receives paced data packets from clients and
// echoes ACKs until interrupted. With -reverse it waits for the client's
// flows to announce themselves and then sends the paced traffic itself.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
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
	listenAddr      = flag.String("listen", fmt.Sprintf(":%d", spec.DefaultPort), "UDP address to listen on")
	dataDir         = flag.String("datadir", "", "Directory for per-flow CSV result files (empty: no files)")
	reverse         = flag.Bool("reverse", false, "Send traffic to the client instead of receiving it")
	flows           = flag.Int("flows", spec.DefaultFlows, "Number of concurrent flows (reverse mode)")
	duration        = flag.Duration("duration", spec.DefaultDuration, "Test duration (reverse mode)")
	bandwidth       = flag.Float64("bandwidth", float64(spec.DefaultBandwidthMbps), "Per-flow target rate in Mbit/s (reverse mode)")
	packetSize      = flag.Int("packet-size", spec.DefaultPacketSize, "Data datagram size in bytes (reverse mode)")
	evictionTimeout = flag.Duration("eviction-timeout", spec.DefaultEvictionTimeout, "How long to wait for an ACK before counting a packet as lost")
	helloTimeout    = flag.Duration("hello-timeout", time.Minute, "How long to wait for all client flows to announce themselves (reverse mode)")
	jitterDef       = flag.String("jitter", aggregator.JitterRFC3550.String(), "Jitter definition: rfc3550 or stddev")
	statusAddr      = flag.String("status-addr", "", "Address for the HTTP status endpoint (empty: disabled)")

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

	laddr, err := net.ResolveUDPAddr("udp", *listenAddr)
	rtx.Must(err, "Could not resolve %s", *listenAddr)
	// A bind failure is fatal before any traffic is generated.
	conn, err := net.ListenUDP("udp", laddr)
	rtx.Must(err, "Could not listen on %s", laddr)
	defer warnonerror.Close(conn, "Could not close the UDP socket")
	coordinator.SetSocketBuffers(conn)
	logging.Logger.WithField("addr", conn.LocalAddr().String()).Info("flowtest-server: listening")

	cfg := coordinator.Config{
		Flows:           *flows,
		Duration:        *duration,
		RateBPS:         int64(*bandwidth * 1e6),
		PacketSize:      *packetSize,
		EvictionTimeout: *evictionTimeout,
		DataDir:         *dataDir,
	}

	status := &statusHandler{}
	if *statusAddr != "" {
		measurements := make(chan model.Measurement, 16)
		cfg.Measurements = measurements
		go status.consume(measurements)
		mux := http.NewServeMux()
		mux.Handle("/status", status)
		statusSrv := &http.Server{
			Addr:    *statusAddr,
			Handler: logging.MakeAccessLogHandler(mux),
		}
		defer warnonerror.Close(statusSrv, "Could not close the status server")
		go func() {
			if err := statusSrv.ListenAndServe(); err != http.ErrServerClosed {
				logging.Logger.WithError(err).Warn("flowtest-server: status server failed")
			}
		}()
	}

	var result *coordinator.Result
	started := time.Now()
	if *reverse {
		dests, err := coordinator.AwaitHellos(mainCtx, conn, *flows, *helloTimeout)
		rtx.Must(err, "Could not collect flow announcements")
		started = time.Now()
		result, err = coordinator.RunSharedSenders(mainCtx, cfg, conn, dests)
		reportOutcome(err, model.RoleSender)
		rtx.Must(err, "Test failed")
	} else {
		// Receive until interrupted.
		cfg.Duration = 0
		var err error
		result, err = coordinator.RunReceiver(mainCtx, cfg, conn)
		reportOutcome(err, model.RoleReceiver)
		rtx.Must(err, "Test failed")
	}

	logSummary(result, time.Since(started), aggregator.Config{
		PacketSize: *packetSize,
		Jitter:     jitter,
	})
}

// statusHandler serves the most recent live measurement as JSON.
type statusHandler struct {
	mu     sync.Mutex
	latest model.Measurement
}

func (s *statusHandler) consume(measurements <-chan model.Measurement) {
	for m := range measurements {
		s.mu.Lock()
		s.latest = m
		s.mu.Unlock()
	}
}

func (s *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	m := s.latest
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m); err != nil {
		logging.Logger.WithError(err).Warn("flowtest-server: cannot write status")
	}
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
