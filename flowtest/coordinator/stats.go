package coordinator

import (
	"context"
	"net"
	"time"

	"github.com/apex/log"
	"github.com/m-lab/go/memoryless"

	"github.com/m-lab/udp-flowtest/flowtest/model"
	"github.com/m-lab/udp-flowtest/flowtest/spec"
	"github.com/m-lab/udp-flowtest/logging"
)

// watchStats runs the live stats loop in a background goroutine and
// returns a channel that is closed when the loop exits. The sampling
// interval is memoryless so that periodic network behavior cannot hide
// between equally spaced samples. Each sample logs the rate since the
// previous one and, when dst is non-nil, emits a cumulative Measurement
// without ever blocking on a slow consumer.
func watchStats(ctx context.Context, start time.Time, role model.Role,
	dst chan<- model.Measurement, snapshot func() (packets, bytes int64)) <-chan struct{} {

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker, err := memoryless.NewTicker(ctx, memoryless.Config{
			Min:      spec.MinStatsInterval,
			Expected: spec.AverageStatsInterval,
			Max:      spec.MaxStatsInterval,
		})
		if err != nil {
			logging.Logger.WithError(err).Warn("coordinator: memoryless.NewTicker failed")
			return
		}
		defer ticker.Stop()
		lastTime := start
		var lastPackets, lastBytes int64
		// The ticker closes its channel once ctx expires.
		for now := range ticker.C {
			packets, bytes := snapshot()
			elapsed := now.Sub(lastTime).Seconds()
			if elapsed <= 0 {
				continue
			}
			logging.Logger.WithFields(log.Fields{
				"role":            role.String(),
				"packets_per_sec": float64(packets-lastPackets) / elapsed,
				"mbps":            float64(bytes-lastBytes) * 8 / elapsed / 1e6,
			}).Info("live stats")
			if dst != nil {
				m := model.Measurement{
					ElapsedTime: now.Sub(start).Microseconds(),
				}
				if role == model.RoleSender {
					m.PacketsSent = packets
					m.BytesSent = bytes
				} else {
					m.PacketsReceived = packets
					m.BytesReceived = bytes
				}
				select {
				case dst <- m:
				default:
				}
			}
			lastTime, lastPackets, lastBytes = now, packets, bytes
		}
	}()
	return done
}

// SetSocketBuffers requests large socket buffers so that bursts survive
// scheduling gaps. Best effort: the kernel may clamp or refuse.
func SetSocketBuffers(conn *net.UDPConn) {
	if err := conn.SetReadBuffer(spec.UDPBufferSize); err != nil {
		logging.Logger.WithError(err).Debug("coordinator: SetReadBuffer failed")
	}
	if err := conn.SetWriteBuffer(spec.UDPBufferSize); err != nil {
		logging.Logger.WithError(err).Debug("coordinator: SetWriteBuffer failed")
	}
}
