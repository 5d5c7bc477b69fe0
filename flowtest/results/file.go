// Package results writes and reads the per-flow CSV event logs.
//
// Each flow appends to its own shard file, which keeps the single writer
// per flow discipline and leaves ordering reconstruction to timestamps.
// Shards live under datadir/<role>/2006/01/02/ like every other m-lab
// measurement archive.
package results

import (
	"os"
	"path"
	"regexp"
	"strconv"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"github.com/m-lab/udp-flowtest/flowtest/model"
)

// EvictedRTT is the rtt_ns value recorded for a packet that was evicted
// from the pending map without ever being acknowledged.
const EvictedRTT = int64(-1)

// SenderRecord is one row of a sender shard. A row is appended when the
// packet's fate is known: acknowledged (RTTNS >= 0) or evicted
// (RTTNS == EvictedRTT).
type SenderRecord struct {
	PacketNumber uint64 `csv:"packet_number"`
	SendTimeNS   int64  `csv:"send_time_ns"`
	RTTNS        int64  `csv:"rtt_ns"`
}

// ReceiverRecord is one row of a receiver shard, appended on every decoded
// data packet. InterPacketDelayNS is empty for the first packet of a flow.
type ReceiverRecord struct {
	PacketNumber       uint64 `csv:"packet_number"`
	RecvTimeNS         int64  `csv:"recv_time_ns"`
	InterPacketDelayNS *int64 `csv:"inter_packet_delay_ns"`
}

// Shard is the append-only CSV log for one flow.
type Shard struct {
	fp   *os.File
	role model.Role
}

// OpenShard creates the shard file for one flow of a session. My assumption
// here is that we have nanosecond precision and hence it's unlikely to have
// conflicts. If I'm wrong, O_EXCL will let us know.
func OpenShard(datadir string, role model.Role, sessionUUID string, flowID uint32) (*Shard, error) {
	timestamp := time.Now().UTC()
	dir := path.Join(datadir, role.String(), timestamp.Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	name := dir + "/flowtest-" + timestamp.Format("2006-01-02T15:04:05.000000000Z") +
		"." + sessionUUID + ".f" + strconv.FormatUint(uint64(flowID), 10) + ".csv"
	fp, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	s := &Shard{fp: fp, role: role}
	if err := s.writeHeader(); err != nil {
		fp.Close()
		return nil, err
	}
	return s, nil
}

func (s *Shard) writeHeader() error {
	if s.role == model.RoleSender {
		return gocsv.Marshal(&[]SenderRecord{}, s.fp)
	}
	return gocsv.Marshal(&[]ReceiverRecord{}, s.fp)
}

// Name returns the path of the underlying file.
func (s *Shard) Name() string {
	return s.fp.Name()
}

// WriteSender appends one sender row.
func (s *Shard) WriteSender(rec SenderRecord) error {
	return gocsv.MarshalWithoutHeaders(&[]SenderRecord{rec}, s.fp)
}

// WriteReceiver appends one receiver row.
func (s *Shard) WriteReceiver(rec ReceiverRecord) error {
	return gocsv.MarshalWithoutHeaders(&[]ReceiverRecord{rec}, s.fp)
}

// Close closes the shard file.
func (s *Shard) Close() error {
	return s.fp.Close()
}

var shardFlowRe = regexp.MustCompile(`\.f([0-9]+)\.csv$`)

// ShardFlowID extracts the flow id encoded in a shard filename.
func ShardFlowID(name string) (uint32, error) {
	m := shardFlowRe.FindStringSubmatch(name)
	if m == nil {
		return 0, errors.Errorf("%q is not a shard filename", name)
	}
	id, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "bad flow id in %q", name)
	}
	return uint32(id), nil
}

// LoadSenderEvents reads a sender shard back into an event stream. Each row
// yields a send event, plus an ack event when the packet was acknowledged
// or a loss event when it was evicted.
func LoadSenderEvents(path string, flowID uint32) ([]model.Event, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	var recs []SenderRecord
	if err := gocsv.Unmarshal(fp, &recs); err != nil {
		return nil, errors.Wrapf(err, "cannot parse sender shard %q", path)
	}
	events := make([]model.Event, 0, 2*len(recs))
	for _, rec := range recs {
		events = append(events, model.Event{
			Kind:      model.KindSend,
			FlowID:    flowID,
			Seq:       rec.PacketNumber,
			Timestamp: rec.SendTimeNS,
		})
		switch {
		case rec.RTTNS >= 0:
			events = append(events, model.Event{
				Kind:      model.KindAck,
				FlowID:    flowID,
				Seq:       rec.PacketNumber,
				Timestamp: rec.SendTimeNS + rec.RTTNS,
				RTTNS:     rec.RTTNS,
			})
		default:
			events = append(events, model.Event{
				Kind:      model.KindLoss,
				FlowID:    flowID,
				Seq:       rec.PacketNumber,
				Timestamp: rec.SendTimeNS,
			})
		}
	}
	return events, nil
}

// LoadReceiverEvents reads a receiver shard back into an event stream.
// Sequence numbers absent from the shard below the highest recorded one are
// reconstructed as loss events, mirroring the receiver's live gap
// accounting.
func LoadReceiverEvents(path string, flowID uint32) ([]model.Event, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	var recs []ReceiverRecord
	if err := gocsv.Unmarshal(fp, &recs); err != nil {
		return nil, errors.Wrapf(err, "cannot parse receiver shard %q", path)
	}
	events := make([]model.Event, 0, len(recs))
	seen := make(map[uint64]struct{}, len(recs))
	var highest uint64
	var lastNS int64
	for _, rec := range recs {
		events = append(events, model.Event{
			Kind:               model.KindRecv,
			FlowID:             flowID,
			Seq:                rec.PacketNumber,
			Timestamp:          rec.RecvTimeNS,
			InterPacketDelayNS: rec.InterPacketDelayNS,
		})
		seen[rec.PacketNumber] = struct{}{}
		if rec.PacketNumber > highest {
			highest = rec.PacketNumber
		}
		if rec.RecvTimeNS > lastNS {
			lastNS = rec.RecvTimeNS
		}
	}
	if len(recs) > 0 {
		for seq := uint64(0); seq < highest; seq++ {
			if _, ok := seen[seq]; !ok {
				events = append(events, model.Event{
					Kind:      model.KindLoss,
					FlowID:    flowID,
					Seq:       seq,
					Timestamp: lastNS,
				})
			}
		}
	}
	return events, nil
}
