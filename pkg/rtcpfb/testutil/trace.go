package testutil

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/internal"
)

// TracedPacket is one received RTP packet in a reception trace.
type TracedPacket struct {
	// ArrivalTimeUs is the arrival time in microseconds since trace start.
	ArrivalTimeUs  int64  `json:"arrival_time_us"`
	SSRC           uint32 `json:"ssrc"`
	SequenceNumber uint16 `json:"seq"`
	Timestamp      uint32 `json:"timestamp"`
	Size           int    `json:"size"`
}

// ReceptionTrace is a recorded or synthetic RTP arrival sequence together
// with the loss a receiver is expected to report for it.
type ReceptionTrace struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// ExpectedLost is the cumulative loss after the last packet.
	ExpectedLost int32 `json:"expected_lost"`

	Packets []TracedPacket `json:"packets"`
}

// LoadTrace reads a reception trace from a JSON file.
//
// File format:
//
//	{
//	    "name": "loss_10pct",
//	    "description": "Every tenth packet lost",
//	    "expected_lost": 10,
//	    "packets": [
//	        {"arrival_time_us": 0, "ssrc": 305419896, "seq": 0, "timestamp": 0, "size": 1000},
//	        ...
//	    ]
//	}
func LoadTrace(path string) (*ReceptionTrace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace file %s: %w", path, err)
	}

	var trace ReceptionTrace
	if err := json.Unmarshal(data, &trace); err != nil {
		return nil, fmt.Errorf("failed to parse trace file %s: %w", path, err)
	}
	return &trace, nil
}

// Save writes the trace as JSON.
func (t *ReceptionTrace) Save(path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// TraceFromPackets records generated packets as a trace. Arrival times are
// relative to the first packet; ExpectedLost counts the sequence numbers
// between the lowest and highest that never arrived.
func TraceFromPackets(name, description string, packets []Packet) *ReceptionTrace {
	trace := &ReceptionTrace{
		Name:        name,
		Description: description,
		Packets:     make([]TracedPacket, 0, len(packets)),
	}
	if len(packets) == 0 {
		return trace
	}

	start := packets[0].ArrivalTime
	seen := make(map[int64]struct{}, len(packets))
	var last, lowest, highest int64
	for i, p := range packets {
		seq := int64(p.Header.SequenceNumber)
		if i > 0 {
			// Unwrap relative to the previous packet.
			seq = last + int64(int16(p.Header.SequenceNumber-uint16(last)))
		}
		last = seq
		if i == 0 || seq < lowest {
			lowest = seq
		}
		if i == 0 || seq > highest {
			highest = seq
		}
		seen[seq] = struct{}{}

		trace.Packets = append(trace.Packets, TracedPacket{
			ArrivalTimeUs:  p.ArrivalTime.Sub(start).Microseconds(),
			SSRC:           p.Header.SSRC,
			SequenceNumber: p.Header.SequenceNumber,
			Timestamp:      p.Header.Timestamp,
			Size:           p.PayloadSize,
		})
	}
	trace.ExpectedLost = int32(highest - lowest + 1 - int64(len(seen)))
	return trace
}

// PacketProcessor receives every packet of a replayed trace at its arrival
// time.
type PacketProcessor func(arrivalTime time.Time, pkt TracedPacket)

// Replay feeds the trace to processor, advancing the clock to the arrival
// time of every packet. Arrival times that go backwards do not move the
// clock.
func (t *ReceptionTrace) Replay(processor PacketProcessor, clock *internal.MockClock) {
	start := clock.Now()
	var lastArrivalUs int64
	for _, pkt := range t.Packets {
		if pkt.ArrivalTimeUs > lastArrivalUs {
			clock.Advance(time.Duration(pkt.ArrivalTimeUs-lastArrivalUs) * time.Microsecond)
			lastArrivalUs = pkt.ArrivalTimeUs
		}
		processor(start.Add(time.Duration(pkt.ArrivalTimeUs)*time.Microsecond), pkt)
	}
}
