// Package testutil provides testing utilities for the rtcpfb packages.
// It includes synthetic RTP stream generators for loss, reordering,
// sequence number wraparound and jitter.
package testutil

import (
	"time"

	"github.com/pion/rtp"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb"
	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/internal"
)

// Defaults of generated streams.
const (
	VideoClockRate     = 90000
	VideoPayloadType   = 96
	DefaultPayloadSize = 1000
	DefaultSSRC        = 0x12345678
)

// Packet is one generated RTP packet and the time it reached the receiver.
type Packet struct {
	ArrivalTime time.Time
	Header      rtp.Header
	Raw         []byte
	PayloadSize int
}

// RtpPacket converts the packet for rtcpfb receive statistics.
func (p Packet) RtpPacket() rtcpfb.RtpPacket {
	return rtcpfb.RtpPacket{
		SSRC:           p.Header.SSRC,
		SequenceNumber: p.Header.SequenceNumber,
		Timestamp:      p.Header.Timestamp,
		PayloadType:    p.Header.PayloadType,
		ClockRate:      VideoClockRate,
		HeaderLength:   p.Header.MarshalSize(),
		PayloadLength:  p.PayloadSize,
	}
}

// StreamGenerator produces the packets of one RTP stream with consecutive
// sequence numbers and timestamps derived from the send time.
type StreamGenerator struct {
	ssrc        uint32
	payloadType uint8
	clockRate   uint32
	payloadSize int

	seq   uint16
	start time.Time
}

// NewStreamGenerator creates a generator starting at sequence number seq.
func NewStreamGenerator(ssrc uint32, seq uint16, payloadSize int) *StreamGenerator {
	return &StreamGenerator{
		ssrc:        ssrc,
		payloadType: VideoPayloadType,
		clockRate:   VideoClockRate,
		payloadSize: payloadSize,
		seq:         seq,
	}
}

// SSRC returns the stream SSRC.
func (g *StreamGenerator) SSRC() uint32 {
	return g.ssrc
}

// Next returns the packet sent at now.
func (g *StreamGenerator) Next(now time.Time) Packet {
	if g.start.IsZero() {
		g.start = now
	}
	elapsed := now.Sub(g.start)
	header := rtp.Header{
		Version:        2,
		PayloadType:    g.payloadType,
		SequenceNumber: g.seq,
		Timestamp:      uint32(elapsed.Milliseconds() * int64(g.clockRate) / 1000),
		SSRC:           g.ssrc,
	}
	g.seq++

	pkt := &rtp.Packet{Header: header, Payload: make([]byte, g.payloadSize)}
	raw, _ := pkt.Marshal()
	return Packet{
		ArrivalTime: now,
		Header:      header,
		Raw:         raw,
		PayloadSize: g.payloadSize,
	}
}

// StableStream generates packets without loss, arriving at the rate they
// were sent.
//
// Parameters:
//   - clock: MockClock for deterministic time control
//   - count: Number of packets to generate
//   - intervalMs: Inter-packet interval in milliseconds
func StableStream(clock *internal.MockClock, count int, intervalMs int) []Packet {
	g := NewStreamGenerator(DefaultSSRC, 0, DefaultPayloadSize)
	packets := make([]Packet, 0, count)
	for i := 0; i < count; i++ {
		packets = append(packets, g.Next(clock.Now()))
		clock.Advance(time.Duration(intervalMs) * time.Millisecond)
	}
	return packets
}

// LossyStream generates packets where every lossEvery-th packet is lost.
// The sequence numbers of lost packets are consumed, so the receiver sees
// gaps.
func LossyStream(clock *internal.MockClock, count int, intervalMs int, lossEvery int) []Packet {
	g := NewStreamGenerator(DefaultSSRC, 0, DefaultPayloadSize)
	packets := make([]Packet, 0, count)
	for i := 0; i < count; i++ {
		p := g.Next(clock.Now())
		clock.Advance(time.Duration(intervalMs) * time.Millisecond)
		if lossEvery > 0 && (i+1)%lossEvery == 0 {
			continue
		}
		packets = append(packets, p)
	}
	return packets
}

// ReorderedStream generates packets where every reorderEvery-th packet
// swaps places with its successor. Arrival times stay monotonic.
func ReorderedStream(clock *internal.MockClock, count int, intervalMs int, reorderEvery int) []Packet {
	g := NewStreamGenerator(DefaultSSRC, 0, DefaultPayloadSize)
	packets := make([]Packet, count)
	for i := range packets {
		packets[i] = g.Next(clock.Now())
		clock.Advance(time.Duration(intervalMs) * time.Millisecond)
	}
	if reorderEvery <= 0 {
		return packets
	}
	for i := reorderEvery - 1; i+1 < count; i += reorderEvery {
		// Swap the packets but keep the arrival slots.
		a, b := packets[i], packets[i+1]
		a.ArrivalTime, b.ArrivalTime = b.ArrivalTime, a.ArrivalTime
		packets[i], packets[i+1] = b, a
	}
	return packets
}

// WraparoundStream generates packets that cross the 16-bit sequence number
// wrap halfway through.
func WraparoundStream(clock *internal.MockClock, count int) []Packet {
	start := uint16(0x10000 - count/2)
	g := NewStreamGenerator(DefaultSSRC, start, DefaultPayloadSize)
	packets := make([]Packet, 0, count)
	for i := 0; i < count; i++ {
		packets = append(packets, g.Next(clock.Now()))
		clock.Advance(20 * time.Millisecond)
	}
	return packets
}

// JitteryStream generates packets whose network delay alternates between 0
// and jitterMs, producing a constant transit time difference.
func JitteryStream(clock *internal.MockClock, count int, intervalMs int, jitterMs int) []Packet {
	g := NewStreamGenerator(DefaultSSRC, 0, DefaultPayloadSize)
	start := clock.Now()
	packets := make([]Packet, 0, count)
	for i := 0; i < count; i++ {
		sendTime := start.Add(time.Duration(i*intervalMs) * time.Millisecond)
		p := g.Next(sendTime)
		if i%2 == 1 {
			p.ArrivalTime = sendTime.Add(time.Duration(jitterMs) * time.Millisecond)
		}
		packets = append(packets, p)
	}
	clock.Set(start.Add(time.Duration(count*intervalMs) * time.Millisecond))
	return packets
}
