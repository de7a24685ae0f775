package rtcpfb

import (
	"math"
	"sync"
	"time"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/internal"
)

const (
	// jitterClamp discards inter-arrival differences this large, in RTP
	// timestamp units.
	jitterClamp = 450000

	maxCumulativeLoss = 1<<23 - 1
	minCumulativeLoss = -(1 << 23)
)

// RtcpStatistics is the reception quality of one stream as reported in a
// reception report block.
type RtcpStatistics struct {
	FractionLost    uint8
	PacketsLost     int32
	ExtendedHighSeq uint32
	Jitter          uint32
	// ExtendedJitter is the RFC 5450 jitter that excludes the transmission
	// time offset introduced by the sender.
	ExtendedJitter uint32
}

// RtpPacketCounter accumulates packet and byte counts.
type RtpPacketCounter struct {
	Packets      uint32
	HeaderBytes  uint64
	PayloadBytes uint64
	PaddingBytes uint64
}

// TotalBytes returns header, payload and padding bytes together.
func (c RtpPacketCounter) TotalBytes() uint64 {
	return c.HeaderBytes + c.PayloadBytes + c.PaddingBytes
}

func (c *RtpPacketCounter) add(pkt RtpPacket) {
	c.Packets++
	c.HeaderBytes += uint64(pkt.HeaderLength)
	c.PayloadBytes += uint64(pkt.PayloadLength)
	c.PaddingBytes += uint64(pkt.PaddingLength)
}

// StreamDataCounters are the RTP counters of one received stream.
type StreamDataCounters struct {
	FirstPacketTime time.Time
	Transmitted     RtpPacketCounter
	Retransmitted   RtpPacketCounter
	Fec             RtpPacketCounter
	// OutOfOrder counts packets older than the highest sequence number seen,
	// and packets that jumped beyond the reordering threshold.
	OutOfOrder uint32
}

// seqUnwrapper extends 16-bit sequence numbers to a monotonic 64-bit space.
type seqUnwrapper struct {
	last  int64
	valid bool
}

func (u *seqUnwrapper) unwrapWithoutUpdate(seq uint16) int64 {
	if !u.valid {
		return int64(seq)
	}
	delta := int16(seq - uint16(u.last))
	return u.last + int64(delta)
}

func (u *seqUnwrapper) updateLast(v int64) {
	u.last = v
	u.valid = true
}

// StreamStatistician tracks the reception statistics of one remote SSRC.
type StreamStatistician struct {
	mu    sync.Mutex
	ssrc  uint32
	clock internal.Clock

	bitrate                *bitrateWindow
	maxReorderingThreshold int
	retransmitDetection    bool

	unwrapper             seqUnwrapper
	received              bool
	receivedSeqFirst      int64
	receivedSeqMax        int64
	receivedOutOfOrder    uint16
	hasReceivedOutOfOrder bool

	jitterQ4         int32
	extendedJitterQ4 int32
	cumulativeLoss   int32
	packetOverhead   int

	lastReceiveTime          time.Time
	lastReceivedTimestamp    uint32
	lastReceivedTimeOffset   int32
	lastReportInorderPackets uint32
	lastReportOldPackets     uint32
	lastReportSeqMax         int64
	lastReported             RtcpStatistics
	counters                 StreamDataCounters
}

func newStreamStatistician(ssrc uint32, clock internal.Clock, maxReordering int, retransmitDetection bool) *StreamStatistician {
	return &StreamStatistician{
		ssrc:                   ssrc,
		clock:                  clock,
		bitrate:                newBitrateWindow(time.Second),
		maxReorderingThreshold: maxReordering,
		retransmitDetection:    retransmitDetection,
		receivedSeqMax:         -1,
		lastReportSeqMax:       -1,
		packetOverhead:         12,
	}
}

// SSRC returns the remote source this statistician tracks.
func (s *StreamStatistician) SSRC() uint32 {
	return s.ssrc
}

// onRtpPacket updates the counters with one received packet.
func (s *StreamStatistician) onRtpPacket(pkt RtpPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	size := pkt.HeaderLength + pkt.PayloadLength + pkt.PaddingLength
	s.bitrate.update(size, now)
	s.counters.Transmitted.add(pkt)
	s.packetOverhead = (15*s.packetOverhead + pkt.HeaderLength + pkt.PaddingLength) >> 4

	seq := s.unwrapper.unwrapWithoutUpdate(pkt.SequenceNumber)
	if !s.received {
		s.received = true
		s.receivedSeqFirst = seq
		s.lastReportSeqMax = seq - 1
		s.counters.FirstPacketTime = now
	} else if s.updateOutOfOrder(pkt, seq, now) {
		s.counters.OutOfOrder++
		return
	}
	s.receivedSeqMax = seq
	s.unwrapper.updateLast(seq)

	if pkt.Timestamp != s.lastReceivedTimestamp &&
		s.counters.Transmitted.Packets-s.counters.Retransmitted.Packets > 1 {
		s.updateJitter(pkt, now)
	}
	s.lastReceivedTimestamp = pkt.Timestamp
	s.lastReceivedTimeOffset = pkt.TransmissionTimeOffset
	s.lastReceiveTime = now
}

// updateOutOfOrder reports whether the packet must not advance the highest
// sequence number.
func (s *StreamStatistician) updateOutOfOrder(pkt RtpPacket, seq int64, now time.Time) bool {
	if s.hasReceivedOutOfOrder {
		expected := s.receivedOutOfOrder + 1
		s.hasReceivedOutOfOrder = false
		if pkt.SequenceNumber == expected {
			// Two consecutive packets past the jump: the stream restarted.
			s.lastReportSeqMax = seq
			s.lastReportInorderPackets = s.counters.Transmitted.Packets - s.counters.Retransmitted.Packets
			return false
		}
	}

	diff := seq - s.receivedSeqMax
	if diff < 0 {
		diff = -diff
	}
	if diff > int64(s.maxReorderingThreshold) {
		s.receivedOutOfOrder = pkt.SequenceNumber
		s.hasReceivedOutOfOrder = true
		return true
	}

	if seq > s.receivedSeqMax {
		return false
	}

	if s.retransmitDetection && s.isRetransmitOfOldPacket(pkt, now) {
		s.counters.Retransmitted.add(pkt)
	}
	return true
}

func (s *StreamStatistician) updateJitter(pkt RtpPacket, now time.Time) {
	receiveDiffMs := now.Sub(s.lastReceiveTime).Milliseconds()
	receiveDiffRTP := uint32(receiveDiffMs * int64(pkt.ClockRate) / 1000)

	diff := absInt32(int32(receiveDiffRTP - (pkt.Timestamp - s.lastReceivedTimestamp)))
	if diff < jitterClamp {
		s.jitterQ4 += ((diff << 4) - s.jitterQ4 + 8) >> 4
	}

	sent := (pkt.Timestamp + uint32(pkt.TransmissionTimeOffset)) -
		(s.lastReceivedTimestamp + uint32(s.lastReceivedTimeOffset))
	extDiff := absInt32(int32(receiveDiffRTP - sent))
	if extDiff < jitterClamp {
		s.extendedJitterQ4 += ((extDiff << 4) - s.extendedJitterQ4 + 8) >> 4
	}
}

func (s *StreamStatistician) isRetransmitOfOldPacket(pkt RtpPacket, now time.Time) bool {
	freqKHz := int64(pkt.ClockRate / 1000)
	if freqKHz == 0 {
		return false
	}
	timeDiffMs := now.Sub(s.lastReceiveTime).Milliseconds()
	rtpDiffMs := int64((pkt.Timestamp - s.lastReceivedTimestamp) / uint32(freqKHz))

	jitterStd := math.Sqrt(float64(s.jitterQ4 >> 4))
	maxDelayMs := int64(2 * jitterStd / float64(freqKHz))
	if maxDelayMs == 0 {
		maxDelayMs = 1
	}
	return timeDiffMs > rtpDiffMs+maxDelayMs
}

func (s *StreamStatistician) onFecPacket(pkt RtpPacket) {
	s.mu.Lock()
	s.counters.Fec.add(pkt)
	s.mu.Unlock()
}

// Statistics returns the reception statistics. With reset, a new report
// interval starts and fraction lost covers the interval just closed.
// Without reset, the last reported statistics are returned. ok is false
// before the first packet, or without reset before the first report.
func (s *StreamStatistician) Statistics(reset bool) (stats RtcpStatistics, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.received {
		return RtcpStatistics{}, false
	}
	if !reset {
		if s.lastReportInorderPackets == 0 {
			return RtcpStatistics{}, false
		}
		return s.lastReported, true
	}
	return s.calculateRtcpStatistics(), true
}

// activeStatisticsAndReset is Statistics(true) for streams that received a
// packet within the statistics timeout.
func (s *StreamStatistician) activeStatisticsAndReset() (RtcpStatistics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.received || s.clock.Now().Sub(s.lastReceiveTime) >= statisticsTimeout {
		return RtcpStatistics{}, false
	}
	return s.calculateRtcpStatistics(), true
}

func (s *StreamStatistician) calculateRtcpStatistics() RtcpStatistics {
	expected := s.receivedSeqMax - s.lastReportSeqMax
	if expected < 0 {
		expected = 0
	}

	inorder := s.counters.Transmitted.Packets - s.counters.Retransmitted.Packets
	receivedSinceLast := int64(inorder - s.lastReportInorderPackets)
	// With NACK the retransmissions of the interval are unknown; count the
	// old packets so loss is not overestimated.
	receivedSinceLast += int64(s.counters.Retransmitted.Packets - s.lastReportOldPackets)

	missing := int64(0)
	if expected > receivedSinceLast {
		missing = expected - receivedSinceLast
	}
	var fraction uint8
	if expected > 0 {
		fraction = uint8(255 * missing / expected)
	}

	loss := int64(s.cumulativeLoss) + missing
	if loss > maxCumulativeLoss {
		loss = maxCumulativeLoss
	}
	if loss < minCumulativeLoss {
		loss = minCumulativeLoss
	}
	s.cumulativeLoss = int32(loss)

	stats := RtcpStatistics{
		FractionLost:    fraction,
		PacketsLost:     s.cumulativeLoss,
		ExtendedHighSeq: uint32(s.receivedSeqMax),
		Jitter:          uint32(s.jitterQ4 >> 4),
		ExtendedJitter:  uint32(s.extendedJitterQ4 >> 4),
	}
	s.lastReported = stats
	s.lastReportInorderPackets = inorder
	s.lastReportOldPackets = s.counters.Retransmitted.Packets
	s.lastReportSeqMax = s.receivedSeqMax
	return stats
}

// DataCounters returns a copy of the stream counters.
func (s *StreamStatistician) DataCounters() StreamDataCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// BitrateReceived returns the received bitrate over the last second, in bits
// per second.
func (s *StreamStatistician) BitrateReceived() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	rate, _ := s.bitrate.rate(s.clock.Now())
	return rate
}

// PacketOverhead returns the smoothed RTP header and padding overhead in
// bytes, the measured overhead of RFC 5104 section 4.2.1.2.
func (s *StreamStatistician) PacketOverhead() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packetOverhead
}

// LastPacketTime returns the arrival time of the last in-order packet.
func (s *StreamStatistician) LastPacketTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReceiveTime
}

func (s *StreamStatistician) setMaxReorderingThreshold(n int) {
	s.mu.Lock()
	s.maxReorderingThreshold = n
	s.mu.Unlock()
}

func (s *StreamStatistician) enableRetransmitDetection(enable bool) {
	s.mu.Lock()
	s.retransmitDetection = enable
	s.mu.Unlock()
}

func absInt32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
