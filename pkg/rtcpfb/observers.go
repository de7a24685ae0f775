package rtcpfb

import (
	"time"

	"github.com/pion/rtcp"
)

// IntraFrameObserver is told about requests for a new key frame or
// reference picture.
type IntraFrameObserver interface {
	// OnReceivedIntraFrameRequest is called for PLI and FIR.
	OnReceivedIntraFrameRequest(ssrc uint32)
	OnReceivedSLI(ssrc uint32, pictureID uint8)
	OnReceivedRPSI(ssrc uint32, pictureID uint64)
	OnLocalSSRCChanged(oldSSRC, newSSRC uint32)
}

// NackObserver receives the sequence numbers of a generic NACK.
type NackObserver interface {
	OnReceivedNack(sequenceNumbers []uint16)
}

// BandwidthObserver receives bitrate limits and reception reports.
type BandwidthObserver interface {
	// OnReceivedEstimatedBitrate is called for REMB and for the minimum of
	// the TMMBR bounding set. ssrcs lists the media SSRCs a REMB applies to
	// and is nil for TMMBR. The slice is the observer's to keep.
	OnReceivedEstimatedBitrate(bitrateBps uint32, ssrcs []uint32)
	OnReceivedRtcpReceiverReport(blocks []ReportBlock, rtt time.Duration, now time.Time)
}

// VoIPMetricsObserver receives XR VoIP metrics blocks. Fields the engine
// does not interpret are passed through unchanged.
type VoIPMetricsObserver interface {
	OnReceivedVoIPMetrics(senderSSRC uint32, metrics *rtcp.VoIPMetricsReportBlock)
}

// PacketTypeCounterObserver is notified after every change of a packet
// counter, for sent and received feedback.
type PacketTypeCounterObserver interface {
	RtcpPacketTypesCounterUpdated(ssrc uint32, counter PacketTypeCounter)
}

// TransportFeedbackObserver receives transport-wide congestion control
// feedback.
type TransportFeedbackObserver interface {
	OnTransportFeedback(feedback *rtcp.TransportLayerCC)
}

// StatisticsCallback receives reception statistics, both those we report
// and those reported to us, and CNAME changes of remotes.
type StatisticsCallback interface {
	StatisticsUpdated(stats RtcpStatistics, ssrc uint32)
	CNameChanged(cname string, ssrc uint32)
}

// Observers groups the optional session callbacks. Callbacks run on the
// goroutine that delivered the packet or triggered the emission, never with
// a session lock held.
type Observers struct {
	IntraFrame        IntraFrameObserver
	Nack              NackObserver
	Bandwidth         BandwidthObserver
	VoIPMetrics       VoIPMetricsObserver
	PacketTypeCounter PacketTypeCounterObserver
	TransportFeedback TransportFeedbackObserver
	Statistics        StatisticsCallback
}
