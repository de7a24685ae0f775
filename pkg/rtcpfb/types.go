package rtcpfb

import (
	"strings"
	"time"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/packet"
)

// PacketType is a bit set of RTCP message kinds. It is used both for the
// report flags of the sender and for the flags of a parsed datagram.
type PacketType uint32

const (
	PacketSR PacketType = 1 << iota
	PacketRR
	PacketSDES
	PacketTransmissionTimeOffset
	PacketPLI
	PacketFIR
	PacketSLI
	PacketRPSI
	PacketREMB
	PacketTMMBR
	PacketTMMBN
	PacketNACK
	PacketXrReceiverReferenceTime
	PacketXrDLRR
	PacketXrVoIPMetric
	PacketApp
	PacketBYE
	// PacketReport asks for SR or RR, whichever applies. It is never built
	// directly.
	PacketReport
	// PacketSrReq marks a received rapid resynchronisation request.
	PacketSrReq
	// PacketTransportFeedback marks received transport-wide feedback.
	PacketTransportFeedback
)

// emissionOrder is the order in which flagged packets are written into a
// compound datagram.
var emissionOrder = []PacketType{
	PacketSR,
	PacketRR,
	PacketSDES,
	PacketTransmissionTimeOffset,
	PacketPLI,
	PacketFIR,
	PacketSLI,
	PacketRPSI,
	PacketREMB,
	PacketTMMBR,
	PacketTMMBN,
	PacketNACK,
	PacketXrReceiverReferenceTime,
	PacketXrDLRR,
	PacketXrVoIPMetric,
	PacketApp,
	PacketBYE,
	PacketReport,
	PacketSrReq,
	PacketTransportFeedback,
}

var packetTypeNames = map[PacketType]string{
	PacketSR:                      "SR",
	PacketRR:                      "RR",
	PacketSDES:                    "SDES",
	PacketTransmissionTimeOffset:  "IJ",
	PacketPLI:                     "PLI",
	PacketFIR:                     "FIR",
	PacketSLI:                     "SLI",
	PacketRPSI:                    "RPSI",
	PacketREMB:                    "REMB",
	PacketTMMBR:                   "TMMBR",
	PacketTMMBN:                   "TMMBN",
	PacketNACK:                    "NACK",
	PacketXrReceiverReferenceTime: "XR-RRTR",
	PacketXrDLRR:                  "XR-DLRR",
	PacketXrVoIPMetric:            "XR-VoIP",
	PacketApp:                     "APP",
	PacketBYE:                     "BYE",
	PacketReport:                  "Report",
	PacketSrReq:                   "SR-REQ",
	PacketTransportFeedback:       "TransportFeedback",
}

// Has reports whether every bit of t is set in p.
func (p PacketType) Has(t PacketType) bool {
	return p&t == t
}

// String returns the names of the set bits joined with '|'.
func (p PacketType) String() string {
	if p == 0 {
		return "none"
	}
	var names []string
	for _, t := range emissionOrder {
		if p&t != 0 {
			names = append(names, packetTypeNames[t])
		}
	}
	return strings.Join(names, "|")
}

// BuildResult is the outcome of one packet builder.
type BuildResult int

const (
	// BuildSuccess means the packet was appended.
	BuildSuccess BuildResult = iota
	// BuildAborted means the packet was skipped and the write position
	// restored.
	BuildAborted
	// BuildTruncated means the MTU budget is exhausted; the datagram is sent
	// with what it holds.
	BuildTruncated
	// BuildError discards the whole datagram.
	BuildError
)

// String returns the string representation of the result.
func (r BuildResult) String() string {
	switch r {
	case BuildSuccess:
		return "success"
	case BuildAborted:
		return "aborted"
	case BuildTruncated:
		return "truncated"
	case BuildError:
		return "error"
	default:
		return "unknown"
	}
}

// RtpPacket is the subset of a received RTP packet that receive statistics
// need.
type RtpPacket struct {
	SSRC           uint32
	SequenceNumber uint16
	Timestamp      uint32
	PayloadType    uint8
	// ClockRate is the payload type frequency in Hz.
	ClockRate     uint32
	HeaderLength  int
	PayloadLength int
	PaddingLength int
	// TransmissionTimeOffset is the RFC 5450 header extension value, in RTP
	// timestamp units. Zero when absent.
	TransmissionTimeOffset int32
}

// RttStats holds round-trip statistics for one reporter and reportee pair.
type RttStats struct {
	Last    time.Duration
	Min     time.Duration
	Max     time.Duration
	Avg     time.Duration
	Samples int
}

// ReportBlock is a reception report block received from a remote, flattened
// with the identity of its reporter.
type ReportBlock struct {
	// RemoteSSRC is the reporter.
	RemoteSSRC uint32
	// SourceSSRC is the local stream the block is about.
	SourceSSRC       uint32
	FractionLost     uint8
	CumulativeLost   int32
	ExtendedHighSeq  uint32
	Jitter           uint32
	LastSenderReport uint32
	DelaySinceLastSR uint32
}

// RemoteSenderInfo is the sender information of the last SR received from
// the configured remote SSRC.
type RemoteSenderInfo struct {
	NtpTime     NtpTime
	RtpTime     uint32
	PacketCount uint32
	OctetCount  uint32
	// ArrivalNtp is our NTP time when the SR arrived.
	ArrivalNtp NtpTime
}

// XrRRInfo describes the last RRTR received, for the DLRR reply.
type XrRRInfo struct {
	SSRC uint32
	// LastRR is the compact NTP of the reference time.
	LastRR uint32
	// DelaySinceLastRR is in compact NTP units.
	DelaySinceLastRR uint32
}

// PacketTypeCounter counts feedback messages in one direction.
type PacketTypeCounter struct {
	FirstPacketTime    time.Time
	NackPackets        uint32
	FirPackets         uint32
	PliPackets         uint32
	NackRequests       uint32
	UniqueNackRequests uint32
}

// UniqueNackRequestsInPercent returns the share of NACKed sequence numbers
// that were requested for the first time.
func (c PacketTypeCounter) UniqueNackRequestsInPercent() int {
	if c.NackRequests == 0 {
		return 0
	}
	return int((uint64(c.UniqueNackRequests)*100 + uint64(c.NackRequests)/2) / uint64(c.NackRequests))
}

// SendStats is a snapshot of the local RTP sender used in SR sender info and
// the report interval.
type SendStats struct {
	PacketsSent    uint32
	MediaBytesSent uint32
	// BitrateBps is the current send bitrate, zero when unknown.
	BitrateBps uint32
	// ClockRate is the RTP clock of the sent payload in Hz.
	ClockRate uint32
	// PayloadType of the sent media, 0xFF when unknown.
	PayloadType uint8
}

// FeedbackState is what the sender needs from the rest of the session to
// build one datagram. It is gathered before the sender lock is taken.
type FeedbackState struct {
	SendStats

	// RemoteSR is the compact NTP of the last SR received from the remote.
	RemoteSR uint32
	// LastRRArrival is our NTP time when that SR arrived, zero if none.
	LastRRArrival NtpTime

	// LastXrRR is set when an RRTR was received and a DLRR is due.
	LastXrRR *XrRRInfo

	// RemoteBoundingSet is the TMMBN set last received from the remote, used
	// for the TMMBR ownership check.
	RemoteBoundingSet []packet.TmmbItem
	// BoundingSetAvailable is false when no receiver is attached.
	BoundingSetAvailable bool
}
