package rtcpfb

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtcp"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/internal"
	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/packet"
)

// SendStatsProvider reports the state of the local RTP sender.
type SendStatsProvider interface {
	SendStats() SendStats
}

// SendStatsFunc adapts a function to SendStatsProvider.
type SendStatsFunc func() SendStats

// SendStats calls f().
func (f SendStatsFunc) SendStats() SendStats {
	return f()
}

type noSendStats struct{}

func (noSendStats) SendStats() SendStats {
	return SendStats{PayloadType: 0xFF}
}

// Session owns the sender, receiver and receive statistics of one RTP
// session and routes state between them.
//
// Receiver-to-sender edges (the TMMBN reply, SR requests and the data for
// LSR/DLSR and DLRR) are taken while neither component holds its lock.
type Session struct {
	config Config
	clock  internal.Clock
	log    logging.LeveledLogger

	stats    *ReceiveStatistics
	sender   *Sender
	receiver *Receiver

	transportMu sync.Mutex
	transport   Transport

	mu         sync.Mutex
	provider   SendStatsProvider
	localSSRC  uint32
	registered []uint32

	ssrcFilter        bool
	ssrcFilterAllowed uint32

	closed atomic.Bool
}

// NewSession creates a session. If clock is nil, a MonotonicClock is used.
func NewSession(config Config, clock internal.Clock) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = internal.MonotonicClock{}
	}

	s := &Session{
		config:   config,
		clock:    clock,
		log:      config.loggerFactory().NewLogger("rtcp_session"),
		stats:    NewReceiveStatistics(config, clock),
		receiver: NewReceiver(config, clock),
		provider: noSendStats{},
	}
	s.sender = NewSender(config, clock, s.stats, TransportFunc(s.writeRTCP))
	s.receiver.setHooks(receiverHooks{
		boundingSetChanged: s.sender.SetTMMBN,
		requestSendReport:  s.OnRequestSendReport,
	})
	return s, nil
}

func (s *Session) writeRTCP(pkt []byte) error {
	s.transportMu.Lock()
	t := s.transport
	s.transportMu.Unlock()
	if t == nil {
		s.log.Warn("dropping rtcp datagram, no transport")
		return ErrNoTransport
	}
	return t.SendRTCP(pkt)
}

// SetTransport attaches the outbound transport. A nil transport detaches
// it; emissions then fail with ErrNoTransport.
func (s *Session) SetTransport(t Transport) {
	s.transportMu.Lock()
	s.transport = t
	s.transportMu.Unlock()
}

// SetSendStatsProvider attaches the local RTP sender. Without a provider
// SRs carry zero counters.
func (s *Session) SetSendStatsProvider(p SendStatsProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == nil {
		p = noSendStats{}
	}
	s.provider = p
}

// SetObservers replaces every observer at once.
func (s *Session) SetObservers(o Observers) {
	s.receiver.SetObservers(o)
	s.sender.SetCounterObserver(o.PacketTypeCounter)
	s.stats.SetStatisticsCallback(o.Statistics)
}

// Close detaches the observers and the transport. Observers are not called
// after Close returns.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.SetObservers(Observers{})
	s.receiver.setHooks(receiverHooks{})
	s.SetTransport(nil)
	return nil
}

// feedbackState gathers what the sender needs from the receiver. It must be
// called without the sender lock.
func (s *Session) feedbackState() FeedbackState {
	s.mu.Lock()
	provider := s.provider
	s.mu.Unlock()

	state := FeedbackState{
		SendStats:            provider.SendStats(),
		BoundingSetAvailable: true,
	}
	if info, ok := s.receiver.RemoteSenderInfo(); ok {
		state.RemoteSR = info.NtpTime.Compact()
		state.LastRRArrival = info.ArrivalNtp
	}
	if xr, ok := s.receiver.LastReceivedXrReferenceTimeInfo(); ok {
		state.LastXrRR = &xr
	}
	_, state.RemoteBoundingSet = s.receiver.RemoteBoundingSet()
	return state
}

// SetRtcpMode sets the RTCP mode. Reduced-size mode also accepts
// non-compound datagrams on ingress.
func (s *Session) SetRtcpMode(mode RtcpMode) {
	s.sender.SetRtcpMode(mode)
	s.receiver.SetAllowNonCompound(mode == RtcpModeReducedSize)
}

// RtcpMode returns the RTCP mode.
func (s *Session) RtcpMode() RtcpMode {
	return s.sender.RtcpMode()
}

// SetLocalSSRC sets our main SSRC.
func (s *Session) SetLocalSSRC(ssrc uint32) {
	s.mu.Lock()
	s.localSSRC = ssrc
	registered := slices.Clone(s.registered)
	s.mu.Unlock()

	s.sender.SetSSRC(ssrc)
	s.receiver.SetSSRCs(ssrc, registered)
}

// LocalSSRC returns our main SSRC.
func (s *Session) LocalSSRC() uint32 {
	return s.sender.SSRC()
}

// SetRegisteredSSRCs sets the other local SSRCs, such as RTX or FEC
// streams, whose report blocks and XR items we accept.
func (s *Session) SetRegisteredSSRCs(ssrcs []uint32) {
	s.mu.Lock()
	s.registered = slices.Clone(ssrcs)
	local := s.localSSRC
	s.mu.Unlock()

	s.receiver.SetSSRCs(local, ssrcs)
}

// SetRemoteSSRC sets the remote we address feedback to and whose SRs we
// keep.
func (s *Session) SetRemoteSSRC(ssrc uint32) {
	s.sender.SetRemoteSSRC(ssrc)
	s.receiver.SetRemoteSSRC(ssrc)
}

// SetCNAME sets our CNAME.
func (s *Session) SetCNAME(cname string) error {
	return s.sender.SetCNAME(cname)
}

// AddMixedCNAME adds the CNAME of a contributing source.
func (s *Session) AddMixedCNAME(ssrc uint32, cname string) error {
	return s.sender.AddMixedCNAME(ssrc, cname)
}

// RemoveMixedCNAME removes the CNAME of a contributing source.
func (s *Session) RemoveMixedCNAME(ssrc uint32) error {
	return s.sender.RemoveMixedCNAME(ssrc)
}

// SetCSRCs sets the contributing sources.
func (s *Session) SetCSRCs(csrcs []uint32) error {
	return s.sender.SetCSRCs(csrcs)
}

// SetStartTimestamp sets the RTP timestamp offset of the sent stream.
func (s *Session) SetStartTimestamp(ts uint32) {
	s.sender.SetStartTimestamp(ts)
}

// SetLastRtpTime records the RTP timestamp and capture time of the last
// sent frame.
func (s *Session) SetLastRtpTime(rtpTimestamp uint32, captureTime time.Time) {
	s.sender.SetLastRtpTime(rtpTimestamp, captureTime)
}

// SetSending updates the sending state. Stopping sends a BYE.
func (s *Session) SetSending(sending bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.sender.SetSendingStatus(s.feedbackState(), sending)
}

// Sending reports whether we send media.
func (s *Session) Sending() bool {
	return s.sender.Sending()
}

// SetREMBStatus enables or disables REMB.
func (s *Session) SetREMBStatus(enable bool) {
	s.sender.SetREMBStatus(enable)
}

// SetREMBData stores the estimate announced with REMB.
func (s *Session) SetREMBData(bitrateBps uint64, ssrcs []uint32) {
	s.sender.SetREMBData(bitrateBps, ssrcs)
}

// SetTMMBRStatus enables or disables TMMBR.
func (s *Session) SetTMMBRStatus(enable bool) {
	s.sender.SetTMMBRStatus(enable)
}

// SetTargetBitrate sets the limit requested with TMMBR.
func (s *Session) SetTargetBitrate(bitrateBps uint64) {
	s.sender.SetTargetBitrate(bitrateBps)
}

// SetPacketOverhead sets the overhead announced with TMMBR.
func (s *Session) SetPacketOverhead(overhead uint16) {
	s.sender.SetPacketOverhead(overhead)
}

// SetIJStatus enables extended jitter reports.
func (s *Session) SetIJStatus(enable bool) {
	s.sender.SetIJStatus(enable)
}

// SetXrReceiverReferenceTimeStatus enables XR RRTR on egress and RTT from
// XR DLRR on ingress.
func (s *Session) SetXrReceiverReferenceTimeStatus(enable bool) {
	s.sender.SetXrReceiverReferenceTimeStatus(enable)
	s.receiver.SetXrRRTRStatus(enable)
}

// SetVoIPMetrics stores VoIP metrics for the next report.
func (s *Session) SetVoIPMetrics(metrics rtcp.VoIPMetricsReportBlock) {
	s.sender.SetVoIPMetrics(metrics)
}

// SetApplicationSpecificData stores an APP packet for the next report.
func (s *Session) SetApplicationSpecificData(subType uint8, name uint32, data []byte) error {
	return s.sender.SetApplicationSpecificData(subType, name, data)
}

// SetSSRCFilter restricts receive statistics to RTP packets of allowed.
func (s *Session) SetSSRCFilter(enable bool, allowed uint32) {
	s.mu.Lock()
	s.ssrcFilter = enable
	s.ssrcFilterAllowed = allowed
	if !enable {
		s.ssrcFilterAllowed = 0
	}
	s.mu.Unlock()
}

// IncomingRtpPacket feeds receive statistics. It returns false when the
// packet was dropped by the SSRC filter.
func (s *Session) IncomingRtpPacket(pkt RtpPacket) bool {
	s.mu.Lock()
	drop := s.ssrcFilter && pkt.SSRC != s.ssrcFilterAllowed
	s.mu.Unlock()
	if drop {
		s.log.Debugf("dropping rtp packet of %x due to ssrc filter", pkt.SSRC)
		return false
	}
	s.stats.OnRtpPacket(pkt)
	return true
}

// IncomingRtcpPacket applies one inbound datagram. Datagrams that fail
// validation are logged and dropped; only a closed session returns an
// error.
func (s *Session) IncomingRtcpPacket(buf []byte) error {
	_, err := s.IncomingRtcpPacketInfo(buf)
	return err
}

// IncomingRtcpPacketInfo is IncomingRtcpPacket returning what the datagram
// carried.
func (s *Session) IncomingRtcpPacketInfo(buf []byte) (PacketInformation, error) {
	if s.closed.Load() {
		return PacketInformation{}, ErrClosed
	}
	info, err := s.receiver.IncomingPacket(buf)
	if err != nil {
		s.log.Debugf("dropping rtcp datagram of %d bytes: %v", len(buf), err)
		return PacketInformation{}, nil
	}
	return info, nil
}

// OnRequestSendReport emits a report immediately, in reply to a rapid
// resynchronisation request.
func (s *Session) OnRequestSendReport() {
	if err := s.SendRTCP(PacketReport); err != nil {
		s.log.Warnf("failed to answer report request: %v", err)
	}
}

// SendRTCP emits a datagram containing t.
func (s *Session) SendRTCP(t PacketType) error {
	return s.SendCompoundRTCP(t, SendOptions{})
}

// SendCompoundRTCP emits a datagram containing types.
func (s *Session) SendCompoundRTCP(types PacketType, opts SendOptions) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.sender.SendCompoundRTCP(s.feedbackState(), types, opts)
}

// SendNACK requests retransmission of sequenceNumbers.
func (s *Session) SendNACK(sequenceNumbers []uint16) error {
	return s.SendCompoundRTCP(PacketNACK, SendOptions{NackList: sequenceNumbers})
}

// RequestKeyFrame sends a PLI.
func (s *Session) RequestKeyFrame() error {
	return s.SendRTCP(PacketPLI)
}

// SendFeedbackPacket sends a standalone feedback packet, such as transport
// wide congestion control feedback.
func (s *Session) SendFeedbackPacket(p rtcp.Packet) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.sender.SendFeedbackPacket(p)
}

// TimeToSendRTCPReport reports whether a scheduled report is due.
func (s *Session) TimeToSendRTCPReport(keyFrameNext bool) bool {
	return s.sender.TimeToSendRTCPReport(keyFrameNext)
}

// Process runs the timers: expired remote state is swept and a report is
// sent when one is due.
func (s *Session) Process() error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.receiver.UpdateReceiveInformationTimers()
	if !s.sender.TimeToSendRTCPReport(false) {
		return nil
	}
	return s.SendRTCP(PacketReport)
}

// RTT returns round-trip statistics measured with reports from remote.
func (s *Session) RTT(remote uint32) (RttStats, bool) {
	return s.receiver.RTT(remote)
}

// XrRRRtt returns the RTT measured with XR DLRR since the last call.
func (s *Session) XrRRRtt() (time.Duration, bool) {
	return s.receiver.GetAndResetXrRRRtt()
}

// RemoteCNAME returns the CNAME announced by ssrc.
func (s *Session) RemoteCNAME(ssrc uint32) (string, bool) {
	return s.receiver.CNAME(ssrc)
}

// RemoteSenderInfo returns the sender info of the last SR of the remote.
func (s *Session) RemoteSenderInfo() (RemoteSenderInfo, bool) {
	return s.receiver.RemoteSenderInfo()
}

// SendTimeOfSendReport returns when the SR with the compact NTP timestamp
// compact was sent.
func (s *Session) SendTimeOfSendReport(compact uint32) (time.Time, bool) {
	return s.sender.SendTimeOfSendReport(compact)
}

// BoundingSet returns the bounding set of the TMMBR requests received and
// whether our SSRC owns a tuple of it.
func (s *Session) BoundingSet() (bool, []packet.TmmbItem) {
	return s.receiver.BoundingSet()
}

// RemoteBoundingSet returns the TMMBN set announced by the remote.
func (s *Session) RemoteBoundingSet() (bool, []packet.TmmbItem) {
	return s.receiver.RemoteBoundingSet()
}

// ReportBlocks returns the report blocks received about our streams.
func (s *Session) ReportBlocks() []ReportBlock {
	return s.receiver.ReportBlocks()
}

// PacketTypeCounters returns the counters of sent and received feedback.
func (s *Session) PacketTypeCounters() (sent, received PacketTypeCounter) {
	return s.sender.PacketTypeCounter(), s.receiver.PacketTypeCounter()
}

// Statistician returns the statistics of the received stream ssrc, or nil.
func (s *Session) Statistician(ssrc uint32) *StreamStatistician {
	return s.stats.Statistician(ssrc)
}

// ReceiveStatistics returns the receive statistics of the session.
func (s *Session) ReceiveStatistics() *ReceiveStatistics {
	return s.stats
}

// RtcpRrTimeout reports, once, that the remote stopped sending report
// blocks.
func (s *Session) RtcpRrTimeout() bool {
	return s.receiver.RtcpRrTimeout(s.reportInterval())
}

// RtcpRrSequenceNumberTimeout reports, once, that the remote stopped
// seeing new media.
func (s *Session) RtcpRrSequenceNumberTimeout() bool {
	return s.receiver.RtcpRrSequenceNumberTimeout(s.reportInterval())
}

func (s *Session) reportInterval() time.Duration {
	if s.config.Audio {
		return s.config.AudioInterval
	}
	return s.config.VideoInterval
}

// SendFailures returns the number of datagrams the transport rejected.
func (s *Session) SendFailures() uint64 {
	return s.sender.SendFailures()
}

// BrokenPackets returns the number of inbound datagrams dropped by the
// parser.
func (s *Session) BrokenPackets() uint64 {
	return s.receiver.BrokenPackets()
}
