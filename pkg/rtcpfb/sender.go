package rtcpfb

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtcp"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/internal"
	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/packet"
)

// Transport delivers one outbound RTCP datagram.
type Transport interface {
	SendRTCP(pkt []byte) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(pkt []byte) error

// SendRTCP calls f(pkt).
func (f TransportFunc) SendRTCP(pkt []byte) error {
	return f(pkt)
}

// SendOptions carries the payload of feedback requested with a forced
// emission.
type SendOptions struct {
	// NackList holds the sequence numbers to NACK, ideally sorted.
	NackList []uint16
	// Repeat resends the previous FIR sequence number.
	Repeat bool
	// PictureID is used by SLI and RPSI.
	PictureID uint64
}

// Sender decides when RTCP is due and assembles outbound datagrams.
//
// Datagrams are built under the sender lock and handed to the transport
// after it is released. Observers are notified outside the lock too.
type Sender struct {
	mu        sync.Mutex
	config    Config
	clock     internal.Clock
	log       logging.LeveledLogger
	rand      *rand.Rand
	stats     *ReceiveStatistics
	transport Transport

	mode    RtcpMode
	sending bool
	remb    bool
	ij      bool
	xrRRTR  bool

	nextTimeToSend time.Time

	ssrc       uint32
	remoteSSRC uint32
	cname      string
	csrcCNAMEs map[uint32]string
	csrcs      []uint32

	startTimestamp   uint32
	lastRtpTimestamp uint32
	lastFrameCapture time.Time

	firSequenceNumber uint8

	rembBitrateBps uint64
	rembSSRCs      []uint32

	tmmbrSendKbps      uint32
	packetOverheadSend uint16
	tmmbnToSend        []packet.TmmbItem

	appSubType uint8
	appName    uint32
	appData    []byte

	voipMetrics rtcp.VoIPMetricsReportBlock

	// lastSendReport and lastRtcpTime are the compact NTP and wall time of
	// the SRs sent, newest first.
	lastSendReport []uint32
	lastRtcpTime   []time.Time

	// lastXrRR maps the compact NTP of sent RRTRs to their send time.
	lastXrRR  map[uint32]time.Time
	xrRROrder []uint32

	flags        reportFlags
	counter      PacketTypeCounter
	nackStats    nackStats
	sendFailures uint64

	counterObserver PacketTypeCounterObserver
}

// NewSender creates a sender that reports statistics from stats and writes
// datagrams to transport. If clock is nil, a MonotonicClock is used.
func NewSender(config Config, clock internal.Clock, stats *ReceiveStatistics, transport Transport) *Sender {
	if clock == nil {
		clock = internal.MonotonicClock{}
	}
	ringSize := config.SendReportRingSize
	if ringSize <= 0 {
		ringSize = DefaultConfig().SendReportRingSize
	}
	if config.MaxPacketSize < MinPacketSize {
		config.MaxPacketSize = DefaultConfig().MaxPacketSize
	}
	if config.AudioInterval <= 0 {
		config.AudioInterval = DefaultConfig().AudioInterval
	}
	if config.VideoInterval <= 0 {
		config.VideoInterval = DefaultConfig().VideoInterval
	}

	s := &Sender{
		config:         config,
		clock:          clock,
		log:            config.loggerFactory().NewLogger("rtcp_sender"),
		rand:           config.random(),
		stats:          stats,
		transport:      transport,
		csrcCNAMEs:     make(map[uint32]string),
		lastSendReport: make([]uint32, ringSize),
		lastRtcpTime:   make([]time.Time, ringSize),
		lastXrRR:       make(map[uint32]time.Time),
	}
	s.setRtcpModeLocked(config.Mode)
	return s
}

// SetCounterObserver registers the observer of sent packet counters.
func (s *Sender) SetCounterObserver(o PacketTypeCounterObserver) {
	s.mu.Lock()
	s.counterObserver = o
	s.mu.Unlock()
}

// RtcpMode returns the current mode.
func (s *Sender) RtcpMode() RtcpMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetRtcpMode changes the mode. Turning RTCP on schedules the first report
// after half the audio interval.
func (s *Sender) SetRtcpMode(mode RtcpMode) {
	s.mu.Lock()
	s.setRtcpModeLocked(mode)
	s.mu.Unlock()
}

func (s *Sender) setRtcpModeLocked(mode RtcpMode) {
	if mode != RtcpModeOff {
		s.nextTimeToSend = s.clock.Now().Add(s.config.AudioInterval / 2)
	}
	s.mode = mode
}

// Sending reports whether the local endpoint sends media.
func (s *Sender) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

// SetSendingStatus updates the sending state. Stopping while RTCP is on
// sends a BYE before returning.
func (s *Sender) SetSendingStatus(state FeedbackState, sending bool) error {
	s.mu.Lock()
	sendBye := s.mode != RtcpModeOff && s.sending && !sending
	s.sending = sending
	s.mu.Unlock()

	if sendBye {
		return s.SendRTCP(state, PacketBYE, SendOptions{})
	}
	return nil
}

// REMB reports whether REMB is enabled.
func (s *Sender) REMB() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remb
}

// SetREMBStatus enables or disables REMB. Disabling removes a pending REMB.
func (s *Sender) SetREMBStatus(enable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remb = enable
	if !enable {
		s.flags.consume(PacketREMB, true)
	}
}

// SetREMBData stores the estimate to announce and asks for an immediate
// report. REMB then goes out with every report while enabled.
func (s *Sender) SetREMBData(bitrateBps uint64, ssrcs []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rembBitrateBps = bitrateBps
	s.rembSSRCs = append(s.rembSSRCs[:0], ssrcs...)
	if s.remb {
		s.flags.add(PacketREMB, false)
	}
	s.nextTimeToSend = s.clock.Now()
}

// TMMBR reports whether TMMBR is enabled.
func (s *Sender) TMMBR() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags.isSet(PacketTMMBR)
}

// SetTMMBRStatus enables or disables TMMBR in every report.
func (s *Sender) SetTMMBRStatus(enable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enable {
		s.flags.add(PacketTMMBR, false)
	} else {
		s.flags.consume(PacketTMMBR, true)
	}
}

// SetTargetBitrate sets the limit we request with TMMBR.
func (s *Sender) SetTargetBitrate(bitrateBps uint64) {
	s.mu.Lock()
	s.tmmbrSendKbps = uint32(bitrateBps / 1000)
	s.mu.Unlock()
}

// SetPacketOverhead sets the per-packet overhead we announce with TMMBR.
func (s *Sender) SetPacketOverhead(overhead uint16) {
	s.mu.Lock()
	s.packetOverheadSend = overhead
	s.mu.Unlock()
}

// SetTMMBN stores the bounding set to announce and requests a TMMBN in the
// next report.
func (s *Sender) SetTMMBN(set []packet.TmmbItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tmmbnToSend = append(make([]packet.TmmbItem, 0, len(set)), set...)
	s.flags.add(PacketTMMBN, true)
}

// SetIJStatus enables RFC 5450 extended jitter reports after each report.
func (s *Sender) SetIJStatus(enable bool) {
	s.mu.Lock()
	s.ij = enable
	s.mu.Unlock()
}

// SetXrReceiverReferenceTimeStatus enables XR RRTR blocks while not sending.
func (s *Sender) SetXrReceiverReferenceTimeStatus(enable bool) {
	s.mu.Lock()
	s.xrRRTR = enable
	s.mu.Unlock()
}

// XrReceiverReferenceTime reports whether XR RRTR is enabled.
func (s *Sender) XrReceiverReferenceTime() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.xrRRTR
}

// SetVoIPMetrics stores metrics for the next report.
func (s *Sender) SetVoIPMetrics(metrics rtcp.VoIPMetricsReportBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voipMetrics = metrics
	s.flags.add(PacketXrVoIPMetric, true)
}

// SetApplicationSpecificData stores an APP packet for the next report. The
// data length must be a multiple of four.
func (s *Sender) SetApplicationSpecificData(subType uint8, name uint32, data []byte) error {
	if len(data)%4 != 0 {
		return fmt.Errorf("%w: %d bytes", packet.ErrInvalidAppLength, len(data))
	}
	if subType > 31 {
		return fmt.Errorf("%w: subtype %d", ErrInvalidConfig, subType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appSubType = subType
	s.appName = name
	s.appData = append([]byte(nil), data...)
	s.flags.add(PacketApp, true)
	return nil
}

// SetStartTimestamp sets the RTP timestamp offset of the stream.
func (s *Sender) SetStartTimestamp(ts uint32) {
	s.mu.Lock()
	s.startTimestamp = ts
	s.mu.Unlock()
}

// SetLastRtpTime records the RTP timestamp of the last sent frame and its
// capture time. A zero capture time means now.
func (s *Sender) SetLastRtpTime(rtpTimestamp uint32, captureTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if captureTime.IsZero() {
		captureTime = s.clock.Now()
	}
	s.lastRtpTimestamp = rtpTimestamp
	s.lastFrameCapture = captureTime
}

// SSRC returns the local SSRC.
func (s *Sender) SSRC() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ssrc
}

// SetSSRC sets the local SSRC. Replacing a non-zero SSRC, usually after a
// collision, brings the next report forward to 100ms from now.
func (s *Sender) SetSSRC(ssrc uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ssrc != 0 {
		s.nextTimeToSend = s.clock.Now().Add(100 * time.Millisecond)
	}
	s.ssrc = ssrc
}

// SetRemoteSSRC sets the SSRC feedback is addressed to.
func (s *Sender) SetRemoteSSRC(ssrc uint32) {
	s.mu.Lock()
	s.remoteSSRC = ssrc
	s.mu.Unlock()
}

// SetCNAME sets the local CNAME.
func (s *Sender) SetCNAME(cname string) error {
	if len(cname) > packet.MaxCNAMELength {
		return fmt.Errorf("%w: %d bytes", ErrCNAMETooLong, len(cname))
	}
	s.mu.Lock()
	s.cname = cname
	s.mu.Unlock()
	return nil
}

// AddMixedCNAME adds the CNAME of a contributing source to SDES.
func (s *Sender) AddMixedCNAME(ssrc uint32, cname string) error {
	if len(cname) > packet.MaxCNAMELength {
		return fmt.Errorf("%w: %d bytes", ErrCNAMETooLong, len(cname))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.csrcCNAMEs[ssrc]; !ok && len(s.csrcCNAMEs) >= maxCSRCs {
		return fmt.Errorf("%w: %d mixed cnames", ErrTooManyCSRCs, len(s.csrcCNAMEs))
	}
	s.csrcCNAMEs[ssrc] = cname
	return nil
}

// RemoveMixedCNAME removes a CNAME added with AddMixedCNAME.
func (s *Sender) RemoveMixedCNAME(ssrc uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.csrcCNAMEs[ssrc]; !ok {
		return fmt.Errorf("%w: %x", ErrUnknownSSRC, ssrc)
	}
	delete(s.csrcCNAMEs, ssrc)
	return nil
}

// SetCSRCs sets the contributing sources listed in BYE.
func (s *Sender) SetCSRCs(csrcs []uint32) error {
	if len(csrcs) > maxCSRCs {
		return fmt.Errorf("%w: %d", ErrTooManyCSRCs, len(csrcs))
	}
	s.mu.Lock()
	s.csrcs = append(s.csrcs[:0], csrcs...)
	s.mu.Unlock()
	return nil
}

// TimeToSendRTCPReport reports whether a scheduled report is due. For video
// with a key frame about to be sent, the report is sent up to 100ms early
// so it does not queue behind the frame.
func (s *Sender) TimeToSendRTCPReport(keyFrameNext bool) bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == RtcpModeOff {
		return false
	}
	if !s.config.Audio && keyFrameNext {
		now = now.Add(sendBeforeKeyFrame)
	}
	return !now.Before(s.nextTimeToSend)
}

// NextTimeToSend returns when the next scheduled report is due.
func (s *Sender) NextTimeToSend() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextTimeToSend
}

// SendTimeOfSendReport returns when the SR with the given compact NTP
// timestamp was sent.
func (s *Sender) SendTimeOfSendReport(compact uint32) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSendReport[0] == 0 || compact == 0 {
		return time.Time{}, false
	}
	for i, v := range s.lastSendReport {
		if v == compact {
			return s.lastRtcpTime[i], true
		}
	}
	return time.Time{}, false
}

// SendTimeOfXrRrReport returns when the RRTR with the given compact NTP
// timestamp was sent.
func (s *Sender) SendTimeOfXrRrReport(compact uint32) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastXrRR[compact]
	return t, ok
}

// PacketTypeCounter returns the counters of sent feedback.
func (s *Sender) PacketTypeCounter() PacketTypeCounter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// SendFailures returns the number of datagrams the transport rejected.
func (s *Sender) SendFailures() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendFailures
}

// SendRTCP emits a datagram containing t and whatever the report rules
// add to it.
func (s *Sender) SendRTCP(state FeedbackState, t PacketType, opts SendOptions) error {
	return s.SendCompoundRTCP(state, t, opts)
}

// SendCompoundRTCP emits one datagram containing types. Pending persistent
// flags are included as well.
func (s *Sender) SendCompoundRTCP(state FeedbackState, types PacketType, opts SendOptions) error {
	s.mu.Lock()
	if s.mode == RtcpModeOff {
		s.mu.Unlock()
		s.log.Warn("can't send rtcp while it is off")
		return ErrRtcpOff
	}
	pkt, blocks, err := s.prepareLocked(state, types, opts)
	counter, observer, ssrc := s.counter, s.counterObserver, s.remoteSSRC
	s.mu.Unlock()

	if observer != nil {
		observer.RtcpPacketTypesCounterUpdated(ssrc, counter)
	}
	if s.stats != nil {
		s.stats.notifyStatistics(blocks)
	}
	if err != nil {
		return err
	}
	if len(pkt) == 0 {
		return ErrEmptyPacket
	}
	return s.send(pkt)
}

// SendFeedbackPacket sends a standalone feedback packet, typically
// transport-wide congestion control feedback, outside of the report
// schedule.
func (s *Sender) SendFeedbackPacket(p rtcp.Packet) error {
	c := packet.NewCompound(s.config.MaxPacketSize)
	if err := c.Append(p); err != nil {
		return fmt.Errorf("%w: %v", ErrBuild, err)
	}
	return s.send(c.Bytes())
}

func (s *Sender) send(pkt []byte) error {
	if s.transport == nil {
		s.recordSendFailure()
		return ErrNoTransport
	}
	if err := s.transport.SendRTCP(pkt); err != nil {
		s.recordSendFailure()
		return fmt.Errorf("send rtcp: %w", err)
	}
	return nil
}

func (s *Sender) recordSendFailure() {
	s.mu.Lock()
	s.sendFailures++
	s.mu.Unlock()
}

// prepareLocked builds one datagram. It returns the report blocks it used so
// the statistics callback can be told after the lock is released.
func (s *Sender) prepareLocked(state FeedbackState, types PacketType, opts SendOptions) ([]byte, []reportBlockData, error) {
	now := s.clock.Now()
	ctx := &buildContext{
		compound:  packet.NewCompound(s.config.MaxPacketSize),
		state:     state,
		now:       now,
		ntp:       NewNtpTime(now),
		nackList:  opts.NackList,
		repeat:    opts.Repeat,
		pictureID: opts.PictureID,
	}

	for _, t := range emissionOrder {
		if types&t != 0 {
			s.flags.add(t, true)
		}
	}

	if s.counter.FirstPacketTime.IsZero() {
		s.counter.FirstPacketTime = now
	}

	var generateReport bool
	if s.flags.isSet(PacketSR) || s.flags.isSet(PacketRR) {
		// An explicit report type is kept as requested.
		generateReport = true
		s.flags.consume(PacketReport, true)
	} else {
		reportRequested := s.flags.consume(PacketReport, false)
		generateReport = (reportRequested && s.mode == RtcpModeReducedSize) || s.mode == RtcpModeCompound
		if generateReport {
			if s.sending {
				s.flags.add(PacketSR, true)
			} else {
				s.flags.add(PacketRR, true)
			}
		}
	}

	if s.flags.isSet(PacketSR) || (s.flags.isSet(PacketRR) && s.cname != "") {
		s.flags.add(PacketSDES, true)
	}

	if generateReport {
		if !s.sending && s.xrRRTR {
			s.flags.add(PacketXrReceiverReferenceTime, true)
		}
		if state.LastXrRR != nil {
			s.flags.add(PacketXrDLRR, true)
		}
		s.scheduleNextLocked(state, now)
		ctx.reportBlocks = s.reportBlocksLocked(state, now, s.maxReportBlocksLocked(ctx))
		if s.ij && len(ctx.reportBlocks) > 0 {
			s.flags.add(PacketTransmissionTimeOffset, true)
		}
	}

	for _, t := range emissionOrder {
		if !s.flags.isSet(t) {
			continue
		}
		s.flags.consume(t, false)
		build, ok := builders[t]
		if !ok {
			continue
		}

		start := ctx.compound.Len()
		switch build(s, ctx) {
		case BuildError:
			s.flags.dropVolatile()
			s.log.Errorf("failed to build %s: %v", t, ctx.err)
			return nil, ctx.reportBlocks, fmt.Errorf("%w: %s: %w", ErrBuild, t, ctx.err)
		case BuildTruncated:
			if dropped := s.flags.dropVolatile(); dropped != 0 {
				s.log.Warnf("rtcp datagram truncated at %s, dropped %s", t, dropped)
			}
			return ctx.compound.Bytes(), ctx.reportBlocks, nil
		case BuildAborted:
			ctx.compound.Truncate(start)
		}
	}

	if !s.flags.allVolatileConsumed() {
		s.log.Errorf("unconsumed volatile flags %s", s.flags.volatile)
		s.flags.dropVolatile()
	}
	return ctx.compound.Bytes(), ctx.reportBlocks, nil
}

// scheduleNextLocked picks the next report time, uniformly jittered in
// [T/2, 3T/2).
func (s *Sender) scheduleNextLocked(state FeedbackState, now time.Time) {
	random := time.Duration(s.rand.Intn(1000))
	var interval time.Duration
	if s.config.Audio {
		interval = s.config.AudioInterval
	} else {
		interval = s.config.VideoInterval
		if s.sending {
			// 360 divided by the send bandwidth in kbit/s.
			if kbps := state.BitrateBps / 1000; kbps != 0 {
				interval = min(interval, time.Duration(360000/kbps)*time.Millisecond)
			}
		}
	}
	s.nextTimeToSend = now.Add(interval/2 + interval*random/1000)
}

// maxReportBlocksLocked is the number of report blocks the SR or RR can
// carry while it and the SDES still fit the datagram. Streams that do not
// fit are reported in a later datagram.
func (s *Sender) maxReportBlocksLocked(ctx *buildContext) int {
	budget := ctx.compound.Remaining()
	if s.flags.isSet(PacketSR) {
		budget -= packet.SenderReportHeaderLength
	} else {
		budget -= packet.ReceiverReportHeaderLength
	}
	if s.flags.isSet(PacketSDES) {
		budget -= s.sdesLocked().MarshalSize()
	}
	return max(0, min(budget/packet.ReportBlockLength, packet.MaxReportBlocks))
}

// reportBlocksLocked draws up to maxBlocks report blocks from receive
// statistics and stamps them with the LSR and DLSR of the remote's last SR.
func (s *Sender) reportBlocksLocked(state FeedbackState, now time.Time, maxBlocks int) []reportBlockData {
	if s.stats == nil || maxBlocks == 0 {
		return nil
	}
	blocks := s.stats.rtcpReportBlocks(maxBlocks)
	var dlsr uint32
	if state.LastRRArrival != 0 {
		dlsr = CompactNtp(now) - state.LastRRArrival.Compact()
	}
	for i := range blocks {
		blocks[i].report.LastSenderReport = state.RemoteSR
		blocks[i].report.Delay = dlsr
	}
	return blocks
}
