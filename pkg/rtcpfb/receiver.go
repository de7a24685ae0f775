package rtcpfb

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtcp"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/internal"
	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/packet"
)

const (
	// rrTimeoutIntervals is the number of report intervals without a
	// report block before RtcpRrTimeout fires.
	rrTimeoutIntervals = 3

	skippedWarningInterval = 10 * time.Second
)

// PacketInformation summarizes what one inbound datagram carried. Flags
// only holds the kinds that were accepted.
type PacketInformation struct {
	Flags PacketType
	// RemoteSSRC is the sender of the last SR or RR.
	RemoteSSRC uint32

	NackSequenceNumbers []uint16
	SliPictureID        uint8
	RpsiPictureID       uint64

	ReceiverEstimatedMaxBitrate uint32
	REMBSSRCs                   []uint32

	// ReportBlocks are the accepted blocks about our streams.
	ReportBlocks []ReportBlock
	// RTT is the last round trip computed from ReportBlocks.
	RTT time.Duration

	// NtpTime and RtpTimestamp are set with PacketSR.
	NtpTime      NtpTime
	RtpTimestamp uint32

	XrOriginatorSSRC uint32
	XrDLRRItem       bool
	VoIPMetrics      *rtcp.VoIPMetricsReportBlock

	TransportFeedback *rtcp.TransportLayerCC

	Skipped int
	Ignored bool

	cnameChanges []cnameChange
}

type cnameChange struct {
	ssrc  uint32
	cname string
}

type reportBlockInfo struct {
	block     ReportBlock
	rtt       RttStats
	maxJitter uint32
}

// receiverHooks are the edges from the receiver back to the session. They
// run after the receiver lock is released.
type receiverHooks struct {
	boundingSetChanged func(set []packet.TmmbItem)
	requestSendReport  func()
}

// Receiver applies inbound RTCP to the per-remote state and notifies the
// observers.
type Receiver struct {
	mu    sync.Mutex
	clock internal.Clock
	log   logging.LeveledLogger

	receiverOnly     bool
	allowNonCompound bool
	tmmbrTimeout     time.Duration
	receiveInfoGrace time.Duration

	mainSSRC   uint32
	registered map[uint32]struct{}
	remoteSSRC uint32

	remoteSenderInfo RemoteSenderInfo

	lastReceived     time.Time
	lastReceivedRR   time.Time
	lastIncreasedSeq time.Time

	xrRRTR         bool
	xrRRInfo       XrRRInfo
	lastReceivedXR NtpTime
	xrRRRtt        time.Duration

	receiveInfos map[uint32]*receiveInfo
	cnames       map[uint32]string
	// reportBlocks is keyed by our SSRC, then by reporter.
	reportBlocks map[uint32]map[uint32]*reportBlockInfo

	counter   PacketTypeCounter
	nackStats nackStats

	brokenPackets  uint64
	lastSkipWarnAt time.Time

	// feedbackMu is held for reading while observers run, so that
	// SetObservers returns only after in-flight callbacks finish.
	feedbackMu sync.RWMutex
	observers  Observers
	hooks      receiverHooks
}

// NewReceiver creates a receiver. If clock is nil, a MonotonicClock is used.
func NewReceiver(config Config, clock internal.Clock) *Receiver {
	if clock == nil {
		clock = internal.MonotonicClock{}
	}
	def := DefaultConfig()
	r := &Receiver{
		clock:            clock,
		log:              config.loggerFactory().NewLogger("rtcp_receiver"),
		receiverOnly:     config.ReceiverOnly,
		allowNonCompound: config.Mode == RtcpModeReducedSize,
		tmmbrTimeout:     cmp.Or(config.TmmbrTimeout, def.TmmbrTimeout),
		receiveInfoGrace: cmp.Or(config.ReceiveInfoGrace, def.ReceiveInfoGrace),
		registered:       make(map[uint32]struct{}),
		receiveInfos:     make(map[uint32]*receiveInfo),
		cnames:           make(map[uint32]string),
		reportBlocks:     make(map[uint32]map[uint32]*reportBlockInfo),
	}
	return r
}

// SetObservers replaces the observers. It waits for callbacks in progress,
// so removed observers are never called after it returns.
func (r *Receiver) SetObservers(o Observers) {
	r.feedbackMu.Lock()
	r.observers = o
	r.feedbackMu.Unlock()
}

func (r *Receiver) setHooks(h receiverHooks) {
	r.feedbackMu.Lock()
	r.hooks = h
	r.feedbackMu.Unlock()
}

// SetAllowNonCompound accepts reduced-size datagrams on ingress.
func (r *Receiver) SetAllowNonCompound(allow bool) {
	r.mu.Lock()
	r.allowNonCompound = allow
	r.mu.Unlock()
}

// SetSSRCs sets our main SSRC and the other local SSRCs report blocks may
// be about. A change of the main SSRC is reported to the intra-frame
// observer.
func (r *Receiver) SetSSRCs(mainSSRC uint32, registered []uint32) {
	r.mu.Lock()
	old := r.mainSSRC
	r.mainSSRC = mainSSRC
	r.registered = make(map[uint32]struct{}, len(registered)+1)
	r.registered[mainSSRC] = struct{}{}
	for _, ssrc := range registered {
		r.registered[ssrc] = struct{}{}
	}
	r.mu.Unlock()

	if old == mainSSRC {
		return
	}
	r.feedbackMu.RLock()
	defer r.feedbackMu.RUnlock()
	if r.observers.IntraFrame != nil {
		r.observers.IntraFrame.OnLocalSSRCChanged(old, mainSSRC)
	}
}

// SetRemoteSSRC sets the remote whose SRs we accept. The stored sender
// info is reset.
func (r *Receiver) SetRemoteSSRC(ssrc uint32) {
	r.mu.Lock()
	r.remoteSenderInfo = RemoteSenderInfo{}
	r.remoteSSRC = ssrc
	r.mu.Unlock()
}

// RemoteSSRC returns the remote whose SRs we accept.
func (r *Receiver) RemoteSSRC() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remoteSSRC
}

// SetXrRRTRStatus enables RTT computation from XR DLRR blocks.
func (r *Receiver) SetXrRRTRStatus(enable bool) {
	r.mu.Lock()
	r.xrRRTR = enable
	r.mu.Unlock()
}

// IncomingPacket parses and applies one datagram. A datagram that fails
// validation is counted and returned as an error; nothing is applied.
func (r *Receiver) IncomingPacket(buf []byte) (PacketInformation, error) {
	r.mu.Lock()
	allowNonCompound := r.allowNonCompound
	r.mu.Unlock()

	res, err := packet.Parse(buf, allowNonCompound)
	if err != nil {
		r.mu.Lock()
		r.brokenPackets++
		r.mu.Unlock()
		return PacketInformation{}, fmt.Errorf("incoming rtcp: %w", err)
	}

	info := r.apply(res)
	r.triggerCallbacks(&info)
	return info, nil
}

func (r *Receiver) apply(res *packet.Result) PacketInformation {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.lastReceived = now
	info := PacketInformation{Skipped: res.Skipped, Ignored: res.Ignored}

	if res.Skipped > 0 && now.Sub(r.lastSkipWarnAt) >= skippedWarningInterval {
		r.lastSkipWarnAt = now
		r.log.Warnf("skipped %d rtcp packets of unknown type", res.Skipped)
	}
	if res.Ignored {
		r.log.Warn("rtcp packet could not be fully parsed, ignoring the rest")
	}

	for _, p := range res.Packets {
		switch p := p.(type) {
		case *rtcp.SenderReport:
			r.handleSenderReport(p, &info, now)
		case *rtcp.ReceiverReport:
			r.handleReceiverReport(p, &info, now)
		case *rtcp.SourceDescription:
			r.handleSDES(p, &info)
		case *rtcp.Goodbye:
			r.handleBYE(p)
		case *rtcp.TransportLayerNack:
			r.handleNACK(p, &info)
		case *packet.TMMBR:
			r.handleTMMBR(p, &info, now)
		case *packet.TMMBN:
			r.handleTMMBN(p, &info)
		case *rtcp.RapidResynchronizationRequest:
			info.Flags |= PacketSrReq
		case *rtcp.PictureLossIndication:
			if p.MediaSSRC == r.mainSSRC {
				r.counter.PliPackets++
				info.Flags |= PacketPLI
			}
		case *rtcp.SliceLossIndication:
			for _, e := range p.SLI {
				info.Flags |= PacketSLI
				info.SliPictureID = e.Picture
			}
		case *packet.RPSI:
			info.Flags |= PacketRPSI
			info.RpsiPictureID = p.PictureID
		case *rtcp.FullIntraRequest:
			r.handleFIR(p, &info, now)
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			info.Flags |= PacketREMB
			info.ReceiverEstimatedMaxBitrate = uint32(min(float64(p.Bitrate), float64(^uint32(0))))
			info.REMBSSRCs = append([]uint32(nil), p.SSRCs...)
		case *rtcp.ExtendedReport:
			r.handleXR(p, &info, now)
		case *rtcp.TransportLayerCC:
			info.Flags |= PacketTransportFeedback
			info.TransportFeedback = p
		case *packet.App:
			info.Flags |= PacketApp
		case *packet.InterarrivalJitter:
			info.Flags |= PacketTransmissionTimeOffset
		}
	}

	if r.counter.FirstPacketTime.IsZero() && info.Flags&(PacketNACK|PacketPLI|PacketFIR) != 0 {
		r.counter.FirstPacketTime = now
	}
	return info
}

func (r *Receiver) receiveInfo(ssrc uint32) *receiveInfo {
	ri, ok := r.receiveInfos[ssrc]
	if !ok {
		ri = newReceiveInfo()
		r.receiveInfos[ssrc] = ri
	}
	return ri
}

func (r *Receiver) handleSenderReport(p *rtcp.SenderReport, info *PacketInformation, now time.Time) {
	info.RemoteSSRC = p.SSRC
	ri := r.receiveInfo(p.SSRC)

	if p.SSRC == r.remoteSSRC {
		// Only the SR of the configured remote is kept.
		info.Flags |= PacketSR
		info.NtpTime = NtpTime(p.NTPTime)
		info.RtpTimestamp = p.RTPTime
		r.remoteSenderInfo = RemoteSenderInfo{
			NtpTime:     NtpTime(p.NTPTime),
			RtpTime:     p.RTPTime,
			PacketCount: p.PacketCount,
			OctetCount:  p.OctetCount,
			ArrivalNtp:  NewNtpTime(now),
		}
	} else {
		info.Flags |= PacketRR
	}
	ri.lastTimeReceived = now

	for _, rb := range p.Reports {
		r.handleReportBlock(rb, p.SSRC, info, now)
	}
}

func (r *Receiver) handleReceiverReport(p *rtcp.ReceiverReport, info *PacketInformation, now time.Time) {
	info.RemoteSSRC = p.SSRC
	ri := r.receiveInfo(p.SSRC)
	info.Flags |= PacketRR
	ri.lastTimeReceived = now

	for _, rb := range p.Reports {
		r.handleReportBlock(rb, p.SSRC, info, now)
	}
}

func (r *Receiver) handleReportBlock(rb rtcp.ReceptionReport, remoteSSRC uint32, info *PacketInformation, now time.Time) {
	if _, ok := r.registered[rb.SSRC]; !ok {
		r.log.Infof("ignoring report block from %x about %x, not a local stream", remoteSSRC, rb.SSRC)
		return
	}

	byRemote, ok := r.reportBlocks[rb.SSRC]
	if !ok {
		byRemote = make(map[uint32]*reportBlockInfo)
		r.reportBlocks[rb.SSRC] = byRemote
	}
	bi, ok := byRemote[remoteSSRC]
	if !ok {
		bi = &reportBlockInfo{}
		byRemote[remoteSSRC] = bi
	}

	r.lastReceivedRR = now
	if rb.LastSequenceNumber > bi.block.ExtendedHighSeq {
		// New media reached the remote since its previous report.
		r.lastIncreasedSeq = now
	}
	bi.block = ReportBlock{
		RemoteSSRC:       remoteSSRC,
		SourceSSRC:       rb.SSRC,
		FractionLost:     rb.FractionLost,
		CumulativeLost:   int32(rb.TotalLost<<8) >> 8,
		ExtendedHighSeq:  rb.LastSequenceNumber,
		Jitter:           rb.Jitter,
		LastSenderReport: rb.LastSenderReport,
		DelaySinceLastSR: rb.Delay,
	}
	bi.maxJitter = max(bi.maxJitter, rb.Jitter)

	// LSR is zero until the remote has seen one of our SRs.
	if !r.receiverOnly && rb.LastSenderReport != 0 {
		rtt := time.Duration(CompactNtpRttToMs(CompactNtp(now)-rb.Delay-rb.LastSenderReport)) * time.Millisecond
		bi.rtt.update(rtt)
		info.RTT = rtt
	}
	info.ReportBlocks = append(info.ReportBlocks, bi.block)
}

// update adds one sample. The average is the running mean rounded to the
// nearest millisecond.
func (s *RttStats) update(rtt time.Duration) {
	s.Max = max(s.Max, rtt)
	if s.Samples == 0 || rtt < s.Min {
		s.Min = rtt
	}
	s.Last = rtt
	if s.Samples == 0 {
		s.Avg = rtt
	} else {
		n := float64(s.Samples)
		avgMs := n/(n+1)*float64(s.Avg.Milliseconds()) + float64(rtt.Milliseconds())/(n+1)
		s.Avg = time.Duration(int64(avgMs+0.5)) * time.Millisecond
	}
	s.Samples++
}

func (r *Receiver) handleSDES(p *rtcp.SourceDescription, info *PacketInformation) {
	for _, chunk := range p.Chunks {
		for _, item := range chunk.Items {
			if item.Type != rtcp.SDESCNAME {
				continue
			}
			if old, ok := r.cnames[chunk.Source]; ok && old == item.Text {
				continue
			}
			r.cnames[chunk.Source] = item.Text
			info.cnameChanges = append(info.cnameChanges, cnameChange{ssrc: chunk.Source, cname: item.Text})
		}
	}
	info.Flags |= PacketSDES
}

func (r *Receiver) handleBYE(p *rtcp.Goodbye) {
	for _, ssrc := range p.Sources {
		for _, byRemote := range r.reportBlocks {
			delete(byRemote, ssrc)
		}
		// The receive info carries TMMBR state and is removed by the timers.
		if ri, ok := r.receiveInfos[ssrc]; ok {
			ri.readyForDelete = true
		}
		delete(r.cnames, ssrc)
	}
	r.xrRRRtt = 0
}

func (r *Receiver) handleNACK(p *rtcp.TransportLayerNack, info *PacketInformation) {
	if r.receiverOnly || p.MediaSSRC != r.mainSSRC {
		return
	}
	// Each sequence number is reported once per datagram, in the order it was
	// first requested.
	seen := make(map[uint16]struct{}, len(info.NackSequenceNumbers))
	for _, seq := range info.NackSequenceNumbers {
		seen[seq] = struct{}{}
	}
	for _, pair := range p.Nacks {
		for _, seq := range pair.PacketList() {
			if _, dup := seen[seq]; dup {
				continue
			}
			seen[seq] = struct{}{}
			info.NackSequenceNumbers = append(info.NackSequenceNumbers, seq)
			r.nackStats.reportRequest(seq)
		}
		info.Flags |= PacketNACK
	}
	if info.Flags&PacketNACK != 0 {
		r.counter.NackPackets++
		r.counter.NackRequests = r.nackStats.requests
		r.counter.UniqueNackRequests = r.nackStats.uniqueRequests
	}
}

func (r *Receiver) handleTMMBR(p *packet.TMMBR, info *PacketInformation, now time.Time) {
	ri, ok := r.receiveInfos[p.SenderSSRC]
	if !ok {
		// The remote must have sent an SR or RR first.
		return
	}
	requester := p.SenderSSRC
	if p.MediaSSRC != 0 {
		// Relays name the original requester in the media SSRC.
		requester = p.MediaSSRC
	}
	for _, item := range p.Items {
		if item.SSRC != r.mainSSRC || item.BitrateBps == 0 {
			continue
		}
		ri.insertTmmbrItem(requester, packet.TmmbItem{
			SSRC:           requester,
			BitrateBps:     item.BitrateBps,
			PacketOverhead: item.PacketOverhead,
		}, now)
		info.Flags |= PacketTMMBR
	}
}

func (r *Receiver) handleTMMBN(p *packet.TMMBN, info *PacketInformation) {
	ri, ok := r.receiveInfos[p.SenderSSRC]
	if !ok {
		return
	}
	info.Flags |= PacketTMMBN
	ri.tmmbn = append(ri.tmmbn[:0], p.Items...)
}

func (r *Receiver) handleFIR(p *rtcp.FullIntraRequest, info *PacketInformation, now time.Time) {
	ri := r.receiveInfos[p.SenderSSRC]
	for _, e := range p.FIR {
		if e.SSRC != r.mainSSRC {
			return
		}
		r.counter.FirPackets++

		if ri == nil {
			// Unknown origin, nothing to deduplicate against.
			info.Flags |= PacketFIR
			continue
		}
		if int(e.SequenceNumber) == ri.lastFIRSequenceNumber {
			continue
		}
		if now.Sub(ri.lastFIRRequest) > minFrameLength {
			ri.lastFIRRequest = now
			ri.lastFIRSequenceNumber = int(e.SequenceNumber)
			info.Flags |= PacketFIR
		}
	}
}

func (r *Receiver) handleXR(p *rtcp.ExtendedReport, info *PacketInformation, now time.Time) {
	info.XrOriginatorSSRC = p.SenderSSRC
	for _, block := range p.Reports {
		switch b := block.(type) {
		case *rtcp.ReceiverReferenceTimeReportBlock:
			r.xrRRInfo = XrRRInfo{SSRC: p.SenderSSRC, LastRR: NtpTime(b.NTPTimestamp).Compact()}
			r.lastReceivedXR = NewNtpTime(now)
			info.Flags |= PacketXrReceiverReferenceTime
		case *rtcp.DLRRReportBlock:
			r.handleDLRR(b, info, now)
		case *rtcp.VoIPMetricsReportBlock:
			if b.SSRC == r.mainSSRC {
				metrics := *b
				info.VoIPMetrics = &metrics
				info.Flags |= PacketXrVoIPMetric
			}
		}
	}
}

func (r *Receiver) handleDLRR(b *rtcp.DLRRReportBlock, info *PacketInformation, now time.Time) {
	for _, item := range b.Reports {
		if _, ok := r.registered[item.SSRC]; !ok {
			return
		}
		info.XrDLRRItem = true
		// RTT from XR is opt-in; LRR is zero until the remote saw an RRTR.
		if !r.xrRRTR || item.LastRR == 0 {
			return
		}
		r.xrRRRtt = time.Duration(CompactNtpRttToMs(CompactNtp(now)-item.DLRR-item.LastRR)) * time.Millisecond
		info.Flags |= PacketXrDLRR
	}
}

// triggerCallbacks notifies the session and observers about one applied
// datagram. Bounding set updates go first so bandwidth changes from TMMBR
// and REMB are not interleaved.
func (r *Receiver) triggerCallbacks(info *PacketInformation) {
	r.feedbackMu.RLock()
	defer r.feedbackMu.RUnlock()
	obs, hooks := r.observers, r.hooks

	if info.Flags&PacketTMMBR != 0 {
		r.updateTmmbrLocked(obs, hooks)
	}

	r.mu.Lock()
	localSSRC := r.mainSSRC
	_, tccForUs := r.registered[mediaSSRC(info.TransportFeedback)]
	r.mu.Unlock()

	if !r.receiverOnly && info.Flags&PacketSrReq != 0 && hooks.requestSendReport != nil {
		hooks.requestSendReport()
	}
	if !r.receiverOnly && info.Flags&PacketNACK != 0 && len(info.NackSequenceNumbers) > 0 && obs.Nack != nil {
		obs.Nack.OnReceivedNack(info.NackSequenceNumbers)
	}
	if !r.receiverOnly && obs.IntraFrame != nil {
		if info.Flags&(PacketPLI|PacketFIR) != 0 {
			obs.IntraFrame.OnReceivedIntraFrameRequest(localSSRC)
		}
		if info.Flags&PacketSLI != 0 {
			obs.IntraFrame.OnReceivedSLI(localSSRC, info.SliPictureID)
		}
		if info.Flags&PacketRPSI != 0 {
			obs.IntraFrame.OnReceivedRPSI(localSSRC, info.RpsiPictureID)
		}
	}
	if !r.receiverOnly && obs.Bandwidth != nil {
		if info.Flags&PacketREMB != 0 {
			obs.Bandwidth.OnReceivedEstimatedBitrate(info.ReceiverEstimatedMaxBitrate, slices.Clone(info.REMBSSRCs))
		}
		if info.Flags&(PacketSR|PacketRR) != 0 {
			obs.Bandwidth.OnReceivedRtcpReceiverReport(info.ReportBlocks, info.RTT, r.clock.Now())
		}
	}
	if obs.VoIPMetrics != nil && info.VoIPMetrics != nil {
		obs.VoIPMetrics.OnReceivedVoIPMetrics(info.XrOriginatorSSRC, info.VoIPMetrics)
	}
	if obs.TransportFeedback != nil && info.TransportFeedback != nil && tccForUs {
		obs.TransportFeedback.OnTransportFeedback(info.TransportFeedback)
	}
	if obs.PacketTypeCounter != nil && info.Flags&(PacketNACK|PacketPLI|PacketFIR) != 0 {
		obs.PacketTypeCounter.RtcpPacketTypesCounterUpdated(localSSRC, r.PacketTypeCounter())
	}
	if obs.Statistics != nil {
		for _, c := range info.cnameChanges {
			obs.Statistics.CNameChanged(c.cname, c.ssrc)
		}
		if !r.receiverOnly {
			for _, b := range info.ReportBlocks {
				obs.Statistics.StatisticsUpdated(RtcpStatistics{
					FractionLost:    b.FractionLost,
					PacketsLost:     b.CumulativeLost,
					ExtendedHighSeq: b.ExtendedHighSeq,
					Jitter:          b.Jitter,
				}, b.SourceSSRC)
			}
		}
	}
}

func mediaSSRC(p *rtcp.TransportLayerCC) uint32 {
	if p == nil {
		return 0
	}
	return p.MediaSSRC
}

// updateTmmbrLocked recomputes the bounding set of the requests we hold,
// reports its minimum as an estimate and hands it to the session for the
// TMMBN reply. feedbackMu must be held.
func (r *Receiver) updateTmmbrLocked(obs Observers, hooks receiverHooks) {
	bounding := FindBoundingSet(r.TmmbrReceived())
	if len(bounding) > 0 && obs.Bandwidth != nil && !r.receiverOnly {
		if bps := MinBitrateBps(bounding); bps <= uint64(^uint32(0)) {
			obs.Bandwidth.OnReceivedEstimatedBitrate(uint32(bps), nil)
		}
	}
	if hooks.boundingSetChanged != nil {
		hooks.boundingSetChanged(bounding)
	}
}

// UpdateReceiveInformationTimers expires the TMMBR state of remotes silent
// for longer than the grace period and removes remotes that said BYE. The
// bounding set is recomputed when TMMBR state was dropped.
func (r *Receiver) UpdateReceiveInformationTimers() {
	r.mu.Lock()
	now := r.clock.Now()
	updateBoundingSet := false
	for ssrc, ri := range r.receiveInfos {
		switch {
		case !ri.lastTimeReceived.IsZero():
			if now.Sub(ri.lastTimeReceived) > r.receiveInfoGrace {
				ri.clearTmmbr()
				ri.lastTimeReceived = time.Time{}
				updateBoundingSet = true
			}
		case ri.readyForDelete:
			delete(r.receiveInfos, ssrc)
		}
	}
	r.mu.Unlock()

	if updateBoundingSet {
		r.feedbackMu.RLock()
		r.updateTmmbrLocked(r.observers, r.hooks)
		r.feedbackMu.RUnlock()
	}
}

// TmmbrReceived returns the live TMMBR requests of all remotes.
func (r *Receiver) TmmbrReceived() []packet.TmmbItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	var candidates []packet.TmmbItem
	for _, ssrc := range slices.Sorted(maps.Keys(r.receiveInfos)) {
		candidates = r.receiveInfos[ssrc].appendTmmbrSet(now, r.tmmbrTimeout, candidates)
	}
	return candidates
}

// BoundingSet returns the bounding set of the TMMBR requests we hold and
// whether our main SSRC owns a tuple of it.
func (r *Receiver) BoundingSet() (bool, []packet.TmmbItem) {
	set := FindBoundingSet(r.TmmbrReceived())
	r.mu.Lock()
	defer r.mu.Unlock()
	return IsOwner(set, r.mainSSRC), set
}

// RemoteBoundingSet returns the TMMBN set announced by the configured
// remote and whether our main SSRC owns a tuple of it.
func (r *Receiver) RemoteBoundingSet() (bool, []packet.TmmbItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ri, ok := r.receiveInfos[r.remoteSSRC]
	if !ok {
		return false, nil
	}
	set := slices.Clone(ri.tmmbn)
	return IsOwner(set, r.mainSSRC), set
}

// RTT returns the round-trip statistics measured from reports of remote
// about our main SSRC.
func (r *Receiver) RTT(remote uint32) (RttStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bi, ok := r.reportBlocks[r.mainSSRC][remote]
	if !ok {
		return RttStats{}, false
	}
	return bi.rtt, true
}

// GetAndResetXrRRRtt returns the RTT measured with XR DLRR since the last
// call.
func (r *Receiver) GetAndResetXrRRRtt() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.xrRRRtt == 0 {
		return 0, false
	}
	rtt := r.xrRRRtt
	r.xrRRRtt = 0
	return rtt, true
}

// RemoteSenderInfo returns the sender info of the last SR accepted from the
// configured remote.
func (r *Receiver) RemoteSenderInfo() (RemoteSenderInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remoteSenderInfo.ArrivalNtp == 0 {
		return RemoteSenderInfo{}, false
	}
	return r.remoteSenderInfo, true
}

// LastReceivedXrReferenceTimeInfo returns the last RRTR received with the
// delay since its arrival, the contents of a DLRR reply.
func (r *Receiver) LastReceivedXrReferenceTimeInfo() (XrRRInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastReceivedXR == 0 {
		return XrRRInfo{}, false
	}
	info := r.xrRRInfo
	info.DelaySinceLastRR = CompactNtp(r.clock.Now()) - r.lastReceivedXR.Compact()
	return info, true
}

// CNAME returns the CNAME announced by ssrc.
func (r *Receiver) CNAME(ssrc uint32) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cname, ok := r.cnames[ssrc]
	return cname, ok
}

// ReportBlocks returns all stored report blocks about our streams.
func (r *Receiver) ReportBlocks() []ReportBlock {
	r.mu.Lock()
	defer r.mu.Unlock()
	var blocks []ReportBlock
	for _, byRemote := range r.reportBlocks {
		for _, bi := range byRemote {
			blocks = append(blocks, bi.block)
		}
	}
	slices.SortFunc(blocks, func(a, b ReportBlock) int {
		return cmp.Or(cmp.Compare(a.SourceSSRC, b.SourceSSRC), cmp.Compare(a.RemoteSSRC, b.RemoteSSRC))
	})
	return blocks
}

// PacketTypeCounter returns the counters of received feedback.
func (r *Receiver) PacketTypeCounter() PacketTypeCounter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counter
}

// LastReceived returns when the last datagram was applied.
func (r *Receiver) LastReceived() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReceived
}

// LastReceivedReceiverReport returns the newest arrival of an SR or RR from
// any remote.
func (r *Receiver) LastReceivedReceiverReport() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last time.Time
	for _, ri := range r.receiveInfos {
		if ri.lastTimeReceived.After(last) {
			last = ri.lastTimeReceived
		}
	}
	return last
}

// BrokenPackets returns the number of datagrams rejected by the parser.
func (r *Receiver) BrokenPackets() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.brokenPackets
}

// RtcpRrTimeout reports, once, that no report block arrived for three
// report intervals.
func (r *Receiver) RtcpRrTimeout(interval time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastReceivedRR.IsZero() {
		return false
	}
	if r.clock.Now().Sub(r.lastReceivedRR) > rrTimeoutIntervals*interval {
		r.lastReceivedRR = time.Time{}
		return true
	}
	return false
}

// RtcpRrSequenceNumberTimeout reports, once, that the extended highest
// sequence number reported by the remote did not grow for three report
// intervals.
func (r *Receiver) RtcpRrSequenceNumberTimeout(interval time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastIncreasedSeq.IsZero() {
		return false
	}
	if r.clock.Now().Sub(r.lastIncreasedSeq) > rrTimeoutIntervals*interval {
		r.lastIncreasedSeq = time.Time{}
		return true
	}
	return false
}
