package rtcpfb

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/pion/rtcp"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/packet"
)

// builderFunc appends one packet kind to the datagram under construction.
// It runs with the sender lock held.
type builderFunc func(s *Sender, ctx *buildContext) BuildResult

// builders maps every buildable flag to its builder. Flags without an entry
// (PacketReport, PacketSrReq, PacketTransportFeedback) are consumed without
// output.
var builders = map[PacketType]builderFunc{
	PacketSR:                      (*Sender).buildSR,
	PacketRR:                      (*Sender).buildRR,
	PacketSDES:                    (*Sender).buildSDES,
	PacketTransmissionTimeOffset:  (*Sender).buildExtendedJitterReport,
	PacketPLI:                     (*Sender).buildPLI,
	PacketFIR:                     (*Sender).buildFIR,
	PacketSLI:                     (*Sender).buildSLI,
	PacketRPSI:                    (*Sender).buildRPSI,
	PacketREMB:                    (*Sender).buildREMB,
	PacketTMMBR:                   (*Sender).buildTMMBR,
	PacketTMMBN:                   (*Sender).buildTMMBN,
	PacketNACK:                    (*Sender).buildNACK,
	PacketXrReceiverReferenceTime: (*Sender).buildReceiverReferenceTime,
	PacketXrDLRR:                  (*Sender).buildDLRR,
	PacketXrVoIPMetric:            (*Sender).buildVoIPMetric,
	PacketApp:                     (*Sender).buildAPP,
	PacketBYE:                     (*Sender).buildBYE,
}

// buildContext is the state shared by the builders of one datagram.
type buildContext struct {
	compound *packet.Compound
	state    FeedbackState
	now      time.Time
	ntp      NtpTime

	nackList  []uint16
	repeat    bool
	pictureID uint64

	reportBlocks []reportBlockData

	// err is set by a builder returning BuildError.
	err error
}

// append marshals p into the datagram. A packet that does not fit truncates
// the datagram; any other failure is a build error.
func (ctx *buildContext) append(p rtcp.Packet) BuildResult {
	if err := ctx.compound.Append(p); err != nil {
		if errors.Is(err, packet.ErrNoRoom) {
			return BuildTruncated
		}
		ctx.err = err
		return BuildError
	}
	return BuildSuccess
}

func (ctx *buildContext) fail(err error) BuildResult {
	ctx.err = err
	return BuildError
}

func (ctx *buildContext) receptionReports() []rtcp.ReceptionReport {
	reports := make([]rtcp.ReceptionReport, len(ctx.reportBlocks))
	for i, b := range ctx.reportBlocks {
		reports[i] = b.report
	}
	return reports
}

func (s *Sender) buildSR(ctx *buildContext) BuildResult {
	// The RTP timestamp is that of a frame captured right now.
	rtpTime := s.startTimestamp + s.lastRtpTimestamp
	if !s.lastFrameCapture.IsZero() {
		elapsedMs := ctx.now.Sub(s.lastFrameCapture).Milliseconds()
		rtpTime += uint32(elapsedMs * int64(ctx.state.ClockRate) / 1000)
	}

	res := ctx.append(&rtcp.SenderReport{
		SSRC:        s.ssrc,
		NTPTime:     uint64(ctx.ntp),
		RTPTime:     rtpTime,
		PacketCount: ctx.state.PacketsSent,
		OctetCount:  ctx.state.MediaBytesSent,
		Reports:     ctx.receptionReports(),
	})
	if res != BuildSuccess {
		return res
	}

	// Remember the report so a later LSR can be matched against it.
	copy(s.lastSendReport[1:], s.lastSendReport)
	copy(s.lastRtcpTime[1:], s.lastRtcpTime)
	s.lastSendReport[0] = ctx.ntp.Compact()
	s.lastRtcpTime[0] = ctx.now
	return res
}

func (s *Sender) buildRR(ctx *buildContext) BuildResult {
	return ctx.append(&rtcp.ReceiverReport{
		SSRC:    s.ssrc,
		Reports: ctx.receptionReports(),
	})
}

func (s *Sender) buildSDES(ctx *buildContext) BuildResult {
	sdes := s.sdesLocked()
	for _, c := range sdes.Chunks {
		if len(c.Items[0].Text) > packet.MaxCNAMELength {
			return ctx.fail(fmt.Errorf("%w: ssrc %x", ErrCNAMETooLong, c.Source))
		}
	}
	return ctx.append(sdes)
}

// sdesLocked returns the SDES of our SSRC and the mixed CSRCs.
func (s *Sender) sdesLocked() *rtcp.SourceDescription {
	chunks := make([]rtcp.SourceDescriptionChunk, 0, 1+len(s.csrcCNAMEs))
	chunks = append(chunks, cnameChunk(s.ssrc, s.cname))
	for _, ssrc := range slices.Sorted(maps.Keys(s.csrcCNAMEs)) {
		chunks = append(chunks, cnameChunk(ssrc, s.csrcCNAMEs[ssrc]))
	}
	return &rtcp.SourceDescription{Chunks: chunks}
}

func cnameChunk(ssrc uint32, cname string) rtcp.SourceDescriptionChunk {
	return rtcp.SourceDescriptionChunk{
		Source: ssrc,
		Items:  []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: cname}},
	}
}

func (s *Sender) buildExtendedJitterReport(ctx *buildContext) BuildResult {
	if len(ctx.reportBlocks) == 0 {
		return BuildAborted
	}
	jitters := make([]uint32, len(ctx.reportBlocks))
	for i, b := range ctx.reportBlocks {
		jitters[i] = b.extendedJitter
	}
	return ctx.append(&packet.InterarrivalJitter{Jitters: jitters})
}

func (s *Sender) buildPLI(ctx *buildContext) BuildResult {
	res := ctx.append(&rtcp.PictureLossIndication{SenderSSRC: s.ssrc, MediaSSRC: s.remoteSSRC})
	if res == BuildSuccess {
		s.counter.PliPackets++
	}
	return res
}

func (s *Sender) buildFIR(ctx *buildContext) BuildResult {
	seq := s.firSequenceNumber
	if !ctx.repeat {
		seq++
	}
	res := ctx.append(&rtcp.FullIntraRequest{
		SenderSSRC: s.ssrc,
		FIR:        []rtcp.FIREntry{{SSRC: s.remoteSSRC, SequenceNumber: seq}},
	})
	if res == BuildSuccess {
		s.firSequenceNumber = seq
		s.counter.FirPackets++
	}
	return res
}

func (s *Sender) buildSLI(ctx *buildContext) BuildResult {
	return ctx.append(&rtcp.SliceLossIndication{
		SenderSSRC: s.ssrc,
		MediaSSRC:  s.remoteSSRC,
		SLI: []rtcp.SLIEntry{{
			First:   0,
			Number:  0x1FFF,
			Picture: uint8(ctx.pictureID & 0x3F),
		}},
	})
}

func (s *Sender) buildRPSI(ctx *buildContext) BuildResult {
	if ctx.state.PayloadType == 0xFF {
		return ctx.fail(errors.New("rpsi: send payload type unknown"))
	}
	return ctx.append(&packet.RPSI{
		SenderSSRC:  s.ssrc,
		MediaSSRC:   s.remoteSSRC,
		PayloadType: ctx.state.PayloadType,
		PictureID:   ctx.pictureID,
	})
}

func (s *Sender) buildREMB(ctx *buildContext) BuildResult {
	return ctx.append(&rtcp.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: s.ssrc,
		Bitrate:    float32(s.rembBitrateBps),
		SSRCs:      append([]uint32(nil), s.rembSSRCs...),
	})
}

// buildTMMBR requests our target bitrate unless the request cannot change
// the remote bounding set.
func (s *Sender) buildTMMBR(ctx *buildContext) BuildResult {
	if !ctx.state.BoundingSetAvailable {
		return ctx.fail(errors.New("tmmbr: no receiver attached"))
	}

	ours := packet.TmmbItem{
		SSRC:           s.ssrc,
		BitrateBps:     uint64(s.tmmbrSendKbps) * 1000,
		PacketOverhead: s.packetOverheadSend,
	}
	remote := ctx.state.RemoteBoundingSet
	if len(remote) > 0 {
		for _, item := range remote {
			if item.BitrateBps == ours.BitrateBps && item.PacketOverhead == ours.PacketOverhead {
				// The same limit is already in force.
				return BuildAborted
			}
		}
		if !IsOwner(remote, s.ssrc) {
			candidates := append(append([]packet.TmmbItem(nil), remote...), ours)
			if !IsOwner(FindBoundingSet(candidates), s.ssrc) {
				return BuildAborted
			}
		}
	}

	if s.tmmbrSendKbps == 0 {
		return BuildSuccess
	}
	return ctx.append(&packet.TMMBR{
		SenderSSRC: s.ssrc,
		Items: []packet.TmmbItem{{
			SSRC:           s.remoteSSRC,
			BitrateBps:     ours.BitrateBps,
			PacketOverhead: ours.PacketOverhead,
		}},
	})
}

func (s *Sender) buildTMMBN(ctx *buildContext) BuildResult {
	if s.tmmbnToSend == nil {
		return ctx.fail(errors.New("tmmbn: no bounding set to send"))
	}
	items := make([]packet.TmmbItem, 0, len(s.tmmbnToSend))
	for _, item := range s.tmmbnToSend {
		if item.BitrateBps > 0 {
			items = append(items, item)
		}
	}
	return ctx.append(&packet.TMMBN{SenderSSRC: s.ssrc, Items: items})
}

// buildNACK packs the NACK list into (PID, BLP) pairs. Consecutive entries
// within 16 of the PID share its bitmask; the list should be sorted for the
// smallest packet.
func (s *Sender) buildNACK(ctx *buildContext) BuildResult {
	const fixedLength = 12
	if ctx.compound.Remaining() <= fixedLength+4 {
		return BuildTruncated
	}
	maxPairs := min(packet.MaxNackItems, (ctx.compound.Remaining()-fixedLength)/4)

	list := ctx.nackList
	pairs := make([]rtcp.NackPair, 0, min(len(list), maxPairs))
	i := 0
	for i < len(list) && len(pairs) < maxPairs {
		pid := list[i]
		i++
		var bitmask uint16
		for i < len(list) {
			shift := int(list[i]-pid) - 1
			if shift < 0 || shift > 15 {
				break
			}
			bitmask |= 1 << shift
			i++
		}
		pairs = append(pairs, rtcp.NackPair{PacketID: pid, LostPackets: rtcp.PacketBitmap(bitmask)})
	}

	res := ctx.append(&rtcp.TransportLayerNack{
		SenderSSRC: s.ssrc,
		MediaSSRC:  s.remoteSSRC,
		Nacks:      pairs,
	})
	if res != BuildSuccess {
		return res
	}
	if i < len(list) {
		s.log.Warnf("nack list truncated: %d of %d sequence numbers sent", i, len(list))
	}
	for _, seq := range list[:i] {
		s.nackStats.reportRequest(seq)
	}
	s.counter.NackRequests = s.nackStats.requests
	s.counter.UniqueNackRequests = s.nackStats.uniqueRequests
	s.counter.NackPackets++
	return res
}

func (s *Sender) buildReceiverReferenceTime(ctx *buildContext) BuildResult {
	res := ctx.append(&rtcp.ExtendedReport{
		SenderSSRC: s.ssrc,
		Reports: []rtcp.ReportBlock{
			&rtcp.ReceiverReferenceTimeReportBlock{NTPTimestamp: uint64(ctx.ntp)},
		},
	})
	if res != BuildSuccess {
		return res
	}
	if len(s.xrRROrder) >= maxXrRRHistory {
		delete(s.lastXrRR, s.xrRROrder[0])
		s.xrRROrder = s.xrRROrder[1:]
	}
	mid := ctx.ntp.Compact()
	if _, ok := s.lastXrRR[mid]; !ok {
		s.xrRROrder = append(s.xrRROrder, mid)
	}
	s.lastXrRR[mid] = ctx.now
	return res
}

func (s *Sender) buildDLRR(ctx *buildContext) BuildResult {
	info := ctx.state.LastXrRR
	if info == nil {
		return BuildAborted
	}
	return ctx.append(&rtcp.ExtendedReport{
		SenderSSRC: s.ssrc,
		Reports: []rtcp.ReportBlock{
			&rtcp.DLRRReportBlock{Reports: []rtcp.DLRRReport{{
				SSRC:   info.SSRC,
				LastRR: info.LastRR,
				DLRR:   info.DelaySinceLastRR,
			}}},
		},
	})
}

func (s *Sender) buildVoIPMetric(ctx *buildContext) BuildResult {
	metrics := s.voipMetrics
	metrics.SSRC = s.remoteSSRC
	return ctx.append(&rtcp.ExtendedReport{
		SenderSSRC: s.ssrc,
		Reports:    []rtcp.ReportBlock{&metrics},
	})
}

func (s *Sender) buildAPP(ctx *buildContext) BuildResult {
	return ctx.append(&packet.App{
		SubType: s.appSubType,
		SSRC:    s.ssrc,
		Name:    s.appName,
		Data:    s.appData,
	})
}

func (s *Sender) buildBYE(ctx *buildContext) BuildResult {
	sources := make([]uint32, 0, 1+len(s.csrcs))
	sources = append(sources, s.ssrc)
	sources = append(sources, s.csrcs...)
	return ctx.append(&rtcp.Goodbye{Sources: sources})
}
