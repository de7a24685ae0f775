package rtcpfb

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/internal"
	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/packet"
)

// recordingObserver implements every observer interface.
type recordingObserver struct {
	mu sync.Mutex

	intraFrame    []uint32
	sli           []uint8
	rpsi          []uint64
	ssrcChanges   [][2]uint32
	nacks         [][]uint16
	estimates     []uint32
	estimateSSRCs [][]uint32
	reportBlocks  [][]ReportBlock
	rtts          []time.Duration
	voip          []*rtcp.VoIPMetricsReportBlock
	tcc           []*rtcp.TransportLayerCC
	statistics    map[uint32]RtcpStatistics
	cnames        map[uint32]string
	cnameChanges  int
	counters      map[uint32]PacketTypeCounter
	calls         int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		statistics: make(map[uint32]RtcpStatistics),
		cnames:     make(map[uint32]string),
		counters:   make(map[uint32]PacketTypeCounter),
	}
}

func (r *recordingObserver) observers() Observers {
	return Observers{
		IntraFrame:        r,
		Nack:              r,
		Bandwidth:         r,
		VoIPMetrics:       r,
		PacketTypeCounter: r,
		TransportFeedback: r,
		Statistics:        r,
	}
}

func (r *recordingObserver) record(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	f()
}

func (r *recordingObserver) OnReceivedIntraFrameRequest(ssrc uint32) {
	r.record(func() { r.intraFrame = append(r.intraFrame, ssrc) })
}

func (r *recordingObserver) OnReceivedSLI(_ uint32, pictureID uint8) {
	r.record(func() { r.sli = append(r.sli, pictureID) })
}

func (r *recordingObserver) OnReceivedRPSI(_ uint32, pictureID uint64) {
	r.record(func() { r.rpsi = append(r.rpsi, pictureID) })
}

func (r *recordingObserver) OnLocalSSRCChanged(oldSSRC, newSSRC uint32) {
	r.record(func() { r.ssrcChanges = append(r.ssrcChanges, [2]uint32{oldSSRC, newSSRC}) })
}

func (r *recordingObserver) OnReceivedNack(sequenceNumbers []uint16) {
	r.record(func() { r.nacks = append(r.nacks, append([]uint16(nil), sequenceNumbers...)) })
}

func (r *recordingObserver) OnReceivedEstimatedBitrate(bitrateBps uint32, ssrcs []uint32) {
	r.record(func() {
		r.estimates = append(r.estimates, bitrateBps)
		r.estimateSSRCs = append(r.estimateSSRCs, ssrcs)
	})
}

func (r *recordingObserver) OnReceivedRtcpReceiverReport(blocks []ReportBlock, rtt time.Duration, _ time.Time) {
	r.record(func() {
		r.reportBlocks = append(r.reportBlocks, blocks)
		r.rtts = append(r.rtts, rtt)
	})
}

func (r *recordingObserver) OnReceivedVoIPMetrics(_ uint32, metrics *rtcp.VoIPMetricsReportBlock) {
	r.record(func() { r.voip = append(r.voip, metrics) })
}

func (r *recordingObserver) OnTransportFeedback(feedback *rtcp.TransportLayerCC) {
	r.record(func() { r.tcc = append(r.tcc, feedback) })
}

func (r *recordingObserver) StatisticsUpdated(stats RtcpStatistics, ssrc uint32) {
	r.record(func() { r.statistics[ssrc] = stats })
}

func (r *recordingObserver) CNameChanged(cname string, ssrc uint32) {
	r.record(func() {
		r.cnames[ssrc] = cname
		r.cnameChanges++
	})
}

func (r *recordingObserver) RtcpPacketTypesCounterUpdated(ssrc uint32, counter PacketTypeCounter) {
	r.record(func() { r.counters[ssrc] = counter })
}

func (r *recordingObserver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type sessionFixture struct {
	session   *Session
	transport *captureTransport
	clock     *internal.MockClock
	obs       *recordingObserver
}

func newSessionFixture(t *testing.T, mutate func(*Config)) *sessionFixture {
	t.Helper()
	config := DefaultConfig()
	config.Rand = rand.New(rand.NewSource(1))
	if mutate != nil {
		mutate(&config)
	}
	clock := internal.NewMockClock(time.Time{})
	session, err := NewSession(config, clock)
	require.NoError(t, err)

	f := &sessionFixture{
		session:   session,
		transport: &captureTransport{},
		clock:     clock,
		obs:       newRecordingObserver(),
	}
	session.SetLocalSSRC(testLocalSSRC)
	session.SetRemoteSSRC(testRemoteSSRC)
	session.SetTransport(f.transport)
	session.SetObservers(f.obs.observers())
	t.Cleanup(func() { _ = session.Close() })
	return f
}

func marshalCompound(t *testing.T, pkts ...rtcp.Packet) []byte {
	t.Helper()
	c := packet.NewCompound(1500)
	for _, p := range pkts {
		require.NoError(t, c.Append(p))
	}
	return append([]byte(nil), c.Bytes()...)
}

func (f *sessionFixture) deliver(t *testing.T, pkts ...rtcp.Packet) PacketInformation {
	t.Helper()
	info, err := f.session.IncomingRtcpPacketInfo(marshalCompound(t, pkts...))
	require.NoError(t, err)
	return info
}

func remoteRR(blocks ...rtcp.ReceptionReport) *rtcp.ReceiverReport {
	return &rtcp.ReceiverReport{SSRC: testRemoteSSRC, Reports: blocks}
}

func TestNewSession_InvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.MaxPacketSize = 10
	_, err := NewSession(config, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSession_BrokenPacketIgnored(t *testing.T) {
	f := newSessionFixture(t, nil)

	info, err := f.session.IncomingRtcpPacketInfo(make([]byte, 4))
	require.NoError(t, err)
	assert.Equal(t, PacketType(0), info.Flags)
	assert.Zero(t, f.obs.callCount())
	assert.Equal(t, uint64(1), f.session.BrokenPackets())

	assert.NoError(t, f.session.IncomingRtcpPacket([]byte{0x80}))
	assert.Equal(t, uint64(2), f.session.BrokenPackets())
}

func TestSession_SenderReportFromUnexpectedPeer(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.session.SetRemoteSSRC(0)

	info := f.deliver(t, &rtcp.SenderReport{
		SSRC:    0x010203,
		NTPTime: uint64(NewNtpTimeFromParts(1, 0x02030405)),
		RTPTime: 0x00010203,
		Reports: []rtcp.ReceptionReport{{SSRC: 0x050607, LastSenderReport: 0x1234}},
	})

	assert.Equal(t, uint32(0x010203), info.RemoteSSRC)
	assert.False(t, info.Flags.Has(PacketSR))
	assert.True(t, info.Flags.Has(PacketRR))
	assert.Empty(t, info.ReportBlocks)
	_, ok := f.session.RemoteSenderInfo()
	assert.False(t, ok)
	_, ok = f.session.RTT(0x010203)
	assert.False(t, ok)
}

func TestSession_SenderReportFromRemoteStored(t *testing.T) {
	f := newSessionFixture(t, nil)
	ntp := NewNtpTimeFromParts(1, 0x02030405)

	info := f.deliver(t, &rtcp.SenderReport{
		SSRC:        testRemoteSSRC,
		NTPTime:     uint64(ntp),
		RTPTime:     0x00010203,
		PacketCount: 7,
		OctetCount:  700,
	})
	assert.True(t, info.Flags.Has(PacketSR))
	assert.Equal(t, ntp, info.NtpTime)
	assert.Equal(t, uint32(0x00010203), info.RtpTimestamp)

	got, ok := f.session.RemoteSenderInfo()
	require.True(t, ok)
	assert.Equal(t, ntp, got.NtpTime)
	assert.Equal(t, uint32(7), got.PacketCount)
	assert.Equal(t, NewNtpTime(f.clock.Now()), got.ArrivalNtp)

	// Our next report echoes the SR in LSR.
	f.session.IncomingRtpPacket(rtpPacket(testRemoteSSRC, 1, 0))
	f.clock.Advance(500 * time.Millisecond)
	require.NoError(t, f.session.SendRTCP(PacketReport))
	rr, ok := findPacket[*rtcp.ReceiverReport](f.transport.last(t))
	require.True(t, ok)
	require.Len(t, rr.Reports, 1)
	assert.Equal(t, ntp.Compact(), rr.Reports[0].LastSenderReport)
	assert.InDelta(t, 500, CompactNtpRttToMs(rr.Reports[0].Delay), 1)
}

func tmmbrFrom(sender, media, target uint32, bitrateBps uint64) *packet.TMMBR {
	return &packet.TMMBR{
		SenderSSRC: sender,
		MediaSSRC:  media,
		Items:      []packet.TmmbItem{{SSRC: target, BitrateBps: bitrateBps}},
	}
}

func TestSession_TMMBRForUsAccepted(t *testing.T) {
	f := newSessionFixture(t, nil)

	info := f.deliver(t,
		&rtcp.SenderReport{SSRC: testRemoteSSRC},
		tmmbrFrom(testRemoteSSRC, 0x101, testLocalSSRC, 55000),
	)
	assert.True(t, info.Flags.Has(PacketTMMBR))

	owner, set := f.session.BoundingSet()
	assert.False(t, owner)
	assert.Equal(t, []packet.TmmbItem{{SSRC: 0x101, BitrateBps: 55000}}, set)
	assert.Equal(t, []uint32{55000}, f.obs.estimates)

	// The bounding set is announced with the next report.
	require.NoError(t, f.session.SendRTCP(PacketReport))
	tmmbn, ok := findPacket[*packet.TMMBN](f.transport.last(t))
	require.True(t, ok)
	assert.Equal(t, set, tmmbn.Items)
}

func TestSession_TMMBRBelowOneKbpsAccepted(t *testing.T) {
	f := newSessionFixture(t, nil)

	info := f.deliver(t,
		&rtcp.SenderReport{SSRC: testRemoteSSRC},
		&packet.TMMBR{
			SenderSSRC: testRemoteSSRC,
			MediaSSRC:  0x101,
			Items:      []packet.TmmbItem{{SSRC: testLocalSSRC, BitrateBps: 55, PacketOverhead: 40}},
		},
	)
	assert.True(t, info.Flags.Has(PacketTMMBR))

	_, set := f.session.BoundingSet()
	assert.Equal(t, []packet.TmmbItem{{SSRC: 0x101, BitrateBps: 55, PacketOverhead: 40}}, set)
	assert.Equal(t, []uint32{55}, f.obs.estimates)
	assert.Equal(t, [][]uint32{nil}, f.obs.estimateSSRCs)
}

func TestSession_TMMBRIgnored(t *testing.T) {
	tests := []struct {
		name string
		pkts []rtcp.Packet
	}{
		{
			name: "not for us",
			pkts: []rtcp.Packet{
				&rtcp.SenderReport{SSRC: testRemoteSSRC},
				tmmbrFrom(testRemoteSSRC, 0x101, 0x63636363, 55000),
			},
		},
		{
			name: "zero rate",
			pkts: []rtcp.Packet{
				&rtcp.SenderReport{SSRC: testRemoteSSRC},
				tmmbrFrom(testRemoteSSRC, 0x101, testLocalSSRC, 0),
			},
		},
		{
			name: "unknown requester",
			pkts: []rtcp.Packet{
				&rtcp.ReceiverReport{SSRC: 0x777},
				tmmbrFrom(testRemoteSSRC, 0x101, testLocalSSRC, 55000),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSessionFixture(t, nil)
			info := f.deliver(t, tt.pkts...)
			assert.False(t, info.Flags.Has(PacketTMMBR))
			_, set := f.session.BoundingSet()
			assert.Empty(t, set)
			assert.Empty(t, f.obs.estimates)
		})
	}
}

func TestSession_TMMBRWithoutMediaSSRCOwnedBySender(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.deliver(t, remoteRR(), tmmbrFrom(testRemoteSSRC, 0, testLocalSSRC, 200000))

	_, set := f.session.BoundingSet()
	assert.Equal(t, []packet.TmmbItem{{SSRC: testRemoteSSRC, BitrateBps: 200000}}, set)
}

func TestSession_TMMBRExpires(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.deliver(t, remoteRR(), tmmbrFrom(testRemoteSSRC, 0, testLocalSSRC, 200000))
	_, set := f.session.BoundingSet()
	require.Len(t, set, 1)

	f.clock.Advance(26 * time.Second)
	_, set = f.session.BoundingSet()
	assert.Empty(t, set)
}

func TestSession_SilentRemoteLosesTMMBR(t *testing.T) {
	f := newSessionFixture(t, func(c *Config) { c.ReceiveInfoGrace = 10 * time.Second })
	f.deliver(t, remoteRR(), tmmbrFrom(testRemoteSSRC, 0, testLocalSSRC, 200000))
	require.NoError(t, f.session.SendRTCP(PacketReport))
	tmmbn, ok := findPacket[*packet.TMMBN](f.transport.last(t))
	require.True(t, ok)
	require.Len(t, tmmbn.Items, 1)

	f.clock.Advance(11 * time.Second)
	require.NoError(t, f.session.Process())
	_, set := f.session.BoundingSet()
	assert.Empty(t, set)

	// The scheduled report announces the emptied bounding set.
	tmmbn, ok = findPacket[*packet.TMMBN](f.transport.last(t))
	require.True(t, ok)
	assert.Empty(t, tmmbn.Items)
}

func TestSession_RoundTripTime(t *testing.T) {
	f := newSessionFixture(t, nil)
	require.NoError(t, f.session.SetSending(true))

	require.NoError(t, f.session.SendRTCP(PacketReport))
	sr, ok := findPacket[*rtcp.SenderReport](f.transport.last(t))
	require.True(t, ok)
	lsr := NtpTime(sr.NTPTime).Compact()
	sentAt, ok := f.session.SendTimeOfSendReport(lsr)
	require.True(t, ok)
	assert.Equal(t, f.clock.Now(), sentAt)

	f.clock.Advance(time.Second)
	info := f.deliver(t, remoteRR(rtcp.ReceptionReport{
		SSRC:             testLocalSSRC,
		LastSenderReport: lsr,
		Delay:            DurationToCompactNtp(100 * time.Millisecond),
	}))
	assert.InDelta(t, 900, info.RTT.Milliseconds(), 1)

	rtt, ok := f.session.RTT(testRemoteSSRC)
	require.True(t, ok)
	assert.InDelta(t, 900, rtt.Last.Milliseconds(), 1)
	assert.Equal(t, rtt.Last, rtt.Min)
	assert.Equal(t, rtt.Last, rtt.Max)
	assert.Equal(t, 1, rtt.Samples)

	require.Len(t, f.obs.rtts, 1)
	assert.Equal(t, rtt.Last, f.obs.rtts[0])
	require.Contains(t, f.obs.statistics, uint32(testLocalSSRC))
}

func TestSession_RoundTripTimeNegativeClampsToZero(t *testing.T) {
	f := newSessionFixture(t, nil)
	now := CompactNtp(f.clock.Now())

	f.deliver(t, remoteRR(rtcp.ReceptionReport{
		SSRC:             testLocalSSRC,
		LastSenderReport: now,
		Delay:            DurationToCompactNtp(time.Second),
	}))
	rtt, ok := f.session.RTT(testRemoteSSRC)
	require.True(t, ok)
	assert.Zero(t, rtt.Last)
}

func TestSession_ReportBlockAboutForeignStreamIgnored(t *testing.T) {
	f := newSessionFixture(t, nil)

	info := f.deliver(t, remoteRR(rtcp.ReceptionReport{
		SSRC:             0x5555,
		LastSenderReport: CompactNtp(f.clock.Now()),
	}))
	assert.True(t, info.Flags.Has(PacketRR))
	assert.Empty(t, info.ReportBlocks)
	assert.Empty(t, f.session.ReportBlocks())
	_, ok := f.session.RTT(testRemoteSSRC)
	assert.False(t, ok)

	// Registered streams are accepted.
	f.session.SetRegisteredSSRCs([]uint32{0x5555})
	info = f.deliver(t, remoteRR(rtcp.ReceptionReport{SSRC: 0x5555, TotalLost: 0xFFFFFF, FractionLost: 10}))
	require.Len(t, info.ReportBlocks, 1)
	assert.Equal(t, int32(-1), info.ReportBlocks[0].CumulativeLost)
	assert.Equal(t, []ReportBlock{info.ReportBlocks[0]}, f.session.ReportBlocks())
}

func TestSession_RttAverage(t *testing.T) {
	f := newSessionFixture(t, nil)
	for _, ms := range []int{100, 200, 301} {
		lsr := CompactNtp(f.clock.Now())
		f.clock.Advance(time.Duration(ms) * time.Millisecond)
		f.deliver(t, remoteRR(rtcp.ReceptionReport{SSRC: testLocalSSRC, LastSenderReport: lsr}))
	}
	rtt, ok := f.session.RTT(testRemoteSSRC)
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, rtt.Min)
	assert.Equal(t, 301*time.Millisecond, rtt.Max)
	assert.Equal(t, 200*time.Millisecond, rtt.Avg)
	assert.Equal(t, 3, rtt.Samples)
}

func TestSession_NackForwarded(t *testing.T) {
	f := newSessionFixture(t, nil)

	info := f.deliver(t, remoteRR(), &rtcp.TransportLayerNack{
		SenderSSRC: testRemoteSSRC,
		MediaSSRC:  testLocalSSRC,
		Nacks:      rtcp.NackPairsFromSequenceNumbers([]uint16{5, 6, 9, 30}),
	})
	assert.Equal(t, []uint16{5, 6, 9, 30}, info.NackSequenceNumbers)
	require.Len(t, f.obs.nacks, 1)
	assert.Equal(t, []uint16{5, 6, 9, 30}, f.obs.nacks[0])

	_, received := f.session.PacketTypeCounters()
	assert.Equal(t, uint32(1), received.NackPackets)
	assert.Equal(t, uint32(4), received.NackRequests)
	assert.Equal(t, uint32(4), received.UniqueNackRequests)
	// Received counters are keyed by our SSRC, sent ones by the remote.
	assert.Contains(t, f.obs.counters, uint32(testLocalSSRC))

	// NACKs about another stream are not ours to answer.
	f.deliver(t, remoteRR(), &rtcp.TransportLayerNack{
		SenderSSRC: testRemoteSSRC,
		MediaSSRC:  0x999,
		Nacks:      rtcp.NackPairsFromSequenceNumbers([]uint16{1}),
	})
	assert.Len(t, f.obs.nacks, 1)
}

func TestSession_NackDuplicatesReportedOnce(t *testing.T) {
	f := newSessionFixture(t, nil)

	info := f.deliver(t, remoteRR(),
		&rtcp.TransportLayerNack{
			SenderSSRC: testRemoteSSRC,
			MediaSSRC:  testLocalSSRC,
			Nacks: []rtcp.NackPair{
				{PacketID: 5, LostPackets: 0x1},
				{PacketID: 6},
			},
		},
		&rtcp.TransportLayerNack{
			SenderSSRC: testRemoteSSRC,
			MediaSSRC:  testLocalSSRC,
			Nacks:      []rtcp.NackPair{{PacketID: 9}, {PacketID: 5}},
		},
	)
	assert.Equal(t, []uint16{5, 6, 9}, info.NackSequenceNumbers)
	require.Len(t, f.obs.nacks, 1)
	assert.Equal(t, []uint16{5, 6, 9}, f.obs.nacks[0])

	_, received := f.session.PacketTypeCounters()
	assert.Equal(t, uint32(2), received.NackPackets)
	assert.Equal(t, uint32(3), received.NackRequests)
}

func TestSession_ReceiverOnly(t *testing.T) {
	f := newSessionFixture(t, func(c *Config) { c.ReceiverOnly = true })

	info := f.deliver(t,
		remoteRR(rtcp.ReceptionReport{SSRC: testLocalSSRC, LastSenderReport: CompactNtp(f.clock.Now())}),
		&rtcp.TransportLayerNack{
			SenderSSRC: testRemoteSSRC,
			MediaSSRC:  testLocalSSRC,
			Nacks:      rtcp.NackPairsFromSequenceNumbers([]uint16{1}),
		},
		&rtcp.PictureLossIndication{SenderSSRC: testRemoteSSRC, MediaSSRC: testLocalSSRC},
	)
	assert.False(t, info.Flags.Has(PacketNACK))
	assert.True(t, info.Flags.Has(PacketPLI))
	assert.Empty(t, f.obs.nacks)
	assert.Empty(t, f.obs.intraFrame)
	assert.Empty(t, f.obs.rtts)

	rtt, ok := f.session.RTT(testRemoteSSRC)
	require.True(t, ok)
	assert.Zero(t, rtt.Samples)
}

func TestSession_IntraFrameRequests(t *testing.T) {
	f := newSessionFixture(t, nil)

	f.deliver(t, remoteRR(),
		&rtcp.PictureLossIndication{SenderSSRC: testRemoteSSRC, MediaSSRC: testLocalSSRC},
		&rtcp.SliceLossIndication{
			SenderSSRC: testRemoteSSRC,
			MediaSSRC:  testLocalSSRC,
			SLI:        []rtcp.SLIEntry{{First: 1, Number: 2, Picture: 17}},
		},
		&packet.RPSI{SenderSSRC: testRemoteSSRC, MediaSSRC: testLocalSSRC, PayloadType: 96, PictureID: 300},
	)
	assert.Equal(t, []uint32{testLocalSSRC}, f.obs.intraFrame)
	assert.Equal(t, []uint8{17}, f.obs.sli)
	assert.Equal(t, []uint64{300}, f.obs.rpsi)

	_, received := f.session.PacketTypeCounters()
	assert.Equal(t, uint32(1), received.PliPackets)

	// A PLI about another stream is ignored.
	f.deliver(t, remoteRR(), &rtcp.PictureLossIndication{SenderSSRC: testRemoteSSRC, MediaSSRC: 0x999})
	assert.Len(t, f.obs.intraFrame, 1)
}

func TestSession_FIRDeduplicated(t *testing.T) {
	f := newSessionFixture(t, nil)
	fir := func(seq uint8) *rtcp.FullIntraRequest {
		return &rtcp.FullIntraRequest{
			SenderSSRC: testRemoteSSRC,
			FIR:        []rtcp.FIREntry{{SSRC: testLocalSSRC, SequenceNumber: seq}},
		}
	}

	f.deliver(t, remoteRR(), fir(1))
	assert.Len(t, f.obs.intraFrame, 1)

	// A new request within one frame is dropped.
	f.clock.Advance(10 * time.Millisecond)
	f.deliver(t, remoteRR(), fir(2))
	assert.Len(t, f.obs.intraFrame, 1)

	// The same sequence number is a retransmission of the same request.
	f.clock.Advance(10 * time.Millisecond)
	f.deliver(t, remoteRR(), fir(1))
	assert.Len(t, f.obs.intraFrame, 1)

	f.clock.Advance(20 * time.Millisecond)
	f.deliver(t, remoteRR(), fir(2))
	assert.Len(t, f.obs.intraFrame, 2)

	_, received := f.session.PacketTypeCounters()
	assert.Equal(t, uint32(4), received.FirPackets)
}

func TestSession_FIRFromUnknownReporterFires(t *testing.T) {
	f := newSessionFixture(t, func(c *Config) { c.Mode = RtcpModeReducedSize })
	fir := &rtcp.FullIntraRequest{
		SenderSSRC: 0x4444,
		FIR:        []rtcp.FIREntry{{SSRC: testLocalSSRC, SequenceNumber: 1}},
	}
	f.deliver(t, fir)
	f.deliver(t, fir)
	assert.Len(t, f.obs.intraFrame, 2)
}

func TestSession_ReducedSizeIngress(t *testing.T) {
	f := newSessionFixture(t, nil)
	pli := &rtcp.PictureLossIndication{SenderSSRC: testRemoteSSRC, MediaSSRC: testLocalSSRC}

	// Compound mode rejects a datagram without a leading report.
	info := f.deliver(t, pli)
	assert.Equal(t, PacketType(0), info.Flags)
	assert.Empty(t, f.obs.intraFrame)

	f.session.SetRtcpMode(RtcpModeReducedSize)
	info = f.deliver(t, pli)
	assert.True(t, info.Flags.Has(PacketPLI))
	assert.Len(t, f.obs.intraFrame, 1)
}

func TestSession_REMB(t *testing.T) {
	f := newSessionFixture(t, nil)
	info := f.deliver(t, remoteRR(), &rtcp.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: testRemoteSSRC,
		Bitrate:    800000,
		SSRCs:      []uint32{testLocalSSRC},
	})
	assert.Equal(t, []uint32{testLocalSSRC}, info.REMBSSRCs)
	require.Len(t, f.obs.estimates, 1)
	assert.InDelta(t, 800000, f.obs.estimates[0], 800000*0.01)
	require.Len(t, f.obs.estimateSSRCs, 1)
	assert.Equal(t, []uint32{testLocalSSRC}, f.obs.estimateSSRCs[0])

	// The observer owns its copy of the SSRC list.
	f.obs.estimateSSRCs[0][0] = 0
	assert.Equal(t, []uint32{testLocalSSRC}, info.REMBSSRCs)
}

func TestSession_CNAMEAndBye(t *testing.T) {
	f := newSessionFixture(t, nil)
	sdes := func(cname string) *rtcp.SourceDescription {
		return &rtcp.SourceDescription{Chunks: []rtcp.SourceDescriptionChunk{cnameChunk(testRemoteSSRC, cname)}}
	}

	f.deliver(t, remoteRR(rtcp.ReceptionReport{SSRC: testLocalSSRC}), sdes("bob"))
	cname, ok := f.session.RemoteCNAME(testRemoteSSRC)
	require.True(t, ok)
	assert.Equal(t, "bob", cname)
	assert.Equal(t, "bob", f.obs.cnames[testRemoteSSRC])
	require.Len(t, f.session.ReportBlocks(), 1)

	// Unchanged CNAMEs are not reported again.
	f.deliver(t, remoteRR(), sdes("bob"))
	assert.Equal(t, 1, f.obs.cnameChanges)
	f.deliver(t, remoteRR(), sdes("bobby"))
	assert.Equal(t, 2, f.obs.cnameChanges)

	f.deliver(t, remoteRR(), &rtcp.Goodbye{Sources: []uint32{testRemoteSSRC}})
	_, ok = f.session.RemoteCNAME(testRemoteSSRC)
	assert.False(t, ok)
	assert.Empty(t, f.session.ReportBlocks())
}

func TestSession_ByeRemovesReceiveInfoAfterGrace(t *testing.T) {
	f := newSessionFixture(t, func(c *Config) { c.ReceiveInfoGrace = time.Second })
	f.deliver(t, remoteRR(), &rtcp.Goodbye{Sources: []uint32{testRemoteSSRC}})
	require.Contains(t, f.session.receiver.receiveInfos, uint32(testRemoteSSRC))

	f.clock.Advance(2 * time.Second)
	require.NoError(t, f.session.Process())
	require.NoError(t, f.session.Process())
	assert.NotContains(t, f.session.receiver.receiveInfos, uint32(testRemoteSSRC))
}

func TestSession_ReportRequestAnsweredImmediately(t *testing.T) {
	f := newSessionFixture(t, nil)
	info := f.deliver(t, remoteRR(), &rtcp.RapidResynchronizationRequest{
		SenderSSRC: testRemoteSSRC,
		MediaSSRC:  testLocalSSRC,
	})
	assert.True(t, info.Flags.Has(PacketSrReq))
	require.Equal(t, 1, f.transport.count())
	assert.Equal(t, "RR", typeNames(f.transport.last(t)))
}

func TestSession_XrRoundTripTime(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.session.SetXrReceiverReferenceTimeStatus(true)

	require.NoError(t, f.session.SendRTCP(PacketReport))
	xr, ok := findPacket[*rtcp.ExtendedReport](f.transport.last(t))
	require.True(t, ok)
	rrtr, ok := xr.Reports[0].(*rtcp.ReceiverReferenceTimeReportBlock)
	require.True(t, ok)
	lastRR := NtpTime(rrtr.NTPTimestamp).Compact()

	f.clock.Advance(time.Second)
	info := f.deliver(t, remoteRR(), &rtcp.ExtendedReport{
		SenderSSRC: testRemoteSSRC,
		Reports: []rtcp.ReportBlock{&rtcp.DLRRReportBlock{Reports: []rtcp.DLRRReport{{
			SSRC:   testLocalSSRC,
			LastRR: lastRR,
			DLRR:   DurationToCompactNtp(100 * time.Millisecond),
		}}}},
	})
	assert.True(t, info.XrDLRRItem)
	assert.True(t, info.Flags.Has(PacketXrDLRR))

	rtt, ok := f.session.XrRRRtt()
	require.True(t, ok)
	assert.InDelta(t, 900, rtt.Milliseconds(), 1)
	_, ok = f.session.XrRRRtt()
	assert.False(t, ok, "reset after read")
}

func TestSession_XrReferenceTimeAnsweredWithDLRR(t *testing.T) {
	f := newSessionFixture(t, nil)
	ntp := NewNtpTime(f.clock.Now().Add(-time.Hour))

	info := f.deliver(t, remoteRR(), &rtcp.ExtendedReport{
		SenderSSRC: testRemoteSSRC,
		Reports:    []rtcp.ReportBlock{&rtcp.ReceiverReferenceTimeReportBlock{NTPTimestamp: uint64(ntp)}},
	})
	assert.True(t, info.Flags.Has(PacketXrReceiverReferenceTime))

	f.clock.Advance(200 * time.Millisecond)
	require.NoError(t, f.session.SendRTCP(PacketReport))
	xr, ok := findPacket[*rtcp.ExtendedReport](f.transport.last(t))
	require.True(t, ok)
	dlrr, ok := xr.Reports[0].(*rtcp.DLRRReportBlock)
	require.True(t, ok)
	require.Len(t, dlrr.Reports, 1)
	assert.Equal(t, uint32(testRemoteSSRC), dlrr.Reports[0].SSRC)
	assert.Equal(t, ntp.Compact(), dlrr.Reports[0].LastRR)
	assert.InDelta(t, 200, CompactNtpRttToMs(dlrr.Reports[0].DLRR), 1)
}

func TestSession_VoIPMetricsAndTransportFeedback(t *testing.T) {
	f := newSessionFixture(t, nil)

	f.deliver(t, remoteRR(), &rtcp.ExtendedReport{
		SenderSSRC: testRemoteSSRC,
		Reports: []rtcp.ReportBlock{&rtcp.VoIPMetricsReportBlock{
			SSRC:     testLocalSSRC,
			LossRate: 12,
			RFactor:  80,
		}},
	}, &rtcp.TransportLayerCC{
		SenderSSRC:         testRemoteSSRC,
		MediaSSRC:          testLocalSSRC,
		BaseSequenceNumber: 1,
		PacketStatusCount:  1,
		PacketChunks: []rtcp.PacketStatusChunk{&rtcp.RunLengthChunk{
			PacketStatusSymbol: rtcp.TypeTCCPacketReceivedSmallDelta,
			RunLength:          1,
		}},
		RecvDeltas: []*rtcp.RecvDelta{{Type: rtcp.TypeTCCPacketReceivedSmallDelta, Delta: 250}},
	})

	require.Len(t, f.obs.voip, 1)
	assert.Equal(t, uint8(12), f.obs.voip[0].LossRate)
	assert.Equal(t, uint8(80), f.obs.voip[0].RFactor)
	require.Len(t, f.obs.tcc, 1)
	assert.Equal(t, uint16(1), f.obs.tcc[0].BaseSequenceNumber)
}

func TestSession_RrTimeouts(t *testing.T) {
	f := newSessionFixture(t, nil)
	interval := f.session.reportInterval()
	block := rtcp.ReceptionReport{SSRC: testLocalSSRC, LastSequenceNumber: 10}

	f.deliver(t, remoteRR(block))
	assert.False(t, f.session.RtcpRrTimeout())

	f.clock.Advance(2 * interval)
	f.deliver(t, remoteRR(block))
	f.clock.Advance(2 * interval)
	assert.False(t, f.session.RtcpRrTimeout())
	assert.True(t, f.session.RtcpRrSequenceNumberTimeout(), "no progress for four intervals")
	assert.False(t, f.session.RtcpRrSequenceNumberTimeout(), "reported once")

	f.clock.Advance(2 * interval)
	assert.True(t, f.session.RtcpRrTimeout())
	assert.False(t, f.session.RtcpRrTimeout())
}

func TestSession_LocalSSRCChangeReported(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.session.SetLocalSSRC(0xBEEF)
	assert.Equal(t, [][2]uint32{{testLocalSSRC, 0xBEEF}}, f.obs.ssrcChanges)
	assert.Equal(t, uint32(0xBEEF), f.session.LocalSSRC())

	f.session.SetLocalSSRC(0xBEEF)
	assert.Len(t, f.obs.ssrcChanges, 1)
}

func TestSession_SetSendingFalseSendsBye(t *testing.T) {
	f := newSessionFixture(t, nil)
	require.NoError(t, f.session.SetSending(true))
	require.NoError(t, f.session.SetSending(false))

	_, ok := findPacket[*rtcp.Goodbye](f.transport.last(t))
	assert.True(t, ok)
	assert.False(t, f.session.Sending())
}

func TestSession_ProcessSendsScheduledReport(t *testing.T) {
	f := newSessionFixture(t, nil)
	require.NoError(t, f.session.Process())
	assert.Zero(t, f.transport.count())

	f.clock.Advance(2500 * time.Millisecond)
	require.NoError(t, f.session.Process())
	assert.Equal(t, 1, f.transport.count())
	require.NoError(t, f.session.Process())
	assert.Equal(t, 1, f.transport.count())
}

func TestSession_NoTransport(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.session.SetTransport(nil)
	assert.ErrorIs(t, f.session.RequestKeyFrame(), ErrNoTransport)
	assert.Equal(t, uint64(1), f.session.SendFailures())
}

func TestSession_SendNACK(t *testing.T) {
	f := newSessionFixture(t, nil)
	require.NoError(t, f.session.SendNACK([]uint16{100, 101}))

	nack, ok := findPacket[*rtcp.TransportLayerNack](f.transport.last(t))
	require.True(t, ok)
	assert.Equal(t, uint32(testRemoteSSRC), nack.MediaSSRC)
	sent, _ := f.session.PacketTypeCounters()
	assert.Equal(t, uint32(2), sent.NackRequests)
}

func TestSession_SSRCFilter(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.session.SetSSRCFilter(true, testRemoteSSRC)

	assert.False(t, f.session.IncomingRtpPacket(rtpPacket(0x999, 1, 0)))
	assert.Nil(t, f.session.Statistician(0x999))
	assert.True(t, f.session.IncomingRtpPacket(rtpPacket(testRemoteSSRC, 1, 0)))
	assert.NotNil(t, f.session.Statistician(testRemoteSSRC))

	f.session.SetSSRCFilter(false, 0)
	assert.True(t, f.session.IncomingRtpPacket(rtpPacket(0x999, 1, 0)))
}

func TestSession_CloseDetachesObservers(t *testing.T) {
	f := newSessionFixture(t, nil)
	require.NoError(t, f.session.Close())
	calls := f.obs.callCount()

	assert.ErrorIs(t, f.session.IncomingRtcpPacket(marshalCompound(t, remoteRR(),
		&rtcp.PictureLossIndication{SenderSSRC: testRemoteSSRC, MediaSSRC: testLocalSSRC})), ErrClosed)
	assert.ErrorIs(t, f.session.SendRTCP(PacketReport), ErrClosed)
	assert.ErrorIs(t, f.session.Process(), ErrClosed)
	assert.Equal(t, calls, f.obs.callCount())
	assert.NoError(t, f.session.Close())
}

// Two sessions wired back to back measure the RTT of the path between them.
func TestSession_Loopback(t *testing.T) {
	clock := internal.NewMockClock(time.Time{})
	newSession := func(local, remote uint32) *Session {
		config := DefaultConfig()
		config.Rand = rand.New(rand.NewSource(int64(local)))
		s, err := NewSession(config, clock)
		require.NoError(t, err)
		s.SetLocalSSRC(local)
		s.SetRemoteSSRC(remote)
		return s
	}
	a := newSession(1, 2)
	b := newSession(2, 1)
	const oneWay = 40 * time.Millisecond

	a.SetTransport(TransportFunc(func(pkt []byte) error {
		clock.Advance(oneWay)
		return b.IncomingRtcpPacket(pkt)
	}))
	b.SetTransport(TransportFunc(func(pkt []byte) error {
		clock.Advance(oneWay)
		return a.IncomingRtcpPacket(pkt)
	}))
	require.NoError(t, a.SetCNAME("a"))
	require.NoError(t, a.SetSending(true))
	b.IncomingRtpPacket(rtpPacket(1, 1, 0))

	require.NoError(t, a.SendRTCP(PacketReport))
	cname, ok := b.RemoteCNAME(1)
	require.True(t, ok)
	assert.Equal(t, "a", cname)

	clock.Advance(20 * time.Millisecond)
	require.NoError(t, b.SendRTCP(PacketReport))

	rtt, ok := a.RTT(2)
	require.True(t, ok)
	assert.InDelta(t, (2 * oneWay).Milliseconds(), rtt.Last.Milliseconds(), 1)
}
