package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb"
	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/metrics"
	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/testutil"
)

const (
	senderSSRC   = 0x0A0A0A0A
	receiverSSRC = 0x0B0B0B0B

	processInterval = 10 * time.Millisecond
	historySize     = 1024
	maxNackBatch    = 100
)

// SoakResult contains the results of a soak run.
type SoakResult struct {
	Duration         time.Duration
	PacketsSent      int64
	PacketsDropped   int64
	Retransmissions  int64
	KeyFrameRequests int64
	NacksReceived    int64
	Estimate         uint32
	RTT              rtcpfb.RttStats
	XrRTT            time.Duration
	LastReport       rtcpfb.ReportBlock
	SendFailures     uint64
	PeakHeapMB       float64
	Status           string
	Failures         []string
}

func (r *SoakResult) fail(format string, args ...any) {
	r.Status = "FAIL"
	r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
}

// link delays everything sent across it and drops a share of media.
type link struct {
	delay time.Duration
	loss  float64

	mu  sync.Mutex
	rng *rand.Rand
}

func (l *link) lost() bool {
	if l.loss == 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64() < l.loss
}

func (l *link) after(fn func()) {
	if l.delay == 0 {
		fn()
		return
	}
	time.AfterFunc(l.delay, fn)
}

// sender is the media side: it sends RTP, keeps a history for
// retransmission and answers feedback.
type sender struct {
	session *rtcpfb.Session
	gen     *testutil.StreamGenerator
	link    *link
	deliver func(testutil.Packet)

	packets   atomic.Uint32
	octets    atomic.Uint32
	bitrate   uint32
	estimate  atomic.Uint32
	retrans   atomic.Int64
	keyFrames atomic.Int64
	nacks     atomic.Int64

	mu      sync.Mutex
	history map[uint16]testutil.Packet
}

func (s *sender) SendStats() rtcpfb.SendStats {
	return rtcpfb.SendStats{
		PacketsSent:    s.packets.Load(),
		MediaBytesSent: s.octets.Load(),
		BitrateBps:     s.bitrate,
		ClockRate:      testutil.VideoClockRate,
		PayloadType:    testutil.VideoPayloadType,
	}
}

func (s *sender) send(now time.Time) {
	p := s.gen.Next(now)
	s.packets.Add(1)
	s.octets.Add(uint32(p.PayloadSize))
	s.session.SetLastRtpTime(p.Header.Timestamp, now)

	s.mu.Lock()
	s.history[p.Header.SequenceNumber] = p
	delete(s.history, p.Header.SequenceNumber-historySize)
	s.mu.Unlock()

	s.transmit(p)
}

// transmit sends p across the link, which may drop it.
func (s *sender) transmit(p testutil.Packet) bool {
	if s.link.lost() {
		return false
	}
	s.link.after(func() { s.deliver(p) })
	return true
}

func (s *sender) OnReceivedNack(seqs []uint16) {
	s.nacks.Add(int64(len(seqs)))
	for _, seq := range seqs {
		s.mu.Lock()
		p, ok := s.history[seq]
		s.mu.Unlock()
		if ok {
			s.retrans.Add(1)
			s.transmit(p)
		}
	}
}

func (s *sender) OnReceivedIntraFrameRequest(uint32) { s.keyFrames.Add(1) }
func (s *sender) OnReceivedSLI(uint32, uint8)        {}
func (s *sender) OnReceivedRPSI(uint32, uint64)      {}
func (s *sender) OnLocalSSRCChanged(uint32, uint32)  {}

func (s *sender) OnReceivedEstimatedBitrate(bps uint32, _ []uint32) { s.estimate.Store(bps) }
func (s *sender) OnReceivedRtcpReceiverReport([]rtcpfb.ReportBlock, time.Duration, time.Time) {
}

// receiver is the media sink: it feeds receive statistics and NACKs gaps.
type receiver struct {
	session *rtcpfb.Session
	nack    bool
	log     logging.LeveledLogger

	mu      sync.Mutex
	started bool
	highest uint16
}

func (r *receiver) onPacket(p testutil.Packet) {
	r.session.IncomingRtpPacket(p.RtpPacket())
	if !r.nack {
		return
	}

	seq := p.Header.SequenceNumber
	r.mu.Lock()
	var missing []uint16
	if !r.started {
		r.started = true
		r.highest = seq
	} else if diff := seq - r.highest; diff != 0 && diff < 0x8000 {
		for s := r.highest + 1; s != seq && len(missing) < maxNackBatch; s++ {
			missing = append(missing, s)
		}
		r.highest = seq
	}
	r.mu.Unlock()

	if len(missing) > 0 {
		if err := r.session.SendNACK(missing); err != nil && !errors.Is(err, rtcpfb.ErrClosed) {
			r.log.Warnf("failed to send nack: %v", err)
		}
	}
}

func newPeerSession(sc Scenario, name string, local, remote uint32, factory logging.LoggerFactory) (*rtcpfb.Session, error) {
	config, err := sc.Session.rtcpConfig()
	if err != nil {
		return nil, err
	}
	config.LoggerFactory = factory
	config.Rand = rand.New(rand.NewSource(sc.Seed + int64(local))) //nolint:gosec // report jitter

	session, err := rtcpfb.NewSession(config, nil)
	if err != nil {
		return nil, err
	}
	session.SetLocalSSRC(local)
	session.SetRemoteSSRC(remote)
	if err := session.SetCNAME(name); err != nil {
		return nil, err
	}
	session.SetXrReceiverReferenceTimeStatus(sc.Session.XrRRTR)
	return session, nil
}

// runSoak connects a sending and a receiving session over an emulated link
// and drives them until ctx is done or the scenario duration elapses.
func runSoak(ctx context.Context, sc Scenario, reg prometheus.Registerer, factory logging.LoggerFactory) (SoakResult, error) {
	log := factory.NewLogger("soak")
	result := SoakResult{Status: "PASS"}

	a, err := newPeerSession(sc, "soak-sender", senderSSRC, receiverSSRC, factory)
	if err != nil {
		return result, err
	}
	defer a.Close()
	b, err := newPeerSession(sc, "soak-receiver", receiverSSRC, senderSSRC, factory)
	if err != nil {
		return result, err
	}
	defer b.Close()

	media := &link{delay: sc.OneWayDelay, loss: sc.LossRate, rng: rand.New(rand.NewSource(sc.Seed))} //nolint:gosec // loss emulation
	feedback := &link{delay: sc.OneWayDelay}

	recv := &receiver{session: b, nack: sc.NackLostPackets, log: log}
	snd := &sender{
		session: a,
		gen:     testutil.NewStreamGenerator(senderSSRC, uint16(sc.Seed), sc.PayloadSize),
		link:    media,
		deliver: recv.onPacket,
		bitrate: uint32(float64(sc.PayloadSize*8) / sc.PacketInterval.Seconds()),
		history: make(map[uint16]testutil.Packet, historySize),
	}

	// Each session's RTCP reaches the other one after the link delay.
	a.SetTransport(rtcpfb.TransportFunc(func(pkt []byte) error {
		buf := append([]byte(nil), pkt...)
		feedback.after(func() { _ = b.IncomingRtcpPacket(buf) })
		return nil
	}))
	b.SetTransport(rtcpfb.TransportFunc(func(pkt []byte) error {
		buf := append([]byte(nil), pkt...)
		feedback.after(func() { _ = a.IncomingRtcpPacket(buf) })
		return nil
	}))

	sentCounters := metrics.NewPacketTypeCollector("soak", a.LocalSSRC)
	recvCounters := metrics.NewPacketTypeCollector("soak", b.LocalSSRC)
	reception := metrics.NewReceptionCollector("soak")
	if reg != nil {
		prometheus.WrapRegistererWith(prometheus.Labels{"peer": "sender"}, reg).MustRegister(sentCounters)
		prometheus.WrapRegistererWith(prometheus.Labels{"peer": "receiver"}, reg).MustRegister(recvCounters, reception)
	}

	a.SetSendStatsProvider(snd)
	a.SetObservers(rtcpfb.Observers{
		Nack:              snd,
		IntraFrame:        snd,
		Bandwidth:         snd,
		PacketTypeCounter: sentCounters,
	})
	b.SetObservers(rtcpfb.Observers{
		PacketTypeCounter: recvCounters,
		Statistics:        reception,
	})
	if sc.Session.REMB {
		b.SetREMBStatus(true)
		b.SetREMBData(uint64(snd.bitrate), []uint32{senderSSRC})
	}
	if sc.TargetBitrate > 0 {
		b.SetTMMBRStatus(true)
		b.SetTargetBitrate(sc.TargetBitrate)
	}
	if err := a.SetSending(true); err != nil {
		return result, err
	}

	ctx, cancel := context.WithTimeout(ctx, sc.Duration)
	defer cancel()
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)

	// Media.
	g.Go(func() error {
		ticker := time.NewTicker(sc.PacketInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				snd.send(now)
			}
		}
	})

	// Session timers and feedback requests.
	g.Go(func() error {
		ticker := time.NewTicker(processInterval)
		defer ticker.Stop()
		lastKeyFrame := time.Now()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				for _, s := range []*rtcpfb.Session{a, b} {
					if err := s.Process(); err != nil && !errors.Is(err, rtcpfb.ErrClosed) {
						log.Warnf("process: %v", err)
					}
				}
				if sc.KeyFrameInterval > 0 && now.Sub(lastKeyFrame) >= sc.KeyFrameInterval {
					lastKeyFrame = now
					if err := b.RequestKeyFrame(); err != nil {
						log.Warnf("failed to request key frame: %v", err)
					}
				}
			}
		}
	})

	// Status.
	var mu sync.Mutex
	g.Go(func() error {
		ticker := time.NewTicker(sc.StatusInterval)
		defer ticker.Stop()
		var mem runtime.MemStats
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				runtime.ReadMemStats(&mem)
				heapMB := float64(mem.HeapAlloc) / (1024 * 1024)
				rtt, _ := a.RTT(receiverSSRC)

				mu.Lock()
				result.PeakHeapMB = max(result.PeakHeapMB, heapMB)
				mu.Unlock()

				fmt.Printf("[%s] Packets: %d, RTT: %v, NACKed: %d, PLI: %d, HeapAlloc: %.2f MB, NumGC: %d\n",
					formatDuration(now.Sub(start)),
					snd.packets.Load(),
					rtt.Last,
					snd.nacks.Load(),
					snd.keyFrames.Load(),
					heapMB,
					mem.NumGC)
				if sc.MaxHeapMB > 0 && heapMB > sc.MaxHeapMB {
					return fmt.Errorf("memory limit exceeded: %.2f MB", heapMB)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		result.fail("%v", err)
	}

	result.Duration = time.Since(start)
	result.PacketsSent = int64(snd.packets.Load())
	result.Retransmissions = snd.retrans.Load()
	result.KeyFrameRequests = snd.keyFrames.Load()
	result.NacksReceived = snd.nacks.Load()
	result.Estimate = snd.estimate.Load()
	result.SendFailures = a.SendFailures() + b.SendFailures()
	result.RTT, _ = a.RTT(receiverSSRC)
	result.XrRTT, _ = b.XrRRRtt()
	for _, rb := range a.ReportBlocks() {
		if rb.SourceSSRC == senderSSRC {
			result.LastReport = rb
		}
	}
	if st := b.Statistician(senderSSRC); st != nil {
		result.PacketsDropped = result.PacketsSent - int64(st.DataCounters().Transmitted.Packets) + result.Retransmissions
	}

	checkResult(&result, sc)
	return result, nil
}

// checkResult applies the pass criteria.
func checkResult(r *SoakResult, sc Scenario) {
	if r.RTT.Samples == 0 {
		r.fail("no round-trip time measured")
	} else {
		want := 2 * sc.OneWayDelay
		if r.RTT.Avg < want-5*time.Millisecond || r.RTT.Avg > want+50*time.Millisecond {
			r.fail("average RTT %v, want about %v", r.RTT.Avg, want)
		}
	}
	if r.LastReport.SourceSSRC == 0 {
		r.fail("no report block received")
	}
	if sc.KeyFrameInterval > 0 && r.Duration > 2*sc.KeyFrameInterval && r.KeyFrameRequests == 0 {
		r.fail("no key frame request received")
	}
	if sc.NackLostPackets && sc.LossRate > 0 && r.PacketsSent > 1000 && r.NacksReceived == 0 {
		r.fail("no NACK received over a lossy link")
	}
	if sc.TargetBitrate > 0 && r.Estimate == 0 {
		r.fail("no TMMBR bound received")
	}
	if r.SendFailures > 0 {
		r.fail("%d RTCP send failures", r.SendFailures)
	}
	if sc.MaxHeapMB > 0 && r.PeakHeapMB > sc.MaxHeapMB {
		r.fail("peak heap %.2f MB over %.2f MB", r.PeakHeapMB, sc.MaxHeapMB)
	}
}
