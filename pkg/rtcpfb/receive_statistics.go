package rtcpfb

import (
	"slices"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/rtcp"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/internal"
)

// reportBlockData is a reception report block generated from local receive
// statistics, with the extended jitter for an accompanying IJ report.
type reportBlockData struct {
	report         rtcp.ReceptionReport
	stats          RtcpStatistics
	extendedJitter uint32
}

// ReceiveStatistics owns one StreamStatistician per remote SSRC and hands
// out reception report blocks round-robin across them.
type ReceiveStatistics struct {
	mu     sync.Mutex
	clock  internal.Clock
	log    logging.LeveledLogger
	byssrc map[uint32]*StreamStatistician

	lastReturnedSSRC       uint32
	maxReorderingThreshold int
	retransmitDetection    bool

	callbackMu sync.Mutex
	callback   StatisticsCallback
}

// NewReceiveStatistics creates receive statistics. If clock is nil, a
// MonotonicClock is used.
func NewReceiveStatistics(config Config, clock internal.Clock) *ReceiveStatistics {
	if clock == nil {
		clock = internal.MonotonicClock{}
	}
	threshold := config.MaxReorderingThreshold
	if threshold <= 0 {
		threshold = DefaultConfig().MaxReorderingThreshold
	}
	return &ReceiveStatistics{
		clock:                  clock,
		log:                    config.loggerFactory().NewLogger("receive_statistics"),
		byssrc:                 make(map[uint32]*StreamStatistician),
		maxReorderingThreshold: threshold,
		retransmitDetection:    config.NackEnabled,
	}
}

// OnRtpPacket feeds one received RTP packet. The statistician for its SSRC
// is created on the first packet.
func (r *ReceiveStatistics) OnRtpPacket(pkt RtpPacket) {
	r.mu.Lock()
	s, ok := r.byssrc[pkt.SSRC]
	if !ok {
		s = newStreamStatistician(pkt.SSRC, r.clock, r.maxReorderingThreshold, r.retransmitDetection)
		r.byssrc[pkt.SSRC] = s
		r.log.Debugf("new receive stream %x", pkt.SSRC)
	}
	r.mu.Unlock()

	s.onRtpPacket(pkt)
}

// FecPacketReceived accounts a FEC packet to an existing stream.
func (r *ReceiveStatistics) FecPacketReceived(pkt RtpPacket) {
	r.mu.Lock()
	s, ok := r.byssrc[pkt.SSRC]
	r.mu.Unlock()
	if ok {
		s.onFecPacket(pkt)
	}
}

// Statistician returns the statistician of ssrc, or nil.
func (r *ReceiveStatistics) Statistician(ssrc uint32) *StreamStatistician {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byssrc[ssrc]
}

// RemoveStatistician drops the state of ssrc.
func (r *ReceiveStatistics) RemoveStatistician(ssrc uint32) {
	r.mu.Lock()
	delete(r.byssrc, ssrc)
	r.mu.Unlock()
}

// SSRCs returns the tracked remote SSRCs in ascending order.
func (r *ReceiveStatistics) SSRCs() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, 0, len(r.byssrc))
	for ssrc := range r.byssrc {
		out = append(out, ssrc)
	}
	slices.Sort(out)
	return out
}

// SetMaxReorderingThreshold updates the threshold of all streams.
func (r *ReceiveStatistics) SetMaxReorderingThreshold(n int) {
	r.mu.Lock()
	r.maxReorderingThreshold = n
	all := make([]*StreamStatistician, 0, len(r.byssrc))
	for _, s := range r.byssrc {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.setMaxReorderingThreshold(n)
	}
}

// EnableRetransmitDetection toggles retransmit detection for ssrc, creating
// its statistician if needed.
func (r *ReceiveStatistics) EnableRetransmitDetection(ssrc uint32, enable bool) {
	r.mu.Lock()
	s, ok := r.byssrc[ssrc]
	if !ok {
		r.byssrc[ssrc] = newStreamStatistician(ssrc, r.clock, r.maxReorderingThreshold, enable)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	s.enableRetransmitDetection(enable)
}

// SetStatisticsCallback registers the callback notified for every generated
// report block. nil removes it.
func (r *ReceiveStatistics) SetStatisticsCallback(cb StatisticsCallback) {
	r.callbackMu.Lock()
	r.callback = cb
	r.callbackMu.Unlock()
}

// rtcpReportBlocks returns up to maxBlocks report blocks for streams active within
// the statistics timeout. Successive calls continue after the SSRC returned
// last, so every stream is reported when there are more than maxBlocks.
func (r *ReceiveStatistics) rtcpReportBlocks(maxBlocks int) []reportBlockData {
	r.mu.Lock()
	ssrcs := make([]uint32, 0, len(r.byssrc))
	for ssrc := range r.byssrc {
		ssrcs = append(ssrcs, ssrc)
	}
	byssrc := make(map[uint32]*StreamStatistician, len(r.byssrc))
	for ssrc, s := range r.byssrc {
		byssrc[ssrc] = s
	}
	last := r.lastReturnedSSRC
	r.mu.Unlock()

	slices.Sort(ssrcs)
	start, _ := slices.BinarySearch(ssrcs, last+1)
	if last == ^uint32(0) {
		start = len(ssrcs)
	}

	result := make([]reportBlockData, 0, min(maxBlocks, len(ssrcs)))
	for i := 0; i < len(ssrcs) && len(result) < maxBlocks; i++ {
		ssrc := ssrcs[(start+i)%len(ssrcs)]
		stats, ok := byssrc[ssrc].activeStatisticsAndReset()
		if !ok {
			continue
		}
		result = append(result, reportBlockData{
			report: rtcp.ReceptionReport{
				SSRC:               ssrc,
				FractionLost:       stats.FractionLost,
				TotalLost:          uint32(stats.PacketsLost) & 0xFFFFFF,
				LastSequenceNumber: stats.ExtendedHighSeq,
				Jitter:             stats.Jitter,
			},
			stats:          stats,
			extendedJitter: stats.ExtendedJitter,
		})
	}

	if len(result) > 0 {
		r.mu.Lock()
		r.lastReturnedSSRC = result[len(result)-1].report.SSRC
		r.mu.Unlock()
	}
	return result
}

// notifyStatistics reports generated blocks to the callback. It must be
// called without the sender lock held.
func (r *ReceiveStatistics) notifyStatistics(blocks []reportBlockData) {
	r.callbackMu.Lock()
	cb := r.callback
	r.callbackMu.Unlock()
	if cb == nil {
		return
	}
	for _, b := range blocks {
		cb.StatisticsUpdated(b.stats, b.report.SSRC)
	}
}
