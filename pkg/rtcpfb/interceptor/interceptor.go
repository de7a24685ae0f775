package interceptor

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb"
	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/internal"
	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/packet"
)

const (
	// streamTimeout is how long an inactive remote stream keeps its
	// receive statistics.
	streamTimeout = 30 * time.Second

	defaultProcessInterval = 10 * time.Millisecond
)

// FeedbackInterceptor is a Pion interceptor that feeds received RTP and RTCP
// into an rtcpfb.Session and writes the session's RTCP to the peer.
//
// The first bound remote stream becomes the remote SSRC of the session and
// the first bound local stream its local SSRC. Feedback such as NACK or PLI
// is requested through Session().
//
// Usage:
//
//	i, err := NewFeedbackInterceptor(WithCNAME("alice"))
//	if err != nil {
//	    return err
//	}
//	// Add to interceptor registry...
//	_ = i.Session().RequestKeyFrame()
type FeedbackInterceptor struct {
	interceptor.NoOp

	session *rtcpfb.Session
	clock   internal.Clock
	log     logging.LeveledLogger

	config          rtcpfb.Config
	observers       rtcpfb.Observers
	cname           string
	localSSRC       uint32
	processInterval time.Duration

	toffsetExtID  atomic.Uint32
	remoteSSRC    atomic.Uint32
	remoteStreams sync.Map // SSRC (uint32) -> *remoteStream

	mu         sync.Mutex
	rtcpWriter interceptor.RTCPWriter
	local      *localStream
	secondary  []uint32

	closed      chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	processOnce sync.Once
	cleanupOnce sync.Once
}

// Option configures a FeedbackInterceptor.
type Option func(*FeedbackInterceptor)

// WithConfig sets the session configuration.
// Default: rtcpfb.DefaultConfig()
func WithConfig(config rtcpfb.Config) Option {
	return func(i *FeedbackInterceptor) {
		i.config = config
	}
}

// WithCNAME sets the CNAME sent in SDES.
func WithCNAME(cname string) Option {
	return func(i *FeedbackInterceptor) {
		i.cname = cname
	}
}

// WithLocalSSRC sets the SSRC used until a local stream is bound.
// Default: random
func WithLocalSSRC(ssrc uint32) Option {
	return func(i *FeedbackInterceptor) {
		i.localSSRC = ssrc
	}
}

// WithProcessInterval sets how often the session timers run.
// Default: 10ms
func WithProcessInterval(d time.Duration) Option {
	return func(i *FeedbackInterceptor) {
		i.processInterval = d
	}
}

// WithObservers sets the session observers.
func WithObservers(o rtcpfb.Observers) Option {
	return func(i *FeedbackInterceptor) {
		i.observers = o
	}
}

func withClock(c internal.Clock) Option {
	return func(i *FeedbackInterceptor) {
		i.clock = c
	}
}

// NewFeedbackInterceptor creates the interceptor and its session.
func NewFeedbackInterceptor(opts ...Option) (*FeedbackInterceptor, error) {
	i := &FeedbackInterceptor{
		config:          rtcpfb.DefaultConfig(),
		processInterval: defaultProcessInterval,
		clock:           internal.MonotonicClock{},
		closed:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.processInterval <= 0 {
		return nil, errors.New("process interval must be positive")
	}
	if i.localSSRC == 0 {
		i.localSSRC = rand.Uint32() //nolint:gosec // SSRCs are not secrets
	}
	if i.config.LoggerFactory == nil {
		i.config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	i.log = i.config.LoggerFactory.NewLogger("rtcp_interceptor")

	session, err := rtcpfb.NewSession(i.config, i.clock)
	if err != nil {
		return nil, err
	}
	if i.cname != "" {
		if err := session.SetCNAME(i.cname); err != nil {
			return nil, err
		}
	}
	session.SetLocalSSRC(i.localSSRC)
	session.SetSendStatsProvider(rtcpfb.SendStatsFunc(i.sendStats))
	session.SetObservers(i.observers)
	i.session = session
	return i, nil
}

// Session returns the session driven by the interceptor.
func (i *FeedbackInterceptor) Session() *rtcpfb.Session {
	return i.session
}

// Close stops the loops and closes the session.
func (i *FeedbackInterceptor) Close() error {
	i.closeOnce.Do(func() {
		close(i.closed)
	})
	i.wg.Wait()
	return i.session.Close()
}

// BindRTCPWriter is called by Pion when the RTCP writer is ready. The
// session transport is attached and the process loop started.
func (i *FeedbackInterceptor) BindRTCPWriter(writer interceptor.RTCPWriter) interceptor.RTCPWriter {
	i.mu.Lock()
	i.rtcpWriter = writer
	i.mu.Unlock()

	i.session.SetTransport(rtcpfb.TransportFunc(i.writeRTCP))
	i.processOnce.Do(func() {
		i.wg.Add(1)
		go i.processLoop()
	})
	return writer
}

// BindRTCPReader is called by Pion for the inbound RTCP path. Every
// datagram is passed to the session before it is handed on.
func (i *FeedbackInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, a, err := reader.Read(b, a)
		if err != nil {
			return n, a, err
		}
		if err := i.session.IncomingRtcpPacket(b[:n]); err != nil {
			i.log.Debugf("rtcp not applied: %v", err)
		}
		return n, a, nil
	})
}

// BindLocalStream is called by Pion when a local stream is added. The first
// stream provides the local SSRC and the sender info; later ones are
// registered so reports about them are accepted.
func (i *FeedbackInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	i.mu.Lock()
	var local *localStream
	main := i.local == nil
	if main {
		local = newLocalStream(info.SSRC, info.ClockRate, info.PayloadType, i.clock.Now())
		i.local = local
	} else {
		i.secondary = append(i.secondary, info.SSRC)
	}
	secondary := append([]uint32(nil), i.secondary...)
	i.mu.Unlock()

	if main {
		i.session.SetLocalSSRC(info.SSRC)
		if err := i.session.SetSending(true); err != nil {
			i.log.Warnf("failed to start sending: %v", err)
		}
	} else {
		i.session.SetRegisteredSSRCs(secondary)
	}

	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, a interceptor.Attributes) (int, error) {
		if local != nil {
			now := i.clock.Now()
			local.onPacket(len(payload), now)
			i.session.SetLastRtpTime(header.Timestamp, now)
		}
		return writer.Write(header, payload, a)
	})
}

// UnbindLocalStream is called by Pion when a local stream is removed.
// Removing the main stream stops sending, which sends a BYE.
func (i *FeedbackInterceptor) UnbindLocalStream(info *interceptor.StreamInfo) {
	i.mu.Lock()
	main := i.local != nil && i.local.ssrc == info.SSRC
	if main {
		i.local = nil
	}
	i.mu.Unlock()

	if main {
		if err := i.session.SetSending(false); err != nil {
			i.log.Debugf("failed to stop sending: %v", err)
		}
	}
}

// BindRemoteStream is called by Pion when a new remote stream is detected.
// Received packets feed the receive statistics of the session.
func (i *FeedbackInterceptor) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	i.cleanupOnce.Do(func() {
		i.wg.Add(1)
		go i.cleanupLoop()
	})

	// First stream to provide it wins.
	if id := FindTransmissionTimeOffsetID(info.RTPHeaderExtensions); id != 0 {
		i.toffsetExtID.CompareAndSwap(0, uint32(id))
	}
	if i.remoteSSRC.CompareAndSwap(0, info.SSRC) {
		i.session.SetRemoteSSRC(info.SSRC)
	}

	i.remoteStreams.Store(info.SSRC, newRemoteStream(info.SSRC, i.clock.Now()))

	return interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, a, err := reader.Read(b, a)
		if err == nil && n > 0 {
			i.processRTP(b[:n], info)
		}
		return n, a, err
	})
}

// UnbindRemoteStream is called by Pion when a remote stream is removed.
func (i *FeedbackInterceptor) UnbindRemoteStream(info *interceptor.StreamInfo) {
	i.remoteStreams.Delete(info.SSRC)
	i.session.ReceiveStatistics().RemoveStatistician(info.SSRC)
}

// processRTP parses an RTP header and feeds it to the receive statistics.
func (i *FeedbackInterceptor) processRTP(raw []byte, info *interceptor.StreamInfo) {
	var header rtp.Header
	headerLen, err := header.Unmarshal(raw)
	if err != nil {
		return
	}

	padding := 0
	if header.Padding && len(raw) > headerLen {
		padding = int(raw[len(raw)-1])
	}
	if headerLen+padding > len(raw) {
		return
	}

	pkt := rtcpfb.RtpPacket{
		SSRC:           header.SSRC,
		SequenceNumber: header.SequenceNumber,
		Timestamp:      header.Timestamp,
		PayloadType:    header.PayloadType,
		ClockRate:      info.ClockRate,
		HeaderLength:   headerLen,
		PayloadLength:  len(raw) - headerLen - padding,
		PaddingLength:  padding,
	}
	if id := uint8(i.toffsetExtID.Load()); id != 0 {
		if offset, ok := parseTransmissionTimeOffset(header.GetExtension(id)); ok {
			pkt.TransmissionTimeOffset = offset
		}
	}

	now := i.clock.Now()
	if s, ok := i.remoteStreams.Load(header.SSRC); ok {
		s.(*remoteStream).UpdateLastPacket(now)
	}
	i.session.IncomingRtpPacket(pkt)
}

// writeRTCP is the session transport. The datagram is decoded again because
// RTCPWriter takes packets, not bytes.
func (i *FeedbackInterceptor) writeRTCP(buf []byte) error {
	i.mu.Lock()
	writer := i.rtcpWriter
	i.mu.Unlock()
	if writer == nil {
		return rtcpfb.ErrNoTransport
	}

	res, err := packet.Parse(buf, true)
	if err != nil {
		return err
	}
	pkts := res.Packets
	if res.Skipped > 0 || res.Ignored {
		// Pass what we cannot decode through untouched.
		raw := rtcp.RawPacket(append([]byte(nil), buf...))
		pkts = []rtcp.Packet{&raw}
	}
	_, err = writer.Write(pkts, nil)
	return err
}

func (i *FeedbackInterceptor) sendStats() rtcpfb.SendStats {
	i.mu.Lock()
	local := i.local
	i.mu.Unlock()
	if local == nil {
		return rtcpfb.SendStats{PayloadType: 0xFF}
	}
	return local.stats()
}

// processLoop runs the session timers at the configured interval.
func (i *FeedbackInterceptor) processLoop() {
	defer i.wg.Done()

	ticker := time.NewTicker(i.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.closed:
			return
		case <-ticker.C:
			if err := i.session.Process(); err != nil {
				if errors.Is(err, rtcpfb.ErrClosed) {
					return
				}
				i.log.Debugf("process: %v", err)
			}
		}
	}
}

// cleanupLoop removes the statistics of remote streams that went silent.
func (i *FeedbackInterceptor) cleanupLoop() {
	defer i.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-i.closed:
			return
		case <-ticker.C:
			i.cleanupInactiveStreams(i.clock.Now())
		}
	}
}

func (i *FeedbackInterceptor) cleanupInactiveStreams(now time.Time) {
	i.remoteStreams.Range(func(key, value any) bool {
		s := value.(*remoteStream)
		if now.Sub(s.LastPacket()) > streamTimeout {
			i.remoteStreams.Delete(key)
			i.session.ReceiveStatistics().RemoveStatistician(s.ssrc)
		}
		return true
	})
}
