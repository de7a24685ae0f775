package interceptor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb"
)

// remoteStream tracks a bound remote stream for the cleanup loop.
//
// lastPacketTime is written by the RTP reader on every packet and read by
// the cleanup loop, so it is stored atomically.
type remoteStream struct {
	ssrc           uint32
	lastPacketTime atomic.Value // stores time.Time
}

func newRemoteStream(ssrc uint32, now time.Time) *remoteStream {
	s := &remoteStream{ssrc: ssrc}
	s.lastPacketTime.Store(now)
	return s
}

// UpdateLastPacket stores the arrival time of the latest packet.
func (s *remoteStream) UpdateLastPacket(t time.Time) {
	s.lastPacketTime.Store(t)
}

// LastPacket returns the arrival time of the latest packet.
func (s *remoteStream) LastPacket() time.Time {
	return s.lastPacketTime.Load().(time.Time)
}

// localStream counts what the main local stream has sent. Its snapshot is
// the sender info of our SRs.
type localStream struct {
	ssrc        uint32
	clockRate   uint32
	payloadType uint8

	mu         sync.Mutex
	packets    uint32
	octets     uint32
	rateOctets uint32
	rateStart  time.Time
	bitrateBps uint32
}

func newLocalStream(ssrc, clockRate uint32, payloadType uint8, now time.Time) *localStream {
	return &localStream{
		ssrc:        ssrc,
		clockRate:   clockRate,
		payloadType: payloadType,
		rateStart:   now,
	}
}

// onPacket counts one sent packet with payloadSize bytes of media.
func (s *localStream) onPacket(payloadSize int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets++
	s.octets += uint32(payloadSize)
	s.rateOctets += uint32(payloadSize)
	// The bitrate is refreshed once per second.
	if elapsed := now.Sub(s.rateStart); elapsed >= time.Second {
		s.bitrateBps = uint32(float64(s.rateOctets) * 8 / elapsed.Seconds())
		s.rateOctets = 0
		s.rateStart = now
	}
}

func (s *localStream) stats() rtcpfb.SendStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rtcpfb.SendStats{
		PacketsSent:    s.packets,
		MediaBytesSent: s.octets,
		BitrateBps:     s.bitrateBps,
		ClockRate:      s.clockRate,
		PayloadType:    s.payloadType,
	}
}
