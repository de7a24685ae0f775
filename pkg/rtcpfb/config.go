package rtcpfb

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/pion/logging"
)

// RtcpMode selects how RTCP is emitted.
type RtcpMode int

const (
	// RtcpModeOff disables RTCP emission.
	RtcpModeOff RtcpMode = iota
	// RtcpModeCompound emits every datagram as a compound packet led by SR
	// or RR.
	RtcpModeCompound
	// RtcpModeReducedSize emits feedback without a leading report (RFC 5506)
	// and accepts such datagrams on ingress.
	RtcpModeReducedSize
)

// String returns the string representation of the mode.
func (m RtcpMode) String() string {
	switch m {
	case RtcpModeOff:
		return "off"
	case RtcpModeCompound:
		return "compound"
	case RtcpModeReducedSize:
		return "reduced-size"
	default:
		return fmt.Sprintf("RtcpMode(%d)", int(m))
	}
}

const (
	// MinPacketSize is the smallest accepted MaxPacketSize.
	MinPacketSize = 100

	// maxCSRCs is the largest number of contributing sources in a BYE.
	maxCSRCs = 15

	// sendBeforeKeyFrame is the lead time for a report ahead of a key frame.
	sendBeforeKeyFrame = 100 * time.Millisecond

	// minFrameLength is the minimum spacing between two accepted FIRs from
	// the same remote.
	minFrameLength = 17 * time.Millisecond

	// statisticsTimeout is how long a stream stays active without packets.
	statisticsTimeout = 8 * time.Second

	// maxXrRRHistory bounds the map of sent RRTR timestamps.
	maxXrRRHistory = 60
)

// Config configures a Session and the sender, receiver and statistics it
// owns.
type Config struct {
	// Mode is the initial RTCP mode.
	// Default: RtcpModeCompound
	Mode RtcpMode

	// Audio selects the audio report interval and disables the key frame
	// lead in TimeToSendRTCPReport.
	Audio bool

	// ReceiverOnly disables RTT computation and the NACK, intra-frame and
	// bandwidth callbacks. Used by endpoints that never send media.
	ReceiverOnly bool

	// MaxPacketSize bounds every emitted datagram (the MTU budget).
	// Default: 1500, minimum 100
	MaxPacketSize int

	// SendReportRingSize is the number of sent SR timestamps remembered for
	// SendTimeOfSendReport.
	// Default: 60
	SendReportRingSize int

	// MaxReorderingThreshold is the sequence distance beyond which a packet
	// is treated as a stream jump rather than reordering.
	// Default: 50
	MaxReorderingThreshold int

	// NackEnabled enables retransmit detection in receive statistics.
	NackEnabled bool

	// TmmbrTimeout is the lifetime of a received TMMBR tuple.
	// Default: 25s
	TmmbrTimeout time.Duration

	// ReceiveInfoGrace is how long a silent remote keeps its TMMBR state.
	// Default: 25s (five audio intervals)
	ReceiveInfoGrace time.Duration

	// AudioInterval is the nominal report interval for audio.
	// Default: 5s
	AudioInterval time.Duration

	// VideoInterval is the nominal report interval for video.
	// Default: 5s
	VideoInterval time.Duration

	// LoggerFactory creates the scoped loggers.
	// Default: logging.NewDefaultLoggerFactory()
	LoggerFactory logging.LoggerFactory

	// Rand jitters the report interval. It is only used under the sender
	// lock.
	// Default: seeded from the wall clock
	Rand *rand.Rand
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Mode:                   RtcpModeCompound,
		MaxPacketSize:          1500,
		SendReportRingSize:     60,
		MaxReorderingThreshold: 50,
		TmmbrTimeout:           25 * time.Second,
		ReceiveInfoGrace:       25 * time.Second,
		AudioInterval:          5 * time.Second,
		VideoInterval:          5 * time.Second,
		LoggerFactory:          logging.NewDefaultLoggerFactory(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Mode < RtcpModeOff || c.Mode > RtcpModeReducedSize {
		return fmt.Errorf("%w: mode %d", ErrInvalidConfig, c.Mode)
	}
	if c.MaxPacketSize < MinPacketSize {
		return fmt.Errorf("%w: max packet size %d below %d", ErrInvalidConfig, c.MaxPacketSize, MinPacketSize)
	}
	if c.SendReportRingSize <= 0 {
		return fmt.Errorf("%w: send report ring size %d", ErrInvalidConfig, c.SendReportRingSize)
	}
	if c.MaxReorderingThreshold <= 0 {
		return fmt.Errorf("%w: max reordering threshold %d", ErrInvalidConfig, c.MaxReorderingThreshold)
	}
	if c.AudioInterval <= 0 || c.VideoInterval <= 0 {
		return fmt.Errorf("%w: report intervals must be positive", ErrInvalidConfig)
	}
	if c.TmmbrTimeout <= 0 || c.ReceiveInfoGrace <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c Config) random() *rand.Rand {
	if c.Rand == nil {
		return rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // report jitter
	}
	return c.Rand
}

func (c Config) loggerFactory() logging.LoggerFactory {
	if c.LoggerFactory == nil {
		return logging.NewDefaultLoggerFactory()
	}
	return c.LoggerFactory
}
