package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb"
)

// Scenario describes one soak run: the link between the two sessions, the
// media sent across it and the feedback requested along the way.
type Scenario struct {
	Duration time.Duration `yaml:"duration"`

	// OneWayDelay is applied to RTP and RTCP in both directions.
	OneWayDelay time.Duration `yaml:"one_way_delay"`
	// LossRate drops this fraction of RTP packets on the way to the
	// receiver. RTCP is never dropped.
	LossRate float64 `yaml:"loss_rate"`
	Seed     int64   `yaml:"seed"`

	PacketInterval time.Duration `yaml:"packet_interval"`
	PayloadSize    int           `yaml:"payload_size"`

	// KeyFrameInterval is how often the receiver asks for a key frame.
	// Zero disables PLI.
	KeyFrameInterval time.Duration `yaml:"key_frame_interval"`
	// NackLostPackets makes the receiver NACK every sequence gap.
	NackLostPackets bool `yaml:"nack_lost_packets"`
	// TargetBitrate is requested from the sender with TMMBR when set.
	TargetBitrate uint64 `yaml:"target_bitrate"`

	Session SessionConfig `yaml:"session"`

	StatusInterval time.Duration `yaml:"status_interval"`
	// MaxHeapMB fails the run when the heap grows beyond it.
	MaxHeapMB float64 `yaml:"max_heap_mb"`
}

// SessionConfig holds the rtcpfb settings both sessions use.
type SessionConfig struct {
	Mode          string        `yaml:"mode"`
	Audio         bool          `yaml:"audio"`
	MaxPacketSize int           `yaml:"max_packet_size"`
	VideoInterval time.Duration `yaml:"video_interval"`
	AudioInterval time.Duration `yaml:"audio_interval"`
	XrRRTR        bool          `yaml:"xr_rrtr"`
	REMB          bool          `yaml:"remb"`
}

// DefaultScenario returns a one hour run over a lossy 40ms link.
func DefaultScenario() Scenario {
	return Scenario{
		Duration:         time.Hour,
		OneWayDelay:      40 * time.Millisecond,
		LossRate:         0.02,
		Seed:             1,
		PacketInterval:   20 * time.Millisecond,
		PayloadSize:      1000,
		KeyFrameInterval: 10 * time.Second,
		NackLostPackets:  true,
		Session: SessionConfig{
			Mode:          "compound",
			MaxPacketSize: 1500,
			VideoInterval: time.Second,
			AudioInterval: 5 * time.Second,
			XrRRTR:        true,
		},
		StatusInterval: time.Minute,
		MaxHeapMB:      100,
	}
}

// LoadScenario reads a YAML scenario. Fields missing from the file keep
// their defaults.
func LoadScenario(path string) (Scenario, error) {
	s := DefaultScenario()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse scenario %s: %w", path, err)
	}
	return s, s.Validate()
}

// Validate checks the scenario.
func (s Scenario) Validate() error {
	if s.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %v", s.Duration)
	}
	if s.OneWayDelay < 0 {
		return fmt.Errorf("one_way_delay must not be negative, got %v", s.OneWayDelay)
	}
	if s.LossRate < 0 || s.LossRate >= 1 {
		return fmt.Errorf("loss_rate must be in [0, 1), got %v", s.LossRate)
	}
	if s.PacketInterval <= 0 {
		return fmt.Errorf("packet_interval must be positive, got %v", s.PacketInterval)
	}
	if s.PayloadSize <= 0 {
		return fmt.Errorf("payload_size must be positive, got %d", s.PayloadSize)
	}
	if s.StatusInterval <= 0 {
		return fmt.Errorf("status_interval must be positive, got %v", s.StatusInterval)
	}
	_, err := s.Session.rtcpConfig()
	return err
}

func (c SessionConfig) rtcpConfig() (rtcpfb.Config, error) {
	config := rtcpfb.DefaultConfig()
	switch c.Mode {
	case "", "compound":
		config.Mode = rtcpfb.RtcpModeCompound
	case "reduced-size":
		config.Mode = rtcpfb.RtcpModeReducedSize
	default:
		return config, fmt.Errorf("unknown rtcp mode %q", c.Mode)
	}
	config.Audio = c.Audio
	config.NackEnabled = true
	if c.MaxPacketSize != 0 {
		config.MaxPacketSize = c.MaxPacketSize
	}
	if c.VideoInterval != 0 {
		config.VideoInterval = c.VideoInterval
	}
	if c.AudioInterval != 0 {
		config.AudioInterval = c.AudioInterval
	}
	return config, config.Validate()
}
