package rtcpfb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNtpTime_RoundTrip(t *testing.T) {
	now := time.Unix(1000000000, 250_000_000)
	n := NewNtpTime(now)

	assert.Equal(t, uint32(1000000000+ntpEpochOffset), n.Seconds())
	assert.Equal(t, uint32(1<<30), n.Fractions())
	assert.WithinDuration(t, now, n.Time(), time.Microsecond)
}

func TestNtpTime_Compact(t *testing.T) {
	n := NewNtpTimeFromParts(0x00010002, 0x00030004)
	assert.Equal(t, uint32(0x00020003), n.Compact())
}

func TestCompactNtpRttToMs(t *testing.T) {
	tests := []struct {
		name     string
		interval uint32
		want     int64
	}{
		{"zero", 0, 0},
		{"one second", 0x00010000, 1000},
		{"half second", 0x00008000, 500},
		{"900ms", DurationToCompactNtp(900 * time.Millisecond), 900},
		{"negative clamps", 0xFFFFFF00, 0},
		{"top bit clamps", 0x80000000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompactNtpRttToMs(tt.interval))
		})
	}
}

func TestDurationToCompactNtp(t *testing.T) {
	assert.Equal(t, uint32(0x00010000), DurationToCompactNtp(time.Second))
	assert.Equal(t, uint32(6554), DurationToCompactNtp(100*time.Millisecond))
	assert.Zero(t, DurationToCompactNtp(-time.Second))
	assert.Equal(t, 2*time.Second, CompactNtpToDuration(0x00020000))
}
