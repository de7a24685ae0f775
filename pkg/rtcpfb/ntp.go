package rtcpfb

import (
	"time"
)

// ntpEpochOffset is the number of seconds between 1900-01-01 and 1970-01-01.
const ntpEpochOffset = 2208988800

// NtpTime is a 64-bit NTP timestamp: 32 bits of seconds since 1900 and 32
// bits of binary fraction.
type NtpTime uint64

// NewNtpTime converts a wall-clock time to NTP.
func NewNtpTime(t time.Time) NtpTime {
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return NtpTime(secs<<32 | frac)
}

// NewNtpTimeFromParts builds an NTP timestamp from its seconds and fraction.
func NewNtpTimeFromParts(seconds, fractions uint32) NtpTime {
	return NtpTime(uint64(seconds)<<32 | uint64(fractions))
}

// Seconds returns the integer part.
func (n NtpTime) Seconds() uint32 {
	return uint32(n >> 32)
}

// Fractions returns the fractional part.
func (n NtpTime) Fractions() uint32 {
	return uint32(n)
}

// Compact returns the middle 32 bits, the 16.16 representation used by
// LSR, DLSR and the XR reference time fields.
func (n NtpTime) Compact() uint32 {
	return uint32(n >> 16)
}

// Time converts back to wall-clock time.
func (n NtpTime) Time() time.Time {
	secs := int64(n.Seconds()) - ntpEpochOffset
	nsec := (uint64(n.Fractions()) * uint64(time.Second)) >> 32
	return time.Unix(secs, int64(nsec))
}

// CompactNtp returns the compact NTP representation of t.
func CompactNtp(t time.Time) uint32 {
	return NewNtpTime(t).Compact()
}

// CompactNtpRttToMs converts a compact NTP interval to milliseconds. An
// interval with the top bit set is the result of a negative subtraction and
// maps to 0.
func CompactNtpRttToMs(interval uint32) int64 {
	if interval&0x80000000 != 0 {
		return 0
	}
	return int64((uint64(interval)*1000 + 1<<15) >> 16)
}

// CompactNtpToDuration converts a compact NTP interval to a duration, with
// the same clamping as CompactNtpRttToMs.
func CompactNtpToDuration(interval uint32) time.Duration {
	if interval&0x80000000 != 0 {
		return 0
	}
	return time.Duration((uint64(interval) * uint64(time.Second)) >> 16)
}

// DurationToCompactNtp converts a non-negative duration to compact NTP units,
// rounding to the nearest unit.
func DurationToCompactNtp(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32((uint64(d)<<16 + uint64(time.Second)/2) / uint64(time.Second))
}
