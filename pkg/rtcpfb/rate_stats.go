package rtcpfb

import "time"

// bitrateSample is the byte count of one packet at its arrival time.
type bitrateSample struct {
	at    time.Time
	bytes int
}

// bitrateWindow measures a received bitrate over a sliding window. It backs
// StreamStatistician.BitrateReceived. Not safe for concurrent use; the
// owning statistician serialises access.
type bitrateWindow struct {
	window  time.Duration
	samples []bitrateSample
	total   int
}

func newBitrateWindow(window time.Duration) *bitrateWindow {
	if window <= 0 {
		window = time.Second
	}
	return &bitrateWindow{
		window:  window,
		samples: make([]bitrateSample, 0, 64),
	}
}

// update records a packet of the given size.
func (w *bitrateWindow) update(bytes int, now time.Time) {
	w.expire(now)
	w.samples = append(w.samples, bitrateSample{at: now, bytes: bytes})
	w.total += bytes
}

// rate returns the bitrate in bits per second. It needs at least two samples
// spanning one millisecond or more.
func (w *bitrateWindow) rate(now time.Time) (uint32, bool) {
	w.expire(now)
	if len(w.samples) < 2 {
		return 0, false
	}
	elapsed := w.samples[len(w.samples)-1].at.Sub(w.samples[0].at)
	if elapsed < time.Millisecond {
		return 0, false
	}
	return uint32(float64(w.total*8) / elapsed.Seconds()), true
}

func (w *bitrateWindow) reset() {
	w.samples = w.samples[:0]
	w.total = 0
}

// expire drops samples older than the window.
func (w *bitrateWindow) expire(now time.Time) {
	cutoff := now.Add(-w.window)
	n := 0
	for _, s := range w.samples {
		if !s.at.Before(cutoff) {
			break
		}
		w.total -= s.bytes
		n++
	}
	if n > 0 {
		w.samples = w.samples[n:]
	}
}
