package interceptor

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb"
	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/internal"
)

const (
	testLocalSSRC  = 0x11223344
	testRemoteSSRC = 0x55667788
)

// makeRTP creates a video RTP packet with a 100-byte payload. A non-zero
// extID adds the toffset extension.
func makeRTP(ssrc uint32, seq uint16, extID uint8, offset int32) []byte {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3000,
			SSRC:           ssrc,
		},
		Payload: make([]byte, 100),
	}
	if extID != 0 {
		v := uint32(offset) & 0xFFFFFF
		_ = pkt.Header.SetExtension(extID, []byte{byte(v >> 16), byte(v >> 8), byte(v)})
	}
	data, _ := pkt.Marshal()
	return data
}

// mockReader returns pre-defined datagrams, then zero-length reads.
type mockReader struct {
	packets [][]byte
	index   int
}

func (m *mockReader) Read(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
	if m.index >= len(m.packets) {
		return 0, nil, nil
	}
	pkt := m.packets[m.index]
	m.index++
	n := copy(b, pkt)
	return n, a, nil
}

// captureWriter records the RTCP packets written by the interceptor.
type captureWriter struct {
	mu      sync.Mutex
	batches [][]rtcp.Packet
}

func (c *captureWriter) Write(pkts []rtcp.Packet, _ interceptor.Attributes) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, pkts)
	return len(pkts), nil
}

func (c *captureWriter) last(t *testing.T) []rtcp.Packet {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.batches)
	return c.batches[len(c.batches)-1]
}

func newTestInterceptor(t *testing.T, opts ...Option) (*FeedbackInterceptor, *internal.MockClock) {
	t.Helper()
	clock := internal.NewMockClock(time.Time{})
	opts = append([]Option{
		withClock(clock),
		WithLocalSSRC(testLocalSSRC),
		// Long enough that the loop never fires during a test.
		WithProcessInterval(time.Hour),
	}, opts...)
	i, err := NewFeedbackInterceptor(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = i.Close() })
	return i, clock
}

func TestNewFeedbackInterceptor(t *testing.T) {
	t.Run("default options", func(t *testing.T) {
		i, err := NewFeedbackInterceptor()
		require.NoError(t, err)
		defer i.Close()
		assert.Equal(t, defaultProcessInterval, i.processInterval)
		assert.NotZero(t, i.Session().LocalSSRC())
		assert.NotNil(t, i.closed)
	})

	t.Run("with custom options", func(t *testing.T) {
		i, err := NewFeedbackInterceptor(
			WithLocalSSRC(0x12345678),
			WithProcessInterval(50*time.Millisecond),
			WithCNAME("alice"),
		)
		require.NoError(t, err)
		defer i.Close()
		assert.Equal(t, uint32(0x12345678), i.Session().LocalSSRC())
		assert.Equal(t, 50*time.Millisecond, i.processInterval)
	})

	t.Run("invalid process interval", func(t *testing.T) {
		_, err := NewFeedbackInterceptor(WithProcessInterval(0))
		assert.Error(t, err)
	})

	t.Run("invalid config", func(t *testing.T) {
		config := rtcpfb.DefaultConfig()
		config.MaxPacketSize = 1
		_, err := NewFeedbackInterceptor(WithConfig(config))
		assert.ErrorIs(t, err, rtcpfb.ErrInvalidConfig)
	})
}

func TestBindRemoteStream_FirstStreamWins(t *testing.T) {
	i, _ := newTestInterceptor(t)

	info1 := &interceptor.StreamInfo{
		SSRC: testRemoteSSRC,
		RTPHeaderExtensions: []interceptor.RTPHeaderExtension{
			{URI: TransmissionTimeOffsetURI, ID: 3},
		},
	}
	_ = i.BindRemoteStream(info1, &mockReader{})
	assert.Equal(t, uint32(3), i.toffsetExtID.Load())
	assert.Equal(t, uint32(testRemoteSSRC), i.remoteSSRC.Load())

	info2 := &interceptor.StreamInfo{
		SSRC: 0x999,
		RTPHeaderExtensions: []interceptor.RTPHeaderExtension{
			{URI: TransmissionTimeOffsetURI, ID: 7},
		},
	}
	_ = i.BindRemoteStream(info2, &mockReader{})
	assert.Equal(t, uint32(3), i.toffsetExtID.Load())
	assert.Equal(t, uint32(testRemoteSSRC), i.remoteSSRC.Load())

	var count int
	i.remoteStreams.Range(func(_, _ any) bool {
		count++
		return true
	})
	assert.Equal(t, 2, count)
}

func TestProcessRTP_FeedsStatistics(t *testing.T) {
	i, clock := newTestInterceptor(t)
	info := &interceptor.StreamInfo{
		SSRC:      testRemoteSSRC,
		ClockRate: 90000,
		RTPHeaderExtensions: []interceptor.RTPHeaderExtension{
			{URI: TransmissionTimeOffsetURI, ID: 3},
		},
	}

	var packets [][]byte
	for seq := uint16(0); seq < 10; seq++ {
		if seq == 4 {
			continue
		}
		packets = append(packets, makeRTP(testRemoteSSRC, seq, 3, -90))
	}
	reader := i.BindRemoteStream(info, &mockReader{packets: packets})

	buf := make([]byte, 1500)
	for range packets {
		n, _, err := reader.Read(buf, nil)
		require.NoError(t, err)
		require.Positive(t, n)
		clock.Advance(33 * time.Millisecond)
	}

	s := i.Session().Statistician(testRemoteSSRC)
	require.NotNil(t, s)
	counters := s.DataCounters()
	assert.Equal(t, uint32(9), counters.Transmitted.Packets)
	assert.Equal(t, uint64(900), counters.Transmitted.PayloadBytes)

	stats, ok := s.Statistics(true)
	require.True(t, ok)
	assert.Equal(t, int32(1), stats.PacketsLost)
	assert.Equal(t, uint32(9), stats.ExtendedHighSeq)
}

func TestProcessRTP_InvalidPacketIgnored(t *testing.T) {
	i, _ := newTestInterceptor(t)
	info := &interceptor.StreamInfo{SSRC: testRemoteSSRC, ClockRate: 90000}
	reader := i.BindRemoteStream(info, &mockReader{packets: [][]byte{{0x80, 0x60}}})

	buf := make([]byte, 1500)
	n, _, err := reader.Read(buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Nil(t, i.Session().Statistician(testRemoteSSRC))
}

func TestUnbindRemoteStream(t *testing.T) {
	i, _ := newTestInterceptor(t)
	info := &interceptor.StreamInfo{SSRC: testRemoteSSRC, ClockRate: 90000}
	reader := i.BindRemoteStream(info, &mockReader{packets: [][]byte{makeRTP(testRemoteSSRC, 1, 0, 0)}})
	_, _, err := reader.Read(make([]byte, 1500), nil)
	require.NoError(t, err)
	require.NotNil(t, i.Session().Statistician(testRemoteSSRC))

	i.UnbindRemoteStream(info)
	_, ok := i.remoteStreams.Load(uint32(testRemoteSSRC))
	assert.False(t, ok)
	assert.Nil(t, i.Session().Statistician(testRemoteSSRC))
}

func TestCleanupInactiveStreams(t *testing.T) {
	i, clock := newTestInterceptor(t)
	info := &interceptor.StreamInfo{SSRC: testRemoteSSRC, ClockRate: 90000}
	reader := i.BindRemoteStream(info, &mockReader{packets: [][]byte{makeRTP(testRemoteSSRC, 1, 0, 0)}})
	_, _, err := reader.Read(make([]byte, 1500), nil)
	require.NoError(t, err)

	clock.Advance(streamTimeout)
	i.cleanupInactiveStreams(clock.Now())
	_, ok := i.remoteStreams.Load(uint32(testRemoteSSRC))
	assert.True(t, ok, "not yet past the timeout")

	clock.Advance(time.Second)
	i.cleanupInactiveStreams(clock.Now())
	_, ok = i.remoteStreams.Load(uint32(testRemoteSSRC))
	assert.False(t, ok)
	assert.Nil(t, i.Session().Statistician(testRemoteSSRC))
}

type nackRecorder struct {
	mu   sync.Mutex
	seqs []uint16
}

func (n *nackRecorder) OnReceivedNack(seqs []uint16) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seqs = append(n.seqs, seqs...)
}

func TestBindRTCPReader_AppliesFeedback(t *testing.T) {
	nacks := &nackRecorder{}
	i, _ := newTestInterceptor(t, WithObservers(rtcpfb.Observers{Nack: nacks}))

	raw, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: testRemoteSSRC},
		&rtcp.TransportLayerNack{
			SenderSSRC: testRemoteSSRC,
			MediaSSRC:  testLocalSSRC,
			Nacks:      rtcp.NackPairsFromSequenceNumbers([]uint16{7, 8}),
		},
	})
	require.NoError(t, err)

	reader := i.BindRTCPReader(&mockReader{packets: [][]byte{raw, {0xFF}}})
	buf := make([]byte, 1500)
	n, _, err := reader.Read(buf, nil)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, []uint16{7, 8}, nacks.seqs)

	// Garbage is passed on without error and counted.
	n, _, err = reader.Read(buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), i.Session().BrokenPackets())
}

func TestBindRTCPWriter_WritesReports(t *testing.T) {
	i, _ := newTestInterceptor(t, WithCNAME("alice"))
	w := &captureWriter{}
	assert.Equal(t, interceptor.RTCPWriter(w), i.BindRTCPWriter(w))

	require.NoError(t, i.Session().SendRTCP(rtcpfb.PacketPLI))
	pkts := w.last(t)
	require.Len(t, pkts, 3)
	rr, ok := pkts[0].(*rtcp.ReceiverReport)
	require.True(t, ok)
	assert.Equal(t, uint32(testLocalSSRC), rr.SSRC)
	assert.IsType(t, &rtcp.SourceDescription{}, pkts[1])
	assert.IsType(t, &rtcp.PictureLossIndication{}, pkts[2])
}

func TestWriteRTCP_WithoutWriter(t *testing.T) {
	i, _ := newTestInterceptor(t)
	assert.ErrorIs(t, i.writeRTCP([]byte{0x80, 0xC9, 0x00, 0x01, 0, 0, 0, 1}), rtcpfb.ErrNoTransport)
}

func TestBindLocalStream_SenderInfo(t *testing.T) {
	i, clock := newTestInterceptor(t)
	w := &captureWriter{}
	i.BindRTCPWriter(w)

	info := &interceptor.StreamInfo{SSRC: 0xAAAA, ClockRate: 90000, PayloadType: 96}
	var written int
	writer := i.BindLocalStream(info, interceptor.RTPWriterFunc(
		func(_ *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
			written++
			return len(payload), nil
		}))
	assert.Equal(t, uint32(0xAAAA), i.Session().LocalSSRC())
	assert.True(t, i.Session().Sending())

	for seq := uint16(0); seq < 3; seq++ {
		_, err := writer.Write(&rtp.Header{SSRC: 0xAAAA, SequenceNumber: seq, Timestamp: uint32(seq) * 3000}, make([]byte, 200), nil)
		require.NoError(t, err)
		clock.Advance(33 * time.Millisecond)
	}
	assert.Equal(t, 3, written)

	require.NoError(t, i.Session().SendRTCP(rtcpfb.PacketReport))
	sr, ok := w.last(t)[0].(*rtcp.SenderReport)
	require.True(t, ok)
	assert.Equal(t, uint32(0xAAAA), sr.SSRC)
	assert.Equal(t, uint32(3), sr.PacketCount)
	assert.Equal(t, uint32(600), sr.OctetCount)

	// A second stream is registered, not counted.
	second := &interceptor.StreamInfo{SSRC: 0xBBBB, ClockRate: 90000}
	_ = i.BindLocalStream(second, interceptor.RTPWriterFunc(
		func(_ *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
			return len(payload), nil
		}))
	assert.Equal(t, uint32(0xAAAA), i.Session().LocalSSRC())

	// Removing the main stream says goodbye.
	i.UnbindLocalStream(info)
	assert.False(t, i.Session().Sending())
	var bye bool
	for _, p := range w.last(t) {
		if _, ok := p.(*rtcp.Goodbye); ok {
			bye = true
		}
	}
	assert.True(t, bye)
}

func TestParseTransmissionTimeOffset(t *testing.T) {
	tests := []struct {
		name string
		ext  []byte
		want int32
		ok   bool
	}{
		{"positive", []byte{0x00, 0x01, 0x00}, 256, true},
		{"negative", []byte{0xFF, 0xFF, 0xA6}, -90, true},
		{"min", []byte{0x80, 0x00, 0x00}, -1 << 23, true},
		{"short", []byte{0x01}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseTransmissionTimeOffset(tt.ext)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClose(t *testing.T) {
	i, err := NewFeedbackInterceptor(WithProcessInterval(time.Millisecond))
	require.NoError(t, err)
	i.BindRTCPWriter(&captureWriter{})
	_ = i.BindRemoteStream(&interceptor.StreamInfo{SSRC: 1}, &mockReader{})

	assert.NoError(t, i.Close())
	select {
	case <-i.closed:
	default:
		t.Error("closed channel should be closed after Close()")
	}
	assert.ErrorIs(t, i.Session().SendRTCP(rtcpfb.PacketReport), rtcpfb.ErrClosed)
	assert.NoError(t, i.Close())
}
