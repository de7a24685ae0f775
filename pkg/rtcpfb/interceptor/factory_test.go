package interceptor

import (
	"strings"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb"
)

func TestNewInterceptorFactory(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		f, err := NewInterceptorFactory()
		require.NoError(t, err)
		assert.Equal(t, defaultProcessInterval, f.processInterval)
		assert.Equal(t, rtcpfb.DefaultConfig().MaxPacketSize, f.config.MaxPacketSize)
	})

	t.Run("invalid config", func(t *testing.T) {
		config := rtcpfb.DefaultConfig()
		config.MaxPacketSize = 10
		_, err := NewInterceptorFactory(WithFactoryConfig(config))
		assert.ErrorIs(t, err, rtcpfb.ErrInvalidConfig)
	})

	t.Run("cname too long", func(t *testing.T) {
		_, err := NewInterceptorFactory(WithFactoryCNAME(strings.Repeat("x", 256)))
		assert.ErrorIs(t, err, rtcpfb.ErrCNAMETooLong)
	})

	t.Run("invalid process interval", func(t *testing.T) {
		_, err := NewInterceptorFactory(WithFactoryProcessInterval(-time.Second))
		assert.Error(t, err)
	})
}

func TestInterceptorFactory_NewInterceptor(t *testing.T) {
	var gotID string
	var gotSession *rtcpfb.Session
	f, err := NewInterceptorFactory(
		WithFactoryCNAME("bob"),
		WithFactoryProcessInterval(time.Hour),
		WithFactoryOnSession(func(id string, s *rtcpfb.Session) {
			gotID = id
			gotSession = s
		}),
	)
	require.NoError(t, err)

	i, err := f.NewInterceptor("pc-1")
	require.NoError(t, err)
	defer i.Close()

	fi, ok := i.(*FeedbackInterceptor)
	require.True(t, ok)
	assert.Equal(t, "pc-1", gotID)
	assert.Same(t, fi.Session(), gotSession)
	assert.Equal(t, time.Hour, fi.processInterval)
	assert.Equal(t, "bob", fi.cname)

	// Every connection gets its own session.
	other, err := f.NewInterceptor("pc-2")
	require.NoError(t, err)
	defer other.Close()
	assert.NotSame(t, fi.Session(), other.(*FeedbackInterceptor).Session())
}

func TestFindTransmissionTimeOffsetID(t *testing.T) {
	exts := []interceptor.RTPHeaderExtension{
		{URI: "urn:ietf:params:rtp-hdrext:sdes:mid", ID: 1},
		{URI: TransmissionTimeOffsetURI, ID: 5},
	}
	assert.Equal(t, uint8(5), FindTransmissionTimeOffsetID(exts))
	assert.Zero(t, FindTransmissionTimeOffsetID(exts[:1]))
	assert.Zero(t, FindTransmissionTimeOffsetID(nil))
}
