package interceptor

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/interceptor"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb"
	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/packet"
)

// FactoryOption configures the InterceptorFactory.
type FactoryOption func(*InterceptorFactory) error

// InterceptorFactory creates a FeedbackInterceptor for each PeerConnection.
// Register this factory with the interceptor registry to run RTCP feedback
// for every connection.
type InterceptorFactory struct {
	config          rtcpfb.Config
	cname           string
	processInterval time.Duration
	onSession       func(id string, s *rtcpfb.Session)
}

// WithFactoryConfig sets the session configuration.
// Default: rtcpfb.DefaultConfig()
func WithFactoryConfig(config rtcpfb.Config) FactoryOption {
	return func(f *InterceptorFactory) error {
		if err := config.Validate(); err != nil {
			return fmt.Errorf("factory config: %w", err)
		}
		f.config = config
		return nil
	}
}

// WithFactoryCNAME sets the CNAME of every session.
func WithFactoryCNAME(cname string) FactoryOption {
	return func(f *InterceptorFactory) error {
		if len(cname) > packet.MaxCNAMELength {
			return rtcpfb.ErrCNAMETooLong
		}
		f.cname = cname
		return nil
	}
}

// WithFactoryProcessInterval sets how often the session timers run.
// Default: 10ms
func WithFactoryProcessInterval(interval time.Duration) FactoryOption {
	return func(f *InterceptorFactory) error {
		if interval <= 0 {
			return errors.New("process interval must be positive")
		}
		f.processInterval = interval
		return nil
	}
}

// WithFactoryOnSession sets a callback invoked with every new session, to
// attach observers or keep a handle for feedback requests.
func WithFactoryOnSession(fn func(id string, s *rtcpfb.Session)) FactoryOption {
	return func(f *InterceptorFactory) error {
		f.onSession = fn
		return nil
	}
}

// NewInterceptorFactory creates a new factory for FeedbackInterceptor
// instances.
//
// Example:
//
//	factory, err := NewInterceptorFactory(
//	    WithFactoryCNAME("alice"),
//	    WithFactoryOnSession(func(id string, s *rtcpfb.Session) {
//	        s.SetObservers(rtcpfb.Observers{Nack: retransmitter})
//	    }),
//	)
//	if err != nil {
//	    return err
//	}
//	registry.Add(factory)
func NewInterceptorFactory(opts ...FactoryOption) (*InterceptorFactory, error) {
	f := &InterceptorFactory{
		config:          rtcpfb.DefaultConfig(),
		processInterval: defaultProcessInterval,
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// NewInterceptor creates a new FeedbackInterceptor for a PeerConnection.
// This method is called by the interceptor registry when setting up a
// connection.
func (f *InterceptorFactory) NewInterceptor(id string) (interceptor.Interceptor, error) {
	i, err := NewFeedbackInterceptor(
		WithConfig(f.config),
		WithCNAME(f.cname),
		WithProcessInterval(f.processInterval),
	)
	if err != nil {
		return nil, err
	}
	if f.onSession != nil {
		f.onSession(id, i.Session())
	}
	return i, nil
}
