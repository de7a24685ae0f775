// Package interceptor provides a Pion WebRTC interceptor that runs an
// rtcpfb.Session for every PeerConnection.
//
// The interceptor observes received RTP to keep reception statistics,
// applies received RTCP to the session, counts sent RTP for the sender info
// of SRs and writes the session's reports and feedback to the peer.
//
// # Quick Start
//
// Register the interceptor factory with your Pion WebRTC API:
//
//	import (
//	    "github.com/pion/interceptor"
//	    "github.com/pion/webrtc/v4"
//	    "github.com/thesyncim/rtcpfb/pkg/rtcpfb"
//	    fbint "github.com/thesyncim/rtcpfb/pkg/rtcpfb/interceptor"
//	)
//
//	func setupPeerConnection() (*webrtc.PeerConnection, error) {
//	    m := &webrtc.MediaEngine{}
//	    if err := m.RegisterDefaultCodecs(); err != nil {
//	        return nil, err
//	    }
//
//	    i := &interceptor.Registry{}
//
//	    fbFactory, err := fbint.NewInterceptorFactory(
//	        fbint.WithFactoryCNAME("alice"),
//	        fbint.WithFactoryOnSession(func(id string, s *rtcpfb.Session) {
//	            s.SetObservers(rtcpfb.Observers{IntraFrame: encoder})
//	        }),
//	    )
//	    if err != nil {
//	        return nil, err
//	    }
//	    i.Add(fbFactory)
//
//	    api := webrtc.NewAPI(
//	        webrtc.WithMediaEngine(m),
//	        webrtc.WithInterceptorRegistry(i),
//	    )
//
//	    return api.NewPeerConnection(webrtc.Configuration{})
//	}
//
// Do not combine it with the report interceptors of github.com/pion/interceptor
// (ConfigureRTCPReports), which would send a second set of SRs and RRs.
//
// # How It Works
//
// 1. When a remote stream is bound (BindRemoteStream), the first one becomes
// the remote SSRC and the toffset extension ID is taken from the SDP
// negotiation.
//
// 2. When a local stream is bound (BindLocalStream), the first one becomes
// the local SSRC and the session starts sending SRs.
//
// 3. When the RTCP writer is bound (BindRTCPWriter), a background goroutine
// runs Session.Process, which sends scheduled reports and expires remote
// state.
//
// 4. Remote streams without packets for 30 seconds lose their statistics.
package interceptor
