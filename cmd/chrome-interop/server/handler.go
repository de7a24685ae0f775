package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb"
	fbinterceptor "github.com/thesyncim/rtcpfb/pkg/rtcpfb/interceptor"
	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/metrics"
)

// reportInterval keeps receiver reports frequent enough for Chrome's
// remote-inbound-rtp stats to show up within a few seconds.
const reportInterval = time.Second

// HandleOffer handles WebRTC offer requests from the browser.
// It creates a peer connection driven by the RTCP feedback interceptor and
// returns an answer.
func (s *Server) HandleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Parse incoming offer
	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		s.log.Warnf("Failed to decode offer: %v", err)
		http.Error(w, "Invalid offer", http.StatusBadRequest)
		return
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		http.Error(w, "Invalid offer", http.StatusBadRequest)
		return
	}

	p := s.newPeer()
	api, err := s.newAPI(p)
	if err != nil {
		s.log.Errorf("Failed to create WebRTC API: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	// Create peer connection
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{}, // Local testing
	}
	peerConnection, err := api.NewPeerConnection(config)
	if err != nil {
		s.log.Errorf("Failed to create peer connection: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if p.session == nil {
		_ = peerConnection.Close()
		s.log.Errorf("Peer connection %s built without a feedback session", p.id)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	p.pc = peerConnection

	// Add transceiver to receive video
	_, err = peerConnection.AddTransceiverFromKind(
		webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
	)
	if err != nil {
		_ = peerConnection.Close()
		s.log.Errorf("Failed to add transceiver: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	peerConnection.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.log.Infof("Peer %s: received track codec=%s ssrc=%d", p.id, track.Codec().MimeType, track.SSRC())
		for _, ext := range receiver.GetParameters().HeaderExtensions {
			s.log.Debugf("Peer %s: header extension id=%d uri=%s", p.id, ext.ID, ext.URI)
		}
		p.setTrackSSRC(uint32(track.SSRC()))
		if s.config.REMBBitrate > 0 {
			p.session.SetREMBStatus(true)
			p.session.SetREMBData(s.config.REMBBitrate, []uint32{uint32(track.SSRC())})
		}

		// Read packets to keep the stream alive. The interceptor sees them
		// on the way.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					s.log.Debugf("Peer %s: track read ended: %v", p.id, err)
					return
				}
			}
		}()
	})

	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Infof("Peer %s: connection state %s", p.id, state)
		p.setState(state)
		switch state {
		case webrtc.PeerConnectionStateFailed:
			_ = peerConnection.Close()
		case webrtc.PeerConnectionStateClosed:
			s.removePeer(p)
		}
	})

	s.addPeer(p)

	// Set remote description (the offer from browser)
	if err := peerConnection.SetRemoteDescription(offer); err != nil {
		_ = peerConnection.Close()
		s.removePeer(p)
		s.log.Warnf("Failed to set remote description: %v", err)
		http.Error(w, "Invalid offer", http.StatusBadRequest)
		return
	}

	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		_ = peerConnection.Close()
		s.removePeer(p)
		s.log.Errorf("Failed to create answer: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConnection)
	if err := peerConnection.SetLocalDescription(answer); err != nil {
		_ = peerConnection.Close()
		s.removePeer(p)
		s.log.Errorf("Failed to set local description: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	select {
	case <-gatherComplete:
	case <-r.Context().Done():
		_ = peerConnection.Close()
		s.removePeer(p)
		return
	}

	// Send answer with complete ICE candidates
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(peerConnection.LocalDescription()); err != nil {
		s.log.Warnf("Failed to write answer: %v", err)
		return
	}
	s.log.Infof("Peer %s: answer sent", p.id)
}

// newAPI builds the media engine and interceptor chain for one peer.
func (s *Server) newAPI(p *peer) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	// Chrome stamps toffset on video when it is negotiated. The feedback
	// interceptor uses it for the extended jitter report.
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{
		URI: fbinterceptor.TransmissionTimeOffsetURI,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register toffset extension: %w", err)
	}

	// Register NACK and PLI feedback on the MediaEngine for SDP negotiation.
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeVideo)
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack", Parameter: "pli"}, webrtc.RTPCodecTypeVideo)
	if s.config.REMBBitrate > 0 {
		m.RegisterFeedback(webrtc.RTCPFeedback{Type: "goog-remb"}, webrtc.RTPCodecTypeVideo)
	}

	i := &interceptor.Registry{}

	sessionConfig := rtcpfb.DefaultConfig()
	sessionConfig.VideoInterval = reportInterval
	sessionConfig.NackEnabled = true
	sessionConfig.LoggerFactory = s.config.LoggerFactory

	factory, err := fbinterceptor.NewInterceptorFactory(
		fbinterceptor.WithFactoryConfig(sessionConfig),
		fbinterceptor.WithFactoryCNAME(s.config.CNAME),
		fbinterceptor.WithFactoryOnSession(func(_ string, session *rtcpfb.Session) {
			p.attach(session)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("feedback interceptor: %w", err)
	}
	i.Add(factory)

	// IMPORTANT: Do NOT use ConfigureRTCPReports. The feedback session
	// already emits SR/RR with SDES, and a second report generator would
	// interleave conflicting report blocks.

	if err := webrtc.ConfigureStatsInterceptor(i); err != nil {
		return nil, fmt.Errorf("stats interceptor: %w", err)
	}
	if err := webrtc.ConfigureSimulcastExtensionHeaders(m); err != nil {
		return nil, fmt.Errorf("simulcast headers: %w", err)
	}

	// Add NACK generator (receiver-side, requests retransmissions on packet loss)
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("nack generator: %w", err)
	}
	i.Add(generator)

	// Add NACK responder (sender-side, responds to NACK requests)
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("nack responder: %w", err)
	}
	i.Add(responder)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
	), nil
}

// HandleStats returns a JSON snapshot of every live peer.
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Stats()); err != nil {
		s.log.Warnf("Failed to write stats: %v", err)
	}
}

// KeyFrameResponse is the body returned by /keyframe.
type KeyFrameResponse struct {
	Requested int      `json:"requested"`
	Errors    []string `json:"errors,omitempty"`
}

// HandleKeyFrame sends a PLI on every live peer.
func (s *Server) HandleKeyFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var resp KeyFrameResponse
	for _, p := range s.livePeers() {
		if err := p.session.RequestKeyFrame(); err != nil {
			// A peer without a negotiated RTCP writer yet is not a failure
			// of the request as a whole.
			if !errors.Is(err, rtcpfb.ErrNoTransport) {
				resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %v", p.id, err))
			}
			continue
		}
		resp.Requested++
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warnf("Failed to write keyframe response: %v", err)
	}
}

// registerer scopes metrics of one peer.
func (s *Server) registerer(id string) prometheus.Registerer {
	return prometheus.WrapRegistererWith(prometheus.Labels{"peer": id}, s.registry)
}

func newCollectors(session *rtcpfb.Session) (*metrics.PacketTypeCollector, *metrics.ReceptionCollector) {
	return metrics.NewPacketTypeCollector("interop", session.LocalSSRC),
		metrics.NewReceptionCollector("interop")
}
