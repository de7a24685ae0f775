package server

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb"
	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/metrics"
)

// peer is one browser connection and the feedback session behind it.
type peer struct {
	id string
	pc *webrtc.PeerConnection

	session   *rtcpfb.Session
	counters  *metrics.PacketTypeCollector
	reception *metrics.ReceptionCollector

	mu        sync.Mutex
	state     webrtc.PeerConnectionState
	trackSSRC uint32
}

// attach is called by the interceptor factory while the peer connection is
// being built.
func (p *peer) attach(session *rtcpfb.Session) {
	p.session = session
	p.counters, p.reception = newCollectors(session)
	session.SetObservers(rtcpfb.Observers{
		PacketTypeCounter: p.counters,
		Statistics:        p.reception,
	})
}

func (p *peer) setState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

func (p *peer) setTrackSSRC(ssrc uint32) {
	p.mu.Lock()
	p.trackSSRC = ssrc
	p.mu.Unlock()
}

func (s *Server) newPeer() *peer {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	s.nextID++
	return &peer{
		id:    fmt.Sprintf("peer-%d", s.nextID),
		state: webrtc.PeerConnectionStateNew,
	}
}

func (s *Server) addPeer(p *peer) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	if _, ok := s.peers[p.id]; ok {
		return
	}
	s.peers[p.id] = p
	reg := s.registerer(p.id)
	if err := reg.Register(p.counters); err != nil {
		s.log.Warnf("Peer %s: failed to register counters: %v", p.id, err)
	}
	if err := reg.Register(p.reception); err != nil {
		s.log.Warnf("Peer %s: failed to register reception stats: %v", p.id, err)
	}
}

func (s *Server) removePeer(p *peer) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	if _, ok := s.peers[p.id]; !ok {
		return
	}
	delete(s.peers, p.id)
	reg := s.registerer(p.id)
	reg.Unregister(p.counters)
	reg.Unregister(p.reception)
}

func (s *Server) livePeers() []*peer {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].id < peers[j].id })
	return peers
}

// CounterStats mirrors rtcpfb.PacketTypeCounter for JSON.
type CounterStats struct {
	NackPackets        uint32 `json:"nackPackets"`
	FirPackets         uint32 `json:"firPackets"`
	PliPackets         uint32 `json:"pliPackets"`
	NackRequests       uint32 `json:"nackRequests"`
	UniqueNackRequests uint32 `json:"uniqueNackRequests"`
}

func counterStats(c rtcpfb.PacketTypeCounter) CounterStats {
	return CounterStats{
		NackPackets:        c.NackPackets,
		FirPackets:         c.FirPackets,
		PliPackets:         c.PliPackets,
		NackRequests:       c.NackRequests,
		UniqueNackRequests: c.UniqueNackRequests,
	}
}

// PeerStats is the /stats view of one peer.
type PeerStats struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	LocalSSRC   uint32 `json:"localSsrc"`
	RemoteSSRC  uint32 `json:"remoteSsrc"`
	RemoteCNAME string `json:"remoteCname,omitempty"`

	PacketsReceived uint64 `json:"packetsReceived"`
	PacketsLost     int32  `json:"packetsLost"`
	FractionLost    uint8  `json:"fractionLost"`
	Jitter          uint32 `json:"jitter"`

	// SenderReports is true once an SR from the browser was parsed.
	SenderReports     bool   `json:"senderReports"`
	SenderPacketCount uint32 `json:"senderPacketCount"`

	Sent          CounterStats `json:"sent"`
	Received      CounterStats `json:"received"`
	SendFailures  uint64       `json:"sendFailures"`
	BrokenPackets uint64       `json:"brokenPackets"`
}

// Stats returns a snapshot of every live peer, ordered by id.
func (s *Server) Stats() []PeerStats {
	peers := s.livePeers()
	out := make([]PeerStats, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.stats())
	}
	return out
}

func (p *peer) stats() PeerStats {
	p.mu.Lock()
	st := PeerStats{
		ID:         p.id,
		State:      p.state.String(),
		RemoteSSRC: p.trackSSRC,
	}
	p.mu.Unlock()

	session := p.session
	st.LocalSSRC = session.LocalSSRC()
	if st.RemoteSSRC != 0 {
		if cname, ok := session.RemoteCNAME(st.RemoteSSRC); ok {
			st.RemoteCNAME = cname
		}
		if stat := session.Statistician(st.RemoteSSRC); stat != nil {
			if rs, ok := stat.Statistics(false); ok {
				st.PacketsLost = rs.PacketsLost
				st.FractionLost = rs.FractionLost
				st.Jitter = rs.Jitter
			}
			st.PacketsReceived = uint64(stat.DataCounters().Transmitted.Packets)
		}
	}
	if info, ok := session.RemoteSenderInfo(); ok {
		st.SenderReports = true
		st.SenderPacketCount = info.PacketCount
	}

	sent, received := session.PacketTypeCounters()
	st.Sent = counterStats(sent)
	st.Received = counterStats(received)
	st.SendFailures = session.SendFailures()
	st.BrokenPackets = session.BrokenPackets()
	return st
}
