// Package rtcpfb implements the RTP/RTCP control-feedback engine of one RTP
// session: reception statistics, report scheduling and emission, inbound
// RTCP processing and the TMMBR bounding-set solver.
//
// A Session owns the three parts and routes state between them. The host
// feeds it received RTP headers and RTCP datagrams and drives its timers:
//
//	s, err := rtcpfb.NewSession(rtcpfb.DefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	s.SetLocalSSRC(localSSRC)
//	s.SetRemoteSSRC(remoteSSRC)
//	_ = s.SetCNAME("user@host")
//	s.SetTransport(rtcpfb.TransportFunc(func(pkt []byte) error {
//	    _, err := conn.Write(pkt)
//	    return err
//	}))
//	s.SetObservers(rtcpfb.Observers{Nack: retransmitter})
//
//	// on every received RTP packet
//	s.IncomingRtpPacket(rtcpfb.RtpPacket{...})
//	// on every received RTCP datagram
//	_ = s.IncomingRtcpPacket(buf)
//	// every few milliseconds
//	_ = s.Process()
//
// # Reports
//
// In compound mode every datagram starts with an SR (while sending) or an
// RR, followed by SDES when a CNAME is set. Scheduled reports are spaced by
// the audio or video interval, jittered uniformly over [T/2, 3T/2). Feedback
// requested with SendRTCP or SendCompoundRTCP rides on the same datagram.
//
// # Locking
//
// The sender and the receiver each have their own lock and never hold both.
// Observers run after the receiver lock is released, in a fixed order:
// bounding set, report request, NACK, intra-frame, bandwidth, VoIP metrics,
// transport feedback, packet counters and statistics.
package rtcpfb
