// Package packet implements the RTCP wire codec used by the feedback engine.
//
// Standard report types (SR, RR, SDES, BYE, PLI, SLI, FIR, REMB, NACK, RRR,
// transport-wide feedback, XR) are represented by their github.com/pion/rtcp
// types. The package adds pion-style types for the messages pion does not
// provide: TMMBR and TMMBN (RFC 5104), RPSI (RFC 4585), the inter-arrival
// jitter report IJ (RFC 5450) and APP packets with a numeric name.
//
// Parse validates an inbound datagram and yields the typed records:
//
//	res, err := packet.Parse(buf, allowReducedSize)
//	if err != nil {
//	    // whole datagram rejected
//	}
//	for _, p := range res.Packets {
//	    switch p := p.(type) {
//	    case *rtcp.SenderReport:
//	    case *packet.TMMBR:
//	    }
//	}
//
// Compound assembles outbound records into one datagram bounded by an MTU
// budget and reports ErrNoRoom when a record does not fit.
package packet
