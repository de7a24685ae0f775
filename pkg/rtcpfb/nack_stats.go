package rtcpfb

// nackStats counts NACKed sequence numbers. A request is unique when it is
// newer than every sequence number requested before.
type nackStats struct {
	maxSequenceNumber uint16
	requests          uint32
	uniqueRequests    uint32
}

func (n *nackStats) reportRequest(seq uint16) {
	if n.requests == 0 || isNewerSequenceNumber(seq, n.maxSequenceNumber) {
		n.maxSequenceNumber = seq
		n.uniqueRequests++
	}
	n.requests++
}

// isNewerSequenceNumber reports whether seq follows prev in 16-bit
// sequence space.
func isNewerSequenceNumber(seq, prev uint16) bool {
	return seq != prev && seq-prev < 0x8000
}
