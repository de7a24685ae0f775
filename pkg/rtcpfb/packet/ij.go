package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtcp"
)

// InterarrivalJitter is the extended inter-arrival jitter report of RFC 5450.
// It carries one jitter value per reception report block of the preceding
// SR or RR, in the same order.
type InterarrivalJitter struct {
	Jitters []uint32
}

// MarshalSize returns the encoded size in bytes.
func (p *InterarrivalJitter) MarshalSize() int {
	return headerLength + 4*len(p.Jitters)
}

// Header returns the RTCP header of the report.
func (p *InterarrivalJitter) Header() rtcp.Header {
	return rtcp.Header{
		Count:  uint8(len(p.Jitters)),
		Type:   TypeInterarrivalJitter,
		Length: uint16(len(p.Jitters)),
	}
}

// Marshal encodes the report.
func (p *InterarrivalJitter) Marshal() ([]byte, error) {
	if len(p.Jitters) > MaxReportBlocks {
		return nil, errTooManyItems
	}
	buf := make([]byte, p.MarshalSize())
	if err := marshalHeader(buf, p.Header()); err != nil {
		return nil, err
	}
	for i, j := range p.Jitters {
		binary.BigEndian.PutUint32(buf[headerLength+4*i:], j)
	}
	return buf, nil
}

// Unmarshal decodes the report.
func (p *InterarrivalJitter) Unmarshal(raw []byte) error {
	h, err := unmarshalHeader(raw, TypeInterarrivalJitter, 0, false)
	if err != nil {
		return err
	}
	b, err := body(h, raw)
	if err != nil {
		return err
	}
	if len(b) < 4*int(h.Count) {
		return errBadLength
	}
	p.Jitters = make([]uint32, h.Count)
	for i := range p.Jitters {
		p.Jitters[i] = binary.BigEndian.Uint32(b[4*i:])
	}
	return nil
}

// DestinationSSRC returns nil: the report carries no SSRC of its own.
func (p *InterarrivalJitter) DestinationSSRC() []uint32 {
	return nil
}

func (p *InterarrivalJitter) String() string {
	return fmt.Sprintf("IJ %v", p.Jitters)
}
