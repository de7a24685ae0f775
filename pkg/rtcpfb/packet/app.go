package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtcp"
)

// App is an application-defined RTCP packet (RFC 3550 section 6.7). The
// four-character name is carried as a big-endian uint32.
type App struct {
	SubType uint8
	SSRC    uint32
	Name    uint32
	Data    []byte
}

// MarshalSize returns the encoded size in bytes.
func (p *App) MarshalSize() int {
	return headerLength + ssrcLength + 4 + len(p.Data)
}

// Header returns the RTCP header of the packet.
func (p *App) Header() rtcp.Header {
	return rtcp.Header{
		Count:  p.SubType,
		Type:   rtcp.TypeApplicationDefined,
		Length: uint16(p.MarshalSize()/4 - 1),
	}
}

// Marshal encodes the packet.
func (p *App) Marshal() ([]byte, error) {
	if p.SubType > 31 {
		return nil, errInvalidSubType
	}
	if len(p.Data)%4 != 0 {
		return nil, ErrInvalidAppLength
	}
	buf := make([]byte, p.MarshalSize())
	if err := marshalHeader(buf, p.Header()); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(buf[4:], p.SSRC)
	binary.BigEndian.PutUint32(buf[8:], p.Name)
	copy(buf[12:], p.Data)
	return buf, nil
}

// Unmarshal decodes the packet.
func (p *App) Unmarshal(raw []byte) error {
	h, err := unmarshalHeader(raw, rtcp.TypeApplicationDefined, 0, false)
	if err != nil {
		return err
	}
	b, err := body(h, raw)
	if err != nil {
		return err
	}
	if len(b) < ssrcLength+4 || len(b)%4 != 0 {
		return errBadLength
	}
	p.SubType = h.Count
	p.SSRC = binary.BigEndian.Uint32(b[0:])
	p.Name = binary.BigEndian.Uint32(b[4:])
	p.Data = append([]byte(nil), b[8:]...)
	return nil
}

// DestinationSSRC returns the source the packet originates from.
func (p *App) DestinationSSRC() []uint32 {
	return []uint32{p.SSRC}
}

func (p *App) String() string {
	return fmt.Sprintf("APP %x subtype %d name %08x len %d", p.SSRC, p.SubType, p.Name, len(p.Data))
}
