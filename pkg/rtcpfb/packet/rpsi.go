package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtcp"
)

// rpsiMaxBytes is the longest native bit string a 64-bit picture id needs.
const rpsiMaxBytes = 10

// RPSI is a reference picture selection indication (RFC 4585 section 6.3.3).
//
// The native bit string carries the picture id in 7-bit groups, most
// significant first, with the top bit of every byte but the last set.
type RPSI struct {
	SenderSSRC  uint32
	MediaSSRC   uint32
	PayloadType uint8
	PictureID   uint64
}

func rpsiNativeLength(pictureID uint64) int {
	n := 1
	for v := pictureID >> 7; v > 0; v >>= 7 {
		n++
	}
	return n
}

func rpsiPadding(native int) int {
	pad := 4 - (2+native)%4
	if pad == 4 {
		pad = 0
	}
	return pad
}

// MarshalSize returns the encoded size in bytes.
func (p *RPSI) MarshalSize() int {
	native := rpsiNativeLength(p.PictureID)
	return headerLength + 2*ssrcLength + 2 + native + rpsiPadding(native)
}

// Header returns the RTCP header of the indication.
func (p *RPSI) Header() rtcp.Header {
	return rtcp.Header{
		Count:  FormatRPSI,
		Type:   rtcp.TypePayloadSpecificFeedback,
		Length: uint16(p.MarshalSize()/4 - 1),
	}
}

// Marshal encodes the indication.
func (p *RPSI) Marshal() ([]byte, error) {
	if p.PayloadType > 0x7F {
		return nil, fmt.Errorf("rtcp: invalid rpsi payload type %d", p.PayloadType)
	}
	native := rpsiNativeLength(p.PictureID)
	pad := rpsiPadding(native)
	buf := make([]byte, p.MarshalSize())
	if err := marshalHeader(buf, p.Header()); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(buf[4:], p.SenderSSRC)
	binary.BigEndian.PutUint32(buf[8:], p.MediaSSRC)
	fci := buf[12:]
	fci[0] = uint8(pad * 8)
	fci[1] = p.PayloadType
	for i := 0; i < native; i++ {
		shift := uint(7 * (native - 1 - i))
		b := uint8(p.PictureID>>shift) & 0x7F
		if i < native-1 {
			b |= 0x80
		}
		fci[2+i] = b
	}
	return buf, nil
}

// Unmarshal decodes the indication. The number of valid bits, the FCI size
// minus two bytes minus the padding bits, must be a multiple of 8.
func (p *RPSI) Unmarshal(raw []byte) error {
	h, err := unmarshalHeader(raw, rtcp.TypePayloadSpecificFeedback, FormatRPSI, true)
	if err != nil {
		return err
	}
	b, err := body(h, raw)
	if err != nil {
		return err
	}
	if len(b) < 2*ssrcLength+4 {
		return errPacketTooShort
	}
	p.SenderSSRC = binary.BigEndian.Uint32(b[0:])
	p.MediaSSRC = binary.BigEndian.Uint32(b[4:])
	fci := b[8:]
	paddingBits := int(fci[0])
	validBits := (len(fci)-2)*8 - paddingBits
	if validBits <= 0 || validBits%8 != 0 {
		return fmt.Errorf("%w: rpsi valid bits %d", errInvalidPadding, validBits)
	}
	n := validBits / 8
	if n > rpsiMaxBytes {
		return fmt.Errorf("%w: rpsi bit string of %d bytes", errBadLength, n)
	}
	p.PayloadType = fci[1] & 0x7F
	p.PictureID = 0
	for i := 0; i < n; i++ {
		p.PictureID = p.PictureID<<7 | uint64(fci[2+i]&0x7F)
	}
	return nil
}

// DestinationSSRC returns the media SSRC.
func (p *RPSI) DestinationSSRC() []uint32 {
	return []uint32{p.MediaSSRC}
}

func (p *RPSI) String() string {
	return fmt.Sprintf("RPSI from %x media %x pt %d picture %d", p.SenderSSRC, p.MediaSSRC, p.PayloadType, p.PictureID)
}
