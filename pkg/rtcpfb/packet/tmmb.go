package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtcp"
)

const (
	tmmbItemLength   = 8
	tmmbMantissaBits = 17
	tmmbMaxMantissa  = 1<<tmmbMantissaBits - 1
	tmmbMaxOverhead  = 1<<9 - 1
)

// TmmbItem is one FCI entry of a TMMBR or TMMBN message, and one tuple of a
// bounding set.
type TmmbItem struct {
	// SSRC is the media sender the limit applies to.
	SSRC uint32
	// BitrateBps is the maximum total media bitrate in bits per second.
	BitrateBps uint64
	// PacketOverhead is the measured per-packet overhead in bytes.
	PacketOverhead uint16
}

// marshalTo writes the 8-byte FCI entry into b.
//
// The bitrate is encoded with the smallest exponent whose mantissa fits in 17
// bits, so values that need more precision lose their low bits.
func (t TmmbItem) marshalTo(b []byte) error {
	if t.PacketOverhead > tmmbMaxOverhead {
		return fmt.Errorf("%w: overhead %d", errInvalidBitrate, t.PacketOverhead)
	}
	exp := uint32(0)
	mantissa := t.BitrateBps
	for mantissa > tmmbMaxMantissa {
		mantissa >>= 1
		exp++
	}
	binary.BigEndian.PutUint32(b[0:], t.SSRC)
	binary.BigEndian.PutUint32(b[4:], exp<<26|uint32(mantissa)<<9|uint32(t.PacketOverhead))
	return nil
}

func (t *TmmbItem) unmarshal(b []byte) error {
	t.SSRC = binary.BigEndian.Uint32(b[0:])
	word := binary.BigEndian.Uint32(b[4:])
	exp := word >> 26
	mantissa := uint64(word>>9) & tmmbMaxMantissa
	if exp > 64-tmmbMantissaBits && mantissa != 0 {
		return fmt.Errorf("%w: exponent %d overflows", errInvalidBitrate, exp)
	}
	t.BitrateBps = mantissa << exp
	t.PacketOverhead = uint16(word & tmmbMaxOverhead)
	return nil
}

func (t TmmbItem) String() string {
	return fmt.Sprintf("{ssrc=%x bitrate=%dbps overhead=%d}", t.SSRC, t.BitrateBps, t.PacketOverhead)
}

// tmmb is the shared layout of TMMBR and TMMBN.
type tmmb struct {
	SenderSSRC uint32
	MediaSSRC  uint32
	Items      []TmmbItem
}

func (t *tmmb) size() int {
	return headerLength + 2*ssrcLength + len(t.Items)*tmmbItemLength
}

func (t *tmmb) marshal(format uint8) ([]byte, error) {
	size := t.size()
	if size/4-1 > 0xFFFF {
		return nil, errTooManyItems
	}
	buf := make([]byte, size)
	h := rtcp.Header{
		Count:  format,
		Type:   rtcp.TypeTransportSpecificFeedback,
		Length: uint16(size/4 - 1),
	}
	if err := marshalHeader(buf, h); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(buf[4:], t.SenderSSRC)
	binary.BigEndian.PutUint32(buf[8:], t.MediaSSRC)
	for i, item := range t.Items {
		off := headerLength + 2*ssrcLength + i*tmmbItemLength
		if err := item.marshalTo(buf[off:]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (t *tmmb) unmarshal(raw []byte, format uint8) error {
	h, err := unmarshalHeader(raw, rtcp.TypeTransportSpecificFeedback, format, true)
	if err != nil {
		return err
	}
	b, err := body(h, raw)
	if err != nil {
		return err
	}
	if len(b) < 2*ssrcLength || (len(b)-2*ssrcLength)%tmmbItemLength != 0 {
		return errBadLength
	}
	t.SenderSSRC = binary.BigEndian.Uint32(b[0:])
	t.MediaSSRC = binary.BigEndian.Uint32(b[4:])
	n := (len(b) - 2*ssrcLength) / tmmbItemLength
	t.Items = make([]TmmbItem, n)
	for i := range t.Items {
		if err := t.Items[i].unmarshal(b[2*ssrcLength+i*tmmbItemLength:]); err != nil {
			return err
		}
	}
	return nil
}

// TMMBR is a temporary maximum media stream bit rate request (RFC 5104).
type TMMBR tmmb

// Marshal encodes the request.
func (t *TMMBR) Marshal() ([]byte, error) {
	return (*tmmb)(t).marshal(FormatTMMBR)
}

// Unmarshal decodes the request.
func (t *TMMBR) Unmarshal(raw []byte) error {
	return (*tmmb)(t).unmarshal(raw, FormatTMMBR)
}

// MarshalSize returns the encoded size in bytes.
func (t *TMMBR) MarshalSize() int {
	return (*tmmb)(t).size()
}

// Header returns the RTCP header of the request.
func (t *TMMBR) Header() rtcp.Header {
	return rtcp.Header{
		Count:  FormatTMMBR,
		Type:   rtcp.TypeTransportSpecificFeedback,
		Length: uint16(t.MarshalSize()/4 - 1),
	}
}

// DestinationSSRC returns the SSRCs the request is addressed to.
func (t *TMMBR) DestinationSSRC() []uint32 {
	out := make([]uint32, 0, len(t.Items))
	for _, item := range t.Items {
		out = append(out, item.SSRC)
	}
	return out
}

func (t *TMMBR) String() string {
	return fmt.Sprintf("TMMBR from %x media %x items %v", t.SenderSSRC, t.MediaSSRC, t.Items)
}

// TMMBN is a temporary maximum media stream bit rate notification carrying
// the bounding set (RFC 5104).
type TMMBN tmmb

// Marshal encodes the notification.
func (t *TMMBN) Marshal() ([]byte, error) {
	return (*tmmb)(t).marshal(FormatTMMBN)
}

// Unmarshal decodes the notification.
func (t *TMMBN) Unmarshal(raw []byte) error {
	return (*tmmb)(t).unmarshal(raw, FormatTMMBN)
}

// MarshalSize returns the encoded size in bytes.
func (t *TMMBN) MarshalSize() int {
	return (*tmmb)(t).size()
}

// Header returns the RTCP header of the notification.
func (t *TMMBN) Header() rtcp.Header {
	return rtcp.Header{
		Count:  FormatTMMBN,
		Type:   rtcp.TypeTransportSpecificFeedback,
		Length: uint16(t.MarshalSize()/4 - 1),
	}
}

// DestinationSSRC returns the SSRCs listed in the notification.
func (t *TMMBN) DestinationSSRC() []uint32 {
	out := make([]uint32, 0, len(t.Items))
	for _, item := range t.Items {
		out = append(out, item.SSRC)
	}
	return out
}

func (t *TMMBN) String() string {
	return fmt.Sprintf("TMMBN from %x items %v", t.SenderSSRC, t.Items)
}
