package packet

import (
	"errors"

	"github.com/pion/rtcp"
)

const (
	headerLength = 4
	ssrcLength   = 4

	// TypeInterarrivalJitter is the RFC 5450 extended jitter report.
	TypeInterarrivalJitter rtcp.PacketType = 195

	// FormatTMMBR and FormatTMMBN are the RTPFB formats of RFC 5104.
	FormatTMMBR uint8 = 3
	FormatTMMBN uint8 = 4

	// FormatRPSI is the PSFB reference picture selection indication.
	FormatRPSI uint8 = 3

	// MaxReportBlocks is the largest report count an SR or RR can carry.
	MaxReportBlocks = 31

	// ReportBlockLength is the wire size of one reception report block.
	ReportBlockLength = 24

	// SenderReportHeaderLength and ReceiverReportHeaderLength are the sizes
	// of an SR and an RR without report blocks.
	SenderReportHeaderLength   = 28
	ReceiverReportHeaderLength = 8

	// MaxCNAMELength is the largest SDES item text.
	MaxCNAMELength = 255

	// MaxNackItems bounds the FCI entries of one generic NACK.
	MaxNackItems = 253
)

var (
	// ErrBrokenPacket rejects a whole datagram: truncated header, bad version
	// or a declared length that overruns the buffer.
	ErrBrokenPacket = errors.New("rtcp: broken packet")

	// ErrNotCompound rejects a datagram that does not start with SR or RR
	// while reduced-size RTCP is not permitted.
	ErrNotCompound = errors.New("rtcp: compound packet must start with SR or RR")

	// ErrNoRoom reports that a record does not fit the remaining MTU budget.
	ErrNoRoom = errors.New("rtcp: not enough room in compound packet")

	// ErrInvalidAppLength rejects APP data whose length is not a multiple of 4.
	ErrInvalidAppLength = errors.New("rtcp: app data length must be a multiple of 4")

	errPacketTooShort = errors.New("rtcp: packet too short")
	errWrongType      = errors.New("rtcp: wrong packet type")
	errBadLength      = errors.New("rtcp: length does not match packet body")
	errTooManyItems   = errors.New("rtcp: too many items")
	errInvalidBitrate = errors.New("rtcp: invalid bitrate")
	errInvalidPadding = errors.New("rtcp: invalid padding")
	errInvalidSubType = errors.New("rtcp: invalid app subtype")
)

// marshalHeader writes h into the first four bytes of buf.
func marshalHeader(buf []byte, h rtcp.Header) error {
	hb, err := h.Marshal()
	if err != nil {
		return err
	}
	copy(buf, hb)
	return nil
}

// unmarshalHeader decodes and checks the header of a single record.
func unmarshalHeader(raw []byte, typ rtcp.PacketType, count uint8, checkCount bool) (rtcp.Header, error) {
	var h rtcp.Header
	if len(raw) < headerLength {
		return h, errPacketTooShort
	}
	if err := h.Unmarshal(raw); err != nil {
		return h, err
	}
	if h.Type != typ || (checkCount && h.Count != count) {
		return h, errWrongType
	}
	if (int(h.Length)+1)*4 > len(raw) {
		return h, errPacketTooShort
	}
	return h, nil
}

// body returns the bytes after the header, with any trailing padding removed.
func body(h rtcp.Header, raw []byte) ([]byte, error) {
	size := (int(h.Length) + 1) * 4
	b := raw[headerLength:size]
	if h.Padding {
		if len(b) == 0 {
			return nil, errInvalidPadding
		}
		pad := int(b[len(b)-1])
		if pad == 0 || pad > len(b) {
			return nil, errInvalidPadding
		}
		b = b[:len(b)-pad]
	}
	return b, nil
}
