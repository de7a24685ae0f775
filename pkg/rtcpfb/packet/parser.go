package packet

import (
	"bytes"
	"fmt"

	"github.com/pion/rtcp"
)

var rembIdentifier = []byte("REMB")

// Result is the outcome of parsing one inbound datagram.
type Result struct {
	// Packets holds the decoded records in wire order.
	Packets []rtcp.Packet
	// Skipped counts sub-packets of unknown type or format.
	Skipped int
	// Ignored is set when a sub-packet failed to decode and the rest of
	// the datagram was dropped.
	Ignored bool
}

// Parse validates buf as an RTCP compound packet and decodes its records.
//
// The whole datagram is rejected with ErrBrokenPacket when any header is
// truncated, carries a version other than 2 or declares a length that
// overruns the buffer. When allowNonCompound is false the first record must
// be an SR or RR. A record whose body does not match its header stops
// decoding; the records before it are still returned.
func Parse(buf []byte, allowNonCompound bool) (*Result, error) {
	if err := validate(buf, allowNonCompound); err != nil {
		return nil, err
	}

	res := &Result{}
	for offset := 0; offset < len(buf); {
		var h rtcp.Header
		// validate has already checked every header.
		_ = h.Unmarshal(buf[offset:])
		size := (int(h.Length) + 1) * 4
		raw := buf[offset : offset+size]
		offset += size

		p := newPacket(h, raw)
		if p == nil {
			res.Skipped++
			continue
		}
		if err := p.Unmarshal(raw); err != nil {
			res.Ignored = true
			break
		}
		res.Packets = append(res.Packets, p)
	}
	return res, nil
}

func validate(buf []byte, allowNonCompound bool) error {
	if len(buf) < headerLength {
		return fmt.Errorf("%w: %d bytes", ErrBrokenPacket, len(buf))
	}
	for offset := 0; offset < len(buf); {
		if len(buf)-offset < headerLength {
			return fmt.Errorf("%w: %d trailing bytes", ErrBrokenPacket, len(buf)-offset)
		}
		var h rtcp.Header
		if err := h.Unmarshal(buf[offset:]); err != nil {
			return fmt.Errorf("%w: %v", ErrBrokenPacket, err)
		}
		size := (int(h.Length) + 1) * 4
		if offset+size > len(buf) {
			return fmt.Errorf("%w: length %d overruns buffer at offset %d", ErrBrokenPacket, size, offset)
		}
		if h.Padding && (buf[offset+size-1] == 0 || int(buf[offset+size-1]) > size-headerLength) {
			return fmt.Errorf("%w: padding %d", ErrBrokenPacket, buf[offset+size-1])
		}
		if offset == 0 && !allowNonCompound &&
			h.Type != rtcp.TypeSenderReport && h.Type != rtcp.TypeReceiverReport {
			return fmt.Errorf("%w: first packet type %d", ErrNotCompound, h.Type)
		}
		offset += size
	}
	return nil
}

// newPacket returns an empty record for the header, or nil when the type or
// format is not handled.
func newPacket(h rtcp.Header, raw []byte) rtcp.Packet {
	switch h.Type {
	case rtcp.TypeSenderReport:
		return new(rtcp.SenderReport)
	case rtcp.TypeReceiverReport:
		return new(rtcp.ReceiverReport)
	case rtcp.TypeSourceDescription:
		return new(rtcp.SourceDescription)
	case rtcp.TypeGoodbye:
		return new(rtcp.Goodbye)
	case rtcp.TypeApplicationDefined:
		return new(App)
	case rtcp.TypeExtendedReport:
		return new(rtcp.ExtendedReport)
	case TypeInterarrivalJitter:
		return new(InterarrivalJitter)
	case rtcp.TypeTransportSpecificFeedback:
		switch h.Count {
		case rtcp.FormatTLN:
			return new(rtcp.TransportLayerNack)
		case FormatTMMBR:
			return new(TMMBR)
		case FormatTMMBN:
			return new(TMMBN)
		case rtcp.FormatRRR:
			return new(rtcp.RapidResynchronizationRequest)
		case rtcp.FormatTCC:
			return new(rtcp.TransportLayerCC)
		}
	case rtcp.TypePayloadSpecificFeedback:
		switch h.Count {
		case rtcp.FormatPLI:
			return new(rtcp.PictureLossIndication)
		case rtcp.FormatSLI:
			return new(rtcp.SliceLossIndication)
		case FormatRPSI:
			return new(RPSI)
		case rtcp.FormatFIR:
			return new(rtcp.FullIntraRequest)
		case rtcp.FormatREMB:
			if len(raw) >= 16 && bytes.Equal(raw[12:16], rembIdentifier) {
				return new(rtcp.ReceiverEstimatedMaximumBitrate)
			}
		}
	}
	return nil
}
