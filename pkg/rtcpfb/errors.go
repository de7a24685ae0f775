package rtcpfb

import "errors"

var (
	// ErrRtcpOff is returned when emission is requested while RTCP is off.
	ErrRtcpOff = errors.New("rtcpfb: rtcp is off")

	// ErrCNAMETooLong is returned for a CNAME longer than 255 bytes.
	ErrCNAMETooLong = errors.New("rtcpfb: cname too long")

	// ErrBuild is returned when a packet builder fails and the datagram is
	// discarded.
	ErrBuild = errors.New("rtcpfb: failed to build rtcp packet")

	// ErrEmptyPacket is returned when an emission produced no bytes.
	ErrEmptyPacket = errors.New("rtcpfb: nothing to send")

	// ErrNoTransport is returned when no transport is attached.
	ErrNoTransport = errors.New("rtcpfb: no transport")

	// ErrTooManyCSRCs is returned for more than 15 contributing sources.
	ErrTooManyCSRCs = errors.New("rtcpfb: too many csrcs")

	// ErrUnknownSSRC is returned by queries about a source with no state.
	ErrUnknownSSRC = errors.New("rtcpfb: unknown ssrc")

	// ErrClosed is returned by a Session after Close.
	ErrClosed = errors.New("rtcpfb: session closed")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("rtcpfb: invalid config")
)
