package interceptor

import (
	"github.com/pion/interceptor"
)

// TransmissionTimeOffsetURI is the URI of the RFC 5450 transmission time
// offset header extension (3 bytes, signed, in RTP timestamp units). It
// feeds the extended jitter reported with IJ.
const TransmissionTimeOffsetURI = "urn:ietf:params:rtp-hdrext:toffset"

// FindExtensionID searches for an extension with the given URI in the list
// of negotiated RTP header extensions and returns its ID.
//
// Returns 0 if the extension is not found. Extension ID 0 is invalid per
// RFC 8285, so 0 means the extension is not available.
func FindExtensionID(exts []interceptor.RTPHeaderExtension, uri string) uint8 {
	for _, ext := range exts {
		if ext.URI == uri {
			return uint8(ext.ID)
		}
	}
	return 0
}

// FindTransmissionTimeOffsetID returns the ID of the toffset extension, or
// 0 if it was not negotiated.
func FindTransmissionTimeOffsetID(exts []interceptor.RTPHeaderExtension) uint8 {
	return FindExtensionID(exts, TransmissionTimeOffsetURI)
}

// parseTransmissionTimeOffset decodes the 24-bit signed offset.
func parseTransmissionTimeOffset(ext []byte) (int32, bool) {
	if len(ext) < 3 {
		return 0, false
	}
	v := int32(ext[0])<<16 | int32(ext[1])<<8 | int32(ext[2])
	// Sign-extend from 24 bits.
	return v << 8 >> 8, true
}
