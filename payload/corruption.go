package payload

import "bytes"

// PreambleLength is the leading region exempt from corruption detection. The
// device sends runs of NUL bytes as framing before the payload.
const PreambleLength = 30

var corruptionMarkers = [][]byte{
	{0x01, 0x00, 0x00},
	{0x00, 0x00, 0x00},
}

// IsCorrupted reports whether buf shows the device starting a new printout:
// a reset marker somewhere after the preamble. Buffers that are not yet longer
// than a payload are never corrupted.
func IsCorrupted(buf []byte) bool {
	if len(buf) <= Length {
		return false
	}
	tail := buf[PreambleLength:]
	for _, marker := range corruptionMarkers {
		if bytes.Contains(tail, marker) {
			return true
		}
	}
	return false
}
