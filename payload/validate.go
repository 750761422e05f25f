// Package payload recognizes COCOT printouts inside the raw byte stream relayed
// by the softmodem bridge.
//
// A printout looks like this on the wire (non-printable bytes shown as [n]):
//
//	TC! [0] [0] [0] [144] [0] [0] [0] [0] *3115552368*43125*DD8822*1234*032*2312237122028*37090*
//
// followed by [1] [0] [0] [239] when the device starts over. The payload proper
// starts at the first '*' and spans 54 bytes with a '*' at fixed offsets. There
// is no error correction at 300 baud, so the validator repairs single-byte
// delimiter damage when the neighboring bytes make the repair unambiguous.
package payload

import "bytes"

const (
	// Delimiter starts the payload and separates its fields.
	Delimiter = '*'
	// Length is the number of bytes from the first delimiter through the last
	// expected delimiter, inclusive.
	Length = 54
	// Delimiters is the nominal delimiter count of a complete payload.
	Delimiters = 8
	// lastOffset is the offset of the trailing delimiter.
	lastOffset = Length - 1
)

// Verdict is the result of one validation pass.
type Verdict struct {
	Complete bool
	// Start is the index of the first delimiter, or -1 when none was found.
	Start int
	// Reason explains an incomplete verdict once a delimiter has been found.
	Reason      string
	Corrections []Correction
}

// Validate reports whether buf holds a complete payload. Delimiter damage at
// the fixed offsets is repaired in place before the structure is checked.
func Validate(buf []byte) Verdict {
	v := Verdict{Start: -1}
	if len(buf) < Length {
		return v
	}
	start := bytes.IndexByte(buf, Delimiter)
	if start < 0 {
		return v
	}
	v.Start = start
	if len(buf)-start < Length {
		return v
	}

	// The payload region reads as a NUL-terminated string; trailing reset
	// noise such as [1] [0] [0] ends it.
	data := boundedString(buf[start:])
	v.Corrections = Autocorrect(data)

	stars := bytes.Count(data, []byte{Delimiter})
	if stars < Delimiters-1 {
		v.Reason = "too few delimiters"
		return v
	}
	if len(data) < lastOffset {
		v.Reason = "payload is not long enough"
		return v
	}
	v.Complete = true
	return v
}

// Identifier returns the 10 bytes that follow the first delimiter: the number
// the printout was pulled from. ok is false when buf has no delimiter.
func Identifier(buf []byte) (id []byte, ok bool) {
	start := bytes.IndexByte(buf, Delimiter)
	if start < 0 {
		return nil, false
	}
	id = buf[start+1:]
	if len(id) > 10 {
		id = id[:10]
	}
	return id, true
}

// Region returns the payload region of buf: the bounded string starting at
// the first delimiter. It returns nil when there is no delimiter.
func Region(buf []byte) []byte {
	start := bytes.IndexByte(buf, Delimiter)
	if start < 0 {
		return nil
	}
	return boundedString(buf[start:])
}

func boundedString(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}
