package payload

import "fmt"

type predicate func(b byte) bool

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
func isD(b byte) bool     { return b == 'D' }
func always(byte) bool    { return true }

// rule says the byte at offset should be want, and may be rewritten to want
// when left and right hold for its neighbors.
type rule struct {
	offset int
	want   byte
	left   predicate
	right  predicate
}

// rules lists the fixed delimiter positions, relative to the first delimiter.
// Offset 17 is followed by the "DD" field, and nothing is known about what
// follows the trailing delimiter.
var rules = [...]rule{
	{offset: 11, want: Delimiter, left: isDigit, right: isDigit},
	{offset: 17, want: Delimiter, left: isDigit, right: isD},
	{offset: 24, want: Delimiter, left: isDigit, right: isDigit},
	{offset: 29, want: Delimiter, left: isDigit, right: isDigit},
	{offset: 33, want: Delimiter, left: isDigit, right: isDigit},
	{offset: 47, want: Delimiter, left: isDigit, right: isDigit},
	{offset: lastOffset, want: Delimiter, left: isDigit, right: always},
}

// Offsets returns the fixed delimiter offsets, relative to the first delimiter.
func Offsets() []int {
	out := make([]int, len(rules))
	for i, r := range rules {
		out[i] = r.offset
	}
	return out
}

// Correction records one position that did not hold its expected byte.
type Correction struct {
	Offset  int
	Want    byte
	Got     byte
	Applied bool
}

func (c Correction) String() string {
	if c.Applied {
		return fmt.Sprintf("autocorrected pos %d from [%d] to %c", c.Offset, c.Got, c.Want)
	}
	return fmt.Sprintf("pos %d should be %c but could not autocorrect (got [%d])", c.Offset, c.Want, c.Got)
}

// Autocorrect repairs data in place, where data starts at the first delimiter.
// Payloads no longer than Length are left alone: a byte near the end of a
// short payload may simply not have arrived yet.
func Autocorrect(data []byte) []Correction {
	if len(data) <= Length {
		return nil
	}
	var out []Correction
	for _, r := range rules {
		got := data[r.offset]
		if got == r.want {
			continue
		}
		c := Correction{Offset: r.offset, Want: r.want, Got: got}
		if r.left(data[r.offset-1]) && r.right(data[r.offset+1]) {
			data[r.offset] = r.want
			c.Applied = true
		}
		out = append(out, c)
	}
	return out
}
