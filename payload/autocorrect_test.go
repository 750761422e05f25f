package payload

import (
	"bytes"
	"testing"
)

func TestAutocorrectLeavesShortPayloadAlone(t *testing.T) {
	data := []byte(samplePayload)
	data[11] = 'x'
	if got := Autocorrect(data); got != nil {
		t.Fatalf("expected no corrections on a %d-byte payload, got %v", len(data), got)
	}
	if data[11] != 'x' {
		t.Fatal("short payload was modified")
	}
}

func TestAutocorrectEachOffset(t *testing.T) {
	for _, off := range Offsets() {
		data := []byte(samplePayload + "0")
		data[off] = '7'
		corrections := Autocorrect(data)
		if len(corrections) != 1 || !corrections[0].Applied {
			t.Fatalf("offset %d: unexpected corrections %v", off, corrections)
		}
		if !bytes.Equal(data, []byte(samplePayload+"0")) {
			t.Fatalf("offset %d: repaired payload = %q", off, data)
		}
	}
}

func TestAutocorrectRequiresDAfterOffset17(t *testing.T) {
	data := []byte(samplePayload + "0")
	data[17] = '7'
	data[18] = '8'
	corrections := Autocorrect(data)
	if len(corrections) != 1 || corrections[0].Applied {
		t.Fatalf("unexpected corrections %v", corrections)
	}
	if data[17] != '7' {
		t.Fatal("offset 17 rewritten without a D to its right")
	}
}

func TestAutocorrectIsIdempotent(t *testing.T) {
	data := []byte(samplePayload + "\x01\xef")
	data[11] = 'x'
	data[29] = 'y'
	data[33], data[34] = 'z', 'Q'

	Autocorrect(data)
	once := append([]byte(nil), data...)
	second := Autocorrect(data)
	if !bytes.Equal(once, data) {
		t.Fatalf("second pass changed data:\n%q\n%q", once, data)
	}
	for _, c := range second {
		if c.Applied {
			t.Fatalf("second pass applied a correction: %v", c)
		}
	}
}

func TestAutocorrectTrailingDelimiterIsStable(t *testing.T) {
	data := []byte(samplePayload + "\x01")
	if data[lastOffset-1] < '0' || data[lastOffset-1] > '9' {
		t.Fatal("sample payload should end with a digit before the trailing delimiter")
	}
	if got := Autocorrect(data); len(got) != 0 {
		t.Fatalf("expected no-op, got %v", got)
	}
	if string(data) != samplePayload+"\x01" {
		t.Fatalf("data changed: %q", data)
	}
}

func TestCorrectionString(t *testing.T) {
	applied := Correction{Offset: 11, Want: '*', Got: 'x', Applied: true}
	if got := applied.String(); got != "autocorrected pos 11 from [120] to *" {
		t.Fatalf("String() = %q", got)
	}
	failed := Correction{Offset: 17, Want: '*', Got: 'x'}
	if got := failed.String(); got != "pos 17 should be * but could not autocorrect (got [120])" {
		t.Fatalf("String() = %q", got)
	}
}
