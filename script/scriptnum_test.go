package script

import (
	"bytes"
	"testing"
)

func TestScriptNumBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want []byte
	}{
		{0, nil},
		{1, []byte{0x01}},
		{-1, []byte{0x81}},
		{127, []byte{0x7f}},
		{-127, []byte{0xff}},
		{128, []byte{0x80, 0x00}},
		{-128, []byte{0x80, 0x80}},
		{255, []byte{0xff, 0x00}},
		{-255, []byte{0xff, 0x80}},
		{256, []byte{0x00, 0x01}},
		{1234, []byte{0xd2, 0x04}},
		{-1234, []byte{0xd2, 0x84}},
		{32767, []byte{0xff, 0x7f}},
		{32768, []byte{0x00, 0x80, 0x00}},
		{-32768, []byte{0x00, 0x80, 0x80}},
	}
	for _, tt := range tests {
		got := scriptNumBytes(tt.n)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("scriptNumBytes(%d) = %x, want %x", tt.n, got, tt.want)
		}
	}
}

func TestParseScriptNumRoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 16, 17, 127, -127, 128, -128, 255, -255,
		1000, 1234, -1234, 32767, -32768, 1 << 20, -(1 << 20)}
	for _, n := range values {
		enc := scriptNumBytes(n)
		got, err := parseScriptNum(enc, maxScriptNumLen)
		if err != nil {
			t.Errorf("parseScriptNum(%x) failed: %v", enc, err)
			continue
		}
		if got != n {
			t.Errorf("parseScriptNum(%x) = %d, want %d", enc, got, n)
		}
	}
}

func TestParseScriptNumRejectsNonMinimal(t *testing.T) {
	bad := [][]byte{
		{0x00},             // zero must be empty
		{0x05, 0x00},       // padded positive
		{0x7f, 0x00},       // padded, sign byte unnecessary
		{0x01, 0x00, 0x00}, // padded twice
	}
	for _, enc := range bad {
		if _, err := parseScriptNum(enc, maxScriptNumLen); err == nil {
			t.Errorf("parseScriptNum(%x) accepted a non-minimal encoding", enc)
		}
	}

	// 0xff00 is minimal: 255 needs the extra sign byte.
	if n, err := parseScriptNum([]byte{0xff, 0x00}, maxScriptNumLen); err != nil || n != 255 {
		t.Errorf("parseScriptNum(ff00) = %d, %v, want 255, nil", n, err)
	}
}

func TestParseScriptNumLengthLimit(t *testing.T) {
	if _, err := parseScriptNum([]byte{0x01, 0x02, 0x03, 0x04, 0x05}, maxScriptNumLen); err == nil {
		t.Error("parseScriptNum accepted a 5-byte number with a 4-byte limit")
	}
}
