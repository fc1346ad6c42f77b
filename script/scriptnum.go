package script

import "fmt"

// Script number encoding.
//
// Script integers are little-endian sign-magnitude: the high bit of the
// last byte is the sign bit, and an extra 0x00/0x80 byte is appended
// when the magnitude itself uses that bit. Zero encodes as the empty
// byte string. txscript keeps its equivalent unexported, so the two
// small routines live here.

// maxScriptNumLen bounds the encodings parseScriptNum accepts. Numeric
// opcodes operate on at most 4-byte values.
const maxScriptNumLen = 4

// scriptNumBytes returns the minimal script-number encoding of n.
func scriptNumBytes(n int64) []byte {
	if n == 0 {
		return nil
	}

	neg := n < 0
	abs := uint64(n)
	if neg {
		abs = uint64(-n)
	}

	out := make([]byte, 0, 9)
	for abs > 0 {
		out = append(out, byte(abs&0xff))
		abs >>= 8
	}

	// If the high bit of the most significant byte is already set, the
	// sign needs its own byte; otherwise it folds into the high bit.
	if out[len(out)-1]&0x80 != 0 {
		sign := byte(0x00)
		if neg {
			sign = 0x80
		}
		out = append(out, sign)
	} else if neg {
		out[len(out)-1] |= 0x80
	}
	return out
}

// parseScriptNum decodes a minimally-encoded script number of at most
// maxLen bytes. The empty string decodes to 0.
func parseScriptNum(b []byte, maxLen int) (int64, error) {
	if len(b) > maxLen {
		return 0, fmt.Errorf("script: number encoding is %d bytes, max %d: %w",
			len(b), maxLen, ErrMalformedScript)
	}
	if len(b) == 0 {
		return 0, nil
	}

	// Reject paddings that a minimal encoder would never emit: a most
	// significant byte carrying only the sign bit is allowed solely
	// when the preceding byte needs its high bit for magnitude.
	if b[len(b)-1]&0x7f == 0 {
		if len(b) == 1 || b[len(b)-2]&0x80 == 0 {
			return 0, fmt.Errorf("script: non-minimal number encoding %x: %w",
				b, ErrMalformedScript)
		}
	}

	var v int64
	for i, octet := range b {
		v |= int64(octet) << (8 * i)
	}

	if b[len(b)-1]&0x80 != 0 {
		v &^= int64(0x80) << (8 * (len(b) - 1))
		v = -v
	}
	return v, nil
}
