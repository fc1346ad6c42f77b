package script

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/txscript"
)

// Minimal data-push encoding and its verification counterpart.
//
// btcd's ScriptBuilder would normally do the encoding, but it enforces
// the 10,000-byte consensus cap on the whole script, which structured
// scripts exceed before they are chunked. The encoding rules below are
// the canonical-push rules its verifier applies.

// pushDataScript encodes data as a single push instruction using the
// shortest length prefix for the payload size. Single-byte numeric
// values are NOT rewritten to OP_N opcodes here; numbers must go
// through PushInt or the compiled output fails the minimality recheck.
func pushDataScript(data []byte) []byte {
	n := len(data)
	switch {
	case n == 0:
		return []byte{txscript.OP_0}
	case n <= 75:
		out := make([]byte, 0, n+1)
		out = append(out, byte(n)) // OP_DATA_1 == 0x01 ... OP_DATA_75 == 0x4b
		return append(out, data...)
	case n <= 0xff:
		out := make([]byte, 0, n+2)
		out = append(out, txscript.OP_PUSHDATA1, byte(n))
		return append(out, data...)
	case n <= 0xffff:
		out := make([]byte, 0, n+3)
		out = append(out, txscript.OP_PUSHDATA2)
		var sz [2]byte
		binary.LittleEndian.PutUint16(sz[:], uint16(n))
		out = append(out, sz[:]...)
		return append(out, data...)
	default:
		out := make([]byte, 0, n+5)
		out = append(out, txscript.OP_PUSHDATA4)
		var sz [4]byte
		binary.LittleEndian.PutUint32(sz[:], uint32(n))
		out = append(out, sz[:]...)
		return append(out, data...)
	}
}

// isMinimalPush reports whether the given data push uses the canonical
// minimal opcode for its payload.
func isMinimalPush(op byte, data []byte) bool {
	n := len(data)
	switch {
	case n == 0:
		return op == txscript.OP_0
	case n == 1 && data[0] >= 1 && data[0] <= 16:
		return false // must use OP_1 through OP_16
	case n == 1 && data[0] == 0x81:
		return false // must use OP_1NEGATE
	case n <= 75:
		return int(op) == n
	case n <= 0xff:
		return op == txscript.OP_PUSHDATA1
	case n <= 0xffff:
		return op == txscript.OP_PUSHDATA2
	default:
		return op == txscript.OP_PUSHDATA4
	}
}
