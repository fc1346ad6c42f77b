package script

import (
	"crypto/sha256"
	"encoding/binary"
)

// Content hashing for structured scripts.
//
// The hash covers the block sequence only: literal instruction bytes
// and the hashes of called sub-scripts. Size, debug identifier, and
// stack hints are deliberately excluded, so two structurally identical
// fragments hash identically and deduplicate in the script map
// regardless of how they were labeled.

// Framing tag bytes. Each block contributes its tag followed by a
// length-prefixed payload so that no two distinct block sequences can
// produce the same byte stream.
const (
	hashTagCall   = 0x01
	hashTagScript = 0x02
)

// hashBlocks computes the SHA-256 content hash of a block sequence.
func hashBlocks(blocks []Block) [32]byte {
	h := sha256.New()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(blocks)))
	h.Write(lenBuf[:])

	for _, b := range blocks {
		switch b.kind {
		case blockCall:
			h.Write([]byte{hashTagCall})
			h.Write(b.hash[:])
		case blockScript:
			h.Write([]byte{hashTagScript})
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b.script)))
			h.Write(lenBuf[:])
			h.Write(b.script)
		}
	}

	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
