package script

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/tliron/commonlog"
)

var compileLog = commonlog.GetLogger("bitscript.compile")

// Compile flattens the fragment into a single byte buffer.
//
// Compilation keeps a hash-keyed cache of offsets: the first occurrence
// of a called sub-script is compiled into the output and its start
// offset recorded; every later occurrence of the same hash copies the
// previously emitted bytes instead of recompiling. This is what keeps
// heavily shared subtrees linear in the output size rather than in the
// number of references.
//
// The flattened output is re-decoded with a minimal-push check before
// it is returned. A failure there is an internal bug, never a caller
// error, and is reported as ErrInternal.
func (s *StructuredScript) Compile() ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}

	out := make([]byte, 0, s.size)
	cache := make(map[[32]byte]int)

	// Explicit frame stack instead of recursion: bounds native stack
	// depth on deeply nested programs and makes the cache bookkeeping
	// (record the start offset once a sub-script finishes) explicit.
	type frame struct {
		node  *StructuredScript
		block int
		start int
		hash  [32]byte
		root  bool
	}
	stack := []frame{{node: s, root: true}}
	shared := 0

	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		if f.block >= len(f.node.blocks) {
			if !f.root {
				cache[f.hash] = f.start
			}
			stack = stack[:len(stack)-1]
			continue
		}
		b := f.node.blocks[f.block]
		f.block++

		switch b.kind {
		case blockScript:
			out = append(out, b.script...)

		case blockCall:
			sub := s.lookup(b.hash)
			if sub == nil {
				sub = f.node.lookup(b.hash)
			}
			if sub == nil {
				return nil, fmt.Errorf("script: fragment %q calls unknown script %x: %w",
					f.node.debugID, b.hash[:8], ErrInternal)
			}
			if start, ok := cache[b.hash]; ok {
				// Copy the already compiled sub-script from where it
				// was first emitted.
				out = append(out, out[start:start+sub.size]...)
				shared++
				continue
			}
			stack = append(stack, frame{node: sub, start: len(out), hash: b.hash})
		}
	}

	if len(out) != s.size {
		return nil, fmt.Errorf("script: compiled %d bytes for fragment %q of declared size %d: %w",
			len(out), s.debugID, s.size, ErrInternal)
	}
	if err := verifyMinimal(out); err != nil {
		return nil, fmt.Errorf("script: compiled output of %q failed minimality recheck: %w",
			s.debugID, err)
	}

	compileLog.Debugf("compiled %q: %d bytes, %d distinct sub-scripts, %d shared references",
		s.debugID, len(out), len(cache), shared)
	return out, nil
}

// verifyMinimal re-decodes a compiled script and checks that every data
// push uses its canonical minimal encoding.
func verifyMinimal(raw []byte) error {
	tok := txscript.MakeScriptTokenizer(0, raw)
	pos := 0
	for tok.Next() {
		if data := tok.Data(); data != nil && !isMinimalPush(tok.Opcode(), data) {
			return fmt.Errorf("non-minimal push of %d bytes at position %d: %w",
				len(data), pos, ErrInternal)
		}
		pos = int(tok.ByteIndex())
	}
	if err := tok.Err(); err != nil {
		return fmt.Errorf("decode failed at position %d: %v: %w", pos, err, ErrInternal)
	}
	return nil
}
