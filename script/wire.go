package script

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// Structural serialization of structured scripts.
//
// The wire form carries the block sequence and the transitive script
// map, which is everything compilation is deterministic over. Size and
// conditional bookkeeping are re-derived on load by rebuilding through
// the push APIs, so a decoded script is revalidated the same way a
// freshly built one is.

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("script: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type wireBlock struct {
	// Exactly one of Call and Script is set.
	Call   []byte `cbor:"call,omitempty"`
	Script []byte `cbor:"script,omitempty"`
}

type wireHint struct {
	DeepestStack    int `cbor:"ds"`
	StackChanged    int `cbor:"sc"`
	DeepestAltstack int `cbor:"da"`
	AltstackChanged int `cbor:"ac"`
}

type wireNode struct {
	Debug  string      `cbor:"debug,omitempty"`
	Blocks []wireBlock `cbor:"blocks"`
	Hint   *wireHint   `cbor:"hint,omitempty"`
}

type wireEnvelope struct {
	Root wireNode `cbor:"root"`
	// Scripts holds the transitive script map, sorted by hash for a
	// deterministic encoding.
	Scripts []wireEntry `cbor:"scripts"`
}

type wireEntry struct {
	Hash []byte   `cbor:"hash"`
	Node wireNode `cbor:"node"`
}

func nodeOf(s *StructuredScript) wireNode {
	n := wireNode{Debug: s.debugID, Blocks: make([]wireBlock, 0, len(s.blocks))}
	for _, b := range s.blocks {
		switch b.kind {
		case blockCall:
			h := b.hash
			n.Blocks = append(n.Blocks, wireBlock{Call: h[:]})
		case blockScript:
			n.Blocks = append(n.Blocks, wireBlock{Script: b.script})
		}
	}
	if s.stackHint != nil {
		n.Hint = &wireHint{
			DeepestStack:    s.stackHint.DeepestStackAccessed,
			StackChanged:    s.stackHint.StackChanged,
			DeepestAltstack: s.stackHint.DeepestAltstackAccessed,
			AltstackChanged: s.stackHint.AltstackChanged,
		}
	}
	return n
}

// MarshalScript serializes a structured script to canonical CBOR.
func MarshalScript(s *StructuredScript) ([]byte, error) {
	if err := s.Err(); err != nil {
		return nil, err
	}

	// Collect every sub-script reachable from the root.
	reachable := make(map[[32]byte]*StructuredScript)
	var visit func(node *StructuredScript) error
	visit = func(node *StructuredScript) error {
		for _, b := range node.blocks {
			if b.kind != blockCall {
				continue
			}
			if _, ok := reachable[b.hash]; ok {
				continue
			}
			sub := s.lookup(b.hash)
			if sub == nil {
				sub = node.lookup(b.hash)
			}
			if sub == nil {
				return fmt.Errorf("script: fragment %q calls unknown script %x: %w",
					node.debugID, b.hash[:8], ErrInternal)
			}
			reachable[b.hash] = sub
			if err := visit(sub); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(s); err != nil {
		return nil, err
	}

	env := wireEnvelope{Root: nodeOf(s), Scripts: make([]wireEntry, 0, len(reachable))}
	for h, sub := range reachable {
		env.Scripts = append(env.Scripts, wireEntry{Hash: append([]byte(nil), h[:]...), Node: nodeOf(sub)})
	}
	sort.Slice(env.Scripts, func(i, j int) bool {
		return bytes.Compare(env.Scripts[i].Hash, env.Scripts[j].Hash) < 0
	})
	return cborEncMode.Marshal(&env)
}

// UnmarshalScript rebuilds a structured script from its CBOR form. Each
// sub-script is reconstructed through the push APIs and its recomputed
// content hash checked against the stored one, so tampered or corrupted
// payloads fail loudly instead of producing a silently different
// program.
func UnmarshalScript(data []byte) (*StructuredScript, error) {
	var env wireEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("script: unmarshal structured script: %v: %w", err, ErrMalformedScript)
	}

	index := make(map[[32]byte]wireNode, len(env.Scripts))
	for _, e := range env.Scripts {
		if len(e.Hash) != 32 {
			return nil, fmt.Errorf("script: wire entry has %d-byte hash: %w", len(e.Hash), ErrMalformedScript)
		}
		var h [32]byte
		copy(h[:], e.Hash)
		index[h] = e.Node
	}

	built := make(map[[32]byte]*StructuredScript, len(index))
	building := make(map[[32]byte]bool)

	var rebuild func(n wireNode, want *[32]byte) (*StructuredScript, error)
	rebuild = func(n wireNode, want *[32]byte) (*StructuredScript, error) {
		s := NewScript(n.Debug)
		for _, b := range n.Blocks {
			switch {
			case b.Call != nil:
				if len(b.Call) != 32 {
					return nil, fmt.Errorf("script: wire call block has %d-byte hash: %w",
						len(b.Call), ErrMalformedScript)
				}
				var h [32]byte
				copy(h[:], b.Call)
				sub, ok := built[h]
				if !ok {
					node, present := index[h]
					if !present {
						return nil, fmt.Errorf("script: wire form references missing script %x: %w",
							h[:8], ErrMalformedScript)
					}
					if building[h] {
						return nil, fmt.Errorf("script: wire form contains a reference cycle at %x: %w",
							h[:8], ErrMalformedScript)
					}
					building[h] = true
					var err error
					sub, err = rebuild(node, &h)
					if err != nil {
						return nil, err
					}
					building[h] = false
					built[h] = sub
				}
				s = s.PushEnvScript(sub)
			case b.Script != nil:
				s = s.PushScript(b.Script)
			default:
				return nil, fmt.Errorf("script: wire block is neither call nor script: %w", ErrMalformedScript)
			}
		}
		if err := s.Err(); err != nil {
			return nil, err
		}
		if n.Hint != nil {
			s.stackHint = &StackStatus{
				DeepestStackAccessed:    n.Hint.DeepestStack,
				StackChanged:            n.Hint.StackChanged,
				DeepestAltstackAccessed: n.Hint.DeepestAltstack,
				AltstackChanged:         n.Hint.AltstackChanged,
			}
		}
		if got := s.Hash(); want != nil && got != *want {
			return nil, fmt.Errorf("script: rebuilt script hashes to %x, wire form says %x: %w",
				got[:8], (*want)[:8], ErrMalformedScript)
		}
		return s, nil
	}

	return rebuild(env.Root, nil)
}
