package script

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

// StructuredScript is a script fragment: an ordered list of blocks,
// each either a literal instruction run or a content-addressed call to
// another fragment. A fragment owns the bodies of every sub-script
// reachable from it in its script map; sharing between fragments is by
// hash equality, not pointer identity.
//
// Push methods mutate the receiver and return it for chaining. The
// first malformed input poisons the builder: later pushes become no-ops
// and the error surfaces from Err, Compile, Analyze, and the chunker.
// Once a fragment has been spliced into another via PushEnvScript it is
// registered under its content hash and must not be mutated again.
type StructuredScript struct {
	size    int
	debugID string
	blocks  []Block

	// scriptMap owns the bodies of all sub-scripts reachable from this
	// fragment, keyed by content hash. First writer wins: a later,
	// content-identical registration is dropped, not overwritten.
	scriptMap map[[32]byte]*StructuredScript

	// Conditional bookkeeping, maintained incrementally so callers can
	// ask about balance without re-scanning bytes.
	numUnclosedIfs      int
	unclosedIfPositions []int
	extraEndifPositions []int
	maxIfStart          int
	maxIfEnd            int

	stackHint *StackStatus

	err error

	hash      [32]byte
	hashValid bool
}

// NewScript returns an empty fragment carrying the given debug
// identifier. The identifier is diagnostic only; it never participates
// in content hashing.
func NewScript(debugID string) *StructuredScript {
	return &StructuredScript{
		debugID:   debugID,
		scriptMap: make(map[[32]byte]*StructuredScript),
	}
}

// Len returns the total byte length this fragment compiles to.
func (s *StructuredScript) Len() int { return s.size }

// DebugID returns the fragment's debug identifier.
func (s *StructuredScript) DebugID() string { return s.debugID }

// Err returns the sticky build error, if any push so far has failed.
func (s *StructuredScript) Err() error { return s.err }

// Blocks returns the fragment's block sequence. The slice is owned by
// the fragment and must be treated as read-only.
func (s *StructuredScript) Blocks() []Block { return s.blocks }

// NumUnclosedIfs returns the net conditional balance of the fragment:
// OP_IF/OP_NOTIF count minus OP_ENDIF count.
func (s *StructuredScript) NumUnclosedIfs() int { return s.numUnclosedIfs }

// UnclosedIfPositions returns the byte positions of conditionals opened
// but not closed within this fragment.
func (s *StructuredScript) UnclosedIfPositions() []int { return s.unclosedIfPositions }

// ExtraEndifPositions returns the byte positions of OP_ENDIFs that had
// no matching conditional within this fragment.
func (s *StructuredScript) ExtraEndifPositions() []int { return s.extraEndifPositions }

// MaxOpIfInterval returns the position span of the widest balanced
// if/endif interval seen so far, the most expensive conditional block
// to keep unsplit while chunking.
func (s *StructuredScript) MaxOpIfInterval() (start, end int) {
	return s.maxIfStart, s.maxIfEnd
}

// ContainsFlowOp reports whether the fragment contains any conditional
// structure at all.
func (s *StructuredScript) ContainsFlowOp() bool {
	return len(s.unclosedIfPositions) != 0 ||
		len(s.extraEndifPositions) != 0 ||
		s.maxIfStart != s.maxIfEnd
}

// IsScriptBuf reports whether the fragment is a single literal block
// with no sub-script calls.
func (s *StructuredScript) IsScriptBuf() bool {
	return len(s.blocks) == 1 && s.blocks[0].kind == blockScript
}

// IsSingleInstruction reports whether the fragment is exactly one
// literal instruction. Such fragments are atomic for the chunker.
func (s *StructuredScript) IsSingleInstruction() bool {
	if !s.IsScriptBuf() {
		return false
	}
	count := 0
	tok := txscript.MakeScriptTokenizer(0, s.blocks[0].script)
	for tok.Next() {
		count++
		if count > 1 {
			return false
		}
	}
	return tok.Err() == nil && count == 1
}

// HasStackHint reports whether a manual stack-effect override is
// attached to this fragment.
func (s *StructuredScript) HasStackHint() bool { return s.stackHint != nil }

// StackHint returns the attached stack-effect override, if any.
func (s *StructuredScript) StackHint() (StackStatus, bool) {
	if s.stackHint == nil {
		return StackStatus{}, false
	}
	return *s.stackHint, true
}

// AddStackHint sets the main-stack part of the fragment's stack hint.
// A hint short-circuits analysis for the whole subtree; an inaccurate
// hint is never second-guessed.
func (s *StructuredScript) AddStackHint(access, changed int) *StructuredScript {
	if s.stackHint == nil {
		s.stackHint = &StackStatus{}
	}
	s.stackHint.DeepestStackAccessed = access
	s.stackHint.StackChanged = changed
	return s
}

// AddAltStackHint sets the alt-stack part of the fragment's stack hint.
func (s *StructuredScript) AddAltStackHint(access, changed int) *StructuredScript {
	if s.stackHint == nil {
		s.stackHint = &StackStatus{}
	}
	s.stackHint.DeepestAltstackAccessed = access
	s.stackHint.AltstackChanged = changed
	return s
}

// Hash returns the content hash of the fragment's block sequence. The
// hash is memoized and recomputed after any mutation.
func (s *StructuredScript) Hash() [32]byte {
	if !s.hashValid {
		s.hash = hashBlocks(s.blocks)
		s.hashValid = true
	}
	return s.hash
}

// lookup resolves a call hash against the fragment's script map.
func (s *StructuredScript) lookup(h [32]byte) *StructuredScript {
	return s.scriptMap[h]
}

func (s *StructuredScript) setErr(err error) {
	if s.err == nil {
		s.err = err
	}
}

func (s *StructuredScript) dirty() {
	s.hashValid = false
}

// recordIf notes a conditional opened at pos.
func (s *StructuredScript) recordIf(pos int) {
	s.numUnclosedIfs++
	s.unclosedIfPositions = append(s.unclosedIfPositions, pos)
}

// recordEndif notes a conditional closed at pos, pairing it with the
// most recently opened conditional or recording it as an orphan.
func (s *StructuredScript) recordEndif(pos int) {
	s.numUnclosedIfs--
	if n := len(s.unclosedIfPositions); n > 0 {
		start := s.unclosedIfPositions[n-1]
		s.unclosedIfPositions = s.unclosedIfPositions[:n-1]
		s.updateMaxInterval(start, pos)
	} else {
		s.extraEndifPositions = append(s.extraEndifPositions, pos)
	}
}

func (s *StructuredScript) updateMaxInterval(start, end int) {
	if end-start > s.maxIfEnd-s.maxIfStart {
		s.maxIfStart, s.maxIfEnd = start, end
	}
}

// lastScriptBlock returns the trailing literal block, appending a fresh
// one if the fragment is empty or ends in a call.
func (s *StructuredScript) lastScriptBlock() *Block {
	if n := len(s.blocks); n > 0 && s.blocks[n-1].kind == blockScript {
		return &s.blocks[n-1]
	}
	s.blocks = append(s.blocks, scriptBlock(nil))
	return &s.blocks[len(s.blocks)-1]
}

// PushOpCode appends a single opcode.
func (s *StructuredScript) PushOpCode(op byte) *StructuredScript {
	if s.err != nil {
		return s
	}
	switch op {
	case txscript.OP_IF, txscript.OP_NOTIF:
		s.recordIf(s.size)
	case txscript.OP_ENDIF:
		s.recordEndif(s.size)
	}
	blk := s.lastScriptBlock()
	blk.script = append(blk.script, op)
	s.size++
	s.dirty()
	return s
}

// PushScript appends a pre-encoded literal run. The bytes are decoded
// to re-derive the conditional bookkeeping; a decode failure poisons
// the builder, malformed scripts are never silently accepted. The
// input is copied, so the caller keeps ownership of raw.
func (s *StructuredScript) PushScript(raw []byte) *StructuredScript {
	if s.err != nil {
		return s
	}
	pos := 0
	tok := txscript.MakeScriptTokenizer(0, raw)
	for tok.Next() {
		switch tok.Opcode() {
		case txscript.OP_IF, txscript.OP_NOTIF:
			s.recordIf(s.size + pos)
		case txscript.OP_ENDIF:
			s.recordEndif(s.size + pos)
		}
		pos = int(tok.ByteIndex())
	}
	if err := tok.Err(); err != nil {
		s.setErr(fmt.Errorf("script: push of raw script %q failed to decode: %v: %w",
			s.debugID, err, ErrMalformedScript))
		return s
	}
	if pos != len(raw) {
		s.setErr(fmt.Errorf("script: decoded length %d does not match raw length %d: %w",
			pos, len(raw), ErrInternal))
		return s
	}
	s.blocks = append(s.blocks, scriptBlock(append([]byte(nil), raw...)))
	s.size += len(raw)
	s.dirty()
	return s
}

// PushEnvScript splices another fragment in as a call block, merging
// its conditional bookkeeping (offset by the current size) and closing
// as many of this fragment's pending conditionals against the spliced
// fragment's orphan ENDIFs as possible. The spliced fragment is
// registered in the script map under its content hash and must not be
// mutated afterwards. Splicing an empty fragment in either direction is
// elided so the tree carries no no-op calls.
func (s *StructuredScript) PushEnvScript(other *StructuredScript) *StructuredScript {
	if other == nil {
		return s
	}
	if other.err != nil {
		s.setErr(other.err)
		return s
	}
	if s.err != nil {
		return s
	}
	if other.size == 0 {
		return s
	}
	if s.size == 0 && len(s.blocks) == 0 {
		s.adopt(other)
		return s
	}

	// Close pending conditionals against the spliced fragment's orphan
	// ENDIFs, most recent first.
	closable := min(len(s.unclosedIfPositions), len(other.extraEndifPositions))
	for k := 0; k < closable; k++ {
		n := len(s.unclosedIfPositions)
		start := s.unclosedIfPositions[n-1]
		s.unclosedIfPositions = s.unclosedIfPositions[:n-1]
		end := other.extraEndifPositions[len(other.extraEndifPositions)-1-k]
		s.updateMaxInterval(start, end+s.size)
	}
	for _, pos := range other.extraEndifPositions[:len(other.extraEndifPositions)-closable] {
		s.extraEndifPositions = append(s.extraEndifPositions, pos+s.size)
	}
	s.updateMaxInterval(other.maxIfStart+s.size, other.maxIfEnd+s.size)
	for _, pos := range other.unclosedIfPositions {
		s.unclosedIfPositions = append(s.unclosedIfPositions, pos+s.size)
	}
	s.numUnclosedIfs += other.numUnclosedIfs

	h := other.Hash()
	s.blocks = append(s.blocks, callBlock(h))
	s.size += other.size
	s.mergeScriptMap(other)
	if _, ok := s.scriptMap[h]; !ok {
		s.scriptMap[h] = other
	}
	s.dirty()
	return s
}

// adopt copies another fragment's content into an empty receiver, the
// elided form of splicing non-empty into empty. Block bytes are deep
// copied so later pushes never alias the adopted fragment or its other
// adopters.
func (s *StructuredScript) adopt(other *StructuredScript) {
	s.blocks = make([]Block, len(other.blocks))
	for i, b := range other.blocks {
		if b.kind == blockScript {
			b.script = append([]byte(nil), b.script...)
		}
		s.blocks[i] = b
	}
	s.size = other.size
	s.numUnclosedIfs = other.numUnclosedIfs
	s.unclosedIfPositions = append([]int(nil), other.unclosedIfPositions...)
	s.extraEndifPositions = append([]int(nil), other.extraEndifPositions...)
	s.maxIfStart, s.maxIfEnd = other.maxIfStart, other.maxIfEnd
	if other.stackHint != nil {
		hint := *other.stackHint
		s.stackHint = &hint
	}
	if s.debugID == "" {
		s.debugID = other.debugID
	}
	s.mergeScriptMap(other)
	s.dirty()
}

func (s *StructuredScript) mergeScriptMap(other *StructuredScript) {
	for h, sub := range other.scriptMap {
		if _, ok := s.scriptMap[h]; !ok {
			s.scriptMap[h] = sub
		}
	}
}

// PushInt appends the minimal encoding of n: one opcode for -1 and
// 1..16, the canonical empty push for 0, and a minimal-length script
// number push otherwise.
func (s *StructuredScript) PushInt(n int64) *StructuredScript {
	switch {
	case n == -1:
		return s.PushOpCode(txscript.OP_1NEGATE)
	case n == 0:
		return s.PushOpCode(txscript.OP_0)
	case n >= 1 && n <= 16:
		return s.PushOpCode(byte(txscript.OP_1 + int(n) - 1))
	default:
		return s.PushData(scriptNumBytes(n))
	}
}

// PushData appends a literal data push using the shortest valid
// encoding for the payload length. Single-byte numeric values belong in
// PushInt; pushing them here produces a non-minimal script that the
// compile recheck rejects.
func (s *StructuredScript) PushData(data []byte) *StructuredScript {
	if s.err != nil {
		return s
	}
	enc := pushDataScript(data)
	blk := s.lastScriptBlock()
	blk.script = append(blk.script, enc...)
	s.size += len(enc)
	s.dirty()
	return s
}

// PushHex decodes a hex string and appends it as a data push.
func (s *StructuredScript) PushHex(h string) *StructuredScript {
	if s.err != nil {
		return s
	}
	data, err := hex.DecodeString(h)
	if err != nil {
		s.setErr(fmt.Errorf("script: invalid hex literal %q: %v: %w", h, err, ErrMalformedScript))
		return s
	}
	return s.PushData(data)
}

// DebugInfo returns the debug identifier of the fragment owning the
// instruction at the given byte position, descending through calls. It
// returns the empty string when the position is out of range.
func (s *StructuredScript) DebugInfo(position int) string {
	cur := 0
	for _, b := range s.blocks {
		switch b.kind {
		case blockCall:
			sub := s.lookup(b.hash)
			if sub == nil {
				return ""
			}
			if position >= cur && position < cur+sub.size {
				return sub.DebugInfo(position - cur)
			}
			cur += sub.size
		case blockScript:
			if position >= cur && position < cur+len(b.script) {
				return s.debugID
			}
			cur += len(b.script)
		}
	}
	return ""
}
