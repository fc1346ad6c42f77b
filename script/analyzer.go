package script

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

// StackStatus summarizes a fragment's static stack effect: how far
// below its starting top each stack is ever read, and the net height
// change each stack ends with.
type StackStatus struct {
	// DeepestStackAccessed is the lowest relative main-stack offset
	// touched during execution (0 or negative).
	DeepestStackAccessed int
	// StackChanged is the net change in main-stack height.
	StackChanged int
	// DeepestAltstackAccessed is the lowest relative alt-stack offset
	// touched during execution.
	DeepestAltstackAccessed int
	// AltstackChanged is the net change in alt-stack height.
	AltstackChanged int
}

// accumulate composes a fragment effect onto a running status. The new
// deepest access is discounted by the elements the prior net change
// already left on the stack; the same rule applies independently to the
// alt-stack. Composition is associative: folding fragments one by one
// equals analyzing their concatenation.
func (st *StackStatus) accumulate(eff StackStatus) {
	st.DeepestStackAccessed = min(st.DeepestStackAccessed, eff.DeepestStackAccessed+st.StackChanged)
	st.StackChanged += eff.StackChanged
	st.DeepestAltstackAccessed = min(st.DeepestAltstackAccessed, eff.DeepestAltstackAccessed+st.AltstackChanged)
	st.AltstackChanged += eff.AltstackChanged
}

// IsValidFinalStateWithoutInputs reports whether the fragment is a
// self-contained program: it produces exactly one result, leaves the
// alt-stack empty, and never reads below either stack's starting point.
func (st StackStatus) IsValidFinalStateWithoutInputs() bool {
	return st.StackChanged == 1 &&
		st.DeepestStackAccessed >= 0 &&
		st.AltstackChanged == 0 &&
		st.DeepestAltstackAccessed >= 0
}

// IsValidFinalStateWithInputs is the weaker variant for fragments that
// consume external inputs: the main stack may be read below its start,
// but the alt-stack must not leak.
func (st StackStatus) IsValidFinalStateWithInputs() bool {
	return st.AltstackChanged == 0 && st.DeepestAltstackAccessed >= 0
}

// PlainStackStatus builds a main-stack-only status, the common shape
// for manually constructed hints.
func PlainStackStatus(access, changed int) StackStatus {
	return StackStatus{DeepestStackAccessed: access, StackChanged: changed}
}

// ifFrame accumulates the effects of one conditional's branches while
// analysis is inside it.
type ifFrame struct {
	ifStatus   StackStatus
	elseStatus StackStatus
	inElse     bool
}

// StackAnalyzer walks a structured script in document order and folds
// every instruction's stack effect into a running StackStatus. Calls
// are analyzed once per content hash and composed as opaque effects;
// fragments with a stack hint are never descended into.
//
// A zero-value analyzer is not usable; construct with NewStackAnalyzer
// or NewStackAnalyzerWithState.
type StackAnalyzer struct {
	status  StackStatus
	ifStack []ifFrame

	// Last small constant pushed, consumed by OP_PICK/OP_ROLL. Reset by
	// any instruction that is not itself a small-constant push, and by
	// sub-script composition.
	lastConstant int64
	hasConstant  bool

	memo map[[32]byte]StackStatus
}

// NewStackAnalyzer returns an analyzer starting from empty stacks.
func NewStackAnalyzer() *StackAnalyzer {
	return &StackAnalyzer{memo: make(map[[32]byte]StackStatus)}
}

// NewStackAnalyzerWithState returns an analyzer resuming mid-program,
// with the last-small-constant side channel restored. The chunker uses
// this to carry state across chunk boundaries so OP_PICK/OP_ROLL right
// after a split still resolve.
func NewStackAnalyzerWithState(lastConstant int64, hasConstant bool) *StackAnalyzer {
	a := NewStackAnalyzer()
	a.lastConstant = lastConstant
	a.hasConstant = hasConstant
	return a
}

// LastConstant returns the analyzer's small-constant side channel.
func (a *StackAnalyzer) LastConstant() (int64, bool) {
	return a.lastConstant, a.hasConstant
}

// Status returns the status accumulated so far.
func (a *StackAnalyzer) Status() StackStatus { return a.status }

// Analyze walks the fragment and returns the accumulated status. On a
// fresh analyzer the result is the fragment's own stack effect; on a
// resumed analyzer it is the running composition.
func (a *StackAnalyzer) Analyze(s *StructuredScript) (StackStatus, error) {
	if err := s.Err(); err != nil {
		return StackStatus{}, err
	}
	if err := a.walkFragment(s, s); err != nil {
		return StackStatus{}, err
	}
	if len(a.ifStack) != 0 {
		return StackStatus{}, fmt.Errorf("script: fragment %q ends inside a conditional: %w",
			s.debugID, ErrUnbalancedFlow)
	}
	return a.status, nil
}

// AnalyzeStack is the one-shot form: a fresh analyzer run over s,
// honoring a stack hint on the root.
func AnalyzeStack(s *StructuredScript) (StackStatus, error) {
	if hint, ok := s.StackHint(); ok {
		return hint, nil
	}
	return NewStackAnalyzer().Analyze(s)
}

// walkFragment folds one fragment into the running status, using its
// hint when present.
func (a *StackAnalyzer) walkFragment(s, owner *StructuredScript) error {
	if hint, ok := s.StackHint(); ok {
		a.handleSubScript(hint)
		return nil
	}
	return a.walkBlocks(s, owner)
}

func (a *StackAnalyzer) walkBlocks(s, owner *StructuredScript) error {
	for _, b := range s.blocks {
		switch b.kind {
		case blockCall:
			sub := owner.lookup(b.hash)
			if sub == nil {
				sub = s.lookup(b.hash)
			}
			if sub == nil {
				return fmt.Errorf("script: fragment %q calls unknown script %x: %w",
					s.debugID, b.hash[:8], ErrInternal)
			}
			st, err := a.subStatus(sub, owner)
			if err != nil {
				return err
			}
			a.handleSubScript(st)
		case blockScript:
			if err := a.walkBytes(b.script, s.debugID); err != nil {
				return err
			}
		}
	}
	return nil
}

// subStatus returns the standalone stack effect of a called sub-script,
// memoized by content hash. Sub-scripts are resolved bottom-up with an
// explicit work stack so deeply nested programs cannot exhaust the
// native stack.
func (a *StackAnalyzer) subStatus(sub, owner *StructuredScript) (StackStatus, error) {
	if hint, ok := sub.StackHint(); ok {
		return hint, nil
	}
	if st, ok := a.memo[sub.Hash()]; ok {
		return st, nil
	}

	type task struct {
		s        *StructuredScript
		expanded bool
	}
	work := []task{{s: sub}}
	for len(work) > 0 {
		t := &work[len(work)-1]
		if !t.expanded {
			t.expanded = true
			for _, b := range t.s.blocks {
				if b.kind != blockCall {
					continue
				}
				dep := owner.lookup(b.hash)
				if dep == nil {
					dep = t.s.lookup(b.hash)
				}
				if dep == nil {
					return StackStatus{}, fmt.Errorf("script: fragment %q calls unknown script %x: %w",
						t.s.debugID, b.hash[:8], ErrInternal)
				}
				if dep.HasStackHint() {
					continue
				}
				if _, ok := a.memo[dep.Hash()]; ok {
					continue
				}
				work = append(work, task{s: dep})
			}
			continue
		}

		node := t.s
		work = work[:len(work)-1]
		if _, ok := a.memo[node.Hash()]; ok {
			continue
		}
		inner := &StackAnalyzer{memo: a.memo}
		if err := inner.walkBlocks(node, owner); err != nil {
			return StackStatus{}, err
		}
		if len(inner.ifStack) != 0 {
			return StackStatus{}, fmt.Errorf("script: sub-script %q ends inside a conditional: %w",
				node.debugID, ErrUnbalancedFlow)
		}
		a.memo[node.Hash()] = inner.status
	}
	return a.memo[sub.Hash()], nil
}

// walkBytes folds a literal instruction run into the running status.
func (a *StackAnalyzer) walkBytes(raw []byte, debugID string) error {
	tok := txscript.MakeScriptTokenizer(0, raw)
	pos := 0
	for tok.Next() {
		op := tok.Opcode()
		if data := tok.Data(); data != nil || op == txscript.OP_0 {
			a.handlePush(data)
		} else if err := a.handleOpcode(op); err != nil {
			return fmt.Errorf("script: %q at position %d: %w", debugID, pos, err)
		}
		pos = int(tok.ByteIndex())
	}
	if err := tok.Err(); err != nil {
		return fmt.Errorf("script: %q failed to decode during analysis: %v: %w",
			debugID, err, ErrMalformedScript)
	}
	return nil
}

// handlePush accounts for a data push: one element on the main stack,
// and a possible refresh of the small-constant side channel.
func (a *StackAnalyzer) handlePush(data []byte) {
	if n, err := parseScriptNum(data, maxScriptNumLen); err == nil {
		if n >= 0 && n <= 1000 {
			a.lastConstant, a.hasConstant = n, true
		} else {
			a.hasConstant = false
		}
	}
	// An unparsable push leaves the side channel untouched.
	a.stackChange(StackStatus{StackChanged: 1})
}

// handleSubScript composes a called fragment's effect. The constant
// side channel does not survive a call boundary.
func (a *StackAnalyzer) handleSubScript(st StackStatus) {
	a.hasConstant = false
	a.stackChange(st)
}

func (a *StackAnalyzer) handleOpcode(op byte) error {
	switch op {
	case txscript.OP_IF, txscript.OP_NOTIF:
		a.stackChange(StackStatus{DeepestStackAccessed: -1, StackChanged: -1})
		a.ifStack = append(a.ifStack, ifFrame{})

	case txscript.OP_ELSE:
		n := len(a.ifStack)
		if n == 0 || a.ifStack[n-1].inElse {
			return fmt.Errorf("OP_ELSE without matching OP_IF: %w", ErrUnbalancedFlow)
		}
		a.ifStack[n-1].inElse = true

	case txscript.OP_ENDIF:
		n := len(a.ifStack)
		if n == 0 {
			return fmt.Errorf("OP_ENDIF without matching OP_IF: %w", ErrUnbalancedFlow)
		}
		fr := a.ifStack[n-1]
		a.ifStack = a.ifStack[:n-1]
		ifSt, elseSt := fr.ifStatus, fr.elseStatus
		if !fr.inElse {
			// A lone if-branch composes with an implicit empty else, so
			// its net effect must be zero on both stacks.
			elseSt = StackStatus{}
		}
		if ifSt.StackChanged != elseSt.StackChanged ||
			ifSt.AltstackChanged != elseSt.AltstackChanged {
			return fmt.Errorf("if branch nets (%d,%d), else branch nets (%d,%d): %w",
				ifSt.StackChanged, ifSt.AltstackChanged,
				elseSt.StackChanged, elseSt.AltstackChanged, ErrBranchMismatch)
		}
		// A verifier must assume the worse branch on each stack.
		a.stackChange(StackStatus{
			DeepestStackAccessed:    min(ifSt.DeepestStackAccessed, elseSt.DeepestStackAccessed),
			StackChanged:            ifSt.StackChanged,
			DeepestAltstackAccessed: min(ifSt.DeepestAltstackAccessed, elseSt.DeepestAltstackAccessed),
			AltstackChanged:         ifSt.AltstackChanged,
		})

	case txscript.OP_PICK:
		if !a.hasConstant {
			return fmt.Errorf("OP_PICK without a statically known depth: %w", ErrNonStaticEffect)
		}
		a.stackChange(StackStatus{DeepestStackAccessed: -int(a.lastConstant) - 1})

	case txscript.OP_ROLL:
		if !a.hasConstant {
			return fmt.Errorf("OP_ROLL without a statically known depth: %w", ErrNonStaticEffect)
		}
		a.stackChange(StackStatus{DeepestStackAccessed: -int(a.lastConstant) - 1, StackChanged: -1})

	case txscript.OP_RESERVED:
		return ErrDebugMarker

	default:
		eff, ok := opcodeEffect(op)
		if !ok {
			return fmt.Errorf("opcode 0x%02x has no static stack effect: %w", op, ErrNonStaticEffect)
		}
		a.stackChange(eff)
	}

	// Refresh the small-constant side channel: only OP_1..OP_16 keep it
	// alive through an opcode.
	if op >= txscript.OP_1 && op <= txscript.OP_16 {
		a.lastConstant, a.hasConstant = int64(op-txscript.OP_1)+1, true
	} else {
		a.hasConstant = false
	}
	return nil
}

// stackChange folds an effect into the innermost open conditional
// branch, or into the top-level status outside any conditional.
func (a *StackAnalyzer) stackChange(eff StackStatus) {
	if n := len(a.ifStack); n > 0 {
		fr := &a.ifStack[n-1]
		if fr.inElse {
			fr.elseStatus.accumulate(eff)
		} else {
			fr.ifStatus.accumulate(eff)
		}
		return
	}
	a.status.accumulate(eff)
}

// opcodeEffect is the static stack-effect table: deepest relative
// access and net height change per stack. Opcodes whose effect depends
// on runtime stack contents (OP_IFDUP, OP_CHECKMULTISIG, ...) are
// absent and reported as non-static.
func opcodeEffect(op byte) (StackStatus, bool) {
	// Data pushes, handled here for completeness; tokenized pushes go
	// through handlePush.
	if op <= txscript.OP_PUSHDATA4 || (op >= txscript.OP_1NEGATE && op <= txscript.OP_16 && op != txscript.OP_RESERVED) {
		return StackStatus{StackChanged: 1}, true
	}

	main := func(access, changed int) (StackStatus, bool) {
		return StackStatus{DeepestStackAccessed: access, StackChanged: changed}, true
	}

	switch op {
	case txscript.OP_NOP,
		txscript.OP_NOP1, txscript.OP_NOP4, txscript.OP_NOP5,
		txscript.OP_NOP6, txscript.OP_NOP7, txscript.OP_NOP8,
		txscript.OP_NOP9, txscript.OP_NOP10:
		return main(0, 0)

	case txscript.OP_VERIFY:
		return main(-1, -1)

	case txscript.OP_TOALTSTACK:
		return StackStatus{
			DeepestStackAccessed: -1, StackChanged: -1,
			AltstackChanged: 1,
		}, true
	case txscript.OP_FROMALTSTACK:
		return StackStatus{
			StackChanged:            1,
			DeepestAltstackAccessed: -1, AltstackChanged: -1,
		}, true

	case txscript.OP_2DROP:
		return main(-2, -2)
	case txscript.OP_2DUP:
		return main(-2, 2)
	case txscript.OP_3DUP:
		return main(-3, 3)
	case txscript.OP_2OVER:
		return main(-4, 2)
	case txscript.OP_2ROT:
		return main(-6, 0)
	case txscript.OP_2SWAP:
		return main(-4, 0)
	case txscript.OP_DEPTH:
		return main(0, 1)
	case txscript.OP_DROP:
		return main(-1, -1)
	case txscript.OP_DUP:
		return main(-1, 1)
	case txscript.OP_NIP:
		return main(-2, -1)
	case txscript.OP_OVER:
		return main(-2, 1)
	case txscript.OP_ROT:
		return main(-3, 0)
	case txscript.OP_SWAP:
		return main(-2, 0)
	case txscript.OP_TUCK:
		return main(-2, 1)
	case txscript.OP_SIZE:
		return main(-1, 1)

	case txscript.OP_EQUAL:
		return main(-2, -1)
	case txscript.OP_EQUALVERIFY:
		return main(-2, -2)

	case txscript.OP_1ADD, txscript.OP_1SUB, txscript.OP_NEGATE,
		txscript.OP_ABS, txscript.OP_NOT, txscript.OP_0NOTEQUAL:
		return main(-1, 0)
	case txscript.OP_ADD, txscript.OP_SUB, txscript.OP_BOOLAND,
		txscript.OP_BOOLOR, txscript.OP_NUMEQUAL, txscript.OP_NUMNOTEQUAL,
		txscript.OP_LESSTHAN, txscript.OP_GREATERTHAN,
		txscript.OP_LESSTHANOREQUAL, txscript.OP_GREATERTHANOREQUAL,
		txscript.OP_MIN, txscript.OP_MAX:
		return main(-2, -1)
	case txscript.OP_NUMEQUALVERIFY:
		return main(-2, -2)
	case txscript.OP_WITHIN:
		return main(-3, -2)

	case txscript.OP_RIPEMD160, txscript.OP_SHA1, txscript.OP_SHA256,
		txscript.OP_HASH160, txscript.OP_HASH256:
		return main(-1, 0)

	case txscript.OP_CHECKSIG:
		return main(-2, -1)
	case txscript.OP_CHECKSIGVERIFY:
		return main(-2, -2)

	case txscript.OP_CHECKLOCKTIMEVERIFY, txscript.OP_CHECKSEQUENCEVERIFY:
		// Inspect the top element, leave it in place.
		return main(-1, 0)
	}
	return StackStatus{}, false
}
