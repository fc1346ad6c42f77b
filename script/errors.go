package script

import (
	"errors"
	"fmt"
)

// Error categories. Everything here is fatal for the operation that
// produced it; nothing is retried internally. Callers that want
// resilience re-invoke with different parameters (a larger chunk
// target, an added stack hint).
var (
	// ErrMalformedScript is returned when raw script bytes cannot be
	// decoded into instructions.
	ErrMalformedScript = errors.New("malformed script")

	// ErrUnbalancedFlow is returned for conditional structure that
	// cannot be resolved: OP_ELSE or OP_ENDIF with no matching OP_IF,
	// or a fragment that ends inside a conditional.
	ErrUnbalancedFlow = errors.New("unbalanced conditional flow")

	// ErrBranchMismatch is returned when the two arms of a conditional
	// disagree on their net stack effect, which makes the script's
	// stack size statically ambiguous.
	ErrBranchMismatch = errors.New("conditional branches disagree on stack effect")

	// ErrNonStaticEffect is returned when an instruction's stack effect
	// depends on runtime data the analyzer cannot see, e.g. OP_PICK
	// without a known preceding constant. Attach a stack hint to the
	// enclosing fragment to analyze such scripts.
	ErrNonStaticEffect = errors.New("stack effect cannot be statically determined")

	// ErrDebugMarker is returned when analysis encounters OP_RESERVED,
	// which callers use to mark intentionally unreachable debug points.
	// Its presence means the script still contains debug scaffolding.
	ErrDebugMarker = errors.New("script contains a debug marker opcode")

	// ErrInfeasible is returned when the chunker cannot satisfy its
	// configuration, e.g. the target chunk size is smaller than the
	// smallest indivisible unit of the script.
	ErrInfeasible = errors.New("cannot chunk script with the configured parameters")

	// ErrInternal flags an internal consistency violation, such as the
	// compiled output failing the minimal-push recheck. It always
	// indicates a bug in this package.
	ErrInternal = errors.New("internal consistency violation")
)

// ChunkError reports a failed chunking run with enough context to
// diagnose it: the sizes of the chunks committed before the failure and
// the positions of the conditionals that could not be closed.
type ChunkError struct {
	// Boundaries holds the byte sizes of the chunks found before the
	// failure, in order.
	Boundaries []int

	// UnclosedIfs holds the root-relative positions of OP_IF/OP_NOTIF
	// instructions left unclosed in the failing chunk, if known.
	UnclosedIfs []int

	// Debug identifies the fragment being chunked when the failure
	// occurred.
	Debug string

	Reason string
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("script: %s (fragment %q, chunks so far %v, unclosed ifs %v): %v",
		e.Reason, e.Debug, e.Boundaries, e.UnclosedIfs, ErrInfeasible)
}

func (e *ChunkError) Unwrap() error { return ErrInfeasible }
