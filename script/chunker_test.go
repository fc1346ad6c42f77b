package script

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/txscript"

	"github.com/quindar/bitscript/manifest"
)

func chunkSizes(chunks []Chunk) []int {
	sizes := make([]int, len(chunks))
	for i, ch := range chunks {
		sizes[i] = ch.Size
	}
	return sizes
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// assertReassembles checks that the concatenated compiled chunks equal
// the compiled root.
func assertReassembles(t *testing.T, root *StructuredScript, c *Chunker) {
	t.Helper()
	compiled, err := c.CompileChunks()
	if err != nil {
		t.Fatalf("CompileChunks() failed: %v", err)
	}
	var joined []byte
	for _, b := range compiled {
		joined = append(joined, b...)
	}
	want := mustCompile(t, root)
	if !bytes.Equal(joined, want) {
		t.Fatalf("reassembled chunks = %x, want %x", joined, want)
	}
}

func TestChunkerEvenSplit(t *testing.T) {
	sub := NewScript("sub").PushOpCode(txscript.OP_DUP).PushOpCode(txscript.OP_DROP)
	root := NewScript("root").
		PushEnvScript(sub).
		PushEnvScript(sub).
		PushEnvScript(sub).
		PushEnvScript(sub)

	c := NewChunker(root, 2, 0, 0)
	chunks, err := c.FindChunks()
	if err != nil {
		t.Fatalf("FindChunks() failed: %v", err)
	}
	if got, want := chunkSizes(chunks), []int{2, 2, 2, 2}; !intsEqual(got, want) {
		t.Fatalf("chunk sizes = %v, want %v", got, want)
	}
	for i, ch := range chunks {
		want := ChunkStats{StackInputSize: 1, StackOutputSize: 1}
		if ch.Stats != want {
			t.Errorf("chunk %d stats = %+v, want %+v", i, ch.Stats, want)
		}
	}
	assertReassembles(t, root, c)
}

func TestChunkerSplitsAroundConditional(t *testing.T) {
	pushes := NewScript("pushes").PushInt(1).PushInt(1)
	body := NewScript("body").PushOpCode(txscript.OP_DUP).PushOpCode(txscript.OP_DROP)
	root := NewScript("root").
		PushEnvScript(pushes).
		PushOpCode(txscript.OP_IF).
		PushEnvScript(body).
		PushOpCode(txscript.OP_ENDIF)

	// A 5-byte target cuts inside the conditional; the chunker must back
	// off to the boundary before OP_IF and emit the whole conditional as
	// the second chunk.
	c := NewChunker(root, 5, 0, 0)
	chunks, err := c.FindChunks()
	if err != nil {
		t.Fatalf("FindChunks() failed: %v", err)
	}
	if got, want := chunkSizes(chunks), []int{2, 4}; !intsEqual(got, want) {
		t.Fatalf("chunk sizes = %v, want %v", got, want)
	}
	assertReassembles(t, root, c)
}

func TestChunkerStatsChain(t *testing.T) {
	sub := NewScript("sub").PushOpCode(txscript.OP_DUP).PushOpCode(txscript.OP_DROP)
	root := NewScript("root").PushEnvScript(sub).PushEnvScript(sub)

	c := NewChunker(root, 2, 0, 0)
	chunks, err := c.FindChunks()
	if err != nil {
		t.Fatalf("FindChunks() failed: %v", err)
	}
	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1].Stats, chunks[i].Stats
		if cur.StackInputSize != prev.StackOutputSize {
			t.Errorf("chunk %d stack input %d != chunk %d output %d",
				i, cur.StackInputSize, i-1, prev.StackOutputSize)
		}
		if cur.AltstackInputSize != prev.AltstackOutputSize {
			t.Errorf("chunk %d altstack input %d != chunk %d output %d",
				i, cur.AltstackInputSize, i-1, prev.AltstackOutputSize)
		}
	}
}

func TestChunkerConstantSurvivesBoundary(t *testing.T) {
	setup := NewScript("setup").
		PushInt(1).PushInt(1).PushInt(1).PushInt(1).
		PushInt(3)
	picker := NewScript("picker").
		PushOpCode(txscript.OP_PICK).
		PushOpCode(txscript.OP_DROP)
	root := NewScript("root").PushEnvScript(setup).PushEnvScript(picker)

	// The split lands exactly between the constant push and OP_PICK; the
	// carried side channel keeps the second chunk analyzable.
	c := NewChunker(root, 5, 0, 0)
	chunks, err := c.FindChunks()
	if err != nil {
		t.Fatalf("FindChunks() failed: %v", err)
	}
	if got, want := chunkSizes(chunks), []int{5, 2}; !intsEqual(got, want) {
		t.Fatalf("chunk sizes = %v, want %v", got, want)
	}
	if got := chunks[1].Stats; got.StackInputSize != 5 || got.StackOutputSize != 4 {
		t.Errorf("chunk 1 stack interface = %d->%d, want 5->4",
			got.StackInputSize, got.StackOutputSize)
	}
	assertReassembles(t, root, c)
}

func TestChunkerOversizedHintedFragment(t *testing.T) {
	opaque := NewScript("opaque").
		PushData(bytes.Repeat([]byte{0x33}, 5)).
		AddStackHint(0, 1)
	root := NewScript("root").PushInt(1).PushEnvScript(opaque)

	c := NewChunker(root, 2, 0, 0)
	chunks, err := c.FindChunks()
	if err != nil {
		t.Fatalf("FindChunks() failed: %v", err)
	}
	if got, want := chunkSizes(chunks), []int{1, 6}; !intsEqual(got, want) {
		t.Fatalf("chunk sizes = %v, want %v", got, want)
	}
	if got := chunks[1].Stats; got.StackInputSize != 1 || got.StackOutputSize != 2 {
		t.Errorf("chunk 1 stack interface = %d->%d, want 1->2",
			got.StackInputSize, got.StackOutputSize)
	}
}

func TestChunkerSingleInstructionTooLarge(t *testing.T) {
	root := NewScript("big").PushData(bytes.Repeat([]byte{0x44}, 10))
	_, err := NewChunker(root, 5, 0, 0).FindChunks()
	if !errors.Is(err, ErrInfeasible) {
		t.Fatalf("FindChunks() error = %v, want ErrInfeasible", err)
	}
	var ce *ChunkError
	if !errors.As(err, &ce) {
		t.Fatalf("FindChunks() error is %T, want *ChunkError", err)
	}
}

func TestChunkerConditionalTooLarge(t *testing.T) {
	root := NewScript("cond").
		PushOpCode(txscript.OP_IF).
		PushInt(1).
		PushInt(1).
		PushOpCode(txscript.OP_ENDIF)

	// The conditional block is 4 bytes; no balanced boundary fits in 3.
	_, err := NewChunker(root, 3, 0, 0).FindChunks()
	if !errors.Is(err, ErrInfeasible) {
		t.Fatalf("FindChunks() error = %v, want ErrInfeasible", err)
	}
	var ce *ChunkError
	if !errors.As(err, &ce) {
		t.Fatalf("FindChunks() error is %T, want *ChunkError", err)
	}
	if len(ce.UnclosedIfs) == 0 {
		t.Error("ChunkError carries no unclosed conditional positions")
	}
}

func TestChunkerStackLimit(t *testing.T) {
	// OP_ADD needs two elements on entry, so the first chunk's input
	// already exceeds a limit of 1.
	root := NewScript("add").PushOpCode(txscript.OP_ADD)

	if _, err := NewChunker(root, 2, 0, 1).FindChunks(); !errors.Is(err, ErrInfeasible) {
		t.Errorf("FindChunks() error = %v, want ErrInfeasible", err)
	}
	if _, err := NewChunker(root, 2, 0, 2).FindChunks(); err != nil {
		t.Errorf("FindChunks() failed with a sufficient limit: %v", err)
	}
	if _, err := NewChunker(root, 2, 0, 0).FindChunks(); err != nil {
		t.Errorf("FindChunks() failed with the limit disabled: %v", err)
	}
}

func TestChunkerRoutesAroundStackLimit(t *testing.T) {
	// The greedy boundary after two pushes holds two elements; with a
	// limit of 1 the chunker must retreat to a one-element boundary.
	root := NewScript("deep").
		PushInt(1).PushInt(1).
		PushOpCode(txscript.OP_DROP).PushOpCode(txscript.OP_DROP)

	c := NewChunker(root, 2, 0, 1)
	chunks, err := c.FindChunks()
	if err != nil {
		t.Fatalf("FindChunks() failed: %v", err)
	}
	for i, ch := range chunks {
		if ch.Stats.StackInputSize > 1 || ch.Stats.StackOutputSize > 1 {
			t.Errorf("chunk %d interface %d->%d exceeds stack limit 1",
				i, ch.Stats.StackInputSize, ch.Stats.StackOutputSize)
		}
	}
	assertReassembles(t, root, c)
}

func TestChunkerRejectsEmptyScript(t *testing.T) {
	_, err := NewChunker(NewScript("empty"), 10, 0, 0).FindChunks()
	if !errors.Is(err, ErrInfeasible) {
		t.Fatalf("FindChunks() error = %v, want ErrInfeasible", err)
	}
}

func TestChunkerPropagatesBuildError(t *testing.T) {
	root := NewScript("bad").PushScript([]byte{0x4c})
	if _, err := NewChunker(root, 10, 0, 0).FindChunks(); !errors.Is(err, ErrMalformedScript) {
		t.Errorf("FindChunks() error = %v, want ErrMalformedScript", err)
	}
}

func TestChunkerWholeScriptFits(t *testing.T) {
	root := NewScript("small").PushInt(1).PushInt(2).PushOpCode(txscript.OP_ADD)
	c := NewChunker(root, 100, 10, 0)
	chunks, err := c.FindChunks()
	if err != nil {
		t.Fatalf("FindChunks() failed: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Size != root.Len() {
		t.Fatalf("chunk sizes = %v, want [%d]", chunkSizes(chunks), root.Len())
	}
	assertReassembles(t, root, c)
}

func TestChunkerWithProfile(t *testing.T) {
	sub := NewScript("sub").PushOpCode(txscript.OP_DUP).PushOpCode(txscript.OP_DROP)
	root := NewScript("root").
		PushEnvScript(sub).
		PushEnvScript(sub).
		PushEnvScript(sub).
		PushEnvScript(sub)

	p := manifest.Profile{TargetChunkSize: 2}
	c := NewChunkerWithProfile(root, p)
	chunks, err := c.FindChunks()
	if err != nil {
		t.Fatalf("FindChunks() failed: %v", err)
	}
	if got, want := chunkSizes(chunks), []int{2, 2, 2, 2}; !intsEqual(got, want) {
		t.Fatalf("chunk sizes = %v, want %v", got, want)
	}
}
