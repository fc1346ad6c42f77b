package script

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/tliron/commonlog"

	"github.com/quindar/bitscript/manifest"
)

var chunkLog = commonlog.GetLogger("bitscript.chunker")

// defaultMaxSplitDepth bounds how many times the chunker re-descends
// into a fragment looking for a finer split point before giving up and
// accepting it oversized.
const defaultMaxSplitDepth = 8

// ChunkStats records the stack interface of a chunk: how many main and
// alt stack elements it expects on entry and leaves on exit. Each
// chunk's input sizes equal the previous chunk's output sizes.
type ChunkStats struct {
	StackInputSize     int
	StackOutputSize    int
	AltstackInputSize  int
	AltstackOutputSize int
}

// Chunk is one size-bounded, conditionally balanced, stack-valid slice
// of a structured script.
type Chunk struct {
	// Scripts holds the fragments kept in this chunk, in document order.
	Scripts []*StructuredScript
	// Size is the total compiled byte length of the chunk.
	Size int
	Stats ChunkStats
}

// chunkItem is a pending fragment on the chunker's work stack, tagged
// with how many descents produced it.
type chunkItem struct {
	script *StructuredScript
	depth  int
}

// Chunker greedily partitions a structured script into chunks no larger
// than a target byte size. Fragments that overflow the running chunk
// are split at block boundaries, down to single instructions when
// necessary; chunks that end mid-conditional are unwound until a
// balanced boundary is found. Failing to find any valid boundary is a
// configuration error, never a silently wrong program.
type Chunker struct {
	targetChunkSize int
	// A chunk is closeable once its size reaches targetChunkSize -
	// tolerance; fragments keep being accepted while they fit under
	// targetChunkSize.
	tolerance  int
	stackLimit int
	maxDepth   int

	root      *StructuredScript
	callStack []chunkItem
	chunks    []Chunk

	// Carry-over state between chunks.
	started      bool
	prevMainOut  int
	prevAltOut   int
	lastConstant int64
	hasConstant  bool
}

// NewChunker creates a chunker over the given root fragment. A
// stackLimit of 0 disables the combined stack-height check.
func NewChunker(root *StructuredScript, targetChunkSize, tolerance, stackLimit int) *Chunker {
	return &Chunker{
		targetChunkSize: targetChunkSize,
		tolerance:       tolerance,
		stackLimit:      stackLimit,
		maxDepth:        defaultMaxSplitDepth,
		root:            root,
		callStack:       []chunkItem{{script: root}},
	}
}

// NewChunkerWithProfile creates a chunker configured from a manifest
// profile.
func NewChunkerWithProfile(root *StructuredScript, p manifest.Profile) *Chunker {
	c := NewChunker(root, p.TargetChunkSize, p.Tolerance, p.StackLimit)
	if p.MaxSplitDepth > 0 {
		c.maxDepth = p.MaxSplitDepth
	}
	return c
}

// FindChunks partitions the whole script and returns the chunks in
// document order. Concatenating the compiled chunks reproduces the
// compiled root script byte for byte.
func (c *Chunker) FindChunks() ([]Chunk, error) {
	if err := c.root.Err(); err != nil {
		return nil, err
	}
	if c.root.Len() == 0 {
		return nil, &ChunkError{
			Debug:  c.root.debugID,
			Reason: "script is empty, no chunk can be formed",
		}
	}
	for len(c.callStack) > 0 {
		chunk, err := c.findNextChunk()
		if err != nil {
			return nil, err
		}
		c.chunks = append(c.chunks, chunk)
		chunkLog.Debugf("chunk %d: %d fragments, %d bytes, stack %d->%d, altstack %d->%d",
			len(c.chunks)-1, len(chunk.Scripts), chunk.Size,
			chunk.Stats.StackInputSize, chunk.Stats.StackOutputSize,
			chunk.Stats.AltstackInputSize, chunk.Stats.AltstackOutputSize)
	}
	return c.chunks, nil
}

// ChunkSizes returns the byte sizes of the chunks found so far.
func (c *Chunker) ChunkSizes() []int {
	sizes := make([]int, len(c.chunks))
	for i, ch := range c.chunks {
		sizes[i] = ch.Size
	}
	return sizes
}

// CompileChunks runs FindChunks if needed and compiles each chunk to
// its byte form.
func (c *Chunker) CompileChunks() ([][]byte, error) {
	if c.chunks == nil {
		if _, err := c.FindChunks(); err != nil {
			return nil, err
		}
	}
	out := make([][]byte, 0, len(c.chunks))
	for _, ch := range c.chunks {
		buf := make([]byte, 0, ch.Size)
		for _, frag := range ch.Scripts {
			b, err := frag.Compile()
			if err != nil {
				return nil, err
			}
			buf = append(buf, b...)
		}
		out = append(out, buf)
	}
	return out, nil
}

func (c *Chunker) pop() (chunkItem, bool) {
	n := len(c.callStack)
	if n == 0 {
		return chunkItem{}, false
	}
	it := c.callStack[n-1]
	c.callStack = c.callStack[:n-1]
	return it, true
}

func (c *Chunker) push(it chunkItem) {
	c.callStack = append(c.callStack, it)
}

// pushPieces pushes fragments in reverse so popping yields document
// order.
func (c *Chunker) pushPieces(pieces []chunkItem) {
	for i := len(pieces) - 1; i >= 0; i-- {
		c.callStack = append(c.callStack, pieces[i])
	}
}

// splittable reports whether a fragment may be descended into. Hinted
// fragments are opaque units, single instructions are atomic, and the
// depth bound stops runaway re-splitting.
func (c *Chunker) splittable(it chunkItem) bool {
	return !it.script.HasStackHint() &&
		it.depth < c.maxDepth &&
		!it.script.IsSingleInstruction()
}

// descend breaks a fragment one level finer: calls become their
// referenced sub-scripts, and a lone literal run is exploded into one
// fragment per instruction.
func (c *Chunker) descend(it chunkItem) ([]chunkItem, error) {
	if it.script.IsScriptBuf() {
		return c.explode(it)
	}
	pieces := make([]chunkItem, 0, len(it.script.blocks))
	for _, b := range it.script.blocks {
		switch b.kind {
		case blockCall:
			sub := c.root.lookup(b.hash)
			if sub == nil {
				sub = it.script.lookup(b.hash)
			}
			if sub == nil {
				return nil, fmt.Errorf("script: fragment %q calls unknown script %x: %w",
					it.script.debugID, b.hash[:8], ErrInternal)
			}
			pieces = append(pieces, chunkItem{script: sub, depth: it.depth + 1})
		case blockScript:
			wrapped := NewScript(it.script.debugID).PushScript(b.script)
			if err := wrapped.Err(); err != nil {
				return nil, err
			}
			pieces = append(pieces, chunkItem{script: wrapped, depth: it.depth + 1})
		}
	}
	return pieces, nil
}

// explode splits a single-literal fragment into one fragment per
// instruction, the finest granularity a split can reach.
func (c *Chunker) explode(it chunkItem) ([]chunkItem, error) {
	raw := it.script.blocks[0].script
	var pieces []chunkItem
	tok := txscript.MakeScriptTokenizer(0, raw)
	start, idx := 0, 0
	for tok.Next() {
		end := int(tok.ByteIndex())
		piece := NewScript(fmt.Sprintf("%s[%d]", it.script.debugID, idx)).
			PushScript(raw[start:end])
		if err := piece.Err(); err != nil {
			return nil, err
		}
		pieces = append(pieces, chunkItem{script: piece, depth: it.depth + 1})
		start = end
		idx++
	}
	if err := tok.Err(); err != nil {
		return nil, fmt.Errorf("script: fragment %q failed to decode while splitting: %v: %w",
			it.script.debugID, err, ErrMalformedScript)
	}
	return pieces, nil
}

// findNextChunk greedily fills one chunk, then unwinds its tail until
// the chunk is conditionally balanced and stack-valid. Fragments popped
// during the unwind go back to the work stack, re-descended when they
// contain control flow, so the next attempt can split inside them.
func (c *Chunker) findNextChunk() (Chunk, error) {
	for {
		frags, size, err := c.fill()
		if err != nil {
			return Chunk{}, err
		}

		// Remember the conditionals left open by the greedy fill; they
		// are the diagnostic if no boundary can be found at all.
		filledOK, filledUnclosed := c.chunkBalance(frags)

		progressed := false
		for {
			if len(frags) == 0 {
				if progressed {
					// The unwind split something finer; refill from the
					// work stack.
					break
				}
				reason := "no conditionally balanced chunk boundary exists"
				if filledOK {
					reason = "no stack-valid chunk boundary exists"
				}
				return Chunk{}, &ChunkError{
					Boundaries:  c.ChunkSizes(),
					UnclosedIfs: filledUnclosed,
					Debug:       c.root.debugID,
					Reason:      reason,
				}
			}

			balanced, _ := c.chunkBalance(frags)
			if balanced {
				analyzer := NewStackAnalyzerWithState(c.lastConstant, c.hasConstant)
				status, aerr := c.analyzeFragments(analyzer, frags)
				if aerr != nil {
					return Chunk{}, aerr
				}
				if stats, ok := c.stackOK(status); ok {
					return c.commit(frags, size, stats, analyzer), nil
				}
			}

			last := frags[len(frags)-1]
			frags = frags[:len(frags)-1]
			size -= last.script.Len()
			if last.script.ContainsFlowOp() && c.splittable(last) {
				pieces, derr := c.descend(last)
				if derr != nil {
					return Chunk{}, derr
				}
				c.pushPieces(pieces)
				progressed = true
			} else {
				c.push(last)
			}
		}
	}
}

// fill greedily accepts fragments until the chunk lands in
// [target-tolerance, target], descending into fragments that overflow.
func (c *Chunker) fill() ([]chunkItem, int, error) {
	var frags []chunkItem
	size := 0
	for {
		it, ok := c.pop()
		if !ok {
			return frags, size, nil
		}
		n := it.script.Len()
		switch {
		case size+n < c.targetChunkSize-c.tolerance:
			frags = append(frags, it)
			size += n

		case size+n > c.targetChunkSize:
			if it.script.HasStackHint() {
				if len(frags) == 0 {
					// An opaque fragment larger than the target: accept
					// it oversized rather than fail, it cannot be split.
					chunkLog.Warningf("accepting oversized opaque fragment %q (%d bytes > target %d)",
						it.script.debugID, n, c.targetChunkSize)
					return append(frags, it), size + n, nil
				}
				c.push(it)
				return frags, size, nil
			}
			if it.script.IsSingleInstruction() {
				if len(frags) == 0 {
					return nil, 0, &ChunkError{
						Boundaries: c.ChunkSizes(),
						Debug:      it.script.debugID,
						Reason: fmt.Sprintf("single instruction of %d bytes exceeds target chunk size %d",
							n, c.targetChunkSize),
					}
				}
				c.push(it)
				return frags, size, nil
			}
			if it.depth >= c.maxDepth {
				// Bounded descent exhausted; accept oversized.
				chunkLog.Warningf("accepting oversized fragment %q at split depth %d (%d bytes)",
					it.script.debugID, it.depth, n)
				return append(frags, it), size + n, nil
			}
			pieces, err := c.descend(it)
			if err != nil {
				return nil, 0, err
			}
			c.pushPieces(pieces)

		default:
			// Lands within tolerance of the target: take it and close.
			frags = append(frags, it)
			return frags, size + n, nil
		}
	}
}

// chunkBalance checks that every conditional opened in the chunk closes
// within it and no ENDIF closes a conditional from an earlier chunk.
// It returns the chunk-relative positions of any unclosed conditionals.
func (c *Chunker) chunkBalance(frags []chunkItem) (bool, []int) {
	var open []int
	offset := 0
	for _, it := range frags {
		orphans := len(it.script.ExtraEndifPositions())
		if orphans > len(open) {
			return false, open
		}
		open = open[:len(open)-orphans]
		for _, p := range it.script.UnclosedIfPositions() {
			open = append(open, offset+p)
		}
		offset += it.script.Len()
	}
	return len(open) == 0, open
}

// analyzeFragments folds the chunk's fragments into the analyzer in
// document order, instructions inline so the small-constant side
// channel survives fragment boundaries within the chunk.
func (c *Chunker) analyzeFragments(a *StackAnalyzer, frags []chunkItem) (StackStatus, error) {
	for _, it := range frags {
		if err := a.walkFragment(it.script, c.root); err != nil {
			return StackStatus{}, err
		}
	}
	if len(a.ifStack) != 0 {
		return StackStatus{}, fmt.Errorf("script: chunk of %q ends inside a conditional: %w",
			c.root.debugID, ErrUnbalancedFlow)
	}
	return a.Status(), nil
}

// stackOK derives the chunk's stack interface from its analyzed status
// and checks it against the running limits. The first chunk's input
// sizes are the minimum its deepest accesses require; later chunks
// inherit the previous chunk's outputs.
func (c *Chunker) stackOK(st StackStatus) (ChunkStats, bool) {
	inMain, inAlt := c.prevMainOut, c.prevAltOut
	if !c.started {
		inMain = max(0, -st.DeepestStackAccessed)
		inAlt = max(0, -st.DeepestAltstackAccessed)
	}
	if inMain+st.DeepestStackAccessed < 0 || inAlt+st.DeepestAltstackAccessed < 0 {
		return ChunkStats{}, false
	}
	outMain := inMain + st.StackChanged
	outAlt := inAlt + st.AltstackChanged
	if outMain < 0 || outAlt < 0 {
		return ChunkStats{}, false
	}
	if c.stackLimit > 0 && (inMain+inAlt > c.stackLimit || outMain+outAlt > c.stackLimit) {
		return ChunkStats{}, false
	}
	return ChunkStats{
		StackInputSize:     inMain,
		StackOutputSize:    outMain,
		AltstackInputSize:  inAlt,
		AltstackOutputSize: outAlt,
	}, true
}

// commit finalizes an accepted chunk and records the carry-over state
// for the next one.
func (c *Chunker) commit(frags []chunkItem, size int, stats ChunkStats, a *StackAnalyzer) Chunk {
	scripts := make([]*StructuredScript, len(frags))
	for i, it := range frags {
		scripts[i] = it.script
	}
	c.started = true
	c.prevMainOut = stats.StackOutputSize
	c.prevAltOut = stats.AltstackOutputSize
	c.lastConstant, c.hasConstant = a.LastConstant()
	return Chunk{Scripts: scripts, Size: size, Stats: stats}
}
