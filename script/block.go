package script

// blockKind discriminates the two block variants.
type blockKind uint8

const (
	// blockScript is a literal, already-encoded run of instructions.
	blockScript blockKind = iota
	// blockCall references another StructuredScript by content hash.
	// The referenced body lives in the owning fragment's script map.
	blockCall
)

// Block is one element of a fragment's body: either a literal run of
// encoded instructions or a content-addressed call to a sub-script.
type Block struct {
	kind   blockKind
	hash   [32]byte
	script []byte
}

func callBlock(hash [32]byte) Block {
	return Block{kind: blockCall, hash: hash}
}

func scriptBlock(raw []byte) Block {
	return Block{kind: blockScript, script: raw}
}

// IsCall reports whether the block is a sub-script reference.
func (b Block) IsCall() bool { return b.kind == blockCall }

// CallHash returns the content hash of the referenced sub-script. It is
// only meaningful when IsCall is true.
func (b Block) CallHash() [32]byte { return b.hash }

// Bytes returns the literal instruction bytes of a script block. The
// returned slice is owned by the block and must not be modified.
func (b Block) Bytes() []byte { return b.script }
