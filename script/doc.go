// Package script builds, analyzes, and partitions Bitcoin Script programs
// that are assembled from nested, reusable sub-scripts.
//
// The package is organized around three cooperating pieces:
//
//   - StructuredScript: a tree of script fragments. A fragment is an
//     ordered list of blocks, each either a literal run of encoded
//     instructions or a content-addressed reference to another fragment.
//     Structurally identical sub-scripts share one entry in the owning
//     fragment's script map, so a sub-script that is referenced a
//     thousand times is stored (and later compiled) exactly once.
//
//   - StackAnalyzer: a static pass that computes, without executing the
//     script, how deeply each of the two value stacks is read and how
//     their heights change. It descends into referenced sub-scripts,
//     tracks conditional branches, and resolves the data-dependent
//     OP_PICK/OP_ROLL effects through a "last pushed small constant"
//     side channel. Fragments the analyzer cannot handle can carry a
//     caller-supplied stack hint that overrides analysis for that
//     subtree.
//
//   - Chunker: a greedy partitioner that splits a structured script into
//     ordered chunks no larger than a target byte size, each one
//     conditionally balanced and within a configured stack limit.
//     When a greedy choice ends a chunk mid-conditional the chunker
//     backtracks, splitting fragments down to single instructions if
//     necessary, and fails loudly if no valid boundary exists.
//
// Compilation flattens a fragment into raw script bytes using a
// hash-keyed offset cache: the first occurrence of a referenced
// sub-script is compiled, every later occurrence is copied from the
// bytes already emitted. The compiled output is re-decoded with a
// minimal-push check before it is returned; a failure there is an
// internal bug, not a caller error.
//
// Opcode constants and the instruction tokenizer come from
// github.com/btcsuite/btcd/txscript. Structured scripts serialize to a
// canonical CBOR form (see MarshalScript) in which the block sequence
// and the transitive script map round-trip bit-exactly.
//
// Everything in this package is synchronous and CPU-bound. A fragment
// must not be mutated after it has been registered under its content
// hash via PushEnvScript; every holder of that hash observes the same
// bytes.
package script
