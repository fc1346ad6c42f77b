package script

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/txscript"
)

func TestCompileSharedSubScript(t *testing.T) {
	payload := bytes.Repeat([]byte{0xaa}, 20)
	sub := NewScript("sub").PushData(payload)
	subBytes := mustCompile(t, sub)

	root := NewScript("root").
		PushOpCode(txscript.OP_NOP).
		PushEnvScript(sub).
		PushEnvScript(sub)

	want := append([]byte{0x61}, subBytes...)
	want = append(want, subBytes...)
	got := mustCompile(t, root)
	if !bytes.Equal(got, want) {
		t.Errorf("Compile() = %x, want %x", got, want)
	}
	if root.Len() != len(want) {
		t.Errorf("Len() = %d, want %d", root.Len(), len(want))
	}
}

func TestCompileNestedCalls(t *testing.T) {
	inner := NewScript("inner").PushOpCode(txscript.OP_DUP)
	mid := NewScript("mid").PushOpCode(txscript.OP_NOP).PushEnvScript(inner)
	root := NewScript("root").
		PushOpCode(txscript.OP_NOP).
		PushEnvScript(mid).
		PushEnvScript(inner)

	want := []byte{0x61, 0x61, 0x76, 0x76}
	got := mustCompile(t, root)
	if !bytes.Equal(got, want) {
		t.Errorf("Compile() = %x, want %x", got, want)
	}
}

func TestCompileDeterministic(t *testing.T) {
	build := func() *StructuredScript {
		sub := NewScript("sub").PushInt(42).PushOpCode(txscript.OP_ADD)
		return NewScript("root").
			PushInt(1).
			PushEnvScript(sub).
			PushEnvScript(sub).
			PushOpCode(txscript.OP_VERIFY)
	}
	a := mustCompile(t, build())
	b := mustCompile(t, build())
	if !bytes.Equal(a, b) {
		t.Errorf("two builds of the same tree compiled differently: %x vs %x", a, b)
	}
}

func TestCompileRejectsNonMinimalPush(t *testing.T) {
	// A 1-byte value of 5 must be pushed as OP_5; PushData encodes it as
	// a data push, which the minimality recheck rejects.
	s := NewScript("bad").PushData([]byte{0x05})
	if _, err := s.Compile(); !errors.Is(err, ErrInternal) {
		t.Errorf("Compile() error = %v, want ErrInternal", err)
	}
}

func TestCompileEmpty(t *testing.T) {
	got := mustCompile(t, NewScript("empty"))
	if len(got) != 0 {
		t.Errorf("Compile() of empty fragment = %x, want empty", got)
	}
}
