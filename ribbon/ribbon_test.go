package ribbon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onexuan/redex/catalog"
)

// opConstInt4 and opReturnVoid model two small opcodes for tests without
// depending on dexcode: const/4 (0x12) and return-void (0x0e).
const (
	opConstInt4    = 0x12
	opReturnVoid   = 0x0e
	opGoto         = 0x28
	opIfEqz        = 0x38
	opAddInt2Addr  = 0xb0
)

func TestInsertAfterPrepend(t *testing.T) {
	r := New()
	ret := NewInstruction(opReturnVoid)
	r.PushBack(ret)

	c := NewInstruction(opConstInt4)
	require.NoError(t, r.InsertAfter(nil, c))

	items := r.Items()
	require.Len(t, items, 2)
	assert.Same(t, c, items[0])
	assert.Same(t, ret, items[1])
}

func TestInsertAfterSkipsLeadingPrelude(t *testing.T) {
	r := New()
	pos := NewPosition(nil, 1)
	r.PushBack(pos)
	ret := NewInstruction(opReturnVoid)
	r.PushBack(ret)

	c := NewInstruction(opConstInt4)
	require.NoError(t, r.InsertAfter(nil, c))

	items := r.Items()
	require.Len(t, items, 3)
	assert.Same(t, pos, items[0])
	assert.Same(t, c, items[1])
	assert.Same(t, ret, items[2])
}

func TestRemoveOpcodeRepairsBranchTarget(t *testing.T) {
	r := New()
	gotoInsn := NewInstruction(opGoto)
	target := NewBranchTarget(gotoInsn)
	ret := NewInstruction(opReturnVoid)

	r.PushBack(gotoInsn)
	r.PushBack(target)
	r.PushBack(ret)
	require.Equal(t, 3, r.Len())

	require.NoError(t, r.RemoveOpcode(gotoInsn))
	assert.Equal(t, 1, r.Len())
	for _, it := range r.Items() {
		assert.NotEqual(t, KindBranchTarget, it.Kind, "branch target must be removed when its sole source is removed")
	}
}

func TestReplaceBranchAdoptsTarget(t *testing.T) {
	r := New()
	from := NewInstruction(opGoto)
	target := NewBranchTarget(from)
	r.PushBack(from)
	r.PushBack(target)

	to := NewInstruction(opGoto)
	require.NoError(t, r.ReplaceBranch(from, to))

	assert.Same(t, to, target.BranchTarget.Src)
	items := r.Items()
	require.Len(t, items, 2)
	assert.Same(t, to, items[0])
}

func TestRemoveSwitchCaseDropsUnusedLabel(t *testing.T) {
	r := New()
	sw := NewInstruction(0x2b) // packed-switch
	t1 := NewSwitchCaseTarget(sw, 0)
	t2 := NewSwitchCaseTarget(sw, 1)
	t3 := NewSwitchCaseTarget(sw, 2)
	sw.Instruction.SwitchData = &SwitchPayload{
		IsPacked: true,
		Keys:     []int32{1, 2, 3},
		Targets:  []*Item{t1, t2, t3},
	}
	r.PushBack(sw)
	r.PushBack(t1)
	r.PushBack(t2)
	r.PushBack(t3)

	require.NoError(t, r.RemoveSwitchCase(sw, 1))
	assert.Equal(t, []int32{1, 3}, sw.Instruction.SwitchData.Keys)

	found := false
	for _, it := range r.Items() {
		if it == t2 {
			found = true
		}
	}
	assert.False(t, found, "label for removed case must be gone")
}

func TestEraseReturnsSuccessor(t *testing.T) {
	r := New()
	a := NewInstruction(opConstInt4)
	b := NewInstruction(opConstInt4)
	c := NewInstruction(opReturnVoid)
	r.PushBack(a)
	r.PushBack(b)
	r.PushBack(c)

	succ, err := r.Erase(b)
	require.NoError(t, err)
	assert.Same(t, c, succ)
	assert.Equal(t, 2, r.Len())
}

func TestSetSrcUpdatesAliasedDest(t *testing.T) {
	insn := NewInstruction(opAddInt2Addr) // dest aliases src0, 2addr form
	insn.SetDest(3)
	insn.SetSrc(0, 7)
	assert.Equal(t, uint16(7), insn.GetDest(), "writing src0 after dest must read back the src0 value")
}

func TestMutationInvalidatesCFGFlag(t *testing.T) {
	r := New()
	r.MarkCFGValid()
	require.True(t, r.CFGValid())
	r.PushBack(NewInstruction(opReturnVoid))
	assert.False(t, r.CFGValid())
}

// maxForWidth mirrors RegistersTest.cpp's "(1U << width) - 1", treating an
// undeclared or 16-bit-wide operand (width <= 0 or width >= 16) as the full
// uint16 range.
func maxForWidth(width int) uint16 {
	if width <= 0 || width >= 16 {
		return 0xFFFF
	}
	return uint16(1<<uint(width) - 1)
}

// TestRegisterRoundTrip ports RegistersTest.cpp's test_opcode across every
// catalog entry: setting dest and each source to a bit pattern unique to
// its index must not stomp any other operand, dest-aliases-src0 opcodes
// must read back src0 (not a stale dest), and every operand's declared
// min/max value must round-trip exactly.
func TestRegisterRoundTrip(t *testing.T) {
	for op := 0; op < 256; op++ {
		shape := catalog.Shapes[op]

		it := NewInstruction(uint8(op))
		var destValue uint16
		if shape.HasDest {
			destValue = maxForWidth(shape.DestBitWidth)
			it.SetDest(destValue)
		}

		srcValues := make([]uint16, shape.SrcCount)
		for i := 0; i < shape.SrcCount; i++ {
			bits := uint16(i + 5)
			bits |= bits << 4
			bits |= bits << 8
			bits &= maxForWidth(shape.SrcBitWidth[i])
			srcValues[i] = bits
			it.SetSrc(i, bits)
		}

		if shape.HasDest {
			want := destValue
			if shape.DestAliasesSrc0 {
				want = srcValues[0]
			}
			assert.Equal(t, want, it.GetDest(), "opcode 0x%02x: dest stomped by setting sources", op)
		}
		for i := 0; i < shape.SrcCount; i++ {
			assert.Equal(t, srcValues[i], it.GetSrc(i), "opcode 0x%02x: src%d stomped", op, i)
		}

		if shape.HasDest {
			it.SetDest(0)
			assert.Equal(t, uint16(0), it.GetDest(), "opcode 0x%02x: dest min round-trip", op)
			max := maxForWidth(shape.DestBitWidth)
			it.SetDest(max)
			assert.Equal(t, max, it.GetDest(), "opcode 0x%02x: dest max round-trip", op)
		}
		for i := 0; i < shape.SrcCount; i++ {
			it.SetSrc(i, 0)
			assert.Equal(t, uint16(0), it.GetSrc(i), "opcode 0x%02x: src%d min round-trip", op, i)
			max := maxForWidth(shape.SrcBitWidth[i])
			it.SetSrc(i, max)
			assert.Equal(t, max, it.GetSrc(i), "opcode 0x%02x: src%d max round-trip", op, i)
		}
	}
}
