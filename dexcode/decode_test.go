package dexcode

import (
	"testing"

	"github.com/onexuan/redex/ribbon"
	"github.com/onexuan/redex/symbols"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalloonDecodesStraightLineConsts(t *testing.T) {
	code := &CodeBody{Insns: []uint16{0x1012, 0x2112, 0x000e}}

	r, err := Balloon(code)
	require.NoError(t, err)
	require.Equal(t, 3, r.Len())

	items := r.Items()
	assert.Equal(t, uint16(0), items[0].Dest)
	assert.Equal(t, int64(1), items[0].Literal)
	assert.Equal(t, uint16(1), items[1].Dest)
	assert.Equal(t, int64(2), items[1].Literal)
	assert.True(t, items[2].IsTerminal())
}

func TestBalloonResolvesBranchTargetByIdentity(t *testing.T) {
	// if-eqz v0, +3 ; nop ; return-void  (target is return-void at addr 3)
	code := &CodeBody{Insns: []uint16{0x0038, 0x0003, 0x0000, 0x000e}}

	r, err := Balloon(code)
	require.NoError(t, err)

	items := r.Items()
	require.Len(t, items, 4)
	ifz := items[0]
	nop := items[1]
	label := items[2]
	ret := items[3]

	assert.True(t, ifz.IsBranch())
	assert.Equal(t, ribbon.KindInstruction, nop.Kind)
	assert.Equal(t, ribbon.KindBranchTarget, label.Kind)
	assert.Same(t, ifz, label.BranchTarget.Src)
	assert.Same(t, ret, label.Next())
}

func TestBalloonDecodesInvoke(t *testing.T) {
	// invoke-virtual {v1, v2}, method@5
	code := &CodeBody{Insns: []uint16{0x206e, 0x0005, 0x0021}}

	r, err := Balloon(code)
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	// invoke may throw, so Balloon places its ThrowingFallthrough marker first.
	require.Equal(t, ribbon.KindThrowingFallthrough, r.First().Kind)
	insn := r.First().Next()
	assert.Equal(t, []uint16{1, 2}, insn.Sources)
	assert.Equal(t, int64(5), insn.Literal)
}

func TestBalloonDecodesPackedSwitch(t *testing.T) {
	code := &CodeBody{Insns: []uint16{
		0x002b, 0x0005, 0x0000, // packed-switch v0, +5
		0x0000, // nop (case 0 target, addr 3)
		0x000e, // return-void (case 1 target, addr 4)
		0x0100, 0x0002, 0x000a, 0x0000, // payload: tag, size=2, first_key=10
		0xfffe, 0xffff, // target[0] disp -2 -> addr 3
		0xffff, 0xffff, // target[1] disp -1 -> addr 4
	}}

	r, err := Balloon(code)
	require.NoError(t, err)

	sw := r.First()
	require.NotNil(t, sw.SwitchData)
	assert.True(t, sw.SwitchData.IsPacked)
	assert.Equal(t, []int32{10, 11}, sw.SwitchData.Keys)
	require.Len(t, sw.SwitchData.Targets, 2)

	// Each case label sits immediately before the instruction it targets.
	label0 := sw.Next()
	require.Equal(t, ribbon.KindBranchTarget, label0.Kind)
	assert.Same(t, sw.SwitchData.Targets[0], label0)
	assert.Equal(t, int32(0), label0.BranchTarget.Index)

	nop := label0.Next()
	label1 := nop.Next()
	require.Equal(t, ribbon.KindBranchTarget, label1.Kind)
	assert.Same(t, sw.SwitchData.Targets[1], label1)
	assert.Equal(t, int32(1), label1.BranchTarget.Index)
}

func TestBalloonDecodesFillArrayData(t *testing.T) {
	code := &CodeBody{Insns: []uint16{
		0x0026, 0x0003, 0x0000, // fill-array-data v0, +3
		0x0300, 0x0002, 0x0003, 0x0000, // payload: tag, width=2, size=3
		0x0005, 0x0006, 0x0007, // values
	}}

	r, err := Balloon(code)
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	// fill-array-data may throw, so Balloon places its ThrowingFallthrough marker first.
	require.Equal(t, ribbon.KindThrowingFallthrough, r.First().Kind)
	insn := r.First().Next()
	assert.Equal(t, []uint64{5, 6, 7}, insn.FillArrayData)
	assert.Equal(t, uint8(2), insn.FillArrayWidth)
}

func TestBalloonBuildsTryCatchChain(t *testing.T) {
	exType := &symbols.Type{Descriptor: "Ljava/lang/Exception;"}
	code := &CodeBody{
		Insns: []uint16{
			0x1012, // addr 0: const/4 v0, #1  (guarded)
			0x000e, // addr 1: return-void     (try end)
			0x9112, // addr 2: const/4 v1, #9  (handler)
			0x000e, // addr 3: return-void
		},
		Tries: []TryItem{
			{
				StartAddr: 0,
				InsnCount: 1,
				Handlers:  []CatchHandler{{TypeIdx: exType, Addr: 2}},
			},
		},
	}

	r, err := Balloon(code)
	require.NoError(t, err)

	items := r.Items()
	require.Len(t, items, 7)

	tryStart := items[0]
	require.Equal(t, ribbon.KindTryBoundary, tryStart.Kind)
	assert.Equal(t, ribbon.TryStart, tryStart.TryBoundary.Type)

	tryEnd := items[2]
	require.Equal(t, ribbon.KindTryBoundary, tryEnd.Kind)
	assert.Equal(t, ribbon.TryEnd, tryEnd.TryBoundary.Type)
	assert.Same(t, tryStart.TryBoundary.CatchStart, tryEnd.TryBoundary.CatchStart)

	catch := items[4]
	require.Equal(t, ribbon.KindCatch, catch.Kind)
	assert.Same(t, exType, catch.Catch.CatchType)
	assert.Nil(t, catch.Catch.Next)
	assert.Same(t, catch, tryStart.TryBoundary.CatchStart)
}

func TestBalloonPlacesDebugPositionAtResolvedAddress(t *testing.T) {
	// DBG_ADVANCE_PC(1), DBG_ADVANCE_LINE(+5), DBG_END_SEQUENCE
	debug := []byte{0x01, 0x01, 0x02, 0x05, 0x00}
	code := &CodeBody{
		Insns:          []uint16{0x0000, 0x000e}, // nop; return-void
		DebugLineStart: 10,
		Debug:          debug,
	}

	r, err := Balloon(code)
	require.NoError(t, err)

	items := r.Items()
	require.Len(t, items, 3)
	pos := items[1]
	require.Equal(t, ribbon.KindPosition, pos.Kind)
	assert.Equal(t, uint32(15), pos.Position.Line)
	assert.Same(t, items[2], pos.Next())
}
