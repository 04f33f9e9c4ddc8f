package inline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onexuan/redex/ribbon"
)

func TestInlineTailCallSplicesVoidCallee(t *testing.T) {
	calleeR := ribbon.New()
	move := ribbon.NewInstruction(0x01) // move v0, v0 -- callee's sole register is its only param
	move.SetDest(0)
	move.SetSrc(0, 0)
	calleeRet := ribbon.NewInstruction(0x0e)
	calleeR.PushBack(move)
	calleeR.PushBack(calleeRet)
	callee := Callee{Ribbon: calleeR, RegistersSize: 1, InsSize: 1}

	caller := ribbon.New()
	c0 := ribbon.NewInstruction(0x12) // const/4 v0, #5
	c0.SetDest(0)
	invoke := ribbon.NewInstruction(0x71) // invoke-static {v0}
	invoke.SetSrc(0, 0)
	ret := ribbon.NewInstruction(0x0e)
	caller.PushBack(c0)
	caller.PushBack(invoke)
	caller.PushBack(ret)

	ctx, err := NewInlineContext(caller, 1, 0, 0, false)
	require.NoError(t, err)

	require.NoError(t, InlineTailCall(ctx, callee, invoke))

	items := caller.Items()
	require.Len(t, items, 3)
	assert.Same(t, c0, items[0])

	assert.Equal(t, ribbon.KindInstruction, items[1].Kind)
	assert.Equal(t, uint8(0x01), items[1].Instruction.Opcode)
	assert.Equal(t, uint16(0), items[1].Instruction.Dest)
	assert.Equal(t, uint16(0), items[1].Instruction.Sources[0])
	assert.NotSame(t, move, items[1])

	assert.Equal(t, ribbon.KindInstruction, items[2].Kind)
	assert.Equal(t, uint8(0x0e), items[2].Instruction.Opcode)
	assert.NotSame(t, calleeRet, items[2])

	assert.Equal(t, uint16(1), ctx.RegistersSize(), "no callee locals, so no widening was needed")
}

func TestInlineTailCallWidensForCalleeLocal(t *testing.T) {
	calleeR := ribbon.New()
	initLocal := ribbon.NewInstruction(0x12) // const/4 v0, #9 -- callee's local
	initLocal.SetDest(0)
	copyParam := ribbon.NewInstruction(0x01) // move v0, v1 -- overwrite local with param
	copyParam.SetDest(0)
	copyParam.SetSrc(0, 1)
	calleeRet := ribbon.NewInstruction(0x0e)
	calleeR.PushBack(initLocal)
	calleeR.PushBack(copyParam)
	calleeR.PushBack(calleeRet)
	callee := Callee{Ribbon: calleeR, RegistersSize: 2, InsSize: 1}

	caller := ribbon.New()
	c0 := ribbon.NewInstruction(0x12) // const/4 v0, #3
	c0.SetDest(0)
	invoke := ribbon.NewInstruction(0x71) // invoke-static {v0}
	invoke.SetSrc(0, 0)
	ret := ribbon.NewInstruction(0x0e)
	caller.PushBack(c0)
	caller.PushBack(invoke)
	caller.PushBack(ret)

	ctx, err := NewInlineContext(caller, 1, 0, 0, false)
	require.NoError(t, err)

	require.NoError(t, InlineTailCall(ctx, callee, invoke))

	assert.Equal(t, uint16(2), ctx.RegistersSize(), "callee's one local pushed the caller's frame from 1 to 2")

	items := caller.Items()
	require.Len(t, items, 4)
	assert.Same(t, c0, items[0])

	assert.Equal(t, uint8(0x12), items[1].Instruction.Opcode)
	assert.Equal(t, uint16(1), items[1].Instruction.Dest, "callee's local lands at the freshly appended v1")

	assert.Equal(t, uint8(0x01), items[2].Instruction.Opcode)
	assert.Equal(t, uint16(1), items[2].Instruction.Dest)
	assert.Equal(t, uint16(0), items[2].Instruction.Sources[0], "callee's param register remaps to the invoke's source v0")

	assert.Equal(t, uint8(0x0e), items[3].Instruction.Opcode)
}

func TestInlineBoundedRefusesOverBudgetLeavingCallerUnchanged(t *testing.T) {
	calleeR := ribbon.New()
	calleeRet := ribbon.NewInstruction(0x0e)
	calleeR.PushBack(calleeRet)
	callee := Callee{Ribbon: calleeR, RegistersSize: 2, InsSize: 0}

	caller := ribbon.New()
	invoke := ribbon.NewInstruction(0x71)
	ret := ribbon.NewInstruction(0x0e)
	caller.PushBack(invoke)
	caller.PushBack(ret)

	ctx, err := NewInlineContext(caller, 1, 0, 1, false)
	require.NoError(t, err)

	before := caller.Items()
	ok := InlineBounded(ctx, callee, invoke)
	assert.False(t, ok, "callee's 2 registers already exceed the budget of 1")

	after := caller.Items()
	require.Equal(t, len(before), len(after))
	for i := range before {
		assert.Same(t, before[i], after[i], "caller must be left untouched when InlineBounded refuses")
	}
}
