package removebuilders

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onexuan/redex/dexerr"
	"github.com/onexuan/redex/inline"
	"github.com/onexuan/redex/ribbon"
	"github.com/onexuan/redex/symbols"
)

func builderFixture() (builderType *symbols.Type, initMethod *symbols.Method, fieldX *symbols.Field) {
	builderType = &symbols.Type{Descriptor: "LBuilder;"}
	initMethod = &symbols.Method{Class: builderType, Name: "<init>"}
	fieldX = &symbols.Field{Class: builderType, Name: "x", Type: &symbols.Type{Descriptor: "I"}}
	return
}

func TestRemoveBuilderRewritesGetterUseToSetterRegister(t *testing.T) {
	builderType, initMethod, fieldX := builderFixture()

	r := ribbon.New()
	newInstance := ribbon.NewInstruction(0x22) // new-instance v0, LBuilder;
	newInstance.SetDest(0)
	newInstance.Instruction.TypeRef = builderType
	initCall := ribbon.NewInstruction(0x70) // invoke-direct {v0}, Builder.<init>
	initCall.SetSrc(0, 0)
	initCall.Instruction.MethodRef = initMethod
	setConst := ribbon.NewInstruction(0x12) // const/4 v1, #7
	setConst.SetDest(1)
	setConst.Instruction.Literal, setConst.Instruction.HasLiteral = 7, true
	iput := ribbon.NewInstruction(0x59) // iput v1, v0, Builder.x
	iput.SetSrc(0, 1)
	iput.SetSrc(1, 0)
	iput.Instruction.FieldRef = fieldX
	iget := ribbon.NewInstruction(0x52) // iget v2, v0, Builder.x
	iget.SetDest(2)
	iget.SetSrc(0, 0)
	iget.Instruction.FieldRef = fieldX
	use := ribbon.NewInstruction(0x01) // move v3, v2 -- downstream use of the getter's result
	use.SetDest(3)
	use.SetSrc(0, 2)
	ret := ribbon.NewInstruction(0x0e)

	for _, it := range []*ribbon.Item{newInstance, initCall, setConst, iput, iget, use, ret} {
		r.PushBack(it)
	}

	method := &Method{Ribbon: r, RegistersSize: 4, InsSize: 0}
	builder := BuilderView{Type: builderType}

	require.NoError(t, RemoveBuilder(method, builder, initMethod, []symbols.FieldRef{fieldX}))

	items := r.Items()
	require.Len(t, items, 3, "new-instance, invoke-direct, and iget/iput are all deleted")
	assert.Same(t, setConst, items[0])
	assert.Same(t, use, items[1])
	assert.Same(t, ret, items[2])

	assert.Equal(t, uint16(1), use.Instruction.Sources[0], "the move now reads straight from the setter's register")
}

func TestRemoveBuilderMaterializesNullForNeverWrittenField(t *testing.T) {
	builderType, initMethod, fieldY := builderFixture()
	fieldY.Name = "y"

	r := ribbon.New()
	newInstance := ribbon.NewInstruction(0x22)
	newInstance.SetDest(0)
	newInstance.Instruction.TypeRef = builderType
	initCall := ribbon.NewInstruction(0x70)
	initCall.SetSrc(0, 0)
	initCall.Instruction.MethodRef = initMethod
	iget := ribbon.NewInstruction(0x52) // iget v1, v0, Builder.y -- never set by any iput
	iget.SetDest(1)
	iget.SetSrc(0, 0)
	iget.Instruction.FieldRef = fieldY
	use := ribbon.NewInstruction(0x01) // move v2, v1
	use.SetDest(2)
	use.SetSrc(0, 1)
	ret := ribbon.NewInstruction(0x0e)

	for _, it := range []*ribbon.Item{newInstance, initCall, iget, use, ret} {
		r.PushBack(it)
	}

	method := &Method{Ribbon: r, RegistersSize: 3, InsSize: 0}
	builder := BuilderView{Type: builderType}

	require.NoError(t, RemoveBuilder(method, builder, initMethod, []symbols.FieldRef{fieldY}))

	assert.Equal(t, uint16(4), method.RegistersSize, "treatUndefinedFields widens by one register for the null const")

	items := r.Items()
	require.Len(t, items, 3)
	assert.Equal(t, uint8(0x12), items[0].Instruction.Opcode, "a const/4 null was inserted at the front")
	assert.Equal(t, uint16(3), items[0].Instruction.Dest, "the null lands in the freed non-parameter register")
	assert.Equal(t, int64(0), items[0].Instruction.Literal)

	assert.Same(t, use, items[1])
	assert.Equal(t, uint16(3), use.Instruction.Sources[0], "the downstream use now reads the null register")

	assert.Same(t, ret, items[2])
}

func TestInlineBuildSplicesTailCalledBuildMethod(t *testing.T) {
	builderType, _, _ := builderFixture()
	buildMethod := &symbols.Method{Class: builderType, Name: "build"}

	calleeR := ribbon.New()
	move := ribbon.NewInstruction(0x01) // move v0, v0 -- callee's sole register is its only param
	move.SetDest(0)
	move.SetSrc(0, 0)
	calleeRet := ribbon.NewInstruction(0x0e)
	calleeR.PushBack(move)
	calleeR.PushBack(calleeRet)
	build := inline.Callee{Ribbon: calleeR, RegistersSize: 1, InsSize: 1}

	r := ribbon.New()
	c0 := ribbon.NewInstruction(0x12) // const/4 v0, #5
	c0.SetDest(0)
	invoke := ribbon.NewInstruction(0x71) // invoke-static {v0}, Builder.build
	invoke.SetSrc(0, 0)
	invoke.Instruction.MethodRef = buildMethod
	ret := ribbon.NewInstruction(0x0e)
	r.PushBack(c0)
	r.PushBack(invoke)
	r.PushBack(ret)

	method := &Method{Ribbon: r, RegistersSize: 1, InsSize: 0}
	builder := BuilderView{Type: builderType, BuildMethod: buildMethod}

	ok, err := InlineBuild(method, builder, build, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	items := r.Items()
	require.Len(t, items, 3)
	assert.Same(t, c0, items[0])
	assert.Equal(t, uint8(0x01), items[1].Instruction.Opcode)
	assert.Equal(t, uint8(0x0e), items[2].Instruction.Opcode)
	assert.Equal(t, uint16(1), method.RegistersSize, "callee had no locals beyond its one param")
}

func TestInlineBuildRefusesMultipleCallSites(t *testing.T) {
	builderType, _, _ := builderFixture()
	buildMethod := &symbols.Method{Class: builderType, Name: "build"}

	calleeR := ribbon.New()
	calleeR.PushBack(ribbon.NewInstruction(0x0e))
	build := inline.Callee{Ribbon: calleeR, RegistersSize: 0, InsSize: 0}

	r := ribbon.New()
	invoke1 := ribbon.NewInstruction(0x71)
	invoke1.Instruction.MethodRef = buildMethod
	ret1 := ribbon.NewInstruction(0x0e)
	invoke2 := ribbon.NewInstruction(0x71)
	invoke2.Instruction.MethodRef = buildMethod
	ret2 := ribbon.NewInstruction(0x0e)
	r.PushBack(invoke1)
	r.PushBack(ret1)
	r.PushBack(invoke2)
	r.PushBack(ret2)

	method := &Method{Ribbon: r, RegistersSize: 0, InsSize: 0}
	builder := BuilderView{Type: builderType, BuildMethod: buildMethod}

	before := r.Items()
	ok, err := InlineBuild(method, builder, build, 0)
	require.NoError(t, err)
	assert.False(t, ok, "more than one call site to the same build() method is refused")

	after := r.Items()
	require.Equal(t, len(before), len(after))
	for i := range before {
		assert.Same(t, before[i], after[i], "method must be left untouched when InlineBuild refuses")
	}
}

func TestRemoveBuilderRefusesAmbiguousFieldValue(t *testing.T) {
	builderType, initMethod, fieldX := builderFixture()

	// v0 = new Builder(); if (v1) { v0.x = v2 } else { v0.x = v3 }; use(v0.x)
	r := ribbon.New()
	newInstance := ribbon.NewInstruction(0x22)
	newInstance.SetDest(0)
	newInstance.Instruction.TypeRef = builderType
	initCall := ribbon.NewInstruction(0x70)
	initCall.SetSrc(0, 0)
	initCall.Instruction.MethodRef = initMethod

	branch := ribbon.NewInstruction(0x38) // if-eqz v1, :else
	branch.SetSrc(0, 1)

	iputA := ribbon.NewInstruction(0x59) // iput v2, v0, Builder.x
	iputA.SetSrc(0, 2)
	iputA.SetSrc(1, 0)
	iputA.Instruction.FieldRef = fieldX
	gotoEnd := ribbon.NewInstruction(0x28) // goto :end

	elseLabel := ribbon.NewBranchTarget(branch)
	iputB := ribbon.NewInstruction(0x59) // iput v3, v0, Builder.x
	iputB.SetSrc(0, 3)
	iputB.SetSrc(1, 0)
	iputB.Instruction.FieldRef = fieldX

	endLabel := ribbon.NewBranchTarget(gotoEnd)
	iget := ribbon.NewInstruction(0x52) // iget v4, v0, Builder.x
	iget.SetDest(4)
	iget.SetSrc(0, 0)
	iget.Instruction.FieldRef = fieldX
	ret := ribbon.NewInstruction(0x0e)

	for _, it := range []*ribbon.Item{newInstance, initCall, branch, iputA, gotoEnd, elseLabel, iputB, endLabel, iget, ret} {
		r.PushBack(it)
	}

	method := &Method{Ribbon: r, RegistersSize: 5, InsSize: 0}
	builder := BuilderView{Type: builderType}

	err := RemoveBuilder(method, builder, initMethod, []symbols.FieldRef{fieldX})
	assert.Equal(t, dexerr.ErrCapacityRefusal, err)
}
