package dataflow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/onexuan/redex/symbols"
)

func TestTaintedRegsMeetIsUnion(t *testing.T) {
	a := NewTaintedRegs()
	a.Set(1)
	b := NewTaintedRegs()
	b.Set(2)

	m := a.Meet(b).(*TaintedRegs)
	assert.True(t, m.Test(1))
	assert.True(t, m.Test(2))
	assert.False(t, m.Test(3))
}

func TestTaintedRegsCloneIsIndependent(t *testing.T) {
	a := NewTaintedRegs()
	a.Set(1)
	clone := a.Clone().(*TaintedRegs)
	clone.Set(2)
	assert.False(t, a.Test(2), "mutating a clone must not affect the original")
}

func TestTaintedRegsEqual(t *testing.T) {
	a := NewTaintedRegs()
	a.Set(1)
	b := NewTaintedRegs()
	b.Set(1)
	assert.True(t, a.Equal(b))
	b.Set(2)
	assert.False(t, a.Equal(b))
}

func TestFieldsRegsMeetAgreesOnConsensus(t *testing.T) {
	f := &symbols.Field{Name: "x"}
	a := NewFieldsRegs([]symbols.FieldRef{f})
	a.SetRegister(f, 3)
	b := NewFieldsRegs([]symbols.FieldRef{f})
	b.SetRegister(f, 3)

	m := a.Meet(b).(*FieldsRegs)
	assert.Equal(t, FieldOrRegStatus(3), m.Get(f))
}

func TestFieldsRegsMeetCollapsesDisagreementToDifferent(t *testing.T) {
	f := &symbols.Field{Name: "x"}
	a := NewFieldsRegs([]symbols.FieldRef{f})
	a.SetRegister(f, 3)
	b := NewFieldsRegs([]symbols.FieldRef{f})
	b.SetRegister(f, 4)

	m := a.Meet(b).(*FieldsRegs)
	assert.Equal(t, Different, m.Get(f))
}

func TestFieldsRegsMeetUndefinedAdoptsOtherSide(t *testing.T) {
	f := &symbols.Field{Name: "x"}
	a := NewFieldsRegs([]symbols.FieldRef{f}) // stays Undefined
	b := NewFieldsRegs([]symbols.FieldRef{f})
	b.SetRegister(f, 5)

	m := a.Meet(b).(*FieldsRegs)
	assert.Equal(t, FieldOrRegStatus(5), m.Get(f))
}

func TestFieldsRegsEqual(t *testing.T) {
	f := &symbols.Field{Name: "x"}
	a := NewFieldsRegs([]symbols.FieldRef{f})
	a.SetRegister(f, 1)
	b := NewFieldsRegs([]symbols.FieldRef{f})
	b.SetRegister(f, 1)
	assert.True(t, a.Equal(b))
	b.Set(f, Overwritten)
	assert.False(t, a.Equal(b))
}
