// Package dataflow provides a worklist forward-dataflow driver and the two
// canonical state types used by the passes in this module:
// TaintedRegs (which registers might hold a tainted value, meet = union)
// and FieldsRegs (which field was last written into which register, meet =
// per-field consensus). Both port RemoveBuildersHelper.cpp's eponymous
// state classes; see SPEC_FULL.md §4.4.
package dataflow

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/onexuan/redex/symbols"
)

// TaintedRegs tracks which registers may hold a value derived from a
// builder instance under construction. Meet is set union (OR), matching
// RemoveBuildersHelper.cpp's TaintedRegs::meet.
type TaintedRegs struct {
	bits *bitset.BitSet
}

// NewTaintedRegs returns the empty (bottom) state.
func NewTaintedRegs() *TaintedRegs {
	return &TaintedRegs{bits: bitset.New(0)}
}

// Clone returns an independent copy.
func (t *TaintedRegs) Clone() State {
	if t == nil {
		return NewTaintedRegs()
	}
	return &TaintedRegs{bits: t.bits.Clone()}
}

// Set marks reg as tainted.
func (t *TaintedRegs) Set(reg uint16) { t.bits.Set(uint(reg)) }

// Clear marks reg as untainted.
func (t *TaintedRegs) Clear(reg uint16) { t.bits.Clear(uint(reg)) }

// Test reports whether reg is tainted in this state.
func (t *TaintedRegs) Test(reg uint16) bool { return t.bits.Test(uint(reg)) }

// Meet returns t OR other, the join used when multiple predecessor blocks
// flow into one successor.
func (t *TaintedRegs) Meet(other State) State {
	o, ok := other.(*TaintedRegs)
	if !ok {
		panic(fmt.Sprintf("dataflow: Meet type mismatch: %T vs %T", t, other))
	}
	merged := t.bits.Clone()
	merged.InPlaceUnion(o.bits)
	return &TaintedRegs{bits: merged}
}

// Equal reports whether two TaintedRegs states have identical bit sets;
// the worklist driver stops propagating once an edge's out-state equals
// what is already queued.
func (t *TaintedRegs) Equal(other State) bool {
	o, ok := other.(*TaintedRegs)
	if !ok {
		return false
	}
	return t.bits.Equal(o.bits)
}

// FieldOrRegStatus is the lattice value FieldsRegs tracks for one field:
// either it has never been written on this path (Undefined), it has been
// written with inconsistent values across predecessors (Different), it was
// written and then overwritten by something else entirely (Overwritten),
// or it holds the value currently sitting in a specific register.
type FieldOrRegStatus int

const (
	Undefined FieldOrRegStatus = -3
	Different FieldOrRegStatus = -2
	Overwritten FieldOrRegStatus = -1
	// Values >= 0 are register ids.
)

// FieldsRegs maps a builder's fields to the register last known to hold
// each field's pending value, ported from RemoveBuildersHelper.cpp's
// FieldsRegs. Meet is per-field consensus: equal on both sides stays put,
// any disagreement collapses to Different (RemoveBuildersHelper.cpp's
// FieldsRegs::meet, case UNDEFINED/DIFFERENT handling included).
type FieldsRegs struct {
	status map[symbols.FieldRef]FieldOrRegStatus
}

// NewFieldsRegs returns the empty (all-undefined) state over fields.
func NewFieldsRegs(fields []symbols.FieldRef) *FieldsRegs {
	st := make(map[symbols.FieldRef]FieldOrRegStatus, len(fields))
	for _, f := range fields {
		st[f] = Undefined
	}
	return &FieldsRegs{status: st}
}

// Clone returns an independent copy.
func (f *FieldsRegs) Clone() State {
	cp := make(map[symbols.FieldRef]FieldOrRegStatus, len(f.status))
	for k, v := range f.status {
		cp[k] = v
	}
	return &FieldsRegs{status: cp}
}

// Get returns field's current status, Undefined if field is unknown.
func (f *FieldsRegs) Get(field symbols.FieldRef) FieldOrRegStatus {
	if v, ok := f.status[field]; ok {
		return v
	}
	return Undefined
}

// Set records that field now holds the value sitting in reg (or one of
// the sentinel statuses).
func (f *FieldsRegs) Set(field symbols.FieldRef, status FieldOrRegStatus) {
	f.status[field] = status
}

// SetRegister is shorthand for Set(field, FieldOrRegStatus(reg)).
func (f *FieldsRegs) SetRegister(field symbols.FieldRef, reg uint16) {
	f.status[field] = FieldOrRegStatus(reg)
}

// ClearRegister marks every field currently recorded as holding reg as
// Overwritten, RemoveBuildersHelper.cpp's fields_mapping "check if the
// register that used to hold the field's value is overwritten" step.
func (f *FieldsRegs) ClearRegister(reg uint16) {
	for field, v := range f.status {
		if v == FieldOrRegStatus(reg) {
			f.status[field] = Overwritten
		}
	}
}

// Meet merges two FieldsRegs states: a field agreeing on both sides keeps
// its value; Undefined on one side (a field one side has no entry for
// counts as Undefined) adopts the other side's value (a field merely
// unvisited on one path carries no information); any other disagreement
// collapses to Different.
func (f *FieldsRegs) Meet(other State) State {
	o, ok := other.(*FieldsRegs)
	if !ok {
		panic(fmt.Sprintf("dataflow: Meet type mismatch: %T vs %T", f, other))
	}
	merged := make(map[symbols.FieldRef]FieldOrRegStatus)
	seen := map[symbols.FieldRef]bool{}
	for field, a := range f.status {
		seen[field] = true
		b := o.Get(field)
		merged[field] = meetStatus(a, b)
	}
	for field, b := range o.status {
		if seen[field] {
			continue
		}
		merged[field] = meetStatus(Undefined, b)
	}
	return &FieldsRegs{status: merged}
}

func meetStatus(a, b FieldOrRegStatus) FieldOrRegStatus {
	switch {
	case a == Undefined:
		return b
	case b == Undefined:
		return a
	case a == b:
		return a
	default:
		return Different
	}
}

// Equal reports whether two FieldsRegs states agree on every field.
func (f *FieldsRegs) Equal(other State) bool {
	o, ok := other.(*FieldsRegs)
	if !ok {
		return false
	}
	if len(f.status) != len(o.status) {
		return false
	}
	for field, v := range f.status {
		if o.Get(field) != v {
			return false
		}
	}
	return true
}
