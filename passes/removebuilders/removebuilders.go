// Package removebuilders ports opt/remove-builders/RemoveBuildersHelper.cpp
// as a demonstration client of dataflow and inline: it recognizes the
// builder pattern (a throwaway helper object whose fields are written by
// chained setters and consumed once by a build() call) and rewrites a
// method to use the would-be fields' values directly, deleting the builder
// object entirely. SPEC_FULL.md §2 component I.
package removebuilders

import (
	"github.com/onexuan/redex/catalog"
	"github.com/onexuan/redex/cfg"
	"github.com/onexuan/redex/dataflow"
	"github.com/onexuan/redex/dexerr"
	"github.com/onexuan/redex/inline"
	"github.com/onexuan/redex/ribbon"
	"github.com/onexuan/redex/symbols"
)

// Method is the register-window bookkeeping this pass needs alongside a
// ribbon, the same (ribbon, registersSize, insSize) triple inline.Callee
// and inline.NewInlineContext already take rather than requiring a full
// editor.Editor -- a caller wrapping one passes editor.Editor.Ribbon/
// RegistersSize/InsSize in and writes RegistersSize back out with
// editor.Editor.SetRegistersSize once this pass returns.
type Method struct {
	Ribbon        *ribbon.Ribbon
	RegistersSize uint16
	InsSize       uint16
}

// BuilderView names the builder type one RemoveBuilder/InlineBuild call
// targets: its class type (to match new-instance/iget/iput instructions
// against) and its build() method (to match the invoke InlineBuild splices
// in place of). This module has no class database of its own (out of
// scope, spec.md §1), so callers resolve these from whatever external class
// model they maintain and pass them in, the same way inline.Callee already
// requires its caller to hand over an already-ballooned callee body.
type BuilderView struct {
	Type        symbols.TypeRef
	BuildMethod symbols.MethodRef
}

// replacement records that item's source operand at index must be
// rewritten to reg once the pass has finished analyzing the whole method --
// RemoveBuildersHelper.cpp's ReplacementsList tuple.
type replacement struct {
	item  *ribbon.Item
	index int
	reg   uint16
}

type undefinedUse struct {
	item  *ribbon.Item
	index int
}

// InlineBuild inlines builder.BuildMethod's body into the tail-positioned
// call to it inside method, refusing -- method left unchanged, ok false --
// under RemoveBuildersHelper.cpp's inline_build "one builder" restriction:
// more than one call site to the same build() method in one method is not
// handled by this pass. build is build()'s own inlinable body, already
// ballooned by the caller. budget is the inliner's register ceiling (0
// selects inline's default budget).
func InlineBuild(method *Method, builder BuilderView, build inline.Callee, budget uint16) (bool, error) {
	var invokes []*ribbon.Item
	for _, it := range method.Ribbon.Instructions() {
		insn := &it.Instruction
		if insn.Shape.Kind != catalog.KindInvoke && insn.Shape.Kind != catalog.KindInvokeRange {
			continue
		}
		if insn.MethodRef != nil && symbols.Same(insn.MethodRef, builder.BuildMethod) {
			invokes = append(invokes, it)
		}
	}

	if len(invokes) == 0 {
		return true, nil
	}
	if len(invokes) > 1 {
		return false, nil
	}

	ctx, err := inline.NewInlineContext(method.Ribbon, method.RegistersSize, method.InsSize, budget, false)
	if err != nil {
		return false, err
	}
	if !inline.InlineBounded(ctx, build, invokes[0]) {
		return false, nil
	}
	method.RegistersSize = ctx.RegistersSize()
	return true, nil
}

// RemoveBuilder deletes every instruction that constructs or touches a
// builder.Type instance from method -- its new-instance, its constructor
// call (matched against initMethod), and every iget/iput on one of fields
// -- and rewrites every remaining use of a value read out of the builder to
// whichever register held that value when it was set, per
// RemoveBuildersHelper.cpp's remove_builder. fields is the builder's field
// set this method is known to touch, seeding the FieldsRegs dataflow the
// same way RemoveBuildersHelper.cpp's caller (the class-wide driver, out of
// this module's scope) seeds FieldsRegs(builder) from the builder class's
// full ifields list.
//
// It returns dexerr.ErrCapacityRefusal, method left unchanged, if a builder
// iget reads a field whose setter value differs between paths, or if any
// use reads a field whose value is ambiguous on some path
// (RemoveBuildersHelper.cpp's DIFFERENT/OVERWRITTEN cases) -- the one
// condition this rewrite is not safe to apply, as opposed to every other
// error kind which signals method itself is unusable.
func RemoveBuilder(method *Method, builder BuilderView, initMethod symbols.MethodRef, fields []symbols.FieldRef) error {
	// Transform.h::build_cfg()'s documented default is
	// end_block_before_throw = true; its own comment names SimpleInline
	// (this module's tail-call inliner) as the only pass that opts into
	// false. remove_builder has no reason to deviate from that default.
	g := cfg.BuildCFG(method.Ribbon, true)

	fieldsIn, err := fieldsSetters(g, builder.Type, fields)
	if err != nil {
		return err
	}
	fieldsOut, err := fieldsGetters(g, builder.Type, fields)
	if err != nil {
		return err
	}

	var deletes []*ribbon.Item
	var replacements []replacement
	var undefined []undefinedUse

	for _, it := range method.Ribbon.Items() {
		if it.Kind != ribbon.KindInstruction {
			continue
		}
		insn := &it.Instruction

		if isBuilderTouch(insn, builder.Type, initMethod) {
			if insn.Shape.Kind == catalog.KindInstanceGet {
				if in := fieldsIn[it]; in != nil && in.Get(insn.FieldRef) == dataflow.Different {
					return dexerr.ErrCapacityRefusal
				}
			}
			deletes = append(deletes, it)
			continue
		}

		in, out := fieldsIn[it], fieldsOut[it]
		if in == nil || out == nil {
			continue
		}
		for index, src := range insn.Sources {
			for _, field := range fields {
				if out.Get(field) != dataflow.FieldOrRegStatus(src) {
					continue
				}
				status := in.Get(field)
				if status == dataflow.Undefined {
					undefined = append(undefined, undefinedUse{it, index})
					continue
				}
				if status < 0 {
					return dexerr.ErrCapacityRefusal
				}
				replacements = append(replacements, replacement{it, index, uint16(status)})
			}
		}
	}

	if err := treatUndefinedFields(method, undefined, &replacements); err != nil {
		return err
	}
	return methodUpdates(method, deletes, replacements)
}

// isBuilderTouch reports whether insn constructs, initializes, or directly
// accesses a field of builderType, RemoveBuildersHelper.cpp::remove_builder's
// is_iput/is_iget/OPCODE_NEW_INSTANCE/is_invoke dispatch.
func isBuilderTouch(insn *ribbon.Instruction, builderType symbols.TypeRef, initMethod symbols.MethodRef) bool {
	switch insn.Shape.Kind {
	case catalog.KindInstanceGet, catalog.KindInstancePut:
		return insn.FieldRef != nil && symbols.Same(insn.FieldRef.Class, builderType)
	case catalog.KindNewInstance:
		return insn.TypeRef != nil && symbols.Same(insn.TypeRef, builderType)
	case catalog.KindInvoke, catalog.KindInvokeRange:
		return insn.MethodRef != nil && symbols.Same(insn.MethodRef, initMethod)
	default:
		return false
	}
}

// treatUndefinedFields materializes every use of a field that was never
// written on some path as a read of a freshly inserted null register,
// RemoveBuildersHelper.cpp's treat_undefined_fields. It widens method by one
// register and shifts every already-collected replacement's parameter
// register up by one to match, since addNullInstr's widen does exactly
// that to method's ribbon.
func treatUndefinedFields(method *Method, undefined []undefinedUse, replacements *[]replacement) error {
	if len(undefined) == 0 {
		return nil
	}

	nullReg, err := addNullInstr(method)
	if err != nil {
		return err
	}

	for i := range *replacements {
		if (*replacements)[i].reg >= nullReg {
			(*replacements)[i].reg++
		}
	}
	for _, u := range undefined {
		*replacements = append(*replacements, replacement{u.item, u.index, nullReg})
	}
	return nil
}

// addNullInstr widens method by one register and inserts `const/4 <newreg>,
// #0` at the front of method's ribbon, returning the freed non-parameter
// register id the new instruction's destination sits at --
// RemoveBuildersHelper.cpp's add_null_instr. Because inline.Enlarge only
// shifts parameter registers, the freed id is exactly method's register
// count before widening minus its ins count, the same register id the
// original's "last non-input register, since it was freed" comment refers
// to.
func addNullInstr(method *Method) (uint16, error) {
	oldRegs, ins := method.RegistersSize, method.InsSize
	reg := oldRegs - ins
	if reg >= 16 {
		return 0, dexerr.ErrCapacityRefusal
	}

	newRegs := oldRegs + 1
	if err := inline.Enlarge(method.Ribbon, oldRegs, ins, newRegs); err != nil {
		return 0, err
	}
	method.RegistersSize = newRegs

	zero := ribbon.NewInstruction(0x12) // const/4
	zero.SetDest(reg)
	zero.Instruction.Literal = 0
	zero.Instruction.HasLiteral = true
	if err := method.Ribbon.InsertAfter(nil, zero); err != nil {
		return 0, err
	}
	return reg, nil
}

// methodUpdates applies every collected edit: deletes first (their operands
// are never referenced by a replacement, since a deleted instruction's own
// sources were never field-carrying reads this pass tracks), then every
// register replacement. Mirrors RemoveBuildersHelper.cpp's method_updates.
func methodUpdates(method *Method, deletes []*ribbon.Item, replacements []replacement) error {
	for _, it := range deletes {
		if err := method.Ribbon.RemoveOpcode(it); err != nil {
			return err
		}
	}
	for _, r := range replacements {
		r.item.SetSrc(r.index, r.reg)
	}
	return nil
}
