package removebuilders

import (
	"github.com/onexuan/redex/catalog"
	"github.com/onexuan/redex/cfg"
	"github.com/onexuan/redex/dataflow"
	"github.com/onexuan/redex/ribbon"
	"github.com/onexuan/redex/symbols"
)

// fieldsSetters runs the forward FieldsRegs dataflow recording, for every
// instruction, which register held each of fields' pending value right
// before that instruction executed, tracking iput writes to builderType.
// Ported from RemoveBuildersHelper.cpp's fields_setters.
func fieldsSetters(g *cfg.ControlFlowGraph, builderType symbols.TypeRef, fields []symbols.FieldRef) (map[*ribbon.Item]*dataflow.FieldsRegs, error) {
	return runFieldsDataflow(g, builderType, fields, true)
}

// fieldsGetters is fieldsSetters' read-side counterpart, tracking iget reads
// from builderType. Ported from RemoveBuildersHelper.cpp's fields_getters.
func fieldsGetters(g *cfg.ControlFlowGraph, builderType symbols.TypeRef, fields []symbols.FieldRef) (map[*ribbon.Item]*dataflow.FieldsRegs, error) {
	return runFieldsDataflow(g, builderType, fields, false)
}

func runFieldsDataflow(g *cfg.ControlFlowGraph, builderType symbols.TypeRef, fields []symbols.FieldRef, isSetter bool) (map[*ribbon.Item]*dataflow.FieldsRegs, error) {
	initial := dataflow.NewFieldsRegs(fields)
	result, err := dataflow.ForwardDataflow(g, initial, fieldsMapping(builderType, isSetter))
	if err != nil {
		return nil, err
	}
	out := make(map[*ribbon.Item]*dataflow.FieldsRegs, len(result))
	for it, st := range result {
		out[it] = st.(*dataflow.FieldsRegs)
	}
	return out, nil
}

// fieldsMapping is RemoveBuildersHelper.cpp's fields_mapping: it kills any
// field currently recorded as living in an instruction's destination
// register, then -- for the matching direction (iput for the setter pass,
// iget for the getter pass) against a field declared on builderType --
// records that field's value as now living in the instruction's value
// register (the source for a setter, the destination for a getter). This
// module does not model wide-register pairs (no opcode in the catalog
// carries a wide flag distinct from its Kind, see DESIGN.md), so unlike the
// original, a wide iput/iget's second register half is not separately
// cleared; every opcode this module's catalog recognizes already names the
// single register that actually holds a field value under this package's
// usage, so the omission does not misclassify any field this pass tracks.
func fieldsMapping(builderType symbols.TypeRef, isSetter bool) dataflow.TransferFunc {
	return func(it *ribbon.Item, in dataflow.State) dataflow.State {
		fregs := in.(*dataflow.FieldsRegs).Clone().(*dataflow.FieldsRegs)
		if it.Kind != ribbon.KindInstruction {
			return fregs
		}
		insn := &it.Instruction
		if insn.HasDest {
			fregs.ClearRegister(insn.Dest)
		}

		kind := insn.Shape.Kind
		matches := (isSetter && kind == catalog.KindInstancePut) || (!isSetter && kind == catalog.KindInstanceGet)
		if !matches || insn.FieldRef == nil || !symbols.Same(insn.FieldRef.Class, builderType) {
			return fregs
		}

		if isSetter {
			fregs.SetRegister(insn.FieldRef, insn.Sources[0])
		} else {
			fregs.SetRegister(insn.FieldRef, insn.Dest)
		}
		return fregs
	}
}
