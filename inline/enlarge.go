package inline

import (
	"github.com/onexuan/redex/dexerr"
	"github.com/onexuan/redex/ribbon"
)

// Enlarge renumbers r's parameter registers -- the top insSize register
// ids of an oldRegs-register frame -- upward by newRegs-oldRegs, per
// spec.md §4.7's enlarge(method, newregs). Non-parameter register ids
// are left unchanged. Every operand is checked against its catalog bit
// width before anything is rewritten, so a widen that would overflow any
// field's encoding returns dexerr.ErrCapacityRefusal with r untouched,
// rather than leaving some instructions rewritten and others not.
func Enlarge(r *ribbon.Ribbon, oldRegs, insSize, newRegs uint16) error {
	if newRegs == oldRegs {
		return nil
	}
	if newRegs < oldRegs {
		return dexerr.NewInvariantViolation("inline: enlarge target %d is not larger than current register count %d", newRegs, oldRegs)
	}
	delta := int(newRegs) - int(oldRegs)
	paramStart := oldRegs - insSize

	items := r.Items()
	for _, it := range items {
		if it.Kind != ribbon.KindInstruction {
			continue
		}
		if !widenFits(it, paramStart, delta) {
			return dexerr.ErrCapacityRefusal
		}
	}

	for _, it := range items {
		if it.Kind != ribbon.KindInstruction {
			continue
		}
		applyWiden(it, paramStart, delta)
	}
	return nil
}

func fitsWidth(newReg, width int) bool {
	if newReg < 0 || newReg > 0xFFFF {
		return false
	}
	if width <= 0 || width >= 16 {
		return true
	}
	return newReg < (1 << uint(width))
}

// widenFits reports whether shifting every parameter-register operand of
// it by delta still fits that operand's declared bit width. Dest is
// skipped when it aliases src0 -- the same physical bits, already
// checked by the source loop.
func widenFits(it *ribbon.Item, paramStart uint16, delta int) bool {
	insn := &it.Instruction
	for i, s := range insn.Sources {
		if s < paramStart {
			continue
		}
		width := 16
		if i < len(insn.Shape.SrcBitWidth) {
			width = insn.Shape.SrcBitWidth[i]
		}
		if !fitsWidth(int(s)+delta, width) {
			return false
		}
	}
	if insn.HasDest && !insn.Shape.DestAliasesSrc0 && insn.Dest >= paramStart {
		if !fitsWidth(int(insn.Dest)+delta, insn.Shape.DestBitWidth) {
			return false
		}
	}
	return true
}

func applyWiden(it *ribbon.Item, paramStart uint16, delta int) {
	insn := &it.Instruction
	for i, s := range insn.Sources {
		if s >= paramStart {
			it.SetSrc(i, uint16(int(s)+delta))
		}
	}
	if insn.HasDest && !insn.Shape.DestAliasesSrc0 && insn.Dest >= paramStart {
		it.SetDest(uint16(int(insn.Dest) + delta))
	}
}
