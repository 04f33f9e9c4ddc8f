package inline

import "github.com/onexuan/redex/ribbon"

// cloneCallee duplicates every item of callee into brand-new items with
// registers remapped by remapReg, preserving every internal cross-
// reference (branch targets, switch cases, try/catch chains) among the
// clones -- spec.md §4.6 step 4's "structural clone preserving item
// identity to new items". Because the ribbon addresses things by pointer
// identity rather than byte offset, relinking the clone never needs the
// address-offsetting arithmetic a raw bytecode splice would: each cloned
// cross-reference is simply repointed at the clone of whatever the
// original pointed at.
func cloneCallee(callee *ribbon.Ribbon, remapReg func(uint16) uint16) []*ribbon.Item {
	old := callee.Items()
	clones := make(map[*ribbon.Item]*ribbon.Item, len(old))

	for _, it := range old {
		clones[it] = shallowClone(it, remapReg)
	}
	for _, it := range old {
		relink(clones[it], it, clones)
	}

	out := make([]*ribbon.Item, len(old))
	for i, it := range old {
		out[i] = clones[it]
	}
	return out
}

func shallowClone(it *ribbon.Item, remapReg func(uint16) uint16) *ribbon.Item {
	switch it.Kind {
	case ribbon.KindInstruction:
		c := ribbon.NewInstruction(it.Instruction.Opcode)
		if it.Instruction.HasDest {
			c.SetDest(remapReg(it.Instruction.Dest))
		}
		for i, s := range it.Instruction.Sources {
			c.SetSrc(i, remapReg(s))
		}
		c.Instruction.Literal = it.Instruction.Literal
		c.Instruction.HasLiteral = it.Instruction.HasLiteral
		c.Instruction.StringRef = it.Instruction.StringRef
		c.Instruction.TypeRef = it.Instruction.TypeRef
		c.Instruction.FieldRef = it.Instruction.FieldRef
		c.Instruction.MethodRef = it.Instruction.MethodRef
		c.Instruction.FillArrayWidth = it.Instruction.FillArrayWidth
		if it.Instruction.FillArrayData != nil {
			c.Instruction.FillArrayData = append([]uint64(nil), it.Instruction.FillArrayData...)
		}
		if it.Instruction.SwitchData != nil {
			c.Instruction.SwitchData = &ribbon.SwitchPayload{
				IsPacked: it.Instruction.SwitchData.IsPacked,
				Keys:     append([]int32(nil), it.Instruction.SwitchData.Keys...),
			}
		}
		return c
	case ribbon.KindBranchTarget:
		if it.BranchTarget.Kind == ribbon.BranchMulti {
			return ribbon.NewSwitchCaseTarget(nil, it.BranchTarget.Index)
		}
		return ribbon.NewBranchTarget(nil)
	case ribbon.KindTryBoundary:
		return ribbon.NewTryBoundary(it.TryBoundary.Type, nil)
	case ribbon.KindCatch:
		return ribbon.NewCatch(it.Catch.CatchType)
	case ribbon.KindDebugOp:
		return ribbon.NewDebugOp(it.DebugOp)
	case ribbon.KindPosition:
		return ribbon.NewPosition(it.Position.File, it.Position.Line)
	case ribbon.KindThrowingFallthrough:
		return ribbon.NewThrowingFallthrough(nil)
	default:
		panic("inline: unhandled item kind in cloneCallee")
	}
}

func relink(c, orig *ribbon.Item, clones map[*ribbon.Item]*ribbon.Item) {
	switch orig.Kind {
	case ribbon.KindInstruction:
		if orig.Instruction.SwitchData != nil {
			targets := make([]*ribbon.Item, len(orig.Instruction.SwitchData.Targets))
			for i, t := range orig.Instruction.SwitchData.Targets {
				if t != nil {
					targets[i] = clones[t]
				}
			}
			c.Instruction.SwitchData.Targets = targets
		}
	case ribbon.KindBranchTarget:
		c.BranchTarget.Src = clones[orig.BranchTarget.Src]
	case ribbon.KindTryBoundary:
		c.TryBoundary.CatchStart = clones[orig.TryBoundary.CatchStart]
	case ribbon.KindCatch:
		if orig.Catch.Next != nil {
			c.Catch.Next = clones[orig.Catch.Next]
		}
	case ribbon.KindThrowingFallthrough:
		c.ThrowingFallthrough.ThrowingItem = clones[orig.ThrowingFallthrough.ThrowingItem]
	}
}
