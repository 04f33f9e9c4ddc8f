package ribbon

import (
	"github.com/onexuan/redex/dexerr"
)

// Ribbon is an ordered, doubly-linked sequence of Items with stable item
// identity across mutation: edits splice nodes in and out, they never copy
// and renumber (Transform.h's FatMethod, minus the boost::intrusive::list
// machinery -- Go pointer identity plus explicit prev/next fields gives the
// same O(1) insert-after/erase with none of the intrusive-hook boilerplate).
type Ribbon struct {
	head, tail *Item
	length     int

	cfgValid bool // cleared by every mutation; set through MarkCFGValid
}

// New returns an empty ribbon.
func New() *Ribbon { return &Ribbon{} }

// Len returns the number of items (all kinds) in the ribbon.
func (r *Ribbon) Len() int { return r.length }

// First returns the first item, or nil if the ribbon is empty.
func (r *Ribbon) First() *Item { return r.head }

// Last returns the last item, or nil if the ribbon is empty.
func (r *Ribbon) Last() *Item { return r.tail }

// Items returns every item in ribbon order. The slice is a snapshot; it is
// safe to mutate the ribbon while holding it, but the slice will not
// reflect later edits.
func (r *Ribbon) Items() []*Item {
	out := make([]*Item, 0, r.length)
	for it := r.head; it != nil; it = it.next {
		out = append(out, it)
	}
	return out
}

// Instructions returns every Instruction item in ribbon order, skipping
// every other Kind. This is the Go equivalent of Transform.h's
// InstructionIterable -- a plain slice suffices since Go ranges over
// slices natively, so no custom iterator type is needed (SPEC_FULL.md
// supplemented feature 1).
func (r *Ribbon) Instructions() []*Item {
	out := make([]*Item, 0, r.length)
	for it := r.head; it != nil; it = it.next {
		if it.Kind == KindInstruction {
			out = append(out, it)
		}
	}
	return out
}

// Each walks the ribbon in order, calling fn on every item. fn returning
// false stops the walk early.
func (r *Ribbon) Each(fn func(*Item) bool) {
	for it := r.head; it != nil; it = it.next {
		if !fn(it) {
			return
		}
	}
}

// EstimatedCodeUnits returns the sum of each Instruction's current minimum
// encoded width in 16-bit code units, ported from Transform.h's
// sum_opcode_sizes (SPEC_FULL.md supplemented feature 2). It is an
// estimate: actual widths are only final immediately after Sync.
func (r *Ribbon) EstimatedCodeUnits() int {
	total := 0
	for it := r.head; it != nil; it = it.next {
		if it.Kind == KindInstruction {
			total += minCodeUnits(it)
		}
	}
	return total
}

// InstructionCount returns the number of Instruction items, ported from
// Transform.h's count_opcodes.
func (r *Ribbon) InstructionCount() int {
	n := 0
	for it := r.head; it != nil; it = it.next {
		if it.Kind == KindInstruction {
			n++
		}
	}
	return n
}

func (r *Ribbon) invalidate() { r.cfgValid = false }

// linkAfter splices newItem immediately after anchor (anchor == nil means
// at the head). newItem must not already be linked into any ribbon.
func (r *Ribbon) linkAfter(anchor, newItem *Item) {
	newItem.ribbon = r
	if anchor == nil {
		newItem.prev = nil
		newItem.next = r.head
		if r.head != nil {
			r.head.prev = newItem
		}
		r.head = newItem
		if r.tail == nil {
			r.tail = newItem
		}
	} else {
		newItem.prev = anchor
		newItem.next = anchor.next
		if anchor.next != nil {
			anchor.next.prev = newItem
		} else {
			r.tail = newItem
		}
		anchor.next = newItem
	}
	r.length++
}

func (r *Ribbon) unlink(it *Item) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		r.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		r.tail = it.prev
	}
	it.prev, it.next, it.ribbon = nil, nil, nil
	r.length--
}

// InsertAfter inserts instrs immediately after anchor. anchor == nil means
// prepend -- after any leading Position/DebugOp items but before the first
// Instruction, matching Transform.h's "position = nullptr means at the
// head" (insert_after) semantics, generalized slightly: "head" skips past
// any leading non-Instruction prelude so a freshly-balloon'd method's debug
// preamble is never split by an insert-at-entry edit.
func (r *Ribbon) InsertAfter(anchor *Item, instrs ...*Item) error {
	if anchor != nil && anchor.ribbon != r {
		return dexerr.NewInvariantViolation("InsertAfter: anchor not in this ribbon")
	}
	defer r.invalidate()

	if anchor == nil {
		anchor = r.leadingPreludeEnd()
	}
	for _, instr := range instrs {
		r.linkAfter(anchor, instr)
		anchor = instr
	}
	return nil
}

// leadingPreludeEnd returns the last leading Position/DebugOp item before
// the first Instruction, or nil if the ribbon is empty or starts with an
// Instruction.
func (r *Ribbon) leadingPreludeEnd() *Item {
	var last *Item
	for it := r.head; it != nil; it = it.next {
		if it.Kind != KindPosition && it.Kind != KindDebugOp {
			break
		}
		last = it
	}
	return last
}

// PushBack appends it to the end of the ribbon.
func (r *Ribbon) PushBack(it *Item) {
	defer r.invalidate()
	r.linkAfter(r.tail, it)
}

// RemoveOpcode deletes the Instruction item instr. If instr was a branch,
// its BranchTarget is unlinked too (a BranchTarget has exactly one source
// instruction). If instr was a switch, every case target item is removed
// with it. A ThrowingFallthrough marker for instr is removed as well. Mirrors Transform.h's remove_opcode plus
// MethodTransform::remove_branch_target.
func (r *Ribbon) RemoveOpcode(instr *Item) error {
	if instr == nil || instr.ribbon != r || instr.Kind != KindInstruction {
		return dexerr.NewInvariantViolation("RemoveOpcode: not an instruction in this ribbon")
	}
	defer r.invalidate()

	if instr.Instruction.Shape.IsSwitch && instr.Instruction.SwitchData != nil {
		for _, target := range instr.Instruction.SwitchData.Targets {
			if target != nil && target.ribbon == r {
				r.unlink(target)
			}
		}
	} else if instr.Instruction.Shape.IsBranch {
		if target := r.findBranchTarget(instr); target != nil {
			r.unlink(target)
		}
	}

	if fallthrough_ := r.findThrowingFallthrough(instr); fallthrough_ != nil {
		r.unlink(fallthrough_)
	}

	r.unlink(instr)
	return nil
}

func (r *Ribbon) findBranchTarget(src *Item) *Item {
	for it := r.head; it != nil; it = it.next {
		if it.Kind == KindBranchTarget && it.BranchTarget.Src == src {
			return it
		}
	}
	return nil
}

func (r *Ribbon) findThrowingFallthrough(throwing *Item) *Item {
	for it := r.head; it != nil; it = it.next {
		if it.Kind == KindThrowingFallthrough && it.ThrowingFallthrough.ThrowingItem == throwing {
			return it
		}
	}
	return nil
}

// ReplaceOpcode swaps from for to in place, preserving position. Ownership
// of from passes to the ribbon (it is unlinked and its cross-references
// removed, as with RemoveOpcode); to is linked in its place. Neither
// operand may be a branch -- use ReplaceBranch for that.
func (r *Ribbon) ReplaceOpcode(from, to *Item) error {
	if from == nil || from.ribbon != r || from.Kind != KindInstruction {
		return dexerr.NewInvariantViolation("ReplaceOpcode: from is not an instruction in this ribbon")
	}
	if to == nil || to.Kind != KindInstruction {
		return dexerr.NewInvariantViolation("ReplaceOpcode: to is not a free instruction")
	}
	if from.Instruction.Shape.IsBranch || to.Instruction.Shape.IsBranch {
		return dexerr.NewInvariantViolation("ReplaceOpcode: use ReplaceBranch for branch instructions")
	}
	defer r.invalidate()

	if from.Instruction.Shape.IsSwitch && from.Instruction.SwitchData != nil {
		for _, target := range from.Instruction.SwitchData.Targets {
			if target != nil && target.ribbon == r {
				r.unlink(target)
			}
		}
	}
	if fallthrough_ := r.findThrowingFallthrough(from); fallthrough_ != nil {
		r.unlink(fallthrough_)
	}

	anchor := from.prev
	r.unlink(from)
	r.linkAfter(anchor, to)
	return nil
}

// ReplaceBranch swaps from for to in place; both must be branch
// instructions. to adopts from's branch target (Transform.h's
// replace_branch: "to will end up jumping to the same destination as
// from").
func (r *Ribbon) ReplaceBranch(from, to *Item) error {
	if from == nil || from.ribbon != r || from.Kind != KindInstruction || !from.Instruction.Shape.IsBranch {
		return dexerr.NewInvariantViolation("ReplaceBranch: from is not a branch instruction in this ribbon")
	}
	if to == nil || to.Kind != KindInstruction || !to.Instruction.Shape.IsBranch {
		return dexerr.NewInvariantViolation("ReplaceBranch: to is not a free branch instruction")
	}
	defer r.invalidate()

	if target := r.findBranchTarget(from); target != nil {
		target.BranchTarget.Src = to
	}

	anchor := from.prev
	r.unlink(from)
	r.linkAfter(anchor, to)
	return nil
}

// RemoveSwitchCase removes the case at caseIndex from instr's switch
// payload, and its BranchTarget item too if no other case of the same
// switch refers to that same BranchTarget item (a distinct label at the
// same address does not keep it). Mirrors Transform.h's
// remove_switch_case.
func (r *Ribbon) RemoveSwitchCase(instr *Item, caseIndex int32) error {
	if instr == nil || instr.ribbon != r || instr.Kind != KindInstruction || !instr.Instruction.Shape.IsSwitch {
		return dexerr.NewInvariantViolation("RemoveSwitchCase: not a switch instruction in this ribbon")
	}
	data := instr.Instruction.SwitchData
	if data == nil || int(caseIndex) < 0 || int(caseIndex) >= len(data.Keys) {
		return dexerr.NewInvariantViolation("RemoveSwitchCase: case index %d out of range", caseIndex)
	}
	defer r.invalidate()

	removedTarget := data.Targets[caseIndex]
	data.Keys = append(data.Keys[:caseIndex], data.Keys[caseIndex+1:]...)
	data.Targets = append(data.Targets[:caseIndex], data.Targets[caseIndex+1:]...)

	stillUsed := false
	for _, t := range data.Targets {
		if t == removedTarget {
			stillUsed = true
			break
		}
	}
	if !stillUsed && removedTarget != nil && removedTarget.ribbon == r {
		r.unlink(removedTarget)
	}
	return nil
}

// Erase performs untyped, invariant-preserving removal of it (the API's
// generic escape hatch, mirroring Transform.h's FatMethod::erase). It
// returns the item that followed it, matching the "removing the current
// item invalidates its iterator; the API returns the successor iterator
// from erase" ordering guarantee (spec.md §5).
func (r *Ribbon) Erase(it *Item) (*Item, error) {
	if it == nil || it.ribbon != r {
		return nil, dexerr.NewInvariantViolation("Erase: item not in this ribbon")
	}
	succ := it.next
	defer r.invalidate()

	switch it.Kind {
	case KindInstruction:
		if err := r.RemoveOpcode(it); err != nil {
			return nil, err
		}
	case KindBranchTarget:
		if it.BranchTarget.Src != nil && it.BranchTarget.Src.Kind == KindInstruction {
			return nil, dexerr.NewInvariantViolation("Erase: branch target %p still referenced by its source instruction", it)
		}
		r.unlink(it)
	default:
		r.unlink(it)
	}
	return succ, nil
}

// CFGValid reports whether a previously built CFG over this ribbon is
// still trustworthy, i.e. no mutation has happened since. The cfg package
// is the only other consumer of this bit.
func (r *Ribbon) CFGValid() bool { return r.cfgValid }

// MarkCFGValid is called by cfg.BuildCFG immediately after a successful
// build.
func (r *Ribbon) MarkCFGValid() { r.cfgValid = true }

func minCodeUnits(it *Item) int {
	// 16-bit code units for the opcode word itself plus whatever extra
	// words its operands occupy, derived from the catalog format class.
	switch it.Instruction.Shape.Format {
	case "10x", "12x", "11n":
		return 1
	case "11x", "10t":
		return 1
	case "21t", "21s", "21h", "21c", "22x", "22t", "22s", "22c", "22b", "23x":
		return 2
	case "32x", "31t", "31i", "31c", "30t":
		return 3
	case "35c", "3rc":
		return 3
	case "51l":
		return 5
	case "20t":
		return 2
	default:
		return 1
	}
}
