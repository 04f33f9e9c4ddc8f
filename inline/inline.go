package inline

import (
	"github.com/onexuan/redex/catalog"
	"github.com/onexuan/redex/dexerr"
	"github.com/onexuan/redex/ribbon"
	"github.com/onexuan/redex/symbols"
)

// Callee bundles a callee method's ribbon with the register-window
// metadata the inliner needs to remap its registers into the caller's
// frame -- the ribbon itself carries neither RegistersSize nor InsSize,
// the same reason dexcode.SyncInput bundles that metadata alongside a
// ribbon rather than inside it.
type Callee struct {
	Ribbon        *ribbon.Ribbon
	RegistersSize uint16
	InsSize       uint16
}

// InlineTailCall splices callee into ctx.Caller in place of invoke, per
// spec.md §4.6. invoke must sit in caller tail position: the caller does
// nothing with its result beyond an immediate move-result followed by a
// return of it (or, for a void callee, an immediate return-void). On
// success every item of that invoke/move-result/return pattern is gone
// from ctx.Caller and callee's cloned instructions, including its own
// return items, stand in their place. No goto synthesis is needed for
// callee's returns: a DEX method may contain more than one return
// instruction, so each one still terminates the merged method correctly
// on its own wherever it lands (Transform.h's non-tail inline path, which
// this module does not port, needs that rewriting; a true tail call does
// not).
//
// On error ctx.Caller is left unchanged: every fallible check (the
// invoke/callee shape validation, locating the tail pattern, widening
// feasibility) runs before any mutation, and Enlarge itself is feasibility-
// checked before it rewrites anything.
func InlineTailCall(ctx *InlineContext, callee Callee, invoke *ribbon.Item) error {
	if err := validateInvoke(invoke, callee); err != nil {
		return err
	}

	tail := tailPatternEnd(invoke)
	if !tail.IsTerminal() || !tail.Instruction.Shape.IsReturn {
		return dexerr.NewInvariantViolation("inline: tail call pattern at invoke does not end in a return")
	}
	continuation := tail.Next()
	priorFile, priorLine, havePrior := priorPosition(invoke)

	paramBase := callee.RegistersSize - callee.InsSize
	// Enlarge shifts the caller's parameters up by paramBase; the callee's
	// locals take the ids the parameters vacated.
	newBase := ctx.registersSize - ctx.insSize
	newTotal := ctx.registersSize + paramBase
	if newTotal > ctx.registersSize {
		if err := Enlarge(ctx.Caller, ctx.registersSize, ctx.insSize, newTotal); err != nil {
			return err
		}
		ctx.registersSize = newTotal
	}

	remap := func(reg uint16) uint16 {
		if reg >= paramBase {
			return invoke.Instruction.Sources[reg-paramBase]
		}
		return newBase + reg
	}
	clones := cloneCallee(callee.Ribbon, remap)

	anchor := invoke.Prev()
	if anchor != nil && anchor.Kind == ribbon.KindThrowingFallthrough && anchor.ThrowingFallthrough.ThrowingItem == invoke {
		// RemoveOpcode(invoke) removes this marker too.
		anchor = anchor.Prev()
	}
	cur := invoke
	for {
		next := cur.Next()
		if err := ctx.Caller.RemoveOpcode(cur); err != nil {
			return err
		}
		if cur == tail {
			break
		}
		cur = next
	}

	if err := ctx.Caller.InsertAfter(anchor, clones...); err != nil {
		return err
	}

	if havePrior && continuation != nil && len(clones) > 0 {
		recovery := ribbon.NewPosition(priorFile, priorLine)
		if err := ctx.Caller.InsertAfter(clones[len(clones)-1], recovery); err != nil {
			return err
		}
	}
	return nil
}

// InlineBounded attempts InlineTailCall under ctx.RegisterBudget,
// refusing -- ctx.Caller left unchanged -- rather than erroring when the
// callee's own register demands already exceed the budget or would push
// the caller's frame past it, per spec.md §4.6's refusal conditions.
func InlineBounded(ctx *InlineContext, callee Callee, invoke *ribbon.Item) bool {
	if callee.RegistersSize > ctx.RegisterBudget {
		return false
	}
	paramBase := callee.RegistersSize - callee.InsSize
	if ctx.registersSize+paramBase > ctx.RegisterBudget {
		return false
	}
	return InlineTailCall(ctx, callee, invoke) == nil
}

func validateInvoke(invoke *ribbon.Item, callee Callee) error {
	if invoke == nil || invoke.Kind != ribbon.KindInstruction {
		return dexerr.NewInvariantViolation("inline: invoke is not an instruction")
	}
	k := invoke.Instruction.Shape.Kind
	if k != catalog.KindInvoke && k != catalog.KindInvokeRange {
		return dexerr.NewInvariantViolation("inline: item is not an invoke instruction")
	}
	if len(invoke.Instruction.Sources) != int(callee.InsSize) {
		return dexerr.NewInvariantViolation("inline: invoke supplies %d arguments, callee expects %d", len(invoke.Instruction.Sources), callee.InsSize)
	}
	return nil
}

// tailPatternEnd returns the last item of the caller's post-invoke tail
// pattern: the return right after invoke, or the return right after an
// intervening move-result, per spec.md §4.6's tail-position precondition.
func tailPatternEnd(invoke *ribbon.Item) *ribbon.Item {
	n := invoke.Next()
	if n == nil {
		return invoke
	}
	if n.Kind == ribbon.KindInstruction && n.Instruction.Shape.Kind == catalog.KindMoveResult {
		if r := n.Next(); r != nil {
			return r
		}
		return n
	}
	return n
}

// priorPosition finds the nearest Position item before invoke, the
// caller's line in effect at the call site, to re-emit after the spliced
// callee items so later caller code doesn't inherit the callee's debug
// position (spec.md §4.6 step 5).
func priorPosition(invoke *ribbon.Item) (symbols.StringRef, uint32, bool) {
	for it := invoke.Prev(); it != nil; it = it.Prev() {
		if it.Kind == ribbon.KindPosition {
			return it.Position.File, it.Position.Line, true
		}
	}
	return nil, 0, false
}
