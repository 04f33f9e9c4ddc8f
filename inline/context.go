// Package inline implements the tail-call / bounded inliner and its
// supporting register-widening and backward-liveness analyses (spec.md
// §4.6-4.7), grounded on original_source/libredex/Transform.h's
// InlineContext / inline_tail_call / inline_16regs / enlarge_regs.
package inline

import (
	"github.com/onexuan/redex/cfg"
	"github.com/onexuan/redex/dataflow"
	"github.com/onexuan/redex/ribbon"
)

// defaultRegisterBudget mirrors Transform.h::inline_16regs's name: with
// no caller-supplied budget, the bounded inliner keeps every register
// reachable by a 4-bit register field.
const defaultRegisterBudget = 16

// InlineContext caches one caller's liveness result across multiple
// callee inlines and tracks the caller's register-window bookkeeping as
// it grows, porting Transform.h::InlineContext.
type InlineContext struct {
	Caller *ribbon.Ribbon

	// OriginalRegs is the caller's register count before any inlining in
	// this context began.
	OriginalRegs uint16

	// EstimatedInsnSize is Caller.EstimatedCodeUnits() at construction,
	// Transform.h::InlineContext's caller-size estimate.
	EstimatedInsnSize int

	// RegisterBudget bounds InlineBounded's acceptance.
	RegisterBudget uint16

	registersSize uint16
	insSize       uint16

	liveness map[*ribbon.Item]*dataflow.TaintedRegs
}

// NewInlineContext builds an InlineContext over caller, whose current
// register window is (registersSize, insSize). useLiveness mirrors
// InlineContext's constructor parameter of the same name in the
// original: passing false skips the dataflow pass entirely for a caller
// that will never call LiveOut (e.g. a purely void tail-call site).
// registerBudget of zero is replaced with defaultRegisterBudget.
func NewInlineContext(caller *ribbon.Ribbon, registersSize, insSize, registerBudget uint16, useLiveness bool) (*InlineContext, error) {
	if registerBudget == 0 {
		registerBudget = defaultRegisterBudget
	}
	ctx := &InlineContext{
		Caller:            caller,
		OriginalRegs:      registersSize,
		EstimatedInsnSize: caller.EstimatedCodeUnits(),
		RegisterBudget:    registerBudget,
		registersSize:     registersSize,
		insSize:           insSize,
	}
	if useLiveness {
		g := cfg.BuildCFG(caller, false)
		lv, err := computeLiveness(g)
		if err != nil {
			return nil, err
		}
		ctx.liveness = lv
	}
	return ctx, nil
}

// LiveOut returns the registers live immediately after instr: the empty
// set if useLiveness was false at construction, or if instr is not part
// of the cached result (e.g. it was inserted after the context was
// built).
func (c *InlineContext) LiveOut(instr *ribbon.Item) *dataflow.TaintedRegs {
	if c.liveness == nil {
		return dataflow.NewTaintedRegs()
	}
	if s, ok := c.liveness[instr]; ok {
		return s
	}
	return dataflow.NewTaintedRegs()
}

// RegistersSize returns the caller's current register count, which grows
// as InlineTailCall widens the frame to fit spliced-in callee locals.
func (c *InlineContext) RegistersSize() uint16 { return c.registersSize }

// InsSize returns the caller's parameter register count.
func (c *InlineContext) InsSize() uint16 { return c.insSize }
