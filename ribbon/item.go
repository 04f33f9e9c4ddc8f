// Package ribbon implements the editable intermediate representation
// spec.md calls the ribbon: a doubly-linked heterogeneous sequence of
// method items (instructions, branch targets, try/catch boundaries, debug
// entries, source positions, and throwing-fallthrough markers) addressed by
// item identity rather than address. It ports libredex's MethodItemEntry /
// FatMethod (original_source/libredex/Transform.h) onto Go pointer identity
// in place of an intrusive boost list, and borrows the tagged-variant-struct
// shape from the teacher's enjarify-go/jvm/ir.Instruction for representing
// a C union as a single Go struct with a discriminant tag.
package ribbon

import (
	"github.com/onexuan/redex/catalog"
	"github.com/onexuan/redex/symbols"
)

// Kind discriminates which payload of Item is live, mirroring
// Transform.h's MethodItemType (MFLOW_*).
type Kind uint8

const (
	KindInstruction Kind = iota
	KindBranchTarget
	KindTryBoundary
	KindCatch
	KindDebugOp
	KindPosition
	KindThrowingFallthrough
)

// TryEntryType distinguishes the two ends of a guarded region
// (Transform.h's TryEntryType).
type TryEntryType uint8

const (
	TryStart TryEntryType = iota
	TryEnd
)

// BranchTargetKind distinguishes a single-destination branch target from
// one case of a multi-way switch (Transform.h's BranchTargetType).
type BranchTargetKind uint8

const (
	BranchSimple BranchTargetKind = iota
	BranchMulti
)

// Instruction is the payload for KindInstruction items: a decoded opcode
// plus its operands. Register operands are stored widened to uint16
// regardless of the catalog's native bit width; SetDest and SetSrc mask a
// value to that bit width as they write it, while a direct assignment to
// Dest or Sources is stored unmasked.
type Instruction struct {
	Opcode uint8
	Shape  catalog.Shape

	Dest    uint16
	HasDest bool
	Sources []uint16

	Literal    int64
	HasLiteral bool

	// At most one of these is set, mirroring DexInstruction's single
	// constant-pool reference slot.
	StringRef symbols.StringRef
	TypeRef   symbols.TypeRef
	FieldRef  symbols.FieldRef
	MethodRef symbols.MethodRef

	// Embedded payload for fill-array-data / packed-switch / sparse-switch
	// carrying instructions (spec.md §3.1). Exactly one is populated when
	// Shape.HasPayload is true. FillArrayWidth is the element width in
	// bytes (1, 2, 4, or 8) the payload was encoded with; Sync needs it to
	// re-narrow FillArrayData's widened uint64 values.
	FillArrayData   []uint64
	FillArrayWidth  uint8
	SwitchData      *SwitchPayload

	addr uint32 // read by Addr; nothing in this module writes it
}

// SwitchPayload holds the key/target pairs absorbed out of the linear
// instruction stream by balloon (spec.md §4.1), plus the BranchTarget item
// for each case so the CFG/editing API can reach them by identity.
type SwitchPayload struct {
	IsPacked bool
	Keys     []int32
	Targets  []*Item // parallel to Keys; back-pointer to each case's BranchTarget item
}

// BranchTarget is a label some Instruction (or switch case) branches to.
type BranchTarget struct {
	Kind  BranchTargetKind
	Src   *Item // the Instruction item that branches here
	Index int32 // case index into Src's SwitchData, meaningful only for BranchMulti
}

// TryBoundary marks the START or END of a guarded region.
type TryBoundary struct {
	Type       TryEntryType
	CatchStart *Item // first Catch item of the handler chain; never nil
}

// Catch is one handler in a chain, linked via Next (nil for catch-all or
// chain end).
type Catch struct {
	CatchType symbols.TypeRef // nil means catch-all
	Next      *Item
}

// DebugOpCode enumerates the debug-line-program step kinds this port gives
// concrete representation to (SPEC_FULL.md §4.5a), ported from the DEX
// debug_info_item opcode table.
type DebugOpCode uint8

const (
	DbgEndSequence DebugOpCode = iota
	DbgAdvancePC
	DbgAdvanceLine
	DbgStartLocal
	DbgStartLocalExtended
	DbgEndLocal
	DbgRestartLocal
	DbgSetPrologueEnd
	DbgSetEpilogueBegin
	DbgSetFile
)

// DebugOp is an opaque (to the ribbon) debug-line program step that isn't a
// position pin: set-local, end-local, restart-local, etc.
type DebugOp struct {
	Code         DebugOpCode
	RegisterNum  uint16
	NameIndex    symbols.StringRef
	TypeIndex    symbols.TypeRef
	SigIndex     symbols.StringRef
}

// Position pins a (source file, line) pair to the instruction that follows
// it in ribbon order.
type Position struct {
	File symbols.StringRef
	Line uint32
}

// ThrowingFallthrough is the zero-width marker spec.md §3.1 places
// immediately before an instruction that may throw, so the CFG can route
// exceptional edges before that instruction's effects (Transform.h's
// MFLOW_FALLTHROUGH, and its doc comment explaining why -- a register
// defined by a throwing instruction must not be considered live on the
// exception edge).
type ThrowingFallthrough struct {
	ThrowingItem *Item
}

// Item is one element of the ribbon: a tagged variant plus its intrusive
// doubly-linked position. Exactly one payload field is meaningful per Kind.
type Item struct {
	Kind Kind

	Instruction
	BranchTarget
	TryBoundary
	Catch
	DebugOp
	Position
	ThrowingFallthrough

	prev, next *Item
	ribbon     *Ribbon
}

// Addr returns the item's cached address field. Sync computes addresses
// internally and does not store them on the items, so Addr returns 0.
func (it *Item) Addr() uint32 { return it.addr }

func newInstructionItem(insn Instruction) *Item {
	return &Item{Kind: KindInstruction, Instruction: insn}
}

// NewInstruction constructs a free-standing Instruction item from a catalog
// shape. It is not yet linked into any ribbon.
func NewInstruction(opcode uint8) *Item {
	shape := catalog.Shapes[opcode]
	return newInstructionItem(Instruction{Opcode: opcode, Shape: shape, HasDest: shape.HasDest})
}

// NewBranchTarget constructs a free-standing simple branch target for src.
func NewBranchTarget(src *Item) *Item {
	return &Item{Kind: KindBranchTarget, BranchTarget: BranchTarget{Kind: BranchSimple, Src: src, Index: -1}}
}

// NewSwitchCaseTarget constructs a free-standing multi-branch target for
// case index idx of src's switch.
func NewSwitchCaseTarget(src *Item, idx int32) *Item {
	return &Item{Kind: KindBranchTarget, BranchTarget: BranchTarget{Kind: BranchMulti, Src: src, Index: idx}}
}

// NewTryBoundary constructs a free-standing TRY_START/TRY_END marker.
func NewTryBoundary(typ TryEntryType, catchStart *Item) *Item {
	return &Item{Kind: KindTryBoundary, TryBoundary: TryBoundary{Type: typ, CatchStart: catchStart}}
}

// NewCatch constructs a free-standing catch-chain link.
func NewCatch(catchType symbols.TypeRef) *Item {
	return &Item{Kind: KindCatch, Catch: Catch{CatchType: catchType}}
}

// NewDebugOp constructs a free-standing opaque debug step.
func NewDebugOp(op DebugOp) *Item {
	return &Item{Kind: KindDebugOp, DebugOp: op}
}

// NewPosition constructs a free-standing source-position pin.
func NewPosition(file symbols.StringRef, line uint32) *Item {
	return &Item{Kind: KindPosition, Position: Position{File: file, Line: line}}
}

// NewThrowingFallthrough constructs the marker preceding throwingItem.
func NewThrowingFallthrough(throwingItem *Item) *Item {
	return &Item{Kind: KindThrowingFallthrough, ThrowingFallthrough: ThrowingFallthrough{ThrowingItem: throwingItem}}
}

// SetDest sets the destination register, masked to the catalog's declared
// destination bit width -- the in-memory ribbon representation stores
// every register as a uint16 (see the Instruction doc comment);
// masking here only makes editing passes see the same truncation Sync
// would otherwise apply silently at emission time.
func (it *Item) SetDest(reg uint16) {
	w := it.Instruction.Shape.DestBitWidth
	if w > 0 && w < 16 {
		reg &= (1 << uint(w)) - 1
	}
	it.Instruction.Dest = reg
	if it.Instruction.Shape.DestAliasesSrc0 && len(it.Instruction.Sources) > 0 {
		it.Instruction.Sources[0] = reg
	}
}

// GetDest returns the destination register.
func (it *Item) GetDest() uint16 { return it.Instruction.Dest }

// SetSrc sets source operand i, masked to its catalog bit width. Per
// spec.md §8 property 6, when dest aliases src0, writing src0 after dest
// must read back the src0 value (not the stale dest) -- SetSrc always
// updates Instruction.Dest in that case so GetDest reflects it too.
func (it *Item) SetSrc(i int, reg uint16) {
	ws := it.Instruction.Shape.SrcBitWidth
	if i < len(ws) && ws[i] > 0 && ws[i] < 16 {
		reg &= (1 << uint(ws[i])) - 1
	}
	for len(it.Instruction.Sources) <= i {
		it.Instruction.Sources = append(it.Instruction.Sources, 0)
	}
	it.Instruction.Sources[i] = reg
	if i == 0 && it.Instruction.Shape.DestAliasesSrc0 {
		it.Instruction.Dest = reg
	}
}

// GetSrc returns source operand i.
func (it *Item) GetSrc(i int) uint16 {
	if i >= len(it.Instruction.Sources) {
		return 0
	}
	return it.Instruction.Sources[i]
}

// IsInstruction reports whether it is a live Instruction item.
func (it *Item) IsInstruction() bool { return it.Kind == KindInstruction }

// MayThrow reports whether an Instruction item's opcode may throw,
// per the catalog's fixed classification (spec.md §9 Open Question b).
func (it *Item) MayThrow() bool {
	return it.Kind == KindInstruction && it.Instruction.Shape.MayThrow
}

// IsBranch reports whether an Instruction item is a branch (conditional or
// unconditional goto/if/ifz), per the catalog.
func (it *Item) IsBranch() bool {
	return it.Kind == KindInstruction && it.Instruction.Shape.IsBranch
}

// IsSwitch reports whether an Instruction item dispatches via a switch
// payload.
func (it *Item) IsSwitch() bool {
	return it.Kind == KindInstruction && it.Instruction.Shape.IsSwitch
}

// IsTerminal reports whether an Instruction item is a return or explicit
// throw -- it has no fall-through or branch successor.
func (it *Item) IsTerminal() bool {
	if it.Kind != KindInstruction {
		return false
	}
	return it.Instruction.Shape.IsReturn || it.Instruction.Shape.IsExplicitThrow
}

// Next returns the next item in ribbon order, or nil at the end.
func (it *Item) Next() *Item { return it.next }

// Prev returns the previous item in ribbon order, or nil at the start.
func (it *Item) Prev() *Item { return it.prev }
