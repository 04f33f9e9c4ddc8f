// Package cfg derives the control-flow graph view over a ribbon: basic
// blocks and tagged edges, per spec.md §3.3/§4.2. It ports
// Transform.h::build_cfg (leaders/blocks/edges) and its end_block_before_throw
// flag (renamed SplitBeforeThrow, see DESIGN.md's Open Question decision),
// matching the bespoke Block/Edge struct shape used throughout the
// reference pack's own CFG implementations (susji-c0/cfg, cloudwego-frugal/cfg)
// rather than reaching for a generic graph library (SPEC_FULL.md DOMAIN STACK).
package cfg

import (
	"github.com/onexuan/redex/ribbon"
)

// EdgeKind tags a CFG edge with why it exists.
type EdgeKind uint8

const (
	EdgeFallthrough EdgeKind = iota
	EdgeBranch
	EdgeSwitchCase
	EdgeThrow
	EdgeCatchChain
)

// Edge is one outgoing edge from a Block.
type Edge struct {
	Kind EdgeKind
	To   *Block

	// CaseIndex is meaningful only for EdgeSwitchCase.
	CaseIndex int32
}

// Block is a maximal contiguous run of ribbon items whose interior
// contains no branch target and whose terminator is a branch,
// return/throw, or (under SplitBeforeThrow) a ThrowingFallthrough marker.
type Block struct {
	id    int
	Items []*ribbon.Item
	Out   []Edge

	// In is populated for convenience during traversal; it is derived,
	// not authoritative (Out is authoritative for edge direction).
	In []*Block
}

// ID is a stable, build-local identifier useful for map keys and test
// assertions. It has no meaning across separate BuildCFG calls.
func (b *Block) ID() int { return b.id }

// First returns the block's first item.
func (b *Block) First() *ribbon.Item {
	if len(b.Items) == 0 {
		return nil
	}
	return b.Items[0]
}

// Last returns the block's last item.
func (b *Block) Last() *ribbon.Item {
	if len(b.Items) == 0 {
		return nil
	}
	return b.Items[len(b.Items)-1]
}

// ControlFlowGraph is the derived view over one ribbon.
type ControlFlowGraph struct {
	blocks            []*Block
	splitBeforeThrow  bool
	itemToBlock       map[*ribbon.Item]*Block
}

// Blocks returns all blocks in ribbon (program) order. Block 0 is always
// the entry block (spec.md §3.3 invariant: exactly one entry block).
func (g *ControlFlowGraph) Blocks() []*Block { return g.blocks }

// BlockOf returns the block containing it, or nil if it is in no block.
// Every item of a block is mapped, BranchTarget and Position items
// included: they belong to whichever block they fall inside.
func (g *ControlFlowGraph) BlockOf(it *ribbon.Item) *Block { return g.itemToBlock[it] }

// PostorderBlocks returns blocks in postorder from the entry block,
// matching RemoveBuildersHelper.cpp's postorder_sort(transform->cfg().blocks())
// call, which the forward dataflow driver consumes as reverse-postorder.
func (g *ControlFlowGraph) PostorderBlocks() []*Block {
	visited := make(map[*Block]bool, len(g.blocks))
	var order []*Block
	var visit func(b *Block)
	visit = func(b *Block) {
		if b == nil || visited[b] {
			return
		}
		visited[b] = true
		for _, e := range b.Out {
			visit(e.To)
		}
		order = append(order, b)
	}
	if len(g.blocks) > 0 {
		visit(g.blocks[0])
	}
	// Any block unreachable from the entry (dead code after an
	// unconditional branch with no fallthrough predecessor) is still part
	// of the ribbon partition (spec.md §3.3 invariant 2) and must appear
	// somewhere in the result.
	for _, b := range g.blocks {
		if !visited[b] {
			visit(b)
		}
	}
	return order
}

// activeTry tracks one open try region while scanning the ribbon for
// leaders/edges; regions nest LIFO (spec.md §4.2 tie-break rule).
type activeTry struct {
	catchStart *ribbon.Item
}

// BuildCFG partitions ribbon into basic blocks and installs edges, per
// spec.md §4.2. splitBeforeThrow selects whether THROW edges leave the
// block ending at a ThrowingFallthrough marker (true) or the block
// containing the throwing instruction itself (false).
func BuildCFG(r *ribbon.Ribbon, splitBeforeThrow bool) *ControlFlowGraph {
	items := r.Items()
	g := &ControlFlowGraph{splitBeforeThrow: splitBeforeThrow, itemToBlock: make(map[*ribbon.Item]*Block)}

	leaders := computeLeaders(items, splitBeforeThrow)
	g.blocks = partitionBlocks(items, leaders, g.itemToBlock)
	installEdges(g, items, splitBeforeThrow)

	r.MarkCFGValid()
	return g
}

func computeLeaders(items []*ribbon.Item, splitBeforeThrow bool) map[*ribbon.Item]bool {
	leaders := map[*ribbon.Item]bool{}
	if len(items) == 0 {
		return leaders
	}

	firstInsn := firstInstruction(items)
	if firstInsn != nil {
		leaders[firstInsn] = true
	}

	for i, it := range items {
		switch it.Kind {
		case ribbon.KindBranchTarget:
			if nxt := nextInstruction(items, i); nxt != nil {
				leaders[nxt] = true
			}
		case ribbon.KindTryBoundary:
			if it.TryBoundary.Type == ribbon.TryEnd {
				if nxt := nextInstruction(items, i); nxt != nil {
					leaders[nxt] = true
				}
			}
		case ribbon.KindCatch:
			// A handler body is a join point for every THROW edge into
			// this chain link; it always starts its own block, even when
			// nothing upstream forces a split.
			if nxt := nextInstruction(items, i); nxt != nil {
				leaders[nxt] = true
			}
		case ribbon.KindInstruction:
			if it.Instruction.Shape.IsBranch || it.Instruction.Shape.IsSwitch || it.IsTerminal() {
				if nxt := nextInstruction(items, i); nxt != nil {
					leaders[nxt] = true
				}
			}
		case ribbon.KindThrowingFallthrough:
			if splitBeforeThrow {
				if nxt := nextInstruction(items, i); nxt != nil {
					leaders[nxt] = true
				}
			}
		}
	}
	return leaders
}

func firstInstruction(items []*ribbon.Item) *ribbon.Item {
	for _, it := range items {
		if it.Kind == ribbon.KindInstruction {
			return it
		}
	}
	return nil
}

func nextInstruction(items []*ribbon.Item, from int) *ribbon.Item {
	for i := from + 1; i < len(items); i++ {
		if items[i].Kind == ribbon.KindInstruction {
			return items[i]
		}
	}
	return nil
}

// partitionBlocks walks items once, starting a new block at every leader
// (and at index 0), assigning every item -- instructions and the
// surrounding BranchTarget/Try/Catch/Debug/Position/ThrowingFallthrough
// items alike -- to exactly one block, satisfying spec.md §3.3's partition
// invariant.
func partitionBlocks(items []*ribbon.Item, leaders map[*ribbon.Item]bool, itemToBlock map[*ribbon.Item]*Block) []*Block {
	var blocks []*Block
	var cur *Block
	id := 0
	for _, it := range items {
		if cur == nil || (it.Kind == ribbon.KindInstruction && leaders[it]) {
			cur = &Block{id: id}
			id++
			blocks = append(blocks, cur)
		}
		cur.Items = append(cur.Items, it)
		itemToBlock[it] = cur
	}
	return blocks
}

func installEdges(g *ControlFlowGraph, items []*ribbon.Item, splitBeforeThrow bool) {
	blocks := g.blocks
	var tryStack []activeTry

	for bi, b := range blocks {
		term := terminatorInstruction(b, splitBeforeThrow)

		switch {
		case term == nil:
			// Block has no terminating instruction in this ribbon yet
			// (e.g. trailing debug/position items with nothing after);
			// treat as fallthrough-only if a following block exists.
			if bi+1 < len(blocks) {
				b.Out = append(b.Out, Edge{Kind: EdgeFallthrough, To: blocks[bi+1]})
			}
		case term.Instruction.Shape.IsSwitch:
			installSwitchEdges(g, b, term, blocks, bi)
		case term.Instruction.Shape.IsConditional:
			if t := branchTargetBlock(g, term); t != nil {
				b.Out = append(b.Out, Edge{Kind: EdgeBranch, To: t})
			}
			if bi+1 < len(blocks) {
				b.Out = append(b.Out, Edge{Kind: EdgeFallthrough, To: blocks[bi+1]})
			}
		case term.Instruction.Shape.IsBranch: // unconditional goto
			if t := branchTargetBlock(g, term); t != nil {
				b.Out = append(b.Out, Edge{Kind: EdgeBranch, To: t})
			}
		case term.IsTerminal():
			// return/throw: no successors.
		case term.Kind == ribbon.KindThrowingFallthrough:
			if bi+1 < len(blocks) {
				b.Out = append(b.Out, Edge{Kind: EdgeFallthrough, To: blocks[bi+1]})
			}
		default:
			if bi+1 < len(blocks) {
				b.Out = append(b.Out, Edge{Kind: EdgeFallthrough, To: blocks[bi+1]})
			}
		}

		var everOpen []activeTry
		tryStack, everOpen = updateTryStack(tryStack, b)
		if len(everOpen) > 0 && blockHasThrowSource(b, splitBeforeThrow) {
			installThrowEdges(g, b, everOpen)
		}
	}
}

// terminatorInstruction returns the item that determines b's outgoing
// edges: its last Instruction, or (under splitBeforeThrow) its trailing
// ThrowingFallthrough marker if that is in fact the block's last item.
func terminatorInstruction(b *Block, splitBeforeThrow bool) *ribbon.Item {
	if splitBeforeThrow {
		if last := b.Last(); last != nil && last.Kind == ribbon.KindThrowingFallthrough {
			return last
		}
	}
	for i := len(b.Items) - 1; i >= 0; i-- {
		if b.Items[i].Kind == ribbon.KindInstruction {
			return b.Items[i]
		}
	}
	return nil
}

// blockAfterLabel resolves a zero-width label item (a BranchTarget) to the
// block containing the next real Instruction after it in ribbon order --
// never the label's own block, since computeLeaders deliberately leaves
// labels attached to the block preceding the code they mark (see its
// KindBranchTarget case).
func blockAfterLabel(g *ControlFlowGraph, label *ribbon.Item) *Block {
	for it := label.Next(); it != nil; it = it.Next() {
		if it.Kind == ribbon.KindInstruction {
			return g.itemToBlock[it]
		}
	}
	return nil
}

func branchTargetBlock(g *ControlFlowGraph, src *ribbon.Item) *Block {
	for label := range g.itemToBlock {
		if label.Kind == ribbon.KindBranchTarget && label.BranchTarget.Kind == ribbon.BranchSimple && label.BranchTarget.Src == src {
			return blockAfterLabel(g, label)
		}
	}
	return nil
}

func installSwitchEdges(g *ControlFlowGraph, b *Block, term *ribbon.Item, blocks []*Block, bi int) {
	data := term.Instruction.SwitchData
	if data != nil {
		for i, target := range data.Targets {
			if target == nil {
				continue
			}
			if blk := blockAfterLabel(g, target); blk != nil {
				b.Out = append(b.Out, Edge{Kind: EdgeSwitchCase, To: blk, CaseIndex: int32(i)})
			}
		}
	}
	if bi+1 < len(blocks) {
		b.Out = append(b.Out, Edge{Kind: EdgeFallthrough, To: blocks[bi+1]})
	}
}

// blockHasThrowSource reports whether b contains (or, under
// splitBeforeThrow, ends with the marker preceding) a potentially-throwing
// instruction.
func blockHasThrowSource(b *Block, splitBeforeThrow bool) bool {
	for _, it := range b.Items {
		if it.Kind == ribbon.KindThrowingFallthrough {
			return true
		}
		if !splitBeforeThrow && it.Kind == ribbon.KindInstruction && it.Instruction.Shape.MayThrow {
			return true
		}
	}
	return false
}

// updateTryStack scans b.Items for TRY_START/TRY_END boundaries. It
// returns both the stack to carry into the next block (final) and every
// region that was open at any point while scanning b (everOpen) --
// including one opened and closed entirely within b itself, e.g. a
// TRY_START immediately followed by one throwing instruction and that
// region's own TRY_END, which never shows up in final since nothing forces
// a block split at TRY_START (only TRY_END does, see computeLeaders).
// installEdges needs everOpen, not final, to route a THROW edge out of a
// block whose guarded region does not outlive it.
func updateTryStack(stack []activeTry, b *Block) (final, everOpen []activeTry) {
	final = stack
	everOpen = append(everOpen, stack...)
	for _, it := range b.Items {
		if it.Kind != ribbon.KindTryBoundary {
			continue
		}
		if it.TryBoundary.Type == ribbon.TryStart {
			t := activeTry{catchStart: it.TryBoundary.CatchStart}
			final = append(final, t)
			everOpen = append(everOpen, t)
		} else if len(final) > 0 {
			final = final[:len(final)-1]
		}
	}
	return final, everOpen
}

// installThrowEdges adds a THROW edge from b to every catch in every open
// try region's chain, innermost-first (spec.md §4.2 tie-break rule), plus
// internal CATCH_CHAIN edges linking each chain's catches in order.
func installThrowEdges(g *ControlFlowGraph, b *Block, tryStack []activeTry) {
	for i := len(tryStack) - 1; i >= 0; i-- {
		catch := tryStack[i].catchStart
		var prevBlk *Block
		for catch != nil {
			blk := blockAfterLabel(g, catch)
			if blk == nil {
				break
			}
			b.Out = append(b.Out, Edge{Kind: EdgeThrow, To: blk})
			if prevBlk != nil {
				prevBlk.Out = append(prevBlk.Out, Edge{Kind: EdgeCatchChain, To: blk})
			}
			prevBlk = blk
			catch = catch.Catch.Next
		}
	}
}
