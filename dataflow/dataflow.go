package dataflow

import (
	"github.com/onexuan/redex/cfg"
	"github.com/onexuan/redex/dexerr"
	"github.com/onexuan/redex/ribbon"
)

// State is any dataflow lattice value a TransferFunc produces, meets, and
// compares. TaintedRegs and FieldsRegs are the two concrete states this
// module carries; passes are free to define more.
type State interface {
	Clone() State
	Meet(other State) State
	Equal(other State) bool
}

// TransferFunc folds item's effect into in, returning the state that holds
// immediately after item executes. It must not mutate in.
type TransferFunc func(item *ribbon.Item, in State) State

// maxIterations bounds the worklist loop so a transfer function that
// never reaches a fixpoint (one that isn't monotone, despite the
// contract) fails loudly instead of hanging, per spec.md §9's
// non-convergence Open Question.
const maxIterations = 100000

// ForwardDataflow runs a forward worklist fixpoint over g's blocks
// starting from initial at the entry block, folding transfer over every
// item in program order within a block and meeting predecessor out-states
// at join points. It returns the state immediately before each item,
// mirroring RemoveBuildersHelper.cpp's forwards_dataflow, which records
// per-instruction pre-states for fields_setters/fields_getters to consume.
func ForwardDataflow(g *cfg.ControlFlowGraph, initial State, transfer TransferFunc) (map[*ribbon.Item]State, error) {
	blocks := g.Blocks()
	if len(blocks) == 0 {
		return map[*ribbon.Item]State{}, nil
	}

	predecessors := computePredecessors(blocks)

	blockIn := make(map[*cfg.Block]State, len(blocks))
	blockOut := make(map[*cfg.Block]State, len(blocks))

	order := reversePostorder(g)
	queue := append([]*cfg.Block{}, order...)
	queued := make(map[*cfg.Block]bool, len(order))
	for _, b := range order {
		queued[b] = true
	}

	iterations := 0
	for len(queue) > 0 {
		iterations++
		if iterations > maxIterations {
			return nil, dexerr.ErrNonConvergence
		}

		b := queue[0]
		queue = queue[1:]
		queued[b] = false

		in := mergeIn(b, blockOut, predecessors, initial)
		blockIn[b] = in

		out := applyBlock(b, in, transfer)

		prevOut, had := blockOut[b]
		if had && prevOut.Equal(out) {
			continue
		}
		blockOut[b] = out

		for _, e := range b.Out {
			if !queued[e.To] {
				queue = append(queue, e.To)
				queued[e.To] = true
			}
		}
	}

	result := make(map[*ribbon.Item]State)
	for _, b := range blocks {
		state := blockIn[b]
		if state == nil {
			state = initial.Clone()
		}
		for _, it := range b.Items {
			result[it] = state
			state = transfer(it, state)
		}
	}
	return result, nil
}

// applyBlock folds transfer over every item of b, returning the state
// immediately after its last item.
func applyBlock(b *cfg.Block, in State, transfer TransferFunc) State {
	out := in
	for _, it := range b.Items {
		out = transfer(it, out)
	}
	return out
}

// mergeIn meets the out-states of every already-processed predecessor of
// b. A block with no processed predecessors yet (the entry block, or a
// block not yet reached this pass) starts from initial.
func mergeIn(b *cfg.Block, blockOut map[*cfg.Block]State, predecessors map[*cfg.Block][]*cfg.Block, initial State) State {
	var merged State
	for _, p := range predecessors[b] {
		po, ok := blockOut[p]
		if !ok {
			continue
		}
		if merged == nil {
			merged = po.Clone()
		} else {
			merged = merged.Meet(po)
		}
	}
	if merged != nil {
		return merged
	}
	return initial.Clone()
}

func computePredecessors(blocks []*cfg.Block) map[*cfg.Block][]*cfg.Block {
	preds := make(map[*cfg.Block][]*cfg.Block, len(blocks))
	for _, b := range blocks {
		for _, e := range b.Out {
			preds[e.To] = append(preds[e.To], b)
		}
	}
	return preds
}

func reversePostorder(g *cfg.ControlFlowGraph) []*cfg.Block {
	post := g.PostorderBlocks()
	rev := make([]*cfg.Block, len(post))
	for i, b := range post {
		rev[len(post)-1-i] = b
	}
	return rev
}
