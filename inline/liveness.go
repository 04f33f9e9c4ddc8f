package inline

import (
	"github.com/onexuan/redex/cfg"
	"github.com/onexuan/redex/dataflow"
	"github.com/onexuan/redex/dexerr"
	"github.com/onexuan/redex/ribbon"
)

// maxLivenessIterations bounds the backward worklist the same way
// dataflow.ForwardDataflow bounds its own, per spec.md §9's
// non-convergence Open Question.
const maxLivenessIterations = 100000

// computeLiveness runs a backward worklist fixpoint over g, returning the
// registers live immediately after each item -- live_out, spec.md §4.7.
// It mirrors dataflow.ForwardDataflow's shape (its own predecessor
// bookkeeping, a worklist, an Equal-gated fixpoint check, the same
// iteration bound) but walks edges against their direction: that driver
// is hardwired to merge predecessor out-states in program order, and
// cfg.Block.In is declared for traversal convenience, not as an
// authoritative reverse-edge list (see cfg.Block's doc comment), so a
// backward analysis still has to compute its own predecessor map exactly
// as ForwardDataflow does. Liveness is the only backward analysis this
// module needs, so it gets its own small driver rather than a shared
// bidirectional abstraction.
func computeLiveness(g *cfg.ControlFlowGraph) (map[*ribbon.Item]*dataflow.TaintedRegs, error) {
	blocks := g.Blocks()
	if len(blocks) == 0 {
		return map[*ribbon.Item]*dataflow.TaintedRegs{}, nil
	}

	preds := computeBlockPredecessors(blocks)

	blockLiveIn := make(map[*cfg.Block]*dataflow.TaintedRegs, len(blocks))
	blockLiveOut := make(map[*cfg.Block]*dataflow.TaintedRegs, len(blocks))

	// Postorder (sinks first) is the natural starting order for a
	// backward analysis, just as ForwardDataflow starts from
	// reverse-postorder (sources first).
	order := g.PostorderBlocks()
	queue := append([]*cfg.Block{}, order...)
	queued := make(map[*cfg.Block]bool, len(order))
	for _, b := range order {
		queued[b] = true
	}

	iterations := 0
	for len(queue) > 0 {
		iterations++
		if iterations > maxLivenessIterations {
			return nil, dexerr.ErrNonConvergence
		}

		b := queue[0]
		queue = queue[1:]
		queued[b] = false

		out := mergeSuccessorsLiveIn(b, blockLiveIn)
		blockLiveOut[b] = out

		in := applyBlockBackward(b, out)

		prevIn, had := blockLiveIn[b]
		if had && prevIn.Equal(in) {
			continue
		}
		blockLiveIn[b] = in

		for _, p := range preds[b] {
			if !queued[p] {
				queue = append(queue, p)
				queued[p] = true
			}
		}
	}

	result := make(map[*ribbon.Item]*dataflow.TaintedRegs)
	for _, b := range blocks {
		out := blockLiveOut[b]
		if out == nil {
			out = dataflow.NewTaintedRegs()
		}
		for i := len(b.Items) - 1; i >= 0; i-- {
			it := b.Items[i]
			result[it] = out
			out = transferBackward(it, out)
		}
	}
	return result, nil
}

func computeBlockPredecessors(blocks []*cfg.Block) map[*cfg.Block][]*cfg.Block {
	preds := make(map[*cfg.Block][]*cfg.Block, len(blocks))
	for _, b := range blocks {
		for _, e := range b.Out {
			preds[e.To] = append(preds[e.To], b)
		}
	}
	return preds
}

// mergeSuccessorsLiveIn unions the live-in states of every already-
// processed successor of b -- the backward-analysis analog of
// dataflow.mergeIn, which unions predecessor out-states for a forward
// analysis.
func mergeSuccessorsLiveIn(b *cfg.Block, blockLiveIn map[*cfg.Block]*dataflow.TaintedRegs) *dataflow.TaintedRegs {
	var merged dataflow.State
	for _, e := range b.Out {
		li, ok := blockLiveIn[e.To]
		if !ok {
			continue
		}
		if merged == nil {
			merged = li.Clone()
		} else {
			merged = merged.Meet(li)
		}
	}
	if merged == nil {
		return dataflow.NewTaintedRegs()
	}
	return merged.(*dataflow.TaintedRegs)
}

func applyBlockBackward(b *cfg.Block, out *dataflow.TaintedRegs) *dataflow.TaintedRegs {
	in := out
	for i := len(b.Items) - 1; i >= 0; i-- {
		in = transferBackward(b.Items[i], in)
	}
	return in
}

// transferBackward computes the state live immediately before it from
// the state live immediately after it: kill defs, then gen uses, per
// spec.md §4.7.
func transferBackward(it *ribbon.Item, liveOut *dataflow.TaintedRegs) *dataflow.TaintedRegs {
	liveIn := liveOut.Clone().(*dataflow.TaintedRegs)
	if it.Kind != ribbon.KindInstruction {
		return liveIn
	}
	if it.Instruction.HasDest {
		liveIn.Clear(it.Instruction.Dest)
	}
	for _, s := range it.Instruction.Sources {
		liveIn.Set(s)
	}
	return liveIn
}
