package inline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onexuan/redex/cfg"
	"github.com/onexuan/redex/ribbon"
)

// TestComputeLivenessKillsDefsThenGensUses builds a small branch (const ->
// if-eqz, falling through to add-int/2addr; return-void, or jumping to a
// second return-void) and checks live_out at each point by hand, per
// spec.md §4.7: transfer kills the defined register before gening the
// instruction's sources, and the meet over if-eqz's two successors is union.
func TestComputeLivenessKillsDefsThenGensUses(t *testing.T) {
	r := ribbon.New()
	c0 := ribbon.NewInstruction(0x12) // const/4 v0, #1
	c0.SetDest(0)
	ifz := ribbon.NewInstruction(0x38) // if-eqz v0, +label
	ifz.SetSrc(0, 0)
	add := ribbon.NewInstruction(0xb0) // add-int/2addr v1, v0 (dest aliases src0)
	add.SetDest(1)
	add.SetSrc(0, 1)
	add.SetSrc(1, 0)
	retA := ribbon.NewInstruction(0x0e)
	label := ribbon.NewBranchTarget(ifz)
	retB := ribbon.NewInstruction(0x0e)

	r.PushBack(c0)
	r.PushBack(ifz)
	r.PushBack(add)
	r.PushBack(retA)
	r.PushBack(label)
	r.PushBack(retB)

	g := cfg.BuildCFG(r, false)
	lv, err := computeLiveness(g)
	require.NoError(t, err)

	addOut := lv[add]
	require.NotNil(t, addOut)
	assert.False(t, addOut.Test(0), "v0 is dead after add: return-void uses nothing")
	assert.False(t, addOut.Test(1), "v1 is dead after add: return-void uses nothing")

	c0Out := lv[c0]
	require.NotNil(t, c0Out)
	assert.True(t, c0Out.Test(0), "v0 is live after const: ifz and add both read it")
	assert.True(t, c0Out.Test(1), "v1 is live after const: add reads it as its aliased src0")

	ifzOut := lv[ifz]
	require.NotNil(t, ifzOut)
	assert.True(t, ifzOut.Test(0))
	assert.True(t, ifzOut.Test(1))
}
