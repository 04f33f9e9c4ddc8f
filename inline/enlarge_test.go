package inline

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onexuan/redex/dexerr"
	"github.com/onexuan/redex/ribbon"
)

func TestEnlargeShiftsOnlyParameterRegisters(t *testing.T) {
	r := ribbon.New()
	local := ribbon.NewInstruction(0x12) // const/4 v0, #7 -- below paramStart, untouched
	local.SetDest(0)
	param := ribbon.NewInstruction(0x01) // move v1, v1 -- at/above paramStart, shifted
	param.SetDest(1)
	param.SetSrc(0, 1)
	r.PushBack(local)
	r.PushBack(param)

	require.NoError(t, Enlarge(r, 2, 1, 3))

	assert.Equal(t, uint16(0), local.GetDest())
	assert.Equal(t, uint16(2), param.GetDest())
	assert.Equal(t, uint16(2), param.GetSrc(0))
}

func TestEnlargeRefusesWithoutMutatingOnOverflow(t *testing.T) {
	r := ribbon.New()
	it := ribbon.NewInstruction(0xb0) // add-int/2addr, 4-bit operands
	it.SetDest(15)
	it.SetSrc(0, 15)
	it.SetSrc(1, 0)
	r.PushBack(it)

	err := Enlarge(r, 16, 15, 17)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dexerr.ErrCapacityRefusal))

	assert.Equal(t, uint16(15), it.GetDest(), "ribbon must be left unchanged on refusal")
	assert.Equal(t, uint16(15), it.GetSrc(0))
}

func TestEnlargeNoopWhenTargetEqualsCurrent(t *testing.T) {
	r := ribbon.New()
	require.NoError(t, Enlarge(r, 4, 1, 4))
}
