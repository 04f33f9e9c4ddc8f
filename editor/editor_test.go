package editor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onexuan/redex/dexcode"
)

func straightLineCode() *dexcode.CodeBody {
	return &dexcode.CodeBody{
		RegistersSize: 2,
		Insns:         []uint16{0x1012, 0x2112, 0x000e},
	}
}

func TestAcquireReleaseRoundTrips(t *testing.T) {
	code := straightLineCode()
	e := Acquire(code)
	require.Equal(t, 3, e.Ribbon.Len())

	out, err := e.Release()
	require.NoError(t, err)
	assert.Equal(t, code.Insns, out.Insns)
	assert.Equal(t, code.RegistersSize, out.RegistersSize)
}

func TestReleaseTwiceErrors(t *testing.T) {
	e := Acquire(straightLineCode())
	_, err := e.Release()
	require.NoError(t, err)

	_, err = e.Release()
	assert.Error(t, err)
}

func TestCFGBuildsLazilyAndCachesUntilInvalidated(t *testing.T) {
	e := Acquire(straightLineCode())
	first := e.CFG(true)
	require.NotNil(t, first)

	second := e.CFG(true)
	assert.Same(t, first, second, "CFG should be cached across calls with the same splitBeforeThrow")

	require.NoError(t, e.Ribbon.RemoveOpcode(e.Ribbon.Instructions()[1]))
	assert.False(t, e.Ribbon.CFGValid())

	third := e.CFG(true)
	assert.NotSame(t, first, third, "an invalidating edit should force CFG to rebuild")
}

func TestEditSyncsOnSuccess(t *testing.T) {
	code := straightLineCode()
	out, err := Edit(code, func(e *Editor) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, code.Insns, out.Insns)
}

func TestEditStillSyncsWhenFnReturnsError(t *testing.T) {
	code := straightLineCode()
	sentinel := assert.AnError
	out, err := Edit(code, func(e *Editor) error {
		return sentinel
	})
	assert.Same(t, sentinel, err)
	require.NotNil(t, out)
	assert.Equal(t, code.Insns, out.Insns)
}

func TestEditReleasesThenRePanicsOnPanic(t *testing.T) {
	code := straightLineCode()
	var captured *Editor

	defer func() {
		r := recover()
		require.NotNil(t, r)
		assert.Equal(t, "boom", r)
		require.NotNil(t, captured)
		assert.True(t, captured.released, "Release must still run before the panic propagates")
	}()

	_, _ = Edit(code, func(e *Editor) error {
		captured = e
		panic("boom")
	})
}
