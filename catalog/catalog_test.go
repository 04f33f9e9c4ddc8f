package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShapesSelfConsistent(t *testing.T) {
	for op := 0; op < 256; op++ {
		s := Shapes[op]
		assert.Len(t, s.SrcBitWidth, s.SrcCount, "opcode 0x%02x: SrcBitWidth length must match SrcCount", op)
		if s.HasDest {
			assert.Greater(t, s.DestBitWidth, 0, "opcode 0x%02x: HasDest but zero dest width", op)
		}
		if s.DestAliasesSrc0 {
			assert.True(t, s.HasDest, "opcode 0x%02x: DestAliasesSrc0 without a dest", op)
			assert.GreaterOrEqual(t, s.SrcCount, 1, "opcode 0x%02x: DestAliasesSrc0 without a src0", op)
		}
	}
}

func TestThrowClassificationMatchesCatalog(t *testing.T) {
	// new-instance (0x22), checkcast (0x1f) and throw (0x27) all may throw.
	assert.True(t, Shapes[0x22].MayThrow)
	assert.True(t, Shapes[0x1f].MayThrow)
	assert.True(t, Shapes[0x27].MayThrow)
	assert.True(t, Shapes[0x27].IsExplicitThrow)
	// const/4 (0x12) never throws.
	assert.False(t, Shapes[0x12].MayThrow)
}

func TestBranchClassification(t *testing.T) {
	assert.True(t, Shapes[0x28].IsBranch) // goto
	assert.False(t, Shapes[0x28].IsConditional)
	assert.True(t, Shapes[0x38].IsBranch) // if-eqz
	assert.True(t, Shapes[0x38].IsConditional)
	assert.True(t, Shapes[0x2b].IsSwitch) // packed-switch
}

func TestReturnClassification(t *testing.T) {
	assert.True(t, Shapes[0x0e].IsReturn)
	assert.True(t, Shapes[0x0f].IsReturn)
}
