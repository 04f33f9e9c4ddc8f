// Package catalog is the fixed external instruction catalog spec.md §1
// treats as a given: per-opcode operand shape (source count, destination
// presence, bit widths, aliasing, throw/branch/switch classification). The
// format-width table and the Dalvik-type range classification are ported
// from the teacher's dex/formats.go (formats array, decode()) and
// dex/dalvik.go (getOpcode, THROW_TYPES), generalized with the branch/throw
// attributes the ribbon and CFG builder need that the teacher (a DEX-to-JVM
// transpiler) never required.
package catalog

// Format is the DEX instruction format mnemonic, e.g. "12x", "35c".
type Format string

// Kind groups opcodes into the operand-shape categories this catalog
// actually needs to distinguish. It is coarser than the full Dalvik opcode
// semantics (e.g. it does not distinguish int-add from int-sub) because
// operand shape, not arithmetic meaning, is all the ribbon/CFG/synchronizer
// layer consumes.
type Kind uint8

const (
	KindNop Kind = iota
	KindMove
	KindMoveResult
	KindReturn
	KindConst
	KindMonitor
	KindCheckCast
	KindInstanceOf
	KindArrayLen
	KindNewInstance
	KindNewArray
	KindFilledNewArray
	KindFillArrayData
	KindThrow
	KindGoto
	KindSwitch
	KindCompare
	KindIf
	KindIfZ
	KindArrayGet
	KindArrayPut
	KindInstanceGet
	KindInstancePut
	KindStaticGet
	KindStaticPut
	KindInvoke
	KindInvokeRange
	KindUnaryOp
	KindBinaryOp
	KindBinaryOp2Addr
	KindBinaryOpConst
	KindPackedSwitchPayload
	KindSparseSwitchPayload
	KindFillArrayDataPayload
)

// Shape describes one opcode's operand layout and control-flow role.
type Shape struct {
	Format Format
	Kind   Kind

	SrcCount        int
	SrcBitWidth     []int // len == SrcCount
	HasDest         bool
	DestBitWidth    int
	DestAliasesSrc0 bool // writing src0 after dest must read back src0 (spec.md §8 property 6)

	MayThrow     bool
	IsBranch     bool // unconditional or conditional branch (goto/if/ifz)
	IsConditional bool
	IsSwitch     bool // packed-switch / sparse-switch dispatch
	IsReturn     bool
	IsExplicitThrow bool // the `throw` opcode itself
	HasPayload   bool // fill-array-data / packed-switch / sparse-switch carrier
	IsPayload    bool // this "opcode" is a pseudo-instruction payload, absorbed out of the linear stream
	HasConstantPoolRef bool
}

// Shapes is the 256-entry per-opcode catalog, indexed by raw opcode byte.
var Shapes [256]Shape

func init() {
	for op := 0; op < 256; op++ {
		Shapes[op] = build(uint8(op))
	}
}

// formats ports dex/formats.go's table verbatim.
var formats = [256]Format{
	"10x", "12x", "22x", "32x", "12x", "22x", "32x", "12x", "22x", "32x", "11x", "11x", "11x", "11x", "10x", "11x",
	"11x", "11x", "11n", "21s", "31i", "21h", "21s", "31i", "51l", "21h", "21c", "31c", "21c", "11x", "11x", "21c",
	"22c", "12x", "21c", "22c", "35c", "3rc", "31t", "11x", "10t", "20t", "30t", "31t", "31t", "23x", "23x", "23x",
	"23x", "23x", "22t", "22t", "22t", "22t", "22t", "22t", "21t", "21t", "21t", "21t", "21t", "21t", "10x", "10x",
	"10x", "10x", "10x", "10x", "23x", "23x", "23x", "23x", "23x", "23x", "23x", "23x", "23x", "23x", "23x", "23x",
	"23x", "23x", "22c", "22c", "22c", "22c", "22c", "22c", "22c", "22c", "22c", "22c", "22c", "22c", "22c", "22c",
	"21c", "21c", "21c", "21c", "21c", "21c", "21c", "21c", "21c", "21c", "21c", "21c", "21c", "21c", "35c", "35c",
	"35c", "35c", "35c", "10x", "3rc", "3rc", "3rc", "3rc", "3rc", "10x", "10x", "12x", "12x", "12x", "12x", "12x",
	"12x", "12x", "12x", "12x", "12x", "12x", "12x", "12x", "12x", "12x", "12x", "12x", "12x", "12x", "23x", "23x",
	"23x", "23x", "23x", "23x", "23x", "23x", "23x", "23x", "23x", "23x", "23x", "23x", "23x", "23x", "23x", "23x",
	"23x", "23x", "23x", "23x", "23x", "23x", "23x", "23x", "23x", "23x", "23x", "23x", "12x", "12x", "12x", "12x",
	"12x", "12x", "12x", "12x", "12x", "12x", "12x", "12x", "12x", "12x", "12x", "12x", "12x", "12x", "12x", "12x",
	"12x", "12x", "12x", "12x", "12x", "12x", "12x", "12x", "22s", "22s", "22s", "22s", "22s", "22s", "22s", "22s",
	"22b", "22b", "22b", "22b", "22b", "22b", "22b", "22b", "22b", "22b", "22b", "10x", "10x", "10x", "10x", "10x",
	"10x", "10x", "10x", "10x", "10x", "10x", "10x", "10x", "10x", "10x", "10x", "10x", "10x", "10x", "10x", "10x",
	"10x", "10x", "10x", "10x", "10x", "10x", "10x", "10x", "10x",
}

func kindFor(op uint8) Kind {
	switch {
	case op == 0x00:
		return KindNop
	case op >= 0x01 && op <= 0x09:
		return KindMove
	case op >= 0x0a && op <= 0x0d:
		return KindMoveResult
	case op >= 0x0e && op <= 0x11:
		return KindReturn
	case op >= 0x12 && op <= 0x19:
		return KindConst
	case op >= 0x1a && op <= 0x1b:
		return KindConst // const-string / const-string/jumbo
	case op == 0x1c:
		return KindConst // const-class
	case op == 0x1d || op == 0x1e:
		return KindMonitor
	case op == 0x1f:
		return KindCheckCast
	case op == 0x20:
		return KindInstanceOf
	case op == 0x21:
		return KindArrayLen
	case op == 0x22:
		return KindNewInstance
	case op == 0x23:
		return KindNewArray
	case op >= 0x24 && op <= 0x25:
		return KindFilledNewArray
	case op == 0x26:
		return KindFillArrayData
	case op == 0x27:
		return KindThrow
	case op >= 0x28 && op <= 0x2a:
		return KindGoto
	case op >= 0x2b && op <= 0x2c:
		return KindSwitch
	case op >= 0x2d && op <= 0x31:
		return KindCompare
	case op >= 0x32 && op <= 0x37:
		return KindIf
	case op >= 0x38 && op <= 0x3d:
		return KindIfZ
	case op >= 0x44 && op <= 0x4a:
		return KindArrayGet
	case op >= 0x4b && op <= 0x51:
		return KindArrayPut
	case op >= 0x52 && op <= 0x58:
		return KindInstanceGet
	case op >= 0x59 && op <= 0x5f:
		return KindInstancePut
	case op >= 0x60 && op <= 0x66:
		return KindStaticGet
	case op >= 0x67 && op <= 0x6d:
		return KindStaticPut
	case op >= 0x6e && op <= 0x72:
		return KindInvoke
	case op >= 0x74 && op <= 0x78:
		return KindInvokeRange
	case op >= 0x7b && op <= 0x8f:
		return KindUnaryOp
	case op >= 0x90 && op <= 0xaf:
		return KindBinaryOp
	case op >= 0xb0 && op <= 0xcf:
		return KindBinaryOp2Addr
	case op >= 0xd0 && op <= 0xe2:
		return KindBinaryOpConst
	default:
		return KindNop
	}
}

// bitWidthsFor returns a format's per-operand bit widths in encoding order,
// independent of which operand plays which role -- that assignment happens in build().
func bitWidthsFor(f Format) []int {
	switch f {
	case "10x", "10t":
		return nil
	case "12x", "11n":
		return []int{4, 4}
	case "11x":
		return []int{8}
	case "21t", "21s", "21h", "21c", "31t", "31i", "31c", "51l":
		return []int{8, 16}
	case "20t":
		return []int{16}
	case "30t":
		return []int{32}
	case "22x", "32x":
		return []int{8, 16}
	case "22t", "22s", "22c", "22b":
		return []int{4, 4, 16}
	case "23x":
		return []int{8, 8, 8}
	case "35c":
		return []int{4, 4, 4, 4, 4, 4} // up to 5 arg regs + register-count nibble
	case "3rc":
		return []int{8, 16, 16}
	default:
		return nil
	}
}

func build(op uint8) Shape {
	f := formats[op]
	s := Shape{Format: f, Kind: kindFor(op)}

	switch s.Kind {
	case KindNop:
		// no-op, and the catalog entries the teacher maps to Nop at
		// 0x3e-0x43, 0x73, 0x79-0x7a, 0xe3+ (unused/odd opcodes).
	case KindMove:
		s.HasDest, s.DestBitWidth = true, destWidth(f)
		s.SrcCount, s.SrcBitWidth = 1, []int{srcWidth(f, 0)}
	case KindMoveResult:
		s.HasDest, s.DestBitWidth = true, 8
	case KindReturn:
		if op != 0x0e { // return-void has no operand
			s.SrcCount, s.SrcBitWidth = 1, []int{8}
		}
		s.IsReturn = true
	case KindConst:
		s.HasDest, s.DestBitWidth = true, destWidth(f)
		s.HasConstantPoolRef = op == 0x1a || op == 0x1b || op == 0x1c
	case KindMonitor:
		s.SrcCount, s.SrcBitWidth = 1, []int{8}
		s.MayThrow = true
	case KindCheckCast:
		s.HasDest, s.DestBitWidth = true, 8
		s.SrcCount, s.SrcBitWidth = 1, []int{8}
		s.DestAliasesSrc0 = true
		s.MayThrow, s.HasConstantPoolRef = true, true
	case KindInstanceOf:
		s.HasDest, s.DestBitWidth = true, 4
		s.SrcCount, s.SrcBitWidth = 1, []int{4}
		s.MayThrow, s.HasConstantPoolRef = true, true
	case KindArrayLen:
		s.HasDest, s.DestBitWidth = true, 4
		s.SrcCount, s.SrcBitWidth = 1, []int{4}
		s.MayThrow = true
	case KindNewInstance:
		s.HasDest, s.DestBitWidth = true, 8
		s.MayThrow, s.HasConstantPoolRef = true, true
	case KindNewArray:
		s.HasDest, s.DestBitWidth = true, 4
		s.SrcCount, s.SrcBitWidth = 1, []int{4}
		s.MayThrow, s.HasConstantPoolRef = true, true
	case KindFilledNewArray:
		s.SrcCount = argCount(f)
		s.SrcBitWidth = uniform(4, s.SrcCount)
		if f == "3rc" {
			s.SrcBitWidth = uniform(16, s.SrcCount)
		}
		s.MayThrow, s.HasConstantPoolRef = true, true
	case KindFillArrayData:
		s.SrcCount, s.SrcBitWidth = 1, []int{8}
		s.MayThrow, s.HasPayload = true, true
	case KindThrow:
		s.SrcCount, s.SrcBitWidth = 1, []int{8}
		s.MayThrow, s.IsExplicitThrow = true, true
	case KindGoto:
		s.IsBranch = true
	case KindSwitch:
		s.SrcCount, s.SrcBitWidth = 1, []int{8}
		s.IsSwitch, s.HasPayload = true, true
	case KindCompare:
		s.HasDest, s.DestBitWidth = true, 8
		s.SrcCount, s.SrcBitWidth = 2, []int{8, 8}
	case KindIf:
		s.SrcCount, s.SrcBitWidth = 2, []int{4, 4}
		s.IsBranch, s.IsConditional = true, true
	case KindIfZ:
		s.SrcCount, s.SrcBitWidth = 1, []int{8}
		s.IsBranch, s.IsConditional = true, true
	case KindArrayGet:
		s.HasDest, s.DestBitWidth = true, 8
		s.SrcCount, s.SrcBitWidth = 2, []int{8, 8}
		s.MayThrow = true
	case KindArrayPut:
		s.SrcCount, s.SrcBitWidth = 3, []int{8, 8, 8}
		s.MayThrow = true
	case KindInstanceGet:
		s.HasDest, s.DestBitWidth = true, 4
		s.SrcCount, s.SrcBitWidth = 1, []int{4}
		s.MayThrow, s.HasConstantPoolRef = true, true
	case KindInstancePut:
		s.SrcCount, s.SrcBitWidth = 2, []int{4, 4}
		s.MayThrow, s.HasConstantPoolRef = true, true
	case KindStaticGet:
		s.HasDest, s.DestBitWidth = true, 8
		s.MayThrow, s.HasConstantPoolRef = true, true
	case KindStaticPut:
		s.SrcCount, s.SrcBitWidth = 1, []int{8}
		s.MayThrow, s.HasConstantPoolRef = true, true
	case KindInvoke:
		s.SrcCount = argCount(f)
		s.SrcBitWidth = uniform(4, s.SrcCount)
		s.MayThrow, s.HasConstantPoolRef = true, true
	case KindInvokeRange:
		s.SrcCount = argCount(f)
		s.SrcBitWidth = uniform(16, s.SrcCount)
		s.MayThrow, s.HasConstantPoolRef = true, true
	case KindUnaryOp:
		s.HasDest, s.DestBitWidth = true, 4
		s.SrcCount, s.SrcBitWidth = 1, []int{4}
	case KindBinaryOp:
		s.HasDest, s.DestBitWidth = true, 8
		s.SrcCount, s.SrcBitWidth = 2, []int{8, 8}
	case KindBinaryOp2Addr:
		// 12x packs two 4-bit registers: vA is both the destination and
		// the implicit first operand, vB the explicit second operand.
		s.HasDest, s.DestBitWidth = true, 4
		s.SrcCount, s.SrcBitWidth = 2, []int{4, 4}
		s.DestAliasesSrc0 = true
	case KindBinaryOpConst:
		s.HasDest, s.DestBitWidth = true, 4
		s.SrcCount, s.SrcBitWidth = 1, []int{4}
	case KindPackedSwitchPayload, KindSparseSwitchPayload, KindFillArrayDataPayload:
		s.IsPayload = true
	}

	return s
}

func destWidth(f Format) int {
	switch f {
	case "11n", "12x":
		return 4
	case "21c", "21s", "21h", "31i", "31c", "51l", "11x":
		return 8
	default:
		return 8
	}
}

func srcWidth(f Format, _ int) int {
	switch f {
	case "12x":
		return 4
	case "22x", "32x":
		return 16
	default:
		return 8
	}
}

func argCount(f Format) int {
	if f == "35c" {
		return 5
	}
	return 1 // 3rc carries its count in a separate field; modeled as one variable-length source group
}

func uniform(width, n int) []int {
	ws := make([]int, n)
	for i := range ws {
		ws[i] = width
	}
	return ws
}

// payload opcodes live outside the normal 0-255 opcode space in real DEX
// encoding (they're distinguished by a pseudo-opcode word like 0x0100), so
// they are never looked up by raw opcode byte through Shapes; dexcode
// constructs payload Items directly. These Kind constants exist so
// ribbon.Item can tag a payload without a second enum.
