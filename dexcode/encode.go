package dexcode

import (
	"sort"

	"github.com/onexuan/redex/catalog"
	"github.com/onexuan/redex/dexerr"
	"github.com/onexuan/redex/ribbon"
	"github.com/onexuan/redex/symbols"
)

// maxSyncIterations bounds the widen-to-fixpoint loop; exceeding it would
// mean the ratchet below somehow isn't monotone, a package bug rather than
// a pathological method, since every step only ever widens, never narrows.
const maxSyncIterations = 10000

// SyncInput bundles the register-window metadata a ribbon doesn't carry
// (it belongs to the owning Editor, not the IR) with the ribbon itself, so
// Sync has everything it needs to re-pack a complete CodeBody.
type SyncInput struct {
	Ribbon *ribbon.Ribbon

	RegistersSize uint16
	InsSize       uint16
	OutsSize      uint16

	DebugLineStart  uint32
	DebugParamNames []symbols.StringRef
}

// branchWidth tracks one branch-carrying item's currently chosen encoding,
// ratcheted monotonically wider across Sync's widen-to-fixpoint iterations
// -- it is never narrowed back down, which is what guarantees the loop
// terminates, the same discipline jvm/jumps.go's optimizeJumps uses for
// JVM jumps.
type branchWidth struct {
	gotoWidth  int  // 0 = goto (1 word), 1 = goto/16 (2 words), 2 = goto/32 (3 words)
	trampoline bool // if/if-z only: true once its single 16-bit form overflows
}

// addressLayout is one iteration's address assignment: every ribbon item's
// address, plus the trailing switch/fill-array-data payload addresses that
// sit after the last real instruction.
type addressLayout struct {
	itemAddr   map[*ribbon.Item]uint32
	switchAddr map[*ribbon.Item]uint32
	fillAddr   map[*ribbon.Item]uint32
	codeEnd    uint32
	end        uint32 // one past the last payload word
}

// Sync deflates an edited ribbon back into a packed CodeBody, the inverse
// of Balloon. It re-derives every instruction's address from scratch each
// iteration (spec.md §4.5 Pass 1), optimistically starting every branch at
// its narrowest encoding and widening only what overflows (Pass 2), until
// a fixpoint is reached, then emits the final packed words (Pass 3) --
// the same three-pass shape as jvm/jumps.go's optimizeJumps/createBytecode
// pair, generalized to DEX's own widened opcodes (goto/16, goto/32)
// standing in for the teacher's synthetic if/goto trampoline -- which DEX
// still needs for if/if-z, since the real format gives conditional
// branches only one 16-bit-offset encoding.
func Sync(in SyncInput) (*CodeBody, error) {
	r := in.Ribbon
	items := r.Items()

	widths := make(map[*ribbon.Item]*branchWidth)
	branchLabel := make(map[*ribbon.Item]*ribbon.Item)
	for _, it := range items {
		if it.Kind == ribbon.KindInstruction && it.Shape.IsBranch {
			widths[it] = &branchWidth{}
		}
		if it.Kind == ribbon.KindBranchTarget && it.BranchTarget.Kind == ribbon.BranchSimple {
			branchLabel[it.BranchTarget.Src] = it
		}
	}

	var layout addressLayout
	done := false
	for iter := 0; !done; iter++ {
		if iter > maxSyncIterations {
			return nil, dexerr.NewSyncFailure("branch widening did not converge after %d iterations", iter)
		}
		done = true
		layout = computeLayout(items, widths)

		for _, it := range items {
			if it.Kind != ribbon.KindInstruction {
				continue
			}
			w, ok := widths[it]
			if !ok {
				continue
			}
			label, ok := branchLabel[it]
			if !ok {
				return nil, dexerr.NewInvariantViolation("branch instruction has no target label")
			}
			disp := int64(layout.itemAddr[label]) - int64(layout.itemAddr[it])

			if it.Shape.Kind == catalog.KindGoto {
				if nw := gotoWidthFor(disp); nw > w.gotoWidth {
					w.gotoWidth = nw
					done = false
				}
				continue
			}
			if !w.trampoline && !fitsInt16(disp) {
				w.trampoline = true
				done = false
			}
		}
	}

	insns, err := emitInstructions(items, layout, widths, branchLabel)
	if err != nil {
		return nil, err
	}
	tries, err := emitTries(items, layout)
	if err != nil {
		return nil, err
	}
	debug, err := emitDebug(items, layout, in.DebugLineStart)
	if err != nil {
		return nil, err
	}

	return &CodeBody{
		RegistersSize:   in.RegistersSize,
		InsSize:         in.InsSize,
		OutsSize:        in.OutsSize,
		Insns:           insns,
		Tries:           tries,
		DebugLineStart:  in.DebugLineStart,
		DebugParamNames: in.DebugParamNames,
		Debug:           debug,
	}, nil
}

func gotoWidthFor(disp int64) int {
	if disp != 0 && disp >= -128 && disp <= 127 {
		return 0
	}
	if disp >= -32768 && disp <= 32767 {
		return 1
	}
	return 2
}

func fitsInt16(disp int64) bool { return disp >= -32768 && disp <= 32767 }

// computeLayout assigns every item an address given the current branch
// widths, then lays out switch and fill-array-data payload blocks after
// the last real instruction, in the order their dispatching instructions
// appear.
func computeLayout(items []*ribbon.Item, widths map[*ribbon.Item]*branchWidth) addressLayout {
	itemAddr := make(map[*ribbon.Item]uint32, len(items))
	var switches, fills []*ribbon.Item

	pos := uint32(0)
	for _, it := range items {
		itemAddr[it] = pos
		if it.Kind != ribbon.KindInstruction {
			continue
		}
		pos += instructionWidth(it, widths)
		switch {
		case it.Shape.IsSwitch:
			switches = append(switches, it)
		case it.Shape.HasPayload:
			fills = append(fills, it)
		}
	}
	codeEnd := pos

	switchAddr := make(map[*ribbon.Item]uint32, len(switches))
	for _, sw := range switches {
		switchAddr[sw] = pos
		n := uint32(len(sw.SwitchData.Keys))
		if sw.SwitchData.IsPacked {
			pos += 4 + n*2 // ident+size (2) + first_key (2) + targets (2*n)
		} else {
			pos += 2 + n*4
		}
	}

	fillAddr := make(map[*ribbon.Item]uint32, len(fills))
	for _, f := range fills {
		fillAddr[f] = pos
		n := uint32(len(f.FillArrayData))
		pos += 4 + (n*uint32(f.FillArrayWidth)+1)/2
	}

	return addressLayout{itemAddr: itemAddr, switchAddr: switchAddr, fillAddr: fillAddr, codeEnd: codeEnd, end: pos}
}

// instructionWidth returns an instruction's current code-unit size given
// the branch-widening decisions made so far this iteration.
func instructionWidth(it *ribbon.Item, widths map[*ribbon.Item]*branchWidth) uint32 {
	w, ok := widths[it]
	if !ok {
		return formatSize(it.Shape.Format)
	}
	if it.Shape.Kind == catalog.KindGoto {
		return uint32(1 + w.gotoWidth)
	}
	if w.trampoline {
		return formatSize(it.Shape.Format) + 3 // + synthetic goto/32 trampoline
	}
	return formatSize(it.Shape.Format)
}

// emitInstructions packs every Instruction item's final words, in ribbon
// order, followed by every switch/fill-array-data payload block.
func emitInstructions(items []*ribbon.Item, layout addressLayout, widths map[*ribbon.Item]*branchWidth, branchLabel map[*ribbon.Item]*ribbon.Item) ([]uint16, error) {
	words := make([]uint16, layout.end)

	for _, it := range items {
		if it.Kind != ribbon.KindInstruction {
			continue
		}
		pos := layout.itemAddr[it]

		w, isBranch := widths[it]
		switch {
		case isBranch && it.Shape.Kind == catalog.KindGoto:
			emitGoto(words, pos, it, w, layout, branchLabel)
		case isBranch:
			emitConditionalBranch(words, pos, it, w, layout, branchLabel)
		case it.Shape.IsSwitch:
			emitSwitchDispatch(words, pos, it, layout)
		case it.Shape.HasPayload:
			emitFillArrayDispatch(words, pos, it, layout)
		case it.Shape.Format == "35c" || it.Shape.Format == "3rc":
			emitInvoke(words, pos, it)
		default:
			if err := emitGeneric(words, pos, it); err != nil {
				return nil, err
			}
		}
	}

	for sw, addr := range layout.switchAddr {
		emitSwitchPayload(words, addr, sw.SwitchData, layout)
	}
	for f, addr := range layout.fillAddr {
		emitFillArrayPayload(words, addr, f.FillArrayData, f.FillArrayWidth)
	}

	return words, nil
}

func emitGoto(words []uint16, pos uint32, it *ribbon.Item, w *branchWidth, layout addressLayout, branchLabel map[*ribbon.Item]*ribbon.Item) {
	disp := int32(int64(layout.itemAddr[branchLabel[it]]) - int64(pos))
	switch w.gotoWidth {
	case 0:
		words[pos] = uint16(0x28) | uint16(uint8(int8(disp)))<<8
	case 1:
		words[pos] = 0x29
		words[pos+1] = uint16(int16(disp))
	default:
		words[pos] = 0x2a
		words[pos+1] = uint16(uint32(disp))
		words[pos+2] = uint16(uint32(disp) >> 16)
	}
}

// emitConditionalBranch packs an if/if-z instruction, substituting the
// opposite-condition-plus-goto/32 trampoline when its displacement
// overflows a signed 16-bit offset. Both If and If-Z opcodes are arranged
// in the real DEX table as adjacent (op, opposite-op) pairs, so flipping
// bit 0 of the opcode always yields the logical negation -- the DEX analog
// of jvm/jumps.go's oppositeOp, without needing a lookup table.
func emitConditionalBranch(words []uint16, pos uint32, it *ribbon.Item, w *branchWidth, layout addressLayout, branchLabel map[*ribbon.Item]*ribbon.Item) {
	regs := conditionalBranchRegs(it)
	targetAddr := layout.itemAddr[branchLabel[it]]

	if !w.trampoline {
		disp := int16(int64(targetAddr) - int64(pos))
		words[pos] = regWord(it, regs)
		words[pos+1] = uint16(disp)
		return
	}

	ifWidth := formatSize(it.Shape.Format)
	words[pos] = regWordWithOpcode(it, regs, it.Opcode^1)
	// Offsets are relative to this instruction's own address, so skipping
	// over the trampoline's 3-word goto/32 to land on the real next
	// instruction takes ifWidth (this instruction's own width) + 3.
	words[pos+1] = uint16(int16(ifWidth) + 3)

	gotoPos := pos + ifWidth
	gotoDisp := int32(int64(targetAddr) - int64(gotoPos))
	words[gotoPos] = 0x2a
	words[gotoPos+1] = uint16(uint32(gotoDisp))
	words[gotoPos+2] = uint16(uint32(gotoDisp) >> 16)
}

func conditionalBranchRegs(it *ribbon.Item) []uint16 {
	if it.Shape.Format == "22t" {
		return []uint16{it.Sources[0], it.Sources[1]}
	}
	return []uint16{it.Sources[0]}
}

func regWord(it *ribbon.Item, regs []uint16) uint16 { return regWordWithOpcode(it, regs, it.Opcode) }

func regWordWithOpcode(it *ribbon.Item, regs []uint16, opcode uint8) uint16 {
	if it.Shape.Format == "22t" {
		return uint16(opcode) | (regs[0]&0xF)<<8 | (regs[1]&0xF)<<12
	}
	return uint16(opcode) | regs[0]<<8
}

func emitSwitchDispatch(words []uint16, pos uint32, it *ribbon.Item, layout addressLayout) {
	words[pos] = uint16(it.Opcode) | it.Sources[0]<<8
	disp := int32(int64(layout.switchAddr[it]) - int64(pos))
	words[pos+1] = uint16(uint32(disp))
	words[pos+2] = uint16(uint32(disp) >> 16)
}

func emitFillArrayDispatch(words []uint16, pos uint32, it *ribbon.Item, layout addressLayout) {
	words[pos] = uint16(it.Opcode) | it.Sources[0]<<8
	disp := int32(int64(layout.fillAddr[it]) - int64(pos))
	words[pos+1] = uint16(uint32(disp))
	words[pos+2] = uint16(uint32(disp) >> 16)
}

func emitSwitchPayload(words []uint16, addr uint32, data *ribbon.SwitchPayload, layout addressLayout) {
	n := uint32(len(data.Keys))
	if data.IsPacked {
		words[addr] = 0x0100
		words[addr+1] = uint16(n)
		firstKey := data.Keys[0]
		words[addr+2] = uint16(uint32(firstKey))
		words[addr+3] = uint16(uint32(firstKey) >> 16)
		base := addr + 4
		for i := uint32(0); i < n; i++ {
			disp := int32(int64(layout.itemAddr[data.Targets[i]]) - int64(addr))
			words[base+i*2] = uint16(uint32(disp))
			words[base+i*2+1] = uint16(uint32(disp) >> 16)
		}
		return
	}
	words[addr] = 0x0200
	words[addr+1] = uint16(n)
	keyBase := addr + 2
	targetBase := keyBase + n*2
	for i := uint32(0); i < n; i++ {
		words[keyBase+i*2] = uint16(uint32(data.Keys[i]))
		words[keyBase+i*2+1] = uint16(uint32(data.Keys[i]) >> 16)
		disp := int32(int64(layout.itemAddr[data.Targets[i]]) - int64(addr))
		words[targetBase+i*2] = uint16(uint32(disp))
		words[targetBase+i*2+1] = uint16(uint32(disp) >> 16)
	}
}

func emitFillArrayPayload(words []uint16, addr uint32, values []uint64, width uint8) {
	n := uint32(len(values))
	words[addr] = 0x0300
	words[addr+1] = uint16(width)
	words[addr+2] = uint16(n)
	words[addr+3] = uint16(n >> 16)
	base := addr + 4
	switch width {
	case 1:
		for i := uint32(0); i < n; i++ {
			if i%2 == 0 {
				words[base+i/2] = uint16(values[i] & 0xFF)
			} else {
				words[base+i/2] |= uint16(values[i]&0xFF) << 8
			}
		}
	case 2:
		for i := uint32(0); i < n; i++ {
			words[base+i] = uint16(values[i])
		}
	case 4:
		for i := uint32(0); i < n; i++ {
			words[base+i*2] = uint16(values[i])
			words[base+i*2+1] = uint16(values[i] >> 16)
		}
	case 8:
		for i := uint32(0); i < n; i++ {
			for j := uint32(0); j < 4; j++ {
				words[base+i*4+j] = uint16(values[i] >> (16 * j))
			}
		}
	}
}

func emitInvoke(words []uint16, pos uint32, it *ribbon.Item) {
	methodIdx := uint16(it.Literal)
	words[pos+1] = methodIdx

	if it.Shape.Format == "3rc" {
		argCount := uint16(len(it.Sources))
		words[pos] = uint16(it.Opcode) | argCount<<8
		if argCount > 0 {
			words[pos+2] = it.Sources[0]
		}
		return
	}

	argCount := uint16(len(it.Sources))
	var c, d, e, f, g uint16
	regs := []uint16{0, 0, 0, 0, 0}
	copy(regs, it.Sources)
	c, d, e, f, g = regs[0], regs[1], regs[2], regs[3], regs[4]
	words[pos] = uint16(it.Opcode) | argCount<<12 | g<<8
	words[pos+2] = c | d<<4 | e<<8 | f<<12
}

// emitGeneric packs every non-branch, non-switch, non-invoke instruction
// by inverting physicalRegs/assignRegs: Dest and Sources are re-merged
// into physical register fields in mnemonic order (undoing the
// DestAliasesSrc0 collapse), then packed into the format's word layout
// alongside whatever literal/const-pool field the format carries.
func emitGeneric(words []uint16, pos uint32, it *ribbon.Item) error {
	format := it.Shape.Format
	regs := physicalRegsFor(it)

	switch format {
	case "10x":
		words[pos] = uint16(it.Opcode)
	case "11x", "10t":
		words[pos] = uint16(it.Opcode) | safeReg(regs, 0)<<8
	case "12x", "11n":
		words[pos] = uint16(it.Opcode) | (safeReg(regs, 0)&0xF)<<8 | (safeReg(regs, 1)&0xF)<<12
		if format == "11n" {
			words[pos] = uint16(it.Opcode) | (safeReg(regs, 0)&0xF)<<8 | uint16(uint8(int8(it.Literal))&0xF)<<12
		}
	case "21t", "21s", "21h", "21c", "31t", "31i", "31c", "51l":
		words[pos] = uint16(it.Opcode) | safeReg(regs, 0)<<8
		packLiteralField(words, pos, format, it)
	case "22x":
		words[pos] = uint16(it.Opcode) | safeReg(regs, 0)<<8
		words[pos+1] = safeReg(regs, 1)
	case "32x":
		words[pos] = uint16(it.Opcode)
		words[pos+1] = safeReg(regs, 0)
		words[pos+2] = safeReg(regs, 1)
	case "23x":
		words[pos] = uint16(it.Opcode) | safeReg(regs, 0)<<8
		words[pos+1] = (safeReg(regs, 1) & 0xFF) | (safeReg(regs, 2)&0xFF)<<8
	case "22b":
		words[pos] = uint16(it.Opcode) | safeReg(regs, 0)<<8
		words[pos+1] = (safeReg(regs, 1) & 0xFF) | uint16(uint8(int8(it.Literal)))<<8
	case "22t", "22s", "22c":
		words[pos] = uint16(it.Opcode) | (safeReg(regs, 0)&0xF)<<8 | (safeReg(regs, 1)&0xF)<<12
		packLiteralField(words, pos, format, it)
	case "20t", "30t":
		return dexerr.NewInvariantViolation("emitGeneric: %s is goto-only and must go through emitGoto", format)
	default:
		return dexerr.NewInvariantViolation("emitGeneric: unhandled format %s", format)
	}
	return nil
}

func packLiteralField(words []uint16, pos uint32, format catalog.Format, it *ribbon.Item) {
	switch format {
	case "21s", "22s":
		words[pos+1] = uint16(int16(it.Literal))
	case "21h":
		words[pos+1] = uint16(int16(it.Literal >> 16))
	case "21c", "22c":
		words[pos+1] = uint16(it.Literal)
	case "31t", "31i", "31c":
		v := uint32(int32(it.Literal))
		words[pos+1] = uint16(v)
		words[pos+2] = uint16(v >> 16)
	case "51l":
		v := uint64(it.Literal)
		for i := uint32(0); i < 4; i++ {
			words[pos+1+i] = uint16(v >> (16 * i))
		}
	}
}

// physicalRegsFor reconstructs the physical register fields in mnemonic
// order, undoing the Dest/Sources role split assignRegs performed during
// decode.
func physicalRegsFor(it *ribbon.Item) []uint16 {
	var regs []uint16
	if it.Shape.HasDest {
		regs = append(regs, it.Dest)
	}
	for s := 0; s < it.Shape.SrcCount; s++ {
		if s == 0 && it.Shape.DestAliasesSrc0 {
			continue
		}
		if s < len(it.Sources) {
			regs = append(regs, it.Sources[s])
		}
	}
	return regs
}

func safeReg(regs []uint16, i int) uint16 {
	if i < len(regs) {
		return regs[i]
	}
	return 0
}

// emitTries rebuilds the try_item table from the ribbon's TryBoundary/
// Catch markers, mirroring Transform.h's gather_catch_types /
// try-item re-synthesis pass.
func emitTries(items []*ribbon.Item, layout addressLayout) ([]TryItem, error) {
	var tries []TryItem
	var openStart *ribbon.Item

	for _, it := range items {
		if it.Kind != ribbon.KindTryBoundary {
			continue
		}
		if it.TryBoundary.Type == ribbon.TryStart {
			openStart = it
			continue
		}
		if openStart == nil {
			return nil, dexerr.NewInvariantViolation("try-end with no matching try-start")
		}
		startAddr := layout.itemAddr[openStart]
		endAddr := layout.itemAddr[it]

		var handlers []CatchHandler
		for c := it.TryBoundary.CatchStart; c != nil; c = c.Catch.Next {
			handlers = append(handlers, CatchHandler{TypeIdx: c.Catch.CatchType, Addr: layout.itemAddr[c]})
		}
		tries = append(tries, TryItem{
			StartAddr: startAddr,
			InsnCount: uint16(endAddr - startAddr),
			Handlers:  handlers,
		})
		openStart = nil
	}
	if openStart != nil {
		return nil, dexerr.NewInvariantViolation("try-start with no matching try-end")
	}

	sort.Slice(tries, func(i, j int) bool { return tries[i].StartAddr < tries[j].StartAddr })
	return tries, nil
}

// emitDebug rebuilds the debug_info_item opcode stream from the ribbon's
// Position/DebugOp markers.
func emitDebug(items []*ribbon.Item, layout addressLayout, lineStart uint32) ([]byte, error) {
	var entries []DebugEntry
	for _, it := range items {
		switch it.Kind {
		case ribbon.KindPosition:
			entries = append(entries, DebugEntry{Addr: layout.itemAddr[it], Kind: DebugEntryPosition, Line: it.Position.Line})
		case ribbon.KindDebugOp:
			entries = append(entries, DebugEntry{
				Addr:      layout.itemAddr[it],
				Kind:      debugEntryKindFor(it.DebugOp.Code),
				Register:  it.DebugOp.RegisterNum,
				Name:      it.DebugOp.NameIndex,
				Type:      it.DebugOp.TypeIndex,
				Signature: it.DebugOp.SigIndex,
			})
		}
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return EncodeDebugProgram(entries, lineStart), nil
}
