package dexcode

import (
	"sort"

	"github.com/onexuan/redex/catalog"
	"github.com/onexuan/redex/dexerr"
	"github.com/onexuan/redex/ribbon"
)

// Balloon inflates a packed CodeBody into an editable ribbon, the
// analog of Transform.h's MethodTransformer constructor and the
// teacher's dex/dalvik.go::parseBytecode. Every packed instruction
// becomes a ribbon.Item; branch/switch targets and try/catch regions are
// resolved into BranchTarget/TryBoundary/Catch items addressed by pointer
// identity instead of by code-unit offset, and a ThrowingFallthrough
// marker is inserted immediately before every instruction the catalog
// marks MayThrow (spec.md §3.1, §4.1).
//
// Balloon runs in three passes rather than splicing markers into an
// already-linked ribbon: first every real instruction is decoded and
// parked at its address with no ribbon linkage yet (a backward branch's
// target address is only known once the whole stream has been walked);
// second, every marker item (branch/switch labels, try/catch boundaries,
// debug steps) is built and filed into a per-address "prelude" list;
// third, a single forward walk over addresses appends each address's
// prelude followed by its instruction with PushBack, which is the only
// linking primitive this package needs from ribbon.
func Balloon(code *CodeBody) (*ribbon.Ribbon, error) {
	r := ribbon.New()

	addrToItem := make(map[uint32]*ribbon.Item)
	var order []uint32
	var branchFixups []branchFixup
	var switchFixups []switchFixup

	pos := uint32(0)
	for pos < uint32(len(code.Insns)) {
		opcode := uint8(code.Insns[pos])
		shape := catalog.Shapes[opcode]
		if w := code.Insns[pos]; w == 0x0100 || w == 0x0200 || w == 0x0300 {
			// Payload pseudo-instructions are absorbed by the switch/
			// fill-array-data decode below, never visited as leaders.
			pos += paddedPayloadSize(code.Insns, pos)
			continue
		}

		size, dec, err := decodeOne(code.Insns, pos, shape)
		if err != nil {
			return nil, err
		}

		item := ribbon.NewInstruction(opcode)
		item.Dest = dec.dest
		item.HasDest = shape.HasDest
		item.Sources = dec.sources
		if dec.hasLiteral {
			item.Literal = dec.literal
			item.HasLiteral = true
		}
		if shape.HasPayload && !shape.IsSwitch {
			item.FillArrayData = dec.fillArray
			item.FillArrayWidth = dec.fillArrayWidth
		}

		addrToItem[pos] = item
		order = append(order, pos)

		switch {
		case shape.IsSwitch:
			payloadAddr := pos + uint32(dec.literal)
			sw, err := decodeSwitchPayload(code.Insns, payloadAddr)
			if err != nil {
				return nil, err
			}
			switchFixups = append(switchFixups, switchFixup{instr: item, addr: pos, payload: sw})
		case shape.IsBranch:
			target := pos + uint32(int32(dec.literal))
			branchFixups = append(branchFixups, branchFixup{instr: item, target: target})
		}

		pos += size
	}
	codeEnd := pos

	prelude := make(map[uint32][]*ribbon.Item)

	for _, bf := range branchFixups {
		if _, ok := addrToItem[bf.target]; !ok {
			return nil, dexerr.NewInvariantViolation("branch target 0x%x has no instruction", bf.target)
		}
		label := ribbon.NewBranchTarget(bf.instr)
		prelude[bf.target] = append(prelude[bf.target], label)
	}

	for _, sf := range switchFixups {
		targets := make([]*ribbon.Item, len(sf.payload.targets))
		for i, addr := range sf.payload.targets {
			if _, ok := addrToItem[addr]; !ok {
				return nil, dexerr.NewInvariantViolation("switch case target 0x%x has no instruction", addr)
			}
			label := ribbon.NewSwitchCaseTarget(sf.instr, int32(i))
			prelude[addr] = append(prelude[addr], label)
			targets[i] = label
		}
		sf.instr.SwitchData = &ribbon.SwitchPayload{
			IsPacked: sf.payload.isPacked,
			Keys:     sf.payload.keys,
			Targets:  targets,
		}
	}

	if err := preludeTries(prelude, code, addrToItem); err != nil {
		return nil, err
	}
	if err := preludeDebug(prelude, code); err != nil {
		return nil, err
	}

	for _, addr := range order {
		for _, it := range prelude[addr] {
			r.PushBack(it)
		}
		item := addrToItem[addr]
		if item.Shape.MayThrow {
			r.PushBack(ribbon.NewThrowingFallthrough(item))
		}
		r.PushBack(item)
	}
	for _, it := range prelude[codeEnd] {
		r.PushBack(it)
	}

	return r, nil
}

type branchFixup struct {
	instr  *ribbon.Item
	target uint32
}

type switchFixup struct {
	instr   *ribbon.Item
	addr    uint32
	payload decodedSwitch
}

type decodedSwitch struct {
	isPacked bool
	keys     []int32
	targets  []uint32
}

type decodedOperands struct {
	dest           uint16
	sources        []uint16
	literal        int64
	hasLiteral     bool
	fillArray      []uint64
	fillArrayWidth uint8
}

// physicalRegs returns the raw register fields packed in words starting
// at pos, in the order they appear in the mnemonic (dest-like operand
// first, matching dex/formats.go::decode's A/B/C assignment order), not
// yet assigned a Dest/Source role -- that happens in decodeOne using the
// catalog Shape, generalizing the per-opcode special cases the teacher's
// decode() hard-codes.
func physicalRegs(words []uint16, pos uint32, format catalog.Format) []uint16 {
	w := words[pos]
	switch format {
	case "10x", "10t", "20t", "30t":
		return nil
	case "11x":
		return []uint16{w >> 8}
	case "12x", "11n":
		return []uint16{(w >> 8) & 0xF, w >> 12}
	case "21t", "21s", "21h", "21c", "31t", "31i", "31c", "51l":
		return []uint16{w >> 8}
	case "22x", "32x":
		if format == "32x" {
			return []uint16{words[pos+1], words[pos+2]}
		}
		return []uint16{w >> 8, words[pos+1]}
	case "23x":
		w2 := words[pos+1]
		return []uint16{w >> 8, w2 & 0xFF, w2 >> 8}
	case "22b":
		return []uint16{w >> 8, words[pos+1] & 0xFF}
	case "22t", "22s", "22c":
		return []uint16{(w >> 8) & 0xF, w >> 12}
	default:
		return nil
	}
}

func decodeOne(words []uint16, pos uint32, shape catalog.Shape) (size uint32, dec decodedOperands, err error) {
	w := words[pos]
	format := shape.Format

	switch format {
	case "35c":
		return decodeInvoke(words, pos, shape, false)
	case "3rc":
		return decodeInvoke(words, pos, shape, true)
	}

	regs := physicalRegs(words, pos, format)
	dec = assignRegs(shape, regs)

	switch format {
	case "11n":
		dec.literal, dec.hasLiteral = int64(int8(w>>12<<4)>>4), true
	case "21s", "22s":
		dec.literal, dec.hasLiteral = int64(int16(words[pos+1])), true
	case "21h":
		dec.literal, dec.hasLiteral = int64(int16(words[pos+1]))<<16, true
	case "21c", "22c":
		dec.literal, dec.hasLiteral = int64(words[pos+1]), true // constant-pool index placeholder
	case "22b":
		dec.literal, dec.hasLiteral = int64(int8(words[pos+1]>>8)), true
	case "21t", "22t":
		dec.literal, dec.hasLiteral = int64(int16(words[pos+1])), true
	case "20t":
		dec.literal, dec.hasLiteral = int64(int16(words[pos+1])), true
	case "10t":
		dec.literal, dec.hasLiteral = int64(int8(w>>8)), true
	case "30t", "31t", "31i", "31c":
		dec.literal, dec.hasLiteral = int64(int32(uint32(words[pos+1])|uint32(words[pos+2])<<16)), true
	case "51l":
		var lit uint64
		for i := uint32(0); i < 4; i++ {
			lit |= uint64(words[pos+1+i]) << (16 * i)
		}
		dec.literal, dec.hasLiteral = int64(lit), true
	}

	if shape.HasPayload && !shape.IsSwitch && format == "31t" {
		// fill-array-data: literal is a relative offset to the payload in
		// code units, same encoding as a packed-switch dispatch.
		payloadAddr := pos + uint32(int32(dec.literal))
		fa, width, err := decodeFillArrayPayload(words, payloadAddr)
		if err != nil {
			return 0, decodedOperands{}, err
		}
		dec.fillArray = fa
		dec.fillArrayWidth = width
	}

	return formatSize(format), dec, nil
}

// assignRegs maps physical register fields (in mnemonic order) onto
// Dest/Sources per the catalog shape: Dest consumes the first physical
// slot if HasDest; when DestAliasesSrc0, Sources[0] is the same value as
// Dest rather than consuming its own physical slot, and any remaining
// physical slots fill Sources[1:] (spec.md §8 property 6).
func assignRegs(shape catalog.Shape, regs []uint16) decodedOperands {
	var dec decodedOperands
	i := 0
	if shape.HasDest && i < len(regs) {
		dec.dest = regs[i]
		i++
	}
	dec.sources = make([]uint16, shape.SrcCount)
	for s := 0; s < shape.SrcCount; s++ {
		if s == 0 && shape.DestAliasesSrc0 {
			dec.sources[0] = dec.dest
			continue
		}
		if i < len(regs) {
			dec.sources[s] = regs[i]
			i++
		}
	}
	return dec
}

func decodeInvoke(words []uint16, pos uint32, shape catalog.Shape, isRange bool) (uint32, decodedOperands, error) {
	w := words[pos]
	w2 := words[pos+1]
	w3 := words[pos+2]

	var dec decodedOperands
	if isRange {
		argCount := w >> 8
		first := w3
		dec.sources = make([]uint16, argCount)
		for i := uint16(0); i < argCount; i++ {
			dec.sources[i] = first + i
		}
	} else {
		argCount := w >> 12
		g := (w >> 8) & 0xF
		c := w3 & 0xF
		d := (w3 >> 4) & 0xF
		e := (w3 >> 8) & 0xF
		f := (w3 >> 12) & 0xF
		all := []uint16{c, d, e, f, g}
		if int(argCount) > len(all) {
			argCount = uint16(len(all))
		}
		dec.sources = append([]uint16{}, all[:argCount]...)
	}
	dec.literal, dec.hasLiteral = int64(w2), true // constant-pool index placeholder
	return formatSize(shape.Format), dec, nil
}

func formatSize(f catalog.Format) uint32 {
	switch f {
	case "10x", "10t", "11x", "11n", "12x":
		return 1
	case "20t", "21t", "21s", "21h", "21c", "22x", "22t", "22s", "22c", "22b", "23x":
		return 2
	case "30t", "31t", "31i", "31c", "32x", "35c", "3rc":
		return 3
	case "51l":
		return 5
	default:
		return 1
	}
}

// paddedPayloadSize returns the size in code units of the payload
// pseudo-instruction beginning at pos, so the leader scan can skip over
// it (payloads are absorbed into SwitchData/FillArrayData, never visited
// as ordinary instructions).
func paddedPayloadSize(words []uint16, pos uint32) uint32 {
	tag := words[pos]
	switch tag {
	case 0x0100: // packed-switch payload
		size := uint32(words[pos+1])
		return 4 + size*2 // ident+size (2) + first_key (2) + targets (2*size)
	case 0x0200: // sparse-switch payload
		size := uint32(words[pos+1])
		return 2 + size*4
	case 0x0300: // fill-array-data payload
		width := uint32(words[pos+1])
		size := uint32(words[pos+2]) | uint32(words[pos+3])<<16
		return 4 + (size*width+1)/2
	default:
		return 1
	}
}

func decodeSwitchPayload(words []uint16, addr uint32) (decodedSwitch, error) {
	if addr >= uint32(len(words)) {
		return decodedSwitch{}, dexerr.NewInvariantViolation("switch payload address 0x%x out of range", addr)
	}
	tag := words[addr]
	size := uint32(words[addr+1])
	switch tag {
	case 0x0100: // packed
		firstKey := int32(uint32(words[addr+2]) | uint32(words[addr+3])<<16)
		ds := decodedSwitch{isPacked: true, keys: make([]int32, size), targets: make([]uint32, size)}
		base := addr + 4
		for i := uint32(0); i < size; i++ {
			ds.keys[i] = firstKey + int32(i)
			ds.targets[i] = addr + uint32(int32(words[base+i*2])|int32(words[base+i*2+1])<<16)
		}
		return ds, nil
	case 0x0200: // sparse
		ds := decodedSwitch{isPacked: false, keys: make([]int32, size), targets: make([]uint32, size)}
		keyBase := addr + 2
		targetBase := keyBase + size*2
		for i := uint32(0); i < size; i++ {
			ds.keys[i] = int32(uint32(words[keyBase+i*2]) | uint32(words[keyBase+i*2+1])<<16)
			ds.targets[i] = addr + uint32(int32(words[targetBase+i*2])|int32(words[targetBase+i*2+1])<<16)
		}
		return ds, nil
	}
	return decodedSwitch{}, dexerr.NewInvariantViolation("unrecognized switch payload tag 0x%x", tag)
}

// decodeFillArrayPayload reads a fill-array-data payload's element values,
// widened to uint64 regardless of element width -- Sync re-narrows them
// using the same width the payload tag carries.
func decodeFillArrayPayload(words []uint16, addr uint32) ([]uint64, uint8, error) {
	if addr >= uint32(len(words)) {
		return nil, 0, dexerr.NewInvariantViolation("fill-array-data payload address 0x%x out of range", addr)
	}
	if words[addr] != 0x0300 {
		return nil, 0, dexerr.NewInvariantViolation("address 0x%x is not a fill-array-data payload", addr)
	}
	width := uint32(words[addr+1])
	size := uint32(words[addr+2]) | uint32(words[addr+3])<<16
	values := make([]uint64, size)

	switch width {
	case 1:
		base := addr + 4
		for i := uint32(0); i < size; i++ {
			word := words[base+i/2]
			if i%2 == 0 {
				values[i] = uint64(word & 0xFF)
			} else {
				values[i] = uint64(word >> 8)
			}
		}
	case 2:
		base := addr + 4
		for i := uint32(0); i < size; i++ {
			values[i] = uint64(words[base+i])
		}
	case 4:
		base := addr + 4
		for i := uint32(0); i < size; i++ {
			values[i] = uint64(words[base+i*2]) | uint64(words[base+i*2+1])<<16
		}
	case 8:
		base := addr + 4
		for i := uint32(0); i < size; i++ {
			var v uint64
			for j := uint32(0); j < 4; j++ {
				v |= uint64(words[base+i*4+j]) << (16 * j)
			}
			values[i] = v
		}
	default:
		return nil, 0, dexerr.NewInvariantViolation("fill-array-data payload has unsupported element width %d", width)
	}
	return values, uint8(width), nil
}

// preludeTries files each try region's TryStart/TryEnd boundaries and its
// handler chain's Catch markers into prelude, keyed by the address they
// must precede. Catch items are built tail-to-head so each link's Next
// already points at its successor by the time it is constructed, then
// filed in forward (declaration) order so TryBoundary.CatchStart refers
// to the first handler as spec.md §3.1 requires.
func preludeTries(prelude map[uint32][]*ribbon.Item, code *CodeBody, addrToItem map[uint32]*ribbon.Item) error {
	for _, try := range code.Tries {
		if _, ok := addrToItem[try.StartAddr]; !ok {
			return dexerr.NewInvariantViolation("try start 0x%x has no instruction", try.StartAddr)
		}
		if len(try.Handlers) == 0 {
			return dexerr.NewInvariantViolation("try region at 0x%x has no handlers", try.StartAddr)
		}

		catches := make([]*ribbon.Item, len(try.Handlers))
		for i := len(try.Handlers) - 1; i >= 0; i-- {
			h := try.Handlers[i]
			if _, ok := addrToItem[h.Addr]; !ok {
				return dexerr.NewInvariantViolation("catch handler 0x%x has no instruction", h.Addr)
			}
			catch := ribbon.NewCatch(h.TypeIdx)
			if i+1 < len(catches) {
				catch.Catch.Next = catches[i+1]
			}
			catches[i] = catch
		}
		for i, h := range try.Handlers {
			prelude[h.Addr] = append(prelude[h.Addr], catches[i])
		}

		tryStart := ribbon.NewTryBoundary(ribbon.TryStart, catches[0])
		prelude[try.StartAddr] = append([]*ribbon.Item{tryStart}, prelude[try.StartAddr]...)

		endAddr := try.StartAddr + uint32(try.InsnCount)
		tryEnd := ribbon.NewTryBoundary(ribbon.TryEnd, catches[0])
		prelude[endAddr] = append(prelude[endAddr], tryEnd)
	}
	return nil
}

// preludeDebug decodes the method's debug program and files each step into
// prelude, keyed by the address the real format already anchors it to.
// Multiple entries landing on the same address are kept in program order
// (Go's append preserves it, and the decode loop below visits entries in
// the order DecodeDebugProgram returned them), which is already
// chronological since the program's own address counter only increases.
func preludeDebug(prelude map[uint32][]*ribbon.Item, code *CodeBody) error {
	if len(code.Debug) == 0 {
		return nil
	}
	entries, err := DecodeDebugProgram(code.Debug, code.DebugLineStart)
	if err != nil {
		return err
	}
	// Stable-sort defensively: DecodeDebugProgram already emits entries in
	// non-decreasing address order, but nothing upstream of this package
	// enforces that for a hand-built CodeBody fed directly into Balloon.
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Addr < entries[j].Addr })

	for _, e := range entries {
		var item *ribbon.Item
		if e.Kind == DebugEntryPosition {
			item = ribbon.NewPosition(nil, e.Line)
		} else {
			item = ribbon.NewDebugOp(ribbon.DebugOp{
				Code:        debugOpCodeFor(e.Kind),
				RegisterNum: e.Register,
				NameIndex:   e.Name,
				TypeIndex:   e.Type,
				SigIndex:    e.Signature,
			})
		}
		prelude[e.Addr] = append(prelude[e.Addr], item)
	}
	return nil
}
