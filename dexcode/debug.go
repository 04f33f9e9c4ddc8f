package dexcode

import (
	"github.com/onexuan/redex/byteio"
	"github.com/onexuan/redex/ribbon"
	"github.com/onexuan/redex/symbols"
)

// DebugEntryKind tags one decoded step of a method's debug_info_item
// program (SPEC_FULL.md §4.5a's opcode set), anchored to the code-unit
// address it applies at.
type DebugEntryKind uint8

const (
	DebugEntryPosition DebugEntryKind = iota // DBG_ADVANCE_LINE, also pins a source position
	DebugEntryStartLocal
	DebugEntryStartLocalExtended
	DebugEntryEndLocal
	DebugEntryRestartLocal
	DebugEntrySetPrologueEnd
	DebugEntrySetEpilogueBegin
	DebugEntrySetFile
)

// DebugEntry is one decoded debug-program step, already resolved to an
// absolute code-unit address (the running address/line counters the real
// ULEB128 stream tracks are consumed during decode, not exposed here).
type DebugEntry struct {
	Addr      uint32
	Kind      DebugEntryKind
	Line      uint32
	Register  uint16
	Name      symbols.StringRef
	Type      symbols.TypeRef
	Signature symbols.StringRef
}

const (
	dbgEndSequence        = 0x00
	dbgAdvancePC          = 0x01
	dbgAdvanceLine        = 0x02
	dbgStartLocal         = 0x03
	dbgStartLocalExtended = 0x04
	dbgEndLocal           = 0x05
	dbgRestartLocal       = 0x06
	dbgSetPrologueEnd     = 0x07
	dbgSetEpilogueBegin   = 0x08
	dbgSetFile            = 0x09
)

// DecodeDebugProgram decodes the per-address opcode stream of a method's
// debug_info_item (the parameter-name prologue and line_start are carried
// separately on CodeBody, see its doc comment) into an ordered list of
// DebugEntry. It ports the step loop of a debug_info_item interpreter
// generically over the explicit opcode set catalogued in SPEC_FULL.md
// §4.5a; the real format's special combined address+line opcodes
// (0x0a-0xff) are not emitted by this module's own Sync and are rejected
// here, since nothing in this module produces them to round-trip.
func DecodeDebugProgram(data []byte, lineStart uint32) ([]DebugEntry, error) {
	rd := byteio.NewReader(data)
	var entries []DebugEntry
	addr := uint32(0)
	line := lineStart

	for {
		op, err := rd.U8()
		if err != nil {
			return nil, err
		}
		switch {
		case op == dbgEndSequence:
			return entries, nil
		case op == dbgAdvancePC:
			delta, err := rd.Uleb128()
			if err != nil {
				return nil, err
			}
			addr += delta
		case op == dbgAdvanceLine:
			delta, err := rd.Sleb128()
			if err != nil {
				return nil, err
			}
			line = uint32(int64(line) + int64(delta))
			entries = append(entries, DebugEntry{Addr: addr, Kind: DebugEntryPosition, Line: line})
		case op == dbgStartLocal:
			reg, name, typ, err := decodeLocalHeader(rd)
			if err != nil {
				return nil, err
			}
			entries = append(entries, DebugEntry{Addr: addr, Kind: DebugEntryStartLocal, Register: reg, Name: name, Type: typ})
		case op == dbgStartLocalExtended:
			reg, name, typ, err := decodeLocalHeader(rd)
			if err != nil {
				return nil, err
			}
			sigIdx, err := rd.Uleb128()
			if err != nil {
				return nil, err
			}
			entries = append(entries, DebugEntry{Addr: addr, Kind: DebugEntryStartLocalExtended, Register: reg, Name: name, Type: typ, Signature: signatureFromIndex(sigIdx)})
		case op == dbgEndLocal || op == dbgRestartLocal:
			reg, err := rd.Uleb128()
			if err != nil {
				return nil, err
			}
			kind := DebugEntryEndLocal
			if op == dbgRestartLocal {
				kind = DebugEntryRestartLocal
			}
			entries = append(entries, DebugEntry{Addr: addr, Kind: kind, Register: uint16(reg)})
		case op == dbgSetPrologueEnd:
			entries = append(entries, DebugEntry{Addr: addr, Kind: DebugEntrySetPrologueEnd})
		case op == dbgSetEpilogueBegin:
			entries = append(entries, DebugEntry{Addr: addr, Kind: DebugEntrySetEpilogueBegin})
		case op == dbgSetFile:
			if _, err := rd.Uleb128(); err != nil {
				return nil, err
			}
			entries = append(entries, DebugEntry{Addr: addr, Kind: DebugEntrySetFile})
		default:
			return nil, byteio.ErrShortRead
		}
	}
}

// decodeLocalHeader reads the (register, name_index+1, type_index+1)
// triple shared by DBG_START_LOCAL and DBG_START_LOCAL_EXTENDED; a zero
// index means "NO_INDEX" (absent) in the real format.
func decodeLocalHeader(rd *byteio.Reader) (reg uint16, name symbols.StringRef, typ symbols.TypeRef, err error) {
	r, err := rd.Uleb128()
	if err != nil {
		return 0, nil, nil, err
	}
	nameIdx, err := rd.Uleb128()
	if err != nil {
		return 0, nil, nil, err
	}
	typeIdx, err := rd.Uleb128()
	if err != nil {
		return 0, nil, nil, err
	}
	return uint16(r), nameFromIndex(nameIdx), typeFromIndex(typeIdx), nil
}

// nameFromIndex/typeFromIndex/signatureFromIndex stand in for the
// interning pool lookup this module does not own (spec.md §1, §6): a
// nonzero index yields a fresh, empty handle and the index itself is not
// kept on it.
func nameFromIndex(idx uint32) symbols.StringRef {
	if idx == 0 {
		return nil
	}
	return &symbols.String{}
}

func typeFromIndex(idx uint32) symbols.TypeRef {
	if idx == 0 {
		return nil
	}
	return &symbols.Type{}
}

func signatureFromIndex(idx uint32) symbols.StringRef {
	if idx == 0 {
		return nil
	}
	return &symbols.String{}
}

// EncodeDebugProgram re-emits entries (already sorted by Addr, ascending)
// as a debug_info_item opcode stream. Addresses, lines, register numbers
// and entry kinds round-trip through DecodeDebugProgram; the name, type and
// signature indices of start-local entries and the file index of set-file
// entries are not kept and are written as 0, which decodes as absent.
// lineStart must be the same base line the caller will store on the
// CodeBody's DebugLineStart, since deltas are encoded relative to it.
func EncodeDebugProgram(entries []DebugEntry, lineStart uint32) []byte {
	w := byteio.NewWriter()
	addr := uint32(0)
	line := lineStart

	for _, e := range entries {
		if e.Addr > addr {
			w.U8(dbgAdvancePC)
			w.Uleb128(e.Addr - addr)
			addr = e.Addr
		}
		switch e.Kind {
		case DebugEntryPosition:
			w.U8(dbgAdvanceLine)
			w.Sleb128(int32(int64(e.Line) - int64(line)))
			line = e.Line
		case DebugEntryStartLocal:
			w.U8(dbgStartLocal)
			w.Uleb128(uint32(e.Register))
			w.Uleb128(0)
			w.Uleb128(0)
		case DebugEntryStartLocalExtended:
			w.U8(dbgStartLocalExtended)
			w.Uleb128(uint32(e.Register))
			w.Uleb128(0)
			w.Uleb128(0)
			w.Uleb128(0)
		case DebugEntryEndLocal:
			w.U8(dbgEndLocal)
			w.Uleb128(uint32(e.Register))
		case DebugEntryRestartLocal:
			w.U8(dbgRestartLocal)
			w.Uleb128(uint32(e.Register))
		case DebugEntrySetPrologueEnd:
			w.U8(dbgSetPrologueEnd)
		case DebugEntrySetEpilogueBegin:
			w.U8(dbgSetEpilogueBegin)
		case DebugEntrySetFile:
			w.U8(dbgSetFile)
			w.Uleb128(0)
		}
	}
	w.U8(dbgEndSequence)
	return w.Bytes()
}

// debugOpCodeFor maps a decoded DebugEntryKind back onto ribbon's
// DebugOpCode for every kind that isn't a Position pin.
func debugOpCodeFor(k DebugEntryKind) ribbon.DebugOpCode {
	switch k {
	case DebugEntryStartLocal:
		return ribbon.DbgStartLocal
	case DebugEntryStartLocalExtended:
		return ribbon.DbgStartLocalExtended
	case DebugEntryEndLocal:
		return ribbon.DbgEndLocal
	case DebugEntryRestartLocal:
		return ribbon.DbgRestartLocal
	case DebugEntrySetPrologueEnd:
		return ribbon.DbgSetPrologueEnd
	case DebugEntrySetEpilogueBegin:
		return ribbon.DbgSetEpilogueBegin
	case DebugEntrySetFile:
		return ribbon.DbgSetFile
	default:
		return ribbon.DbgAdvancePC
	}
}

// debugEntryKindFor maps ribbon's DebugOpCode back onto DebugEntryKind;
// Sync uses it to re-serialize an edited ribbon's debug steps.
func debugEntryKindFor(code ribbon.DebugOpCode) DebugEntryKind {
	switch code {
	case ribbon.DbgStartLocal:
		return DebugEntryStartLocal
	case ribbon.DbgStartLocalExtended:
		return DebugEntryStartLocalExtended
	case ribbon.DbgEndLocal:
		return DebugEntryEndLocal
	case ribbon.DbgRestartLocal:
		return DebugEntryRestartLocal
	case ribbon.DbgSetPrologueEnd:
		return DebugEntrySetPrologueEnd
	case ribbon.DbgSetEpilogueBegin:
		return DebugEntrySetEpilogueBegin
	case ribbon.DbgSetFile:
		return DebugEntrySetFile
	default:
		return DebugEntryPosition
	}
}
