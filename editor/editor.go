// Package editor is the scoped acquire-balloon/release-sync resource a
// pass wraps around one method's bytecode, porting Transform.h's
// MethodTransformer (SPEC_FULL.md §6). Acquire inflates a CodeBody into a
// ribbon; Release deflates it back, carrying forward the register-window
// metadata (register/ins/outs counts, debug line base, parameter names)
// that the ribbon itself does not hold, since that state belongs to the
// method's calling convention, not to the edited instruction stream.
package editor

import (
	"github.com/sirupsen/logrus"

	"github.com/onexuan/redex/cfg"
	"github.com/onexuan/redex/dexcode"
	"github.com/onexuan/redex/dexerr"
	"github.com/onexuan/redex/ribbon"
	"github.com/onexuan/redex/symbols"
)

var log = logrus.WithField("component", "editor")

// Editor holds one method's ribbon plus the register-window metadata
// Release needs to re-pack it. The zero value is not usable; construct
// with Acquire.
type Editor struct {
	Ribbon *ribbon.Ribbon

	cfg              *cfg.ControlFlowGraph
	splitBeforeThrow bool

	registersSize   uint16
	insSize         uint16
	outsSize        uint16
	debugLineStart  uint32
	debugParamNames []symbols.StringRef

	released bool
}

// Acquire balloons code into an editable Editor. It panics if code is
// malformed enough that dexcode.Balloon cannot decode it -- a corrupt
// input, detected once at acquisition time, not an edit-time condition.
// Every error an editing operation on the resulting ribbon can raise is
// returned normally, never panicked (see dexerr's doc comment for why the
// two surfaces differ: a pass calling RemoveOpcode on a ribbon it no
// longer recognizes is a routine, recoverable condition; Acquire being
// handed bytes that aren't a method body at all is not).
//
// A caller that might itself panic while editing must still guarantee
// Release runs, the same guarantee Transform.h's MethodTransformer
// destructor gets for free from C++ stack unwinding:
//
//	ed := editor.Acquire(code)
//	defer func() {
//		if r := recover(); r != nil {
//			ed.Release()
//			panic(r)
//		}
//	}()
//	... edit ed.Ribbon ...
//	code, err = ed.Release()
//
// Edit, below, implements exactly this pattern for callers who don't need
// manual control over when Release runs.
func Acquire(code *dexcode.CodeBody) *Editor {
	r, err := dexcode.Balloon(code)
	if err != nil {
		panic(err)
	}
	return &Editor{
		Ribbon:          r,
		registersSize:   code.RegistersSize,
		insSize:         code.InsSize,
		outsSize:        code.OutsSize,
		debugLineStart:  code.DebugLineStart,
		debugParamNames: code.DebugParamNames,
	}
}

// RegistersSize returns the method's current register count, the same
// bookkeeping inline.InlineContext tracks for a caller being spliced into
// repeatedly.
func (e *Editor) RegistersSize() uint16 { return e.registersSize }

// InsSize returns the method's parameter register count.
func (e *Editor) InsSize() uint16 { return e.insSize }

// SetRegistersSize updates the method's register count after a widening
// edit (e.g. inline.Enlarge) has already rewritten e.Ribbon's parameter
// register operands to match. It does not itself touch the ribbon.
func (e *Editor) SetRegistersSize(n uint16) { e.registersSize = n }

// CFG returns the control-flow graph over e.Ribbon, building it (or
// rebuilding it, if an edit since the last call invalidated it -- see
// ribbon.Ribbon.CFGValid) with splitBeforeThrow. This is the lazy analog
// of Transform.h::build_cfg plus its cfg() accessor, collapsed into one
// call since Go passes don't need to distinguish "not built yet" from
// "built but stale."
func (e *Editor) CFG(splitBeforeThrow bool) *cfg.ControlFlowGraph {
	if e.cfg == nil || !e.Ribbon.CFGValid() || e.splitBeforeThrow != splitBeforeThrow {
		e.splitBeforeThrow = splitBeforeThrow
		e.cfg = cfg.BuildCFG(e.Ribbon, splitBeforeThrow)
	}
	return e.cfg
}

// Release deflates e.Ribbon back into a packed CodeBody via dexcode.Sync,
// the inverse of Acquire. It is an error to call Release twice on the same
// Editor.
func (e *Editor) Release() (*dexcode.CodeBody, error) {
	if e.released {
		return nil, dexerr.NewInvariantViolation("editor: Release called twice")
	}
	e.released = true
	return dexcode.Sync(dexcode.SyncInput{
		Ribbon:          e.Ribbon,
		RegistersSize:   e.registersSize,
		InsSize:         e.insSize,
		OutsSize:        e.outsSize,
		DebugLineStart:  e.debugLineStart,
		DebugParamNames: e.debugParamNames,
	})
}

// Edit acquires code, runs fn over the resulting Editor, and releases it
// unconditionally -- even if fn panics -- before returning, then re-panics
// so any panic handling further up the call stack still observes it. This
// is the concrete Go implementation of the release-on-panic guarantee
// Transform.h's MethodTransformer gets from C++ stack unwinding
// (SPEC_FULL.md SUPPLEMENTED FEATURES #6); most passes should call Edit
// rather than Acquire/Release directly.
//
// fn's returned error does not skip Release: whatever edits fn completed
// before returning an error are still syncable (ribbon editing operations
// leave the ribbon unchanged on failure, per their own doc comments), so
// the synced CodeBody is returned alongside fn's error rather than
// discarded.
func Edit(code *dexcode.CodeBody, fn func(*Editor) error) (out *dexcode.CodeBody, err error) {
	e := Acquire(code)
	defer func() {
		if r := recover(); r != nil {
			if _, syncErr := e.Release(); syncErr != nil {
				log.WithField("panic", r).Warn("editor: best-effort release after panic failed to sync")
			}
			panic(r)
		}
	}()

	fnErr := fn(e)
	out, syncErr := e.Release()
	if fnErr != nil {
		return out, fnErr
	}
	return out, syncErr
}
