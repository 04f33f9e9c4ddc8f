// Package dexerr defines the error kinds spec.md §7 assigns to the core:
// invariant violations (fatal, ribbon-corrupting), synchronization failures
// (encoding infeasible), capacity refusals (non-fatal, pass-visible), and
// dataflow non-convergence. The teacher has no analog (it panics via
// util.Assert and os.Exit on bad input); this follows pkg/errors' direct
// use elsewhere in the reference pack for a library that must return
// errors to many independent callers instead of aborting a single process.
package dexerr

import "github.com/pkg/errors"

// ErrCapacityRefusal is returned by the inliner and register widening when
// the requested edit is refused for capacity reasons, not because the
// ribbon is broken. Ribbon state is left unchanged in every such case.
// Callers branch on it with errors.Is.
var ErrCapacityRefusal = errors.New("dexerr: capacity refusal")

// ErrNonConvergence is returned by the forward dataflow driver if a
// transfer function does not reach a fixpoint within a safety bound. Per
// spec.md §7 this indicates a non-monotone transfer or infinite lattice,
// a caller error rather than a core defect.
var ErrNonConvergence = errors.New("dexerr: dataflow did not converge")

// InvariantViolation reports ribbon corruption detected mid-edit: a branch
// target no longer present in the ribbon, an unbalanced try pair, a catch
// chain that doesn't terminate, etc. It is always fatal to the edit in
// progress.
type InvariantViolation struct {
	msg string
}

func NewInvariantViolation(format string, args ...interface{}) error {
	return errors.WithStack(&InvariantViolation{msg: "invariant violation: " + sprintf(format, args...)})
}

func (e *InvariantViolation) Error() string { return e.msg }

// SyncFailure reports that the synchronizer could not encode the ribbon:
// a branch displacement has no representable form even after widening to
// the largest encoding, or payload emission overflowed a field.
type SyncFailure struct {
	msg string
}

func NewSyncFailure(format string, args ...interface{}) error {
	return errors.WithStack(&SyncFailure{msg: "synchronization failure: " + sprintf(format, args...)})
}

func (e *SyncFailure) Error() string { return e.msg }

func sprintf(format string, args ...interface{}) string {
	return errors.Errorf(format, args...).Error()
}
