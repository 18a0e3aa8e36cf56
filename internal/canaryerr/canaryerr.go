// Package canaryerr defines canary's error taxonomy: a small
// set of Kinds distinguishing errors that abort the current command from
// errors that are local to one spec or case.
package canaryerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by where in the pipeline it originated.
type Kind int

const (
	KindInput Kind = iota
	KindResolution
	KindFilesystem
	KindExecution
	KindPersistence
	KindRule
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindResolution:
		return "resolution"
	case KindFilesystem:
		return "filesystem"
	case KindExecution:
		return "execution"
	case KindPersistence:
		return "persistence"
	case KindRule:
		return "rule"
	default:
		return "unknown"
	}
}

// Error is canary's wrapped error type. Fatal errors abort the whole
// command (duplicate ids, dependency cycles, unrecoverable DB contention);
// non-fatal errors are local to one spec or case and are logged then
// absorbed by the caller.
type Error struct {
	Kind     Kind
	Msg      string
	SpecID   string // spec id prefix, when known — always included for traceability
	FilePath string
	Fatal    bool
	Err      error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	if e.SpecID != "" {
		s = fmt.Sprintf("%s [%s]", s, e.SpecID)
	}
	if e.FilePath != "" {
		s = fmt.Sprintf("%s (%s)", s, e.FilePath)
	}
	if e.Err != nil {
		s = fmt.Sprintf("%s: %v", s, e.Err)
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, fatal bool, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Fatal: fatal}
}

// Input builds a fatal input-validation error (duplicate ids, malformed
// pathspec, unknown path, invalid expression).
func Input(format string, args ...any) *Error { return newErr(KindInput, true, format, args...) }

// Resolution builds a fatal dependency-resolution error (arity mismatch,
// cycle, unknown dependency reference).
func Resolution(format string, args ...any) *Error {
	return newErr(KindResolution, true, format, args...)
}

// Filesystem builds a non-fatal filesystem error local to one case's setup.
func Filesystem(format string, args ...any) *Error {
	return newErr(KindFilesystem, false, format, args...)
}

// Execution builds a non-fatal execution error local to one case.
func Execution(format string, args ...any) *Error {
	return newErr(KindExecution, false, format, args...)
}

// Persistence builds a persistence error. Callers mark it Fatal after
// exhausting the retry budget, distinguishing retriable contention from
// non-retriable failures.
func Persistence(fatal bool, format string, args ...any) *Error {
	return newErr(KindPersistence, fatal, format, args...)
}

// Rule builds a non-fatal rule-evaluation error; the caller turns it into a
// mask with reason "<RuleName>(msg)" rather than aborting.
func Rule(format string, args ...any) *Error { return newErr(KindRule, false, format, args...) }

// With attaches spec id / file path context to an existing *Error, returning
// a copy so the original is never mutated out from under concurrent callers.
func (e *Error) With(specID, filePath string) *Error {
	cp := *e
	if specID != "" {
		cp.SpecID = specID
	}
	if filePath != "" {
		cp.FilePath = filePath
	}
	return &cp
}

// Wrap attaches an underlying cause.
func (e *Error) Wrap(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

// As reports whether err (or one it wraps) is a *Error, returning it.
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsFatal reports whether err should abort the whole command.
func IsFatal(err error) bool {
	if ce, ok := As(err); ok {
		return ce.Fatal
	}
	// An error outside the taxonomy (a genuine programming-invariant
	// violation, e.g. a cycle surviving topological sort) is always fatal.
	return err != nil
}
