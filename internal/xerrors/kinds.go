// Package xerrors classifies errors surfaced by dbxfer so the orchestrator
// and CLI can decide between fail-fast and continue-on-error without
// matching on error strings.
package xerrors

import (
	"errors"
	"fmt"
)

// Kind is one of the five error categories a copy/CDC run can fail with.
type Kind int

const (
	// Configuration covers bad flags, missing env vars, invalid work dirs.
	Configuration Kind = iota
	// Environmental covers disk space, missing binaries, filesystem permissions.
	Environmental
	// Upstream covers source/target connection failures, protocol errors.
	Upstream
	// Data covers schema mismatches, constraint violations, decode failures.
	Data
	// Logic covers invariant violations that indicate a dbxfer bug.
	Logic
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Environmental:
		return "environmental"
	case Upstream:
		return "upstream"
	case Data:
		return "data"
	case Logic:
		return "logic"
	default:
		return "unknown"
	}
}

// Error wraps a cause with a Kind so callers can branch on classification
// while %w-chaining still works with errors.Is/As.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Cause) }

func (e *Error) Unwrap() error { return e.Cause }

// Wrap tags err with kind. Returns nil if err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: err}
}

// Wrapf tags a formatted error with kind.
func Wrapf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// Is reports whether err (or any error it wraps) was tagged with kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Fatal reports whether an error of this kind should stop the whole run
// rather than being logged and skipped. Untagged errors and Configuration
// and Logic errors report true; Upstream/Environmental/Data errors report
// false.
func Fatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return true
	}
	switch e.Kind {
	case Configuration, Logic:
		return true
	default:
		return false
	}
}
