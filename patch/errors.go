package patch

import (
	"errors"
	"fmt"
)

// ErrorKind discriminates the failure classes of the history engine.
type ErrorKind int

const (
	// ErrKindConfiguration is a setup-time failure. It is never returned at runtime.
	ErrKindConfiguration ErrorKind = iota + 1
	// ErrKindRollback is a rejected rollback request. Nothing was mutated.
	ErrKindRollback
	// ErrKindStorage is a failed store operation, propagated without retry.
	ErrKindStorage
	// ErrKindDiffInconsistency is a change that no longer fits the tree it is
	// reverted against. Revert swallows it.
	ErrKindDiffInconsistency
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindConfiguration:
		return "configuration"
	case ErrKindRollback:
		return "rollback"
	case ErrKindStorage:
		return "storage"
	case ErrKindDiffInconsistency:
		return "diff inconsistency"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ErrUnknownPatch is wrapped by rollback errors whose target patch is not
// part of the document's history.
var ErrUnknownPatch = errors.New("patch doesn't exist")

// Error is the single error type returned by the history engine.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind unless it already carries a kind, in which case
// it is returned unchanged. A nil err yields nil.
func Wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// KindOf returns the kind of the first *Error in err's chain, or zero.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
