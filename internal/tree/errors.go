package tree

import (
	"errors"
	"fmt"

	"codepad/api/internal/store"
)

type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindCycle
	KindCrossScope
	KindInvalidName
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindCycle:
		return "cycle"
	case KindCrossScope:
		return "cross_scope"
	case KindInvalidName:
		return "invalid_name"
	case KindIntegrity:
		return "integrity"
	default:
		return "internal"
	}
}

// Conflict reasons.
const (
	ReasonVersion       = "version"
	ReasonDuplicateName = "duplicate_name"
)

// Error is the typed result of a failed tree operation.
type Error struct {
	Kind   Kind
	Reason string
	Op     string
	ID     string
	Err    error
}

var (
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrCycle       = &Error{Kind: KindCycle}
	ErrCrossScope  = &Error{Kind: KindCrossScope}
	ErrInvalidName = &Error{Kind: KindInvalidName}
	ErrIntegrity   = &Error{Kind: KindIntegrity}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.ID != "" {
		msg = e.ID + ": " + msg
	}
	if e.Op != "" {
		msg = e.Op + " " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind, and on Reason when the target names one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// KindOf returns the kind of a tree error, KindInternal for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func newError(kind Kind, op, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

func conflict(reason, op, id string) *Error {
	return &Error{Kind: KindConflict, Reason: reason, Op: op, ID: id}
}

func integrity(op, id, format string, args ...any) *Error {
	return &Error{Kind: KindIntegrity, Op: op, ID: id, Err: fmt.Errorf(format, args...)}
}

// fromStore translates a store failure into the tree taxonomy.
func fromStore(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrMissingReference):
		return newError(KindNotFound, op, id, err)
	case errors.Is(err, store.ErrDuplicateName):
		return &Error{Kind: KindConflict, Reason: ReasonDuplicateName, Op: op, ID: id, Err: err}
	case errors.Is(err, store.ErrSerialization):
		return &Error{Kind: KindConflict, Reason: ReasonVersion, Op: op, ID: id, Err: err}
	case errors.Is(err, store.ErrCycle):
		return newError(KindCycle, op, id, err)
	default:
		return newError(KindInternal, op, id, err)
	}
}
