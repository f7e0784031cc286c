package graph

import "fmt"

// ErrorKind is the typed error taxonomy surfaced to callers.
type ErrorKind string

const (
	ErrAlreadyExists  ErrorKind = "AlreadyExists"
	ErrEntityNotFound ErrorKind = "EntityNotFound"
	ErrInvalidKind    ErrorKind = "InvalidKind"
	ErrCycleDetected  ErrorKind = "CycleDetected"
	ErrInUse          ErrorKind = "InUse"
)

// Error is the store's typed error. Wrap with %w if you need to carry
// this through a layer that also wants to attach its own context.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func newErr(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, if it is (or wraps) a
// *graph.Error.
func KindOf(err error) (ErrorKind, bool) {
	var ge *Error
	if ok := asError(err, &ge); ok {
		return ge.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if ge, ok := err.(*Error); ok {
			*target = ge
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
