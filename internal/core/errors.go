package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for classifying Result.Error with errors.Is.
var (
	ErrCompile        = errors.New("compile error")
	ErrTimeout        = errors.New("execution timed out")
	ErrMemoryLimit    = errors.New("memory limit exceeded")
	ErrGuestRuntime   = errors.New("guest runtime error")
	ErrCapability     = errors.New("capability error")
	ErrInvalidRequest = errors.New("invalid request")
	ErrClosed         = errors.New("engine is shut down")
)

// ErrorKind identifies which sentinel an ExecError matches.
type ErrorKind int

const (
	KindCompile ErrorKind = iota + 1
	KindTimeout
	KindMemoryLimit
	KindGuestRuntime
	KindCapability
	KindInvalidRequest
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindCompile:
		return ErrCompile
	case KindTimeout:
		return ErrTimeout
	case KindMemoryLimit:
		return ErrMemoryLimit
	case KindGuestRuntime:
		return ErrGuestRuntime
	case KindCapability:
		return ErrCapability
	case KindInvalidRequest:
		return ErrInvalidRequest
	default:
		return nil
	}
}

func (k ErrorKind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return "unknown error"
}

// ExecError is a failure attributed to the guest or its request.
type ExecError struct {
	Kind ErrorKind

	// Name is the guest error's constructor name (TypeError, CapabilityError, ...)
	// when the failure came from a thrown value.
	Name    string
	Message string

	// Line and Column are 1-based positions in the submitted source.
	// Zero means unknown.
	Line   int
	Column int

	Stack string
	Err   error
}

// Error returns the message, prefixed by the guest error name and suffixed
// with the source position when known.
func (e *ExecError) Error() string {
	msg := e.Message
	if e.Name != "" {
		msg = e.Name + ": " + msg
	}
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s (line %d, col %d)", e.Kind, msg, e.Line, e.Column)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying error, if any.
func (e *ExecError) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *ExecError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// NewExecError builds an ExecError of the given kind.
func NewExecError(kind ErrorKind, format string, args ...any) *ExecError {
	return &ExecError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the ErrorKind of err, or 0 if err is not an ExecError.
func KindOf(err error) ErrorKind {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return 0
}
