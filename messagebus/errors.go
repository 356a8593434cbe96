package messagebus

import (
	"fmt"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// HandlerError is the outcome of one failed handler invocation.
// It matches berr.ErrHandlerFailure and the underlying handler error with errors.Is.
type HandlerError struct {
	Kind    cbus.Kind
	Handler string
	Message cbus.Message
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler %s failed on %s: %v", e.Kind, e.Handler, cbus.TypeName(e.Message), e.Err)
}

func (e *HandlerError) Unwrap() []error { return []error{berr.ErrHandlerFailure, e.Err} }

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic recovered: %v", e.Value) }
