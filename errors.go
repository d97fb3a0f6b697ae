/*
Package kvrecord – error types.

Every failure kind named in the error-handling design maps to one
ErrorKind constant; StoreError carries it plus optional context for
debugging.
*/
package kvrecord

import "fmt"

// ErrorKind is a well-known error category.
type ErrorKind string

const (
	ErrInvalidSchema         ErrorKind = "InvalidSchema"
	ErrInvalidListener       ErrorKind = "InvalidListener"
	ErrIncomparableValueType ErrorKind = "IncomparableValueType"
	ErrIncompatibleReference ErrorKind = "IncompatibleReference"
	ErrReferencedObject      ErrorKind = "ReferencedObject"
	ErrDeletedObject         ErrorKind = "DeletedObject"
	ErrTypeNotInSchema       ErrorKind = "TypeNotInSchema"
	ErrUpgradeConversion     ErrorKind = "UpgradeConversion"
	ErrValidation            ErrorKind = "Validation"
	ErrStaleTransaction      ErrorKind = "StaleTransaction"
	ErrInvalidEncoding       ErrorKind = "InvalidEncoding"
)

// StoreError is the general runtime error raised by the engine. It
// carries a well-known Kind and a free-form Context map for extra
// debugging data.
type StoreError struct {
	Message string
	Kind    ErrorKind
	Context map[string]any
	Cause   error
}

func (e *StoreError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	return e.Message
}

func (e *StoreError) Unwrap() error { return e.Cause }

// NewError constructs a StoreError.
func NewError(msg string, opts ...func(*StoreError)) *StoreError {
	err := &StoreError{Message: msg}
	for _, o := range opts {
		o(err)
	}
	return err
}

// WithKind sets the error kind.
func WithKind(k ErrorKind) func(*StoreError) {
	return func(e *StoreError) { e.Kind = k }
}

// WithContext attaches a context map.
func WithContext(ctx map[string]any) func(*StoreError) {
	return func(e *StoreError) { e.Context = ctx }
}

// WithCause wraps an underlying error.
func WithCause(cause error) func(*StoreError) {
	return func(e *StoreError) { e.Cause = cause }
}

// Error makes ErrorKind an error, so a kind such as kvrecord.ErrValidation
// can be passed as the target of errors.Is.
func (k ErrorKind) Error() string { return string(k) }

// Is reports whether e's kind equals the target ErrorKind, so callers can
// write errors.Is(err, kvrecord.ErrValidation) directly against a
// *StoreError.
func (e *StoreError) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && e.Kind == k
}

// ArgError covers invalid schema declarations and other programmer
// errors caught before any transaction runs, kept distinct from
// StoreError so callers can tell "your schema is malformed" apart from
// "this transaction failed" at the type level.
type ArgError struct {
	Message string
	Kind    ErrorKind
	Context map[string]any
}

func (e *ArgError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	return e.Message
}

// NewArgError constructs an ArgError.
func NewArgError(msg string, kind ...ErrorKind) *ArgError {
	k := ErrInvalidSchema
	if len(kind) > 0 {
		k = kind[0]
	}
	return &ArgError{Message: msg, Kind: k}
}
