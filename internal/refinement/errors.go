package refinement

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrParameterCount is returned when a parameter vector does not match
	// the number of free parameters it is meant to set.
	ErrParameterCount = errors.New("parameter count mismatch")

	// ErrDegenerateGeometry matches every *DegenerateGeometryError.
	ErrDegenerateGeometry = errors.New("degenerate geometry")
)

// Error represents a refinement error with context
// that can be wrapped with additional information.
type Error struct {
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error that triggered this one, if any.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	if e.Component != "" && e.Op != "" {
		prefix = fmt.Sprintf("%s: %s", e.Component, e.Op)
	} else if e.Component != "" {
		prefix = e.Component
	} else if e.Op != "" {
		prefix = e.Op
	}

	if e.Err != nil {
		if prefix != "" {
			return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	if prefix != "" {
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// NewErrorf creates a new refinement error with formatted message.
func NewErrorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError wraps an existing error with additional context.
// If err is nil, WrapError returns nil.
func WrapError(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: message,
		Err:     err,
	}
}

// ParameterCountError reports that got values were supplied where want
// free parameters exist. It matches ErrParameterCount.
func ParameterCountError(got, want int) *Error {
	return WrapError(ErrParameterCount, fmt.Sprintf("got %d values, want %d", got, want))
}

// IsRefinementError checks if an error is of type Error.
// If the error is a refinement error, it returns the error and true.
// Otherwise, it returns nil and false.
func IsRefinementError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// DegenerateGeometryError is returned when a reflection's rotation axis,
// incident beam and reciprocal lattice vector are coplanar, so that
// (e x r).s0 vanishes and the derivatives of phi are singular.
type DegenerateGeometryError struct {
	H         Miller
	S         r3.Vec
	R         r3.Vec
	Axis      r3.Vec
	S0        r3.Vec
	U         []float64
	ERS0      float64
	Tolerance float64
}

func (e *DegenerateGeometryError) Error() string {
	return fmt.Sprintf("%v: (e x r).s0 = %g is within %g for reflection %v (s=%v, r=%v, axis=%v, s0=%v)",
		ErrDegenerateGeometry, e.ERS0, e.Tolerance, e.H, e.S, e.R, e.Axis, e.S0)
}

// Is makes errors.Is(err, ErrDegenerateGeometry) succeed.
func (e *DegenerateGeometryError) Is(target error) bool {
	return target == ErrDegenerateGeometry
}

// BatchError collects per-reflection failures of a batch computation that
// was allowed to continue past them. Keys are indices into the batch.
type BatchError struct {
	Failures map[int]error
}

func (e *BatchError) Error() string {
	idx := make([]int, 0, len(e.Failures))
	for i := range e.Failures {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	var b strings.Builder
	fmt.Fprintf(&b, "%d reflection(s) failed", len(idx))
	for n, i := range idx {
		if n == 3 {
			fmt.Fprintf(&b, "; ...")
			break
		}
		fmt.Fprintf(&b, "; [%d] %v", i, e.Failures[i])
	}
	return b.String()
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	idx := make([]int, 0, len(e.Failures))
	for i := range e.Failures {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	errs := make([]error, 0, len(idx))
	for _, i := range idx {
		errs = append(errs, e.Failures[i])
	}
	return errs
}
