package brick

import (
	"errors"
	"fmt"
)

// ErrorKind classifies build failures.
type ErrorKind int

const (
	KindUnknown           ErrorKind = iota
	KindInvalidParameters           // rejected before any kernel call
	KindKernelFailure               // primitive/boolean failure or invalid result
	KindExportFailure               // exporter could not serialize a mesh
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidParameters:
		return "invalid_parameters"
	case KindKernelFailure:
		return "kernel_failure"
	case KindExportFailure:
		return "export_failure"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against any *BuildError of that kind.
var (
	ErrInvalidParameters = errors.New("invalid brick parameters")
	ErrKernelFailure     = errors.New("geometry kernel failure")
	ErrExportFailure     = errors.New("export failure")
)

// BuildError is the error type returned by Builder.Build and by the
// exporters. Field names the offending parameter or derived dimension for
// InvalidParameters, and the kernel operation for KernelFailure.
type BuildError struct {
	Kind    ErrorKind
	Field   string
	Message string
	Err     error
}

func (e *BuildError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Is matches the kind sentinels.
func (e *BuildError) Is(target error) bool {
	switch target {
	case ErrInvalidParameters:
		return e.Kind == KindInvalidParameters
	case ErrKernelFailure:
		return e.Kind == KindKernelFailure
	case ErrExportFailure:
		return e.Kind == KindExportFailure
	}
	return false
}

func invalid(field, format string, args ...any) *BuildError {
	return &BuildError{
		Kind:    KindInvalidParameters,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}

// KernelFailure wraps an error raised by the geometry kernel during op.
func KernelFailure(op string, err error) *BuildError {
	return &BuildError{Kind: KindKernelFailure, Field: op, Err: err}
}

// ExportFailure wraps an exporter error.
func ExportFailure(format string, err error) *BuildError {
	return &BuildError{Kind: KindExportFailure, Field: format, Err: err}
}

// KindOf returns the kind of the first *BuildError in err's chain.
func KindOf(err error) ErrorKind {
	var be *BuildError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}
