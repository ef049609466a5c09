package snapshot

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation  Kind = "ValidationError"
	KindAcquisition Kind = "AcquisitionError"
	KindExtraction  Kind = "ExtractionError"
	KindSnapshot    Kind = "SnapshotError"
)

// Error tags a failure with the stage that produced it.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Class names the failure category for job error messages.
func (e *Error) Class() string {
	return string(e.Kind)
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindValidation
}
