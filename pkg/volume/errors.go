package volume

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by every NotFoundError.
	ErrNotFound = errors.New("volume not found")

	// ErrFormat is matched by every FormatError.
	ErrFormat = errors.New("malformed volume")
)

// NotFoundError reports that no backing file exists for a patient.
type NotFoundError struct {
	PatientID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no volume for patient %q", e.PatientID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// FormatError reports a backing file that does not decode into a 3D numeric array.
type FormatError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	msg := fmt.Sprintf("malformed volume %s: %s", e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func formatErrorf(path string, err error, format string, args ...any) error {
	return &FormatError{Path: path, Reason: fmt.Sprintf(format, args...), Err: err}
}
