package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Callers match them with errors.Is.
var (
	ErrValidation  = errors.New("validation error")
	ErrUnavailable = errors.New("backend unavailable")
	ErrTimeout     = fmt.Errorf("backend timeout: %w", ErrUnavailable)
	ErrBusy        = fmt.Errorf("backend busy: %w", ErrUnavailable)
	ErrCorruption  = errors.New("corrupt record")
	ErrConflict    = errors.New("conflict")
	ErrNotFound    = errors.New("not found")
)

// Error annotates a backend failure with the operation, the backend name and
// its kind. Both the kind and the underlying error are visible to errors.Is.
type Error struct {
	Op      string
	Backend string
	Kind    error
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Backend != "" {
		b.WriteString(e.Backend)
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Validationf returns an ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Err: fmt.Errorf(format, args...)}
}

// NotFound returns ErrNotFound for id.
func NotFound(name, id string) error {
	return &Error{Op: "get", Backend: name, Kind: ErrNotFound, Err: fmt.Errorf("memory %q not found", id)}
}

// CorruptionError lists records that could not be decoded. It is returned
// together with the records that could, and never aborts the operation.
type CorruptionError struct {
	IDs []string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%d corrupt record(s) skipped: %s", len(e.IDs), strings.Join(e.IDs, ", "))
}

func (e *CorruptionError) Unwrap() error { return ErrCorruption }

// Skipped returns the number of corrupt records reported by err, or 0.
func Skipped(err error) int {
	var ce *CorruptionError
	if errors.As(err, &ce) {
		return len(ce.IDs)
	}
	return 0
}

// OnlyCorruption reports whether err is nil or just a *CorruptionError.
func OnlyCorruption(err error) bool {
	if err == nil {
		return true
	}
	_, ok := err.(*CorruptionError)
	return ok
}

// Classifier maps a driver-specific error onto a kind. It returns nil when it
// does not recognise the error.
type Classifier func(err error) error

// Classify wraps err in an *Error whose Kind follows the taxonomy. Context
// deadlines become ErrTimeout and cancellations ErrUnavailable. Errors that
// already carry a kind keep it. The optional classifiers run before the
// fallback, which is ErrUnavailable.
func Classify(op, name string, err error, classifiers ...Classifier) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) && be.Kind != nil {
		if be.Op == "" && be.Backend == "" {
			return &Error{Op: op, Backend: name, Kind: be.Kind, Err: be.Err}
		}
		return err
	}
	var ce *CorruptionError
	if errors.As(err, &ce) {
		return err
	}
	kind := kindOf(err)
	if kind == nil {
		for _, c := range classifiers {
			if k := c(err); k != nil {
				kind = k
				break
			}
		}
	}
	if kind == nil {
		kind = ErrUnavailable
	}
	return &Error{Op: op, Backend: name, Kind: kind, Err: err}
}

func kindOf(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrUnavailable
	case errors.Is(err, ErrBusy):
		return ErrBusy
	case errors.Is(err, ErrTimeout):
		return ErrTimeout
	}
	for _, k := range []error{ErrValidation, ErrConflict, ErrNotFound, ErrCorruption, ErrUnavailable} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
