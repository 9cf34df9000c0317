// Package apperr defines the error kinds shared by the storefront engine.
// Every error returned across a component boundary matches exactly one kind
// with errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds
var (
	ErrValidation          = errors.New("validation failed")
	ErrConflict            = errors.New("conflict")
	ErrPersistence         = errors.New("persistence failure")
	ErrNotFound            = errors.New("not found")
	ErrPartialCompensation = errors.New("partial compensation failure")
)

// Error carries a kind, a human readable message, the products involved and
// an optional cause.
type Error struct {
	Kind       error
	Message    string
	ProductIDs []int64
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.ProductIDs) > 0 {
		fmt.Fprintf(&b, " (products %v)", e.ProductIDs)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports that the requested quantities of productIDs cannot be met.
func Conflict(message string, productIDs ...int64) *Error {
	return &Error{Kind: ErrConflict, Message: message, ProductIDs: productIDs}
}

func Persistence(message string, err error) *Error {
	return &Error{Kind: ErrPersistence, Message: message, Err: err}
}

// PartialCompensation reports stock that could not be restored for productIDs
// after retries were exhausted.
func PartialCompensation(message string, productIDs []int64, err error) *Error {
	return &Error{Kind: ErrPartialCompensation, Message: message, ProductIDs: productIDs, Err: err}
}

// ProductIDs returns the products named by the first *Error in err's chain.
func ProductIDs(err error) []int64 {
	var e *Error
	if errors.As(err, &e) {
		return e.ProductIDs
	}
	return nil
}

// KindOf returns the kind of err, or nil when err carries none.
func KindOf(err error) error {
	for _, kind := range []error{ErrValidation, ErrConflict, ErrNotFound, ErrPartialCompensation, ErrPersistence} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
