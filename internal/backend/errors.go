package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Category classifies a failed call.
type Category string

const (
	CategoryTimeout    Category = "timeout"
	CategoryConnection Category = "connection"
	CategoryRejected   Category = "rejected"
	CategoryMalformed  Category = "malformed"
)

// Categories lists every category in report order.
var Categories = []Category{CategoryTimeout, CategoryConnection, CategoryRejected, CategoryMalformed}

// Error is a per-call failure. It is recorded on the sample and never
// aborts the benchmark.
type Error struct {
	Category Category
	Backend  string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Backend, e.Category)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error of the given category.
func NewError(category Category, backendName, detail string, err error) *Error {
	return &Error{Category: category, Backend: backendName, Detail: detail, Err: err}
}

// Timeout, Connection, Rejected and Malformed are shorthands for NewError.
func Timeout(backendName string, err error) *Error {
	return NewError(CategoryTimeout, backendName, "", err)
}

func Connection(backendName string, err error) *Error {
	return NewError(CategoryConnection, backendName, "", err)
}

func Rejected(backendName, detail string, err error) *Error {
	return NewError(CategoryRejected, backendName, detail, err)
}

func Malformed(backendName, detail string, err error) *Error {
	return NewError(CategoryMalformed, backendName, detail, err)
}

// ClassifyTransport maps an error returned while sending a request or
// reading its body. Deadlines become timeouts, network and URL errors
// become connection failures. ok is false when err is neither.
func ClassifyTransport(err error) (Category, bool) {
	if err == nil {
		return "", false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout, true
	}
	if errors.Is(err, context.Canceled) {
		return CategoryConnection, true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return CategoryConnection, true
	}
	if netErr != nil {
		return CategoryConnection, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CategoryConnection, true
	}
	return "", false
}

// FromTransport wraps err using ClassifyTransport, falling back to the
// given category when the error is not a transport error.
func FromTransport(backendName string, err error, fallback Category) *Error {
	if cat, ok := ClassifyTransport(err); ok {
		return NewError(cat, backendName, "", err)
	}
	return NewError(fallback, backendName, "", err)
}
