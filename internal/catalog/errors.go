package catalog

import (
	"errors"
	"fmt"
)

// ErrTransient marks network-level failures (timeouts, resets, DNS) that
// the retry policy may re-attempt.
var ErrTransient = errors.New("transient network error")

// StatusError is a non-2xx response from the catalog API. 429 and 5xx are
// retried; other 4xx are immediately fatal to the call.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("catalog: upstream status %d", e.Code)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == 429 || e.Code >= 500
}

// ParseError is a payload the client could not interpret.
type ParseError struct {
	Field string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("catalog: unparseable field %q", e.Field)
}
