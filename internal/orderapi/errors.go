package orderapi

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the order API answers 404.
	ErrNotFound = errors.New("orderapi: not found")
	// ErrMalformedResponse is returned when a 2xx body cannot be decoded or lacks an id.
	ErrMalformedResponse = errors.New("orderapi: malformed response")
)

// StatusError reports a non-2xx answer from the order API.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("orderapi: %s: status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("orderapi: %s: status %d: %s", e.Operation, e.StatusCode, e.Body)
}
