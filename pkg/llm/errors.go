package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// NetworkError is a transport failure or a non-2xx vendor status.
type NetworkError struct {
	Vendor     string
	StatusCode int
	Body       string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s API error (status %d): %s", e.Vendor, e.StatusCode, truncate(e.Body, 512))
	}
	return fmt.Sprintf("%s request: %v", e.Vendor, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the request may succeed.
func (e *NetworkError) Temporary() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// MalformedResponseError is a 2xx vendor body that does not follow the
// vendor's schema.
type MalformedResponseError struct {
	Vendor string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed %s response: %v", e.Vendor, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// Malformed wraps err as a MalformedResponseError.
func Malformed(vendor string, format string, args ...any) error {
	return &MalformedResponseError{Vendor: vendor, Err: fmt.Errorf(format, args...)}
}

// IsTemporary reports whether err carries a temporary NetworkError.
func IsTemporary(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne) && ne.Temporary()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
