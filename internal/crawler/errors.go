package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrFrontierExhausted signals that no entry is currently claimable.
var ErrFrontierExhausted = errors.New("frontier exhausted")

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrLockLost signals that a row is no longer locked by the worker trying to update it,
// typically because its claim went stale and another worker took it over.
var ErrLockLost = errors.New("frontier lock lost")

// HTTPStatusError reports a fetch that completed with a non-200 status.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// StatusCodeOf extracts the HTTP status code from err, or 0.
func StatusCodeOf(err error) int {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
