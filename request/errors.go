package request

import (
	"fmt"
	"net/http"
	"time"
)

// HTTPError is a terminal client error (4xx other than 429) carrying the
// store's raw error payload.
type HTTPError struct {
	Action string
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	text := http.StatusText(e.Status)
	if len(e.Body) > 0 {
		text = string(e.Body)
	}
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Action, text, e.Status)
}

// NotFound reports whether the store said the target does not exist.
func (e *HTTPError) NotFound() bool { return e.Status == http.StatusNotFound }

// Unauthorized reports whether the store rejected the credentials.
func (e *HTTPError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// RateLimitError is returned when a 429 asked for a wait longer than the
// executor is willing to honor.
type RateLimitError struct {
	Action string
	Wait   time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited, store asked to wait %s which exceeds the auth token lifetime; deploy manually or retry later", e.Action, e.Wait)
}
