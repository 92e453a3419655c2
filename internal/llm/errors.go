package llm

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Invalid-stream conditions. A backend that stops mid-stream without a
// terminal signal indicates a truncated or dropped connection, so these are
// surfaced as named errors rather than coerced into an empty success.
var (
	ErrNoFinishReason = errors.New("invalid stream: no finish reason observed")
	ErrEmptyResponse  = errors.New("invalid stream: empty response text")
)

// ErrMaxTurns is returned when the agentic loop exceeds its round budget.
var ErrMaxTurns = errors.New("max turns reached")

// AuthError indicates the user is not signed in or a credential has expired.
// It is fatal to the current round and is never retried as a network error.
type AuthError struct {
	Backend string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: authentication failed: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("%s: not authenticated", e.Backend)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// RateLimitError is returned when a backend reports 429. RetryAfter is zero
// when the backend did not supply a wait hint.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %s", e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("rate limited: %s", e.Message)
}

// httpStatusError maps a non-2xx backend response to the error classes the
// retry executor distinguishes. It consumes and closes the body.
func httpStatusError(backend string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Backend: backend, Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	case http.StatusTooManyRequests:
		return &RateLimitError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    string(body),
		}
	default:
		return fmt.Errorf("%s: request failed with status %d: %s", backend, resp.StatusCode, string(body))
	}
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
