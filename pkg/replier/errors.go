package replier

import (
	"errors"
	"fmt"
	"time"
)

// Error classes shared by all adapters. Adapters wrap their failures in one of
// these so callers can decide with errors.Is whether to retry.
var (
	// ErrAdapterUnavailable is a transient failure: timeout, 5xx, connection refused.
	ErrAdapterUnavailable = errors.New("adapter unavailable")
	// ErrAdapterRejected is permanent for the item: 4xx, content refused.
	ErrAdapterRejected = errors.New("adapter rejected request")
	// ErrRateLimited means the remote asked us to back off.
	ErrRateLimited = errors.New("rate limited")
	// ErrConfigInvalid aborts a run before any fetch.
	ErrConfigInvalid = errors.New("invalid configuration")
	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("not found")
)

// RateLimitError carries the server's retry hint, if any.
type RateLimitError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Service, e.RetryAfter)
	}
	return e.Service + ": rate limited"
}

// Unwrap lets errors.Is match ErrRateLimited.
func (*RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// IsRateLimited checks if an error is a rate limit signal.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsTransient reports whether an operation failing with err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrAdapterUnavailable) || errors.Is(err, ErrRateLimited)
}

// RetryAfter extracts the retry hint from a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
