package provider

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors in the provider taxonomy. Adapters wrap these with
// %w so callers can classify failures with errors.Is.
var (
	// ErrAuthRequired indicates invalid or revoked credentials.
	ErrAuthRequired = errors.New("authentication required")

	// ErrNotFound indicates the message no longer exists at the provider.
	ErrNotFound = errors.New("message not found")

	// ErrCapabilityUnsupported indicates the provider cannot perform the
	// requested operation (e.g. keyword flags on a server without them).
	ErrCapabilityUnsupported = errors.New("capability unsupported")

	// ErrHistoryExpired indicates the incremental cursor is too old and a
	// bounded full fetch is required.
	ErrHistoryExpired = errors.New("history expired")
)

// RateLimitError reports provider throttling with the server-advised wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

// TransientError wraps a network or 5xx failure that is worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// ProtocolError wraps a permanent provider rejection (4xx semantics other
// than auth or rate limiting). Not retryable.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Err.Error() }
func (e *ProtocolError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRateLimited reports provider throttling and the advised wait.
func IsRateLimited(err error) (time.Duration, bool) {
	var re *RateLimitError
	if errors.As(err, &re) {
		return re.RetryAfter, true
	}
	return 0, false
}
