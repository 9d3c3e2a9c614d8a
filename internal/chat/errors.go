// ABOUTME: Error taxonomy shared by adapters, normalization and the dispatcher
// ABOUTME: Sentinels for auth and unsupported operations, typed errors for decode and rate limits

package chat

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuth means a webhook failed verification.
	ErrAuth = errors.New("webhook verification failed")
	// ErrNotSupported means the adapter cannot perform the operation.
	ErrNotSupported = errors.New("operation not supported")
	// ErrDecode is matched by every DecodeError.
	ErrDecode = errors.New("decode error")
)

// DecodeError is a permanent failure to turn a payload into an event.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decoding payload: %s: %v", e.Reason, e.Err)
	}
	return "decoding payload: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Decodef builds a DecodeError with a formatted reason.
func Decodef(format string, args ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// RateLimitedError is returned by REST calls the backend throttled.
type RateLimitedError struct {
	// RetryAfter is zero when the backend did not say.
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	msg := "rate limited"
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// RetryAfter extracts the retry hint from err, if it is a RateLimitedError.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
