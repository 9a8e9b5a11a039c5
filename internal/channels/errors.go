package channels

import (
	"fmt"

	"github.com/conclave-run/conclave/internal/retry"
)

// Code categorizes a channel-layer error for logging and retry
// decisions. Trimmed from the teacher's larger ErrorCode enum down to
// the codes this package's adapters actually raise.
type Code string

const (
	CodeConfig     Code = "CONFIG_ERROR"
	CodeConnection Code = "CONNECTION_ERROR"
	CodeAuth       Code = "AUTH_ERROR"
	CodeRateLimit  Code = "RATE_LIMIT_ERROR"
)

// Error is a structured channel-layer error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("channels[%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("channels[%s]: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrConfig reports a bad adapter configuration; never retried.
func ErrConfig(message string, err error) error {
	return retry.Permanent(&Error{Code: CodeConfig, Message: message, Err: err})
}

// ErrAuth reports a credential the platform rejected; never retried,
// matching the runtime's AuthInvalid handling for the LLM Port (spec
// §4.Y) -- a bad platform token is equally permanent.
func ErrAuth(message string, err error) error {
	return retry.Permanent(&Error{Code: CodeAuth, Message: message, Err: err})
}

// ErrConnection reports a transient network failure; retryable.
func ErrConnection(message string, err error) error {
	return &Error{Code: CodeConnection, Message: message, Err: err}
}

// ErrRateLimit reports a platform rate-limit rejection; retryable.
func ErrRateLimit(message string, err error) error {
	return &Error{Code: CodeRateLimit, Message: message, Err: err}
}
