// Package apperror defines the error kinds raised across the engine's
// translation and scheduling core, matching the taxonomy in §7 of the
// engine's design document.
package apperror

import (
	"fmt"
	"time"
)

// Kind enumerates the closed set of error kinds the engine raises.
type Kind string

const (
	// KindUnsupportedModel means no model mapping resolved the caller's model string.
	KindUnsupportedModel Kind = "unsupported_model"
	// KindNoAvailableAccount means the pool has no eligible account to select.
	KindNoAvailableAccount Kind = "no_available_account"
	// KindTokenRevoked means a refresh request was rejected by the upstream as invalid.
	KindTokenRevoked Kind = "token_revoked"
	// KindUpstreamRateLimited means the upstream responded 429.
	KindUpstreamRateLimited Kind = "upstream_rate_limited"
	// KindUpstreamRejected means the upstream rejected the request after fallback exhaustion.
	KindUpstreamRejected Kind = "upstream_rejected"
	// KindUpstreamTransient means the upstream failed with a 5xx or network error.
	KindUpstreamTransient Kind = "upstream_transient"
	// KindConfigurationError means a shared file or credential record was malformed.
	KindConfigurationError Kind = "configuration_error"
)

// Error is the engine's single exported error type. It carries enough
// structure for callers to decide whether to retry, which HTTP status to
// surface, and what to log, without needing package-specific sentinel types.
type Error struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Retryable  bool
	RetryAfter *time.Duration
	// AccountID, when set, names the account the error is attributed to.
	AccountID string
	cause      error
}

// New constructs an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: defaultStatus(kind), Retryable: defaultRetryable(kind)}
}

// Wrap attaches a kind to an existing error, preserving it as the cause.
func Wrap(kind Kind, cause error, message string) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, HTTPStatus: defaultStatus(kind), Retryable: defaultRetryable(kind), cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// StatusCode implements the status-coder contract the retry engine and
// admin surface use to translate an error into an HTTP response.
func (e *Error) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.HTTPStatus
}

func defaultStatus(kind Kind) int {
	switch kind {
	case KindUnsupportedModel:
		return 400
	case KindNoAvailableAccount:
		return 503
	case KindTokenRevoked:
		return 503
	case KindUpstreamRateLimited:
		return 429
	case KindUpstreamRejected:
		return 400
	case KindUpstreamTransient:
		return 502
	case KindConfigurationError:
		return 500
	default:
		return 500
	}
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindUpstreamRateLimited, KindUpstreamTransient, KindTokenRevoked:
		return true
	default:
		return false
	}
}
