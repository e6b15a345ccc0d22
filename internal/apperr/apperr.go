// Package apperr defines the error kinds returned by the settlement pipeline
// and how each one maps onto an HTTP status.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	InvalidTxHash            Kind = "INVALID_TX_HASH"
	RateLimitExceeded        Kind = "RATE_LIMIT_EXCEEDED"
	DailyLimitExceeded       Kind = "DAILY_LIMIT_EXCEEDED"
	TooManyConcurrent        Kind = "TOO_MANY_CONCURRENT"
	RequestTooExpensive      Kind = "REQUEST_TOO_EXPENSIVE"
	AuthorizationNotYetValid Kind = "AUTHORIZATION_NOT_YET_VALID"
	AuthorizationExpired     Kind = "AUTHORIZATION_EXPIRED"
	InvalidSignature         Kind = "INVALID_SIGNATURE"
	InvalidRecipient         Kind = "INVALID_RECIPIENT"
	AuthorizationUsed        Kind = "AUTHORIZATION_USED"
	GasPriceTooHigh          Kind = "GAS_PRICE_TOO_HIGH"
	Internal                 Kind = "INTERNAL_ERROR"

	InvalidAuthorization Kind = "INVALID_AUTHORIZATION"
	InvalidPayload       Kind = "INVALID_PAYLOAD"
	AmountOutOfRange     Kind = "AMOUNT_OUT_OF_RANGE"
	Unauthorized         Kind = "UNAUTHORIZED"
	NetworkTimeout       Kind = "NETWORK_TIMEOUT"
	StoreUnavailable     Kind = "STORE_UNAVAILABLE"
)

// Error is a classified pipeline failure. Message is safe to return to
// callers; Err holds the underlying cause and is only ever logged.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, apperr.New(k, "")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New returns an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf returns an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a kind. The cause is kept out of Message.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// RateLimited returns a RATE_LIMIT_EXCEEDED-style error with a retry hint.
func RateLimited(kind Kind, msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: kind, Message: msg, RetryAfter: retryAfter}
}

// KindOf extracts the kind from err. Context deadline errors are reported as
// NETWORK_TIMEOUT; anything unclassified is INTERNAL_ERROR.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NetworkTimeout
	}
	return Internal
}

// HasKind reports whether err is an *Error of the given kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// PublicMessage returns the caller-safe message for err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Upstream request timed out"
	}
	return "Internal error"
}

var statusByKind = map[Kind]int{
	InvalidTxHash:            http.StatusBadRequest,
	AuthorizationNotYetValid: http.StatusBadRequest,
	AuthorizationExpired:     http.StatusBadRequest,
	InvalidSignature:         http.StatusBadRequest,
	InvalidRecipient:         http.StatusBadRequest,
	InvalidAuthorization:     http.StatusBadRequest,
	InvalidPayload:           http.StatusBadRequest,
	AmountOutOfRange:         http.StatusBadRequest,
	RequestTooExpensive:      http.StatusBadRequest,
	Unauthorized:             http.StatusForbidden,
	AuthorizationUsed:        http.StatusConflict,
	RateLimitExceeded:        http.StatusTooManyRequests,
	DailyLimitExceeded:       http.StatusTooManyRequests,
	TooManyConcurrent:        http.StatusTooManyRequests,
	GasPriceTooHigh:          http.StatusServiceUnavailable,
	NetworkTimeout:           http.StatusServiceUnavailable,
	StoreUnavailable:         http.StatusServiceUnavailable,
	Internal:                 http.StatusInternalServerError,
}

// HTTPStatus maps an error onto the status code returned to API callers.
func HTTPStatus(err error) int {
	if s, ok := statusByKind[KindOf(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the caller may retry the same request later
// without any charge having occurred.
func Retryable(err error) bool {
	switch KindOf(err) {
	case GasPriceTooHigh, NetworkTimeout, StoreUnavailable,
		RateLimitExceeded, DailyLimitExceeded, TooManyConcurrent:
		return true
	}
	return false
}

// Response is the JSON body returned for a failed request.
type Response struct {
	Success      bool   `json:"success"`
	Error        string `json:"error"`
	Code         Kind   `json:"code"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// ResponseFor builds the caller-facing body for err.
func ResponseFor(err error) Response {
	return Response{
		Success:      false,
		Error:        PublicMessage(err),
		Code:         KindOf(err),
		RetryAfterMs: RetryAfterOf(err).Milliseconds(),
	}
}
