package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode classifies provider call failures.
type ErrorCode string

const (
	ErrCodeTimeout         ErrorCode = "TIMEOUT"
	ErrCodeRateLimited     ErrorCode = "RATE_LIMITED"
	ErrCodeAuthFailed      ErrorCode = "AUTH_FAILED"
	ErrCodeInvalidResponse ErrorCode = "INVALID_RESPONSE"
	// ErrCodeGenerationFailed marks exhaustion of the attempt budget.
	ErrCodeGenerationFailed ErrorCode = "GENERATION_FAILED"
)

// ErrNoProvider indicates that no configured provider serves a capability.
var ErrNoProvider = errors.New("provider: no provider supports requested capability")

// Error is a classified provider failure.
type Error struct {
	Code     ErrorCode
	Provider string
	Message  string
	// RetryAfter carries a provider-supplied backoff hint for rate limits.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("provider: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified provider error.
func NewError(code ErrorCode, providerName, message string, err error) *Error {
	return &Error{Code: code, Provider: providerName, Message: message, Err: err}
}

// Retryable reports whether another attempt may succeed.
// AuthFailed is fatal; InvalidResponse is retried once by the router.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeRateLimited, ErrCodeInvalidResponse:
		return true
	default:
		return false
	}
}

// Fatal reports whether the failure should count toward the down transition.
func (e *Error) Fatal() bool {
	return e.Code == ErrCodeAuthFailed
}

// CodeOf extracts the classification of err, if it is a provider error.
func CodeOf(err error) (ErrorCode, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code, true
	}
	return "", false
}

// Classify converts a raw client error into a classified provider error.
// Providers rarely expose typed errors, so classification falls back to
// message inspection, the same approach the underlying SDKs force everywhere.
func Classify(providerName string, err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "deadline exceeded"):
		return NewError(ErrCodeTimeout, providerName, msg, err)
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "rate-limit"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "429"),
		strings.Contains(lower, "quota exceeded"),
		strings.Contains(lower, "throttl"):
		return withRetryHint(NewError(ErrCodeRateLimited, providerName, msg, err), lower)
	case strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "invalid api key"),
		strings.Contains(lower, "authentication"),
		strings.Contains(lower, "forbidden"),
		strings.Contains(lower, "401"),
		strings.Contains(lower, "403"):
		return NewError(ErrCodeAuthFailed, providerName, msg, err)
	default:
		return NewError(ErrCodeInvalidResponse, providerName, msg, err)
	}
}

// withRetryHint extracts "retry after Ns" hints providers embed in messages.
func withRetryHint(perr *Error, lower string) *Error {
	idx := strings.Index(lower, "retry after ")
	if idx < 0 {
		return perr
	}
	rest := lower[idx+len("retry after "):]
	seconds := 0
	for _, r := range rest {
		if r < '0' || r > '9' {
			break
		}
		seconds = seconds*10 + int(r-'0')
	}
	if seconds > 0 {
		perr.RetryAfter = time.Duration(seconds) * time.Second
	}
	return perr
}
