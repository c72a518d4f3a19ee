package fetcher

import (
	"errors"
	"fmt"
)

// ErrorType classifies fetch failures so callers can decide between fallback,
// skip and cooldown.
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeParsing     ErrorType = "parsing"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeServerError ErrorType = "server_error"
	ErrorTypeUnavailable ErrorType = "unavailable"
	ErrorTypeUnknown     ErrorType = "unknown"
)

// FetchError is a typed failure from a fetch strategy.
type FetchError struct {
	Type     ErrorType
	Strategy string
	Message  string
	Err      error
}

func (e *FetchError) Error() string {
	if e.Strategy != "" {
		return fmt.Sprintf("%s: %s error: %s", e.Strategy, e.Type, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError builds a typed fetch error for a strategy.
func NewFetchError(errType ErrorType, strategy, message string) *FetchError {
	return &FetchError{Type: errType, Strategy: strategy, Message: message}
}

// WrapFetchError wraps an underlying error with a fetch error type.
func WrapFetchError(errType ErrorType, strategy string, err error) *FetchError {
	return &FetchError{Type: errType, Strategy: strategy, Message: err.Error(), Err: err}
}

// IsHardStop reports whether the error carries a rate-limit signal that must
// abort the whole adapter chain. Continuing to hammer a platform after a
// rate-limit response risks punitive throttling or account suspension.
func IsHardStop(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Type == ErrorTypeRateLimit
	}
	return false
}

// ErrStrategyUnavailable is returned by stub adapters whose real
// implementation lives outside this repository.
var ErrStrategyUnavailable = errors.New("fetch strategy not available in this build")
