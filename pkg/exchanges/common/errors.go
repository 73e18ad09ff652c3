package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies exchange failures for propagation policy.
type ErrorKind string

const (
	KindNetwork           ErrorKind = "NetworkError"
	KindAuth              ErrorKind = "AuthError"
	KindInsufficientFunds ErrorKind = "InsufficientFunds"
	KindInvalidOrder      ErrorKind = "InvalidOrder"
	KindRateLimit         ErrorKind = "RateLimit"
	KindExchange          ErrorKind = "ExchangeError"
)

// Error wraps a venue failure with its classification.
type Error struct {
	Exchange Exchange
	Kind     ErrorKind
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s: %s", strings.ToLower(string(e.Exchange)), e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", strings.ToLower(string(e.Exchange)), e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified exchange error.
func NewError(ex Exchange, kind ErrorKind, err error) *Error {
	return &Error{Exchange: ex, Kind: kind, Err: err}
}

// Retryable reports whether the failure is transient: network faults
// and rate limiting are retried with backoff, everything else is
// treated as a rejection.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindRateLimit
}

// KindOf extracts the kind from err, defaulting to ExchangeError.
func KindOf(err error) ErrorKind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindExchange
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindNetwork || k == KindRateLimit
}

// ClassifyHTTP maps a REST status code plus venue message to a kind.
// Shared by the hand-written adapters.
func ClassifyHTTP(status int, body string) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429 || status == 418:
		return KindRateLimit
	case status >= 500:
		return KindNetwork
	}
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "insufficient"):
		return KindInsufficientFunds
	case strings.Contains(lower, "signature") || strings.Contains(lower, "api-key") || strings.Contains(lower, "api_key"):
		return KindAuth
	case strings.Contains(lower, "lot_size") || strings.Contains(lower, "notional") ||
		strings.Contains(lower, "price_filter") || strings.Contains(lower, "invalid"):
		return KindInvalidOrder
	}
	return KindExchange
}
