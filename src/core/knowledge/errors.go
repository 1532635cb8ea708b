package knowledge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// TransientError marks a failure that is expected to go away on retry:
// timeouts, connection resets, 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitError is returned when a provider throttles us. RetryAfter is zero
// when the provider gave no hint.
type RateLimitError struct {
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s: %v", e.Op, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: rate limited: %v", e.Op, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// ValidationError is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConfigurationError names the missing or rejected credential category.
// It must never carry the secret itself.
type ConfigurationError struct {
	Category string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("missing or invalid configuration: %s", e.Category)
}

// PartialIngestionFailure lists the chunk ranges whose batches exhausted retries.
type PartialIngestionFailure struct {
	FailedRanges []ChunkRange
}

func (e *PartialIngestionFailure) Error() string {
	return fmt.Sprintf("%d chunk range(s) failed to embed: %v", len(e.FailedRanges), e.FailedRanges)
}

// IsRetryable reports whether err belongs to the transient or rate limit class.
// Timeouts count as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var validation *ValidationError
	var config *ConfigurationError
	if errors.As(err, &validation) || errors.As(err, &config) {
		return false
	}

	var transient *TransientError
	var rateLimit *RateLimitError
	if errors.As(err, &transient) || errors.As(err, &rateLimit) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryAfter returns the provider's retry hint, or zero.
func RetryAfter(err error) time.Duration {
	var rateLimit *RateLimitError
	if errors.As(err, &rateLimit) {
		return rateLimit.RetryAfter
	}
	return 0
}

// ClassifyStatus maps an HTTP status code returned by a provider onto the
// error taxonomy. category names the credential reported on 401/403.
func ClassifyStatus(op string, status int, retryAfter time.Duration, category string, err error) error {
	if err == nil {
		err = fmt.Errorf("status %d", status)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Op: op, RetryAfter: retryAfter, Err: err}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &ConfigurationError{Category: category}
	case status == http.StatusRequestTimeout || status >= 500:
		return &TransientError{Op: op, Err: err}
	case status >= 400:
		return &ValidationError{Field: op, Reason: err.Error()}
	default:
		return err
	}
}
