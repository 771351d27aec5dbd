package breaker

import (
	"errors"
	"time"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// Class buckets call outcomes for the state machine.
type Class int

const (
	// ClassSuccess is a nil error.
	ClassSuccess Class = iota
	// ClassFailure counts toward the failure threshold.
	ClassFailure
	// ClassBackoff suppresses calls for a window but never opens the
	// circuit (rate limits, pool exhaustion, store deadlocks).
	ClassBackoff
	// ClassIgnore surfaces to the caller without touching breaker state
	// (auth and validation errors).
	ClassIgnore
)

// DefaultClassifier buckets errors by the domain taxonomy: rate limits back
// off, auth and schema problems are ignored, everything else counts.
func DefaultClassifier(err error) Class {
	switch {
	case err == nil:
		return ClassSuccess
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, domain.ErrUpstreamRateLimit):
		return ClassBackoff
	case errors.Is(err, domain.ErrAuth),
		errors.Is(err, domain.ErrSchemaInvalid),
		errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrNotFound):
		return ClassIgnore
	default:
		return ClassFailure
	}
}

// GraphClassifier additionally treats connection-pool exhaustion and store
// deadlocks as backoff-only conditions.
func GraphClassifier(err error) Class {
	if errors.Is(err, domain.ErrPoolExhausted) || errors.Is(err, domain.ErrStoreDeadlock) {
		return ClassBackoff
	}
	return DefaultClassifier(err)
}

// retryAfterCarrier is implemented by errors that carry an upstream
// Retry-After hint.
type retryAfterCarrier interface {
	RetryAfter() time.Duration
}

// retryAfter extracts the backoff the error asks for, or falls back.
func retryAfter(err error, fallback time.Duration) time.Duration {
	var c retryAfterCarrier
	if errors.As(err, &c) {
		if d := c.RetryAfter(); d > 0 {
			return d
		}
	}
	return fallback
}
