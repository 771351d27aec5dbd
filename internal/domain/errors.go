package domain

import (
	"errors"
	"time"
)

// Error taxonomy (sentinels). Adapters wrap these with
// fmt.Errorf("op=<pkg.Func>: %w", err); callers branch with errors.Is.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrPermitTimeout     = errors.New("permit timeout")
	ErrPermitRejected    = errors.New("permit rejected")
	ErrQueueUnavailable  = errors.New("queue unavailable")
	ErrStoreBusy         = errors.New("store busy")
	ErrPoolExhausted     = errors.New("pool exhausted")
	ErrStoreDeadlock     = errors.New("store deadlock")
	ErrAuth              = errors.New("authentication failed")
	ErrMemoryPressure    = errors.New("memory pressure")
	ErrRunDeadlocked     = errors.New("run deadlocked")
	ErrRunAborted        = errors.New("run aborted")
	ErrInternal          = errors.New("internal error")
)

// ErrorCategory classifies failures for retry and escalation decisions.
type ErrorCategory string

const (
	CategoryInfrastructure ErrorCategory = "infrastructure"
	CategoryRateLimit      ErrorCategory = "rate_limit"
	CategoryValidation     ErrorCategory = "validation"
	CategoryProcessing     ErrorCategory = "processing"
	CategorySystem         ErrorCategory = "system"
	CategoryConfiguration  ErrorCategory = "configuration"
)

// CategoryOf maps an error chain to its category. Unknown errors default to
// processing so the managed worker retries them a bounded number of times.
func CategoryOf(err error) ErrorCategory {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUpstreamRateLimit):
		return CategoryRateLimit
	case errors.Is(err, ErrUpstreamTimeout),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrQueueUnavailable),
		errors.Is(err, ErrStoreBusy),
		errors.Is(err, ErrPoolExhausted),
		errors.Is(err, ErrStoreDeadlock):
		return CategoryInfrastructure
	case errors.Is(err, ErrSchemaInvalid), errors.Is(err, ErrInvalidArgument):
		return CategoryValidation
	case errors.Is(err, ErrMemoryPressure),
		errors.Is(err, ErrRunDeadlocked),
		errors.Is(err, ErrPermitTimeout):
		return CategorySystem
	case errors.Is(err, ErrAuth):
		return CategoryConfiguration
	default:
		return CategoryProcessing
	}
}

// Retryable reports whether the managed worker should requeue a job failing
// with err. Validation and configuration failures are final; rate limits and
// infrastructure faults back off and retry; system pressure retries so the
// job lands after the governor has shed load.
func Retryable(err error) bool {
	switch CategoryOf(err) {
	case CategoryValidation, CategoryConfiguration:
		return false
	case CategoryRateLimit, CategoryInfrastructure, CategorySystem, CategoryProcessing:
		return true
	default:
		return false
	}
}

// ErrorEvent is the structured record emitted when a handler fails. It is
// logged, counted, and attached to the job's failure reason.
type ErrorEvent struct {
	CorrelationID string        `json:"correlation_id"`
	WorkerType    string        `json:"worker_type"`
	JobID         string        `json:"job_id"`
	RunID         string        `json:"run_id"`
	Category      ErrorCategory `json:"category"`
	Message       string        `json:"message"`
	Attempt       int           `json:"attempt"`
	Duration      time.Duration `json:"duration_ms"`
	Parent        string        `json:"parent,omitempty"`
	OccurredAt    time.Time     `json:"occurred_at"`
}
