package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// Job repository sentinels.
	ErrJobNotFound          = errors.New("job not found")
	ErrRetryBudgetExhausted = errors.New("job is not failed or has no retries left")
	ErrEmptyPatch           = errors.New("job patch has no fields")

	// Job result repository sentinels.
	ErrJobResultsNotConfigured = errors.New("job results repository not configured")
	ErrJobResultsNotFound      = errors.New("job results not found")
	ErrJobIDRequired           = errors.New("job_id is required")
	ErrResultStatusInvalid     = errors.New("job result status must be terminal")
)
