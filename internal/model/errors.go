package model

import "errors"

var (
	// Lookup errors.
	ErrProjectNotFound = errors.New("project not found")
	ErrJobNotFound     = errors.New("job not found")

	// ErrAlreadyClaimed is returned by a store when a claim loses the race
	// for a job. The coordinator absorbs it; it never reaches callers.
	ErrAlreadyClaimed = errors.New("job already claimed")

	ErrValidation             = errors.New("validation failed")
	ErrStorage                = errors.New("storage unavailable")
	ErrConflictRetryExhausted = errors.New("claim retries exhausted")
)
