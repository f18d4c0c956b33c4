package models

import "errors"

var (
	ErrInsufficientHistory  = errors.New("insufficient history")
	ErrInsufficientStores   = errors.New("insufficient stores")
	ErrInvalidParameters    = errors.New("invalid parameters")
	ErrStaleRevision        = errors.New("stale revision")
	ErrConcurrentReforecast = errors.New("concurrent reforecast conflict")
	ErrNotFound             = errors.New("not found")

	// Orchestrator control-flow errors surfaced to API callers.
	ErrInvalidTransition = errors.New("invalid workflow transition")
	ErrActualsPending    = errors.New("actuals for the current week have not been ingested")
	ErrNoPendingApproval = errors.New("no approval pending")
)
