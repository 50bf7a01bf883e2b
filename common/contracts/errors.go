package contracts

import "errors"

// Error kinds surfaced by the engine. Producers wrap these with %w so the
// run loop and the API boundary can branch on kind with errors.Is instead of
// string matching.
var (
	// ErrValidation covers invalid requests, invalid node config, and
	// invalid graphs. Surfaced to callers as an API error envelope with no
	// state change.
	ErrValidation = errors.New("validation_error")

	// ErrDispatchFailed means the provider refused the dispatch or the
	// dispatch outcome is ambiguous. Recorded on the run node; never
	// auto-retried.
	ErrDispatchFailed = errors.New("dispatch_failed")

	// ErrExecution means a node callback failed.
	ErrExecution = errors.New("execution_error")

	// ErrFallbackRuntime means both the primary and the fallback mode of a
	// dual-mode handler failed. Terminal for the node.
	ErrFallbackRuntime = errors.New("fallback_runtime_error")

	// ErrIdempotencyConflict means a dispatch or artifact key was already
	// registered. The caller gets a failed result with no side effects.
	ErrIdempotencyConflict = errors.New("idempotency_conflict")

	// ErrContractViolation means an envelope or payload failed schema
	// validation. Logged with the correlation id; fails the run when raised
	// inside a handler.
	ErrContractViolation = errors.New("contract_violation")
)
