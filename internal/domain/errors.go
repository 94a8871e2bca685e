package domain

import "errors"

// Error taxonomy for the detection pipeline. Callers classify with errors.Is.
var (
	// ErrConfiguration reports an unknown or invalid configuration key or
	// value supplied to a checker's Initialize. Surfaced at setup, never
	// deferred to evaluation time.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrUnsupportedOperation reports direct evaluation of a predicate that
	// only has push-down semantics (aggregate nodes).
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrExternalService reports a failed call to the inference collaborator.
	// Model-backed checkers catch it internally and degrade to zero flags.
	ErrExternalService = errors.New("external service error")

	// ErrQueryExecution reports a query rejected by the store. It indicates a
	// bug in the query compiler or a checker, not bad input data, and aborts
	// the run.
	ErrQueryExecution = errors.New("query execution error")

	// ErrDataIntegrity reports a store row missing an expected column. It
	// signals a schema mismatch and aborts the run.
	ErrDataIntegrity = errors.New("data integrity error")
)
