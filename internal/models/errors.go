package models

import "errors"

// Failure kinds shared across components. Call sites wrap these with
// fmt.Errorf("...: %w", err) context and callers test with errors.Is.
var (
	// ErrValidationFailure indicates malformed required input, such as an
	// invalid recipient identifier.
	ErrValidationFailure = errors.New("validation failure")
	// ErrStoreUnavailable indicates an I/O failure against the persistent
	// store. The guard and lifecycle manager degrade on it instead of
	// surfacing it to the participant.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrUpstreamModelFailure indicates a completion call error or timeout.
	// Nodes convert it to a templated fallback response.
	ErrUpstreamModelFailure = errors.New("upstream model failure")
	// ErrDeliveryFailure indicates the outbound gateway rejected a send.
	// It is reported but never rolls back store writes from the same turn.
	ErrDeliveryFailure = errors.New("delivery failure")
	// ErrConfiguration indicates a deployment bug (unknown node id, missing
	// flow definition, runaway node chain). It propagates as fatal.
	ErrConfiguration = errors.New("configuration error")
)
