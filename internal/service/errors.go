package service

import "errors"

// Error kinds produced by the pipeline. Stage errors wrap one of these with
// %w so the boundary can classify them with errors.Is.
var (
	// ErrClientInput covers malformed, oversized or badly formatted requests.
	ErrClientInput = errors.New("invalid client input")
	// ErrPolicyRejection covers rate limits, duplicates and rejected origins.
	ErrPolicyRejection = errors.New("rejected by policy")
	// ErrDependencyFailure covers store errors and timeouts. Never shown to
	// the caller.
	ErrDependencyFailure = errors.New("dependency failure")
)
