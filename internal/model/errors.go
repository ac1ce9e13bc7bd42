package model

import "errors"

// Error kinds shared across the store, queue and HTTP surface. Wrapped with
// eris at call sites; matched with errors.Is when mapping to status codes.
var (
	// ErrValidation marks malformed input: bad payloads, oversized
	// batches, unknown job types. Never retried by the server.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks state races the caller must re-fetch: a job
	// claimed by another worker, claims already written.
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks a missing entity.
	ErrNotFound = errors.New("not found")

	// ErrForbidden marks insufficient clearance or a missing identity on
	// an admin surface.
	ErrForbidden = errors.New("forbidden")
)
