package engine

import "errors"

var (
	// ErrPendingClosed indicates that a pending entity is complete or abandoned
	// and accepts no further information.
	ErrPendingClosed = errors.New("pending entity is closed")

	// ErrMissingFields indicates that a pending entity cannot be completed
	// because required fields are still missing.
	ErrMissingFields = errors.New("pending entity is missing required fields")

	// ErrNoEmbedder indicates that text search was requested without an embedder.
	ErrNoEmbedder = errors.New("no embedding generator configured")
)
