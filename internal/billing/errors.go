package billing

import "errors"

var (
	// ErrNotConfigured is returned when the provider has no credentials.
	ErrNotConfigured = errors.New("billing: provider not configured")

	// ErrInvalidSignature is returned when webhook signature verification
	// fails.
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
)
