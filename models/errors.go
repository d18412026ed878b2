package models

import "errors"

// Error classes shared by the core components. Concrete errors wrap one of
// these so handlers can map them with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrRateLimited       = errors.New("rate limited")
	ErrCapacityExhausted = errors.New("capacity exhausted")
	ErrInvalidCredential = errors.New("invalid credential")
)
