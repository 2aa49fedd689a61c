package store

import "errors"

var (
	ErrInvalidSlot         = errors.New("invalid slot")
	ErrConflict            = errors.New("conflict")
	ErrNotFound            = errors.New("not found")
	ErrBackendUnavailable  = errors.New("backend unavailable")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrIdempotencyConflict = errors.New("idempotency key conflict")
)
