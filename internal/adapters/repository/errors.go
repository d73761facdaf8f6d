package repository

import "errors"

// Sentinel kinds for descriptor store errors.
var (
	ErrNotFound          = errors.New("model descriptor not found")
	ErrInvalidDescriptor = errors.New("invalid model descriptor")
)
