package recovery

import "errors"

// Sentinel kinds for recovery errors.
var (
	ErrRetriesExhausted   = errors.New("retry budget exhausted")
	ErrTooMuchInvalidData = errors.New("too much invalid data to clean")
	ErrEmptyForecast      = errors.New("recovered prediction is empty")
	ErrUnrecoverable      = errors.New("failure cannot be recovered by retrying")
)
