package forecast

import (
	"errors"
)

// Sentinel kinds for model failures. These allow errors.Is from callers.
var (
	ErrInsufficientData   = errors.New("insufficient data")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrNumericInstability = errors.New("numeric instability")
	ErrResourceExhaustion = errors.New("resource exhaustion")
	ErrMalformedInput     = errors.New("malformed input")
	ErrNotTrained         = errors.New("model not trained")
	ErrNoForecast         = errors.New("no forecast produced")
	ErrInvalidHorizon     = errors.New("horizon must be positive")
)

// ErrorKind groups failures by the recovery they call for.
type ErrorKind int

// Error kinds.
const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindMalformedInput
	ErrorKindInvalidState
	ErrorKindResourceExhaustion
	ErrorKindInsufficientData
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindMalformedInput:
		return "malformed_input"
	case ErrorKindInvalidState:
		return "invalid_state"
	case ErrorKindResourceExhaustion:
		return "resource_exhaustion"
	case ErrorKindInsufficientData:
		return "insufficient_data"
	default:
		return "unknown"
	}
}

// Classify maps an error onto its kind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindUnknown
	case errors.Is(err, ErrMalformedInput):
		return ErrorKindMalformedInput
	case errors.Is(err, ErrInvalidParameter),
		errors.Is(err, ErrNumericInstability),
		errors.Is(err, ErrNotTrained):
		return ErrorKindInvalidState
	case errors.Is(err, ErrResourceExhaustion):
		return ErrorKindResourceExhaustion
	case errors.Is(err, ErrInsufficientData):
		return ErrorKindInsufficientData
	default:
		return ErrorKindUnknown
	}
}
