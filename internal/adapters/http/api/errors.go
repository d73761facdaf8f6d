package api

import (
	"errors"
	"fmt"
	"net/http"

	service "github.com/okian/demandcast/internal/app"
	"github.com/okian/demandcast/internal/adapters/repository"
	"github.com/okian/demandcast/internal/domain/forecast"
	"github.com/okian/demandcast/internal/domain/registry"
	"github.com/okian/demandcast/internal/domain/tuning"
	"github.com/okian/demandcast/internal/domain/types"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest    = errors.New("bad request")
	ErrBatchTooLarge = errors.New("batch too large")
)

func wrap(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}

func wrapKind(op string, kind, err error) error {
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}

// classify returns the status and error code for err.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrUnknownEntity), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrBatchTooLarge):
		return http.StatusRequestEntityTooLarge, "batch_too_large"
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, types.ErrInvalidDate),
		errors.Is(err, forecast.ErrInvalidHorizon),
		errors.Is(err, forecast.ErrInvalidParameter),
		errors.Is(err, tuning.ErrEmptyGrid),
		errors.Is(err, tuning.ErrInvalidGrid),
		errors.Is(err, registry.ErrUnknownKind):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, forecast.ErrInsufficientData):
		return http.StatusUnprocessableEntity, "insufficient_data"
	case errors.Is(err, service.ErrBackpressure), errors.Is(err, service.ErrNotStarted):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
