package service

import "errors"

// Sentinel errors returned by the Service.
var (
	ErrNotStarted    = errors.New("service not started")
	ErrUnknownEntity = errors.New("unknown entity")
	ErrBackpressure  = errors.New("ingestion queue is full")
)
