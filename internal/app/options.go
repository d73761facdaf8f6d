package service

import (
	"time"

	"github.com/okian/demandcast/internal/adapters/repository"
	"github.com/okian/demandcast/internal/domain/monitor"
	"github.com/okian/demandcast/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore sets the descriptor store. Without it Start opens the SQLite
// store at the configured path.
func WithStore(st repository.Store) Option {
	return func(s *Service) {
		if st != nil {
			s.store = st
		}
	}
}

// WithAlertHandler receives every monitor alert of every entity.
func WithAlertHandler(h monitor.AlertHandler) Option {
	return func(s *Service) {
		s.alertHandler = h
	}
}

// WithClock replaces time.Now in monitors and error handlers.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}
