package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/okian/demandcast/internal/adapters/http/api"
	"github.com/okian/demandcast/internal/adapters/http/swagger"
	service "github.com/okian/demandcast/internal/app"
	"github.com/okian/demandcast/pkg/logger"
)

// HTTP server timeout constants.
const (
	readTimeout            = 10 * time.Second
	writeTimeout           = 60 * time.Second
	idleTimeout            = 60 * time.Second
	readHeaderTimeout      = 5 * time.Second
	shutdownTimeout        = 30 * time.Second
	serviceMetricsInterval = 5 * time.Second
)

// ServeCmd runs the HTTP API until interrupted.
type ServeCmd struct {
	Addr     string `help:"Listen address; overrides addr."`
	MaxBatch int    `help:"Maximum observations per POST /observations." default:"10000" name:"max-batch"`
}

// Run starts the service and blocks until the context ends.
func (c *ServeCmd) Run(rt *env) error {
	ctx := rt.ctx
	addr := rt.cfg.Addr
	if c.Addr != "" {
		addr = c.Addr
	}

	svc := service.New(rt.cfg, service.WithLogger(rt.logger.Named("service")))
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := svc.Stop(stopCtx); err != nil {
			rt.logger.Error(ctx, "service stop failed", logger.Error(err))
		}
	}()

	go updateServiceMetrics(ctx, svc)

	mux := http.NewServeMux()
	swagger.Register(ctx, mux)
	api.NewServer(svc, c.MaxBatch).Register(mux)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		rt.logger.Info(ctx, "starting HTTP server", logger.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	rt.logger.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.logger.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	rt.logger.Info(ctx, "server stopped")
	return nil
}

// updateServiceMetrics refreshes service gauges until ctx ends.
func updateServiceMetrics(ctx context.Context, svc *service.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// GetStats refreshes the queue gauge as a side effect.
			_ = svc.GetStats()
		}
	}
}
