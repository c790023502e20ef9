// Package api serves the cached factory resources and the annotated
// ticket view over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"potion-flow-monitor/internal/annotate"
	"potion-flow-monitor/internal/cache"
	"potion-flow-monitor/internal/model"
)

// Backend is what the handlers need from the service layer.
type Backend interface {
	Cauldrons(ctx context.Context, force bool) ([]model.Cauldron, error)
	Market(ctx context.Context, force bool) (model.Market, error)
	Couriers(ctx context.Context, force bool) ([]model.Courier, error)
	Levels(ctx context.Context, force bool, limit int) ([]model.LevelObservation, error)
	LevelsBetween(ctx context.Context, force bool, from, to time.Time) ([]model.LevelObservation, error)
	Tickets(ctx context.Context, force bool) (model.TicketsSnapshot, error)
	AnnotatedTickets(ctx context.Context, force bool) (annotate.Result, error)
	CacheStatus() []cache.Status
	RefreshResource(ctx context.Context, name string) (cache.Status, error)
}

// Options tune the HTTP server.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// CORSOrigin is sent as Access-Control-Allow-Origin; empty disables CORS headers.
	CORSOrigin string
}

// Server wires routes and middleware around a Backend.
type Server struct {
	opts    Options
	backend Backend
	logger  zerolog.Logger
	handler http.Handler
}

// NewServer builds the HTTP surface.
func NewServer(opts Options, backend Backend, logger zerolog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		opts:    opts,
		backend: backend,
		logger:  logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/Information/cauldrons", s.handleCauldrons)
	mux.HandleFunc("GET /api/Information/market", s.handleMarket)
	mux.HandleFunc("GET /api/Information/couriers", s.handleCouriers)
	mux.HandleFunc("GET /api/Data", s.handleLevels)
	mux.HandleFunc("GET /api/Tickets", s.handleTickets)
	mux.HandleFunc("GET /api/analyze/annotated-tickets", s.handleAnnotatedTickets)
	mux.HandleFunc("GET /api/cache", s.handleCacheStatus)
	mux.HandleFunc("POST /api/cache/{resource}/refresh", s.handleCacheRefresh)

	s.handler = chain(mux,
		requestID,
		s.accessLog,
		s.recoverer,
		s.cors,
	)
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}
