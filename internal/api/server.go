// Package api exposes the operator entry points and health/metrics over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/septivank/router-secrets-worker/internal/service"
	"github.com/septivank/router-secrets-worker/internal/validator"
	"go.uber.org/zap"
)

// Config holds HTTP server settings
type Config struct {
	Addr string
	// DefaultRouterPort applies to unsaved targets given without a port
	DefaultRouterPort int
	// RequestTimeout bounds a single request, device calls included
	RequestTimeout time.Duration
}

// Server serves the operational HTTP API
type Server struct {
	cfg       Config
	sync      *service.SyncService
	accounts  *service.AccountService
	validator *validator.Validator
	logger    *zap.Logger
	router    chi.Router
	server    *http.Server
}

// NewServer creates the server and its routes; it does not listen yet
func NewServer(cfg Config, sync *service.SyncService, accounts *service.AccountService, v *validator.Validator, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	s := &Server{
		cfg:       cfg,
		sync:      sync,
		accounts:  accounts,
		validator: v,
		logger:    logger.Named("api"),
		router:    chi.NewRouter(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(s.cfg.RequestTimeout))

	s.router.Get("/healthz", s.HandleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.Route("/routers", func(r chi.Router) {
		r.Post("/test", s.HandleTestTarget)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/test", s.HandleTestRouter)
			r.Post("/import", s.HandleImportScan)
			r.Post("/import/save", s.HandleImportSave)
			r.Post("/resync", s.HandleResync)
			r.Get("/speed-plans", s.HandleListSpeedPlans)
			r.Post("/speed-plans", s.HandleCreateSpeedPlan)
		})
	})

	s.router.Delete("/speed-plans/{id}", s.HandleDeleteSpeedPlan)

	s.router.Route("/accounts", func(r chi.Router) {
		r.Post("/", s.HandleCreateAccount)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/toggle", s.HandleToggle)
			r.Post("/recharge", s.HandleRecharge)
			r.Put("/expiry", s.HandleUpdateExpiry)
			r.Put("/password", s.HandleChangePassword)
		})
	})
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped unexpectedly", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// requestLogger logs each request with its chi request id
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		s.logger.Info("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
