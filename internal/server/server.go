// Package server provides the HTTP server setup and wiring.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pendergraft/sorobanregistry/internal/auth"
	"github.com/pendergraft/sorobanregistry/internal/config"
	incidentsDomain "github.com/pendergraft/sorobanregistry/internal/incidents/domain"
	incidentsTransport "github.com/pendergraft/sorobanregistry/internal/incidents/transport"
	indexerDomain "github.com/pendergraft/sorobanregistry/internal/indexer/domain"
	indexerTransport "github.com/pendergraft/sorobanregistry/internal/indexer/transport"
	"github.com/pendergraft/sorobanregistry/internal/middleware/logging"
	"github.com/pendergraft/sorobanregistry/internal/middleware/ratelimit"
	"github.com/pendergraft/sorobanregistry/internal/middleware/realip"
	"github.com/pendergraft/sorobanregistry/internal/observability/metrics"
	"github.com/pendergraft/sorobanregistry/internal/storage"
	verificationDomain "github.com/pendergraft/sorobanregistry/internal/verification/domain"
	verificationTransport "github.com/pendergraft/sorobanregistry/internal/verification/transport"
)

// readinessChecker reports whether the indexer is serving fresh data
type readinessChecker interface {
	Ready() bool
}

// Server is the HTTP server
type Server struct {
	cfg    *config.Config
	store  storage.Store
	logger *slog.Logger
	router *chi.Mux

	// Services typed via transport interfaces
	indexerSvc      indexerTransport.Service
	verificationSvc verificationTransport.Service
	incidentsSvc    incidentsTransport.Service
	readiness       readinessChecker

	resolver *realip.Resolver
	stops    []func()
}

// New creates a new server
func New(cfg *config.Config, store storage.Store, comps *Components, logger *slog.Logger) (*Server, error) {
	resolver, err := realip.New(realip.Config{
		TrustProxy:     cfg.Server.TrustProxy,
		TrustedProxies: cfg.Server.TrustedProxies,
	})
	if err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		router:   chi.NewRouter(),
		resolver: resolver,

		indexerSvc:      indexerDomain.LoggingMiddleware(logger)(comps.Indexer),
		verificationSvc: verificationDomain.LoggingMiddleware(logger)(comps.Verification),
		incidentsSvc:    incidentsDomain.LoggingMiddleware(logger)(comps.Coordinator),
		readiness:       comps.Indexer,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close stops the rate limiter sweeps
func (s *Server) Close() {
	for _, stop := range s.stops {
		stop()
	}
}

func (s *Server) setupMiddleware() {
	// client address first; the limiter and request log key on it
	s.router.Use(s.resolver.Middleware())

	limit, stop := ratelimit.Middleware("api", ratelimit.Config{
		Enabled:   s.cfg.RateLimit.Enabled,
		PerMinute: s.cfg.RateLimit.RequestsPerMin,
		Burst:     s.cfg.RateLimit.BurstSize,
		IdleTTL:   time.Duration(s.cfg.RateLimit.CleanupMinutes) * time.Minute,
	})
	s.stops = append(s.stops, stop)
	s.router.Use(limit)

	s.router.Use(middleware.RequestID)
	s.router.Use(logging.Middleware(s.logger))
	s.router.Use(metrics.Middleware)
	s.router.Use(middleware.Recoverer)
	if s.cfg.Server.RequestTimeout > 0 {
		s.router.Use(timeoutExceptBuilds(time.Duration(s.cfg.Server.RequestTimeout) * time.Second))
	}
	s.router.Use(middleware.Compress(5, "application/json"))
	s.router.Use(s.cors)
}

// timeoutExceptBuilds bounds request time. Verification submissions wait on
// a build and are bounded by the sandbox instead.
func timeoutExceptBuilds(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		timed := middleware.Timeout(d)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/verifications") {
				next.ServeHTTP(w, r)
				return
			}
			timed.ServeHTTP(w, r)
		})
	}
}

func (s *Server) cors(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.Server.AllowedOrigins))
	for _, o := range s.cfg.Server.AllowedOrigins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowed["*"]:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)
	if metrics.Enabled() {
		s.router.Handle("/metrics", metrics.Handler())
	}

	indexerHandler := indexerTransport.NewHandler(s.indexerSvc)
	verificationHandler := verificationTransport.NewHandler(s.verificationSvc, int64(s.cfg.Server.MaxBodySizeMB)<<20)
	incidentsHandler := incidentsTransport.NewHandler(s.incidentsSvc)

	requireAuth := func(r chi.Router) {
		if s.cfg.Auth.Type == "api-key" {
			r.Use(auth.Middleware(s.store, writeError))
		}
	}

	buildLimit, stop := ratelimit.Middleware("build", ratelimit.Config{
		Enabled:   s.cfg.RateLimit.Enabled,
		PerMinute: s.cfg.RateLimit.BuildsPerMin,
		Burst:     s.cfg.RateLimit.BuildBurst,
		IdleTTL:   time.Duration(s.cfg.RateLimit.CleanupMinutes) * time.Minute,
	})
	s.stops = append(s.stops, stop)

	s.router.Route("/api/v1", func(r chi.Router) {
		indexerHandler.RegisterReadRoutes(r)
		verificationHandler.RegisterReadRoutes(r)

		r.Group(func(r chi.Router) {
			requireAuth(r)
			r.Get("/auth/whoami", s.handleWhoAmI)
		})

		r.Group(func(r chi.Router) {
			requireAuth(r)
			r.Use(buildLimit)
			verificationHandler.RegisterWriteRoutes(r)
		})

		r.Route("/incidents", func(r chi.Router) {
			incidentsHandler.RegisterReadRoutes(r)
			r.Group(func(r chi.Router) {
				requireAuth(r)
				incidentsHandler.RegisterWriteRoutes(r)
			})
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady fails when the store is unreachable or every indexed network
// is degraded.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness: store unreachable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", "storage unavailable")
		return
	}
	if !s.readiness.Ready() {
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", "indexer degraded on all networks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleWhoAmI echoes the key that authenticated the request. Clients use it
// to check credentials before saving them.
func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	key := auth.GetAPIKeyFromContext(r.Context())
	if key == nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"keyId":         key.ID,
		"name":          key.Name,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
