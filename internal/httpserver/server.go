package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vtu-engine/internal/metrics"
)

const (
	userHeader = "X-User-ID"
	cronHeader = "X-Cron-Secret"
)

// Config holds listener and request policy settings.
type Config struct {
	Addr       string
	BasePath   string
	CronSecret string
	// RatePerSecond and RateBurst bound each user's request rate; zero disables limiting.
	RatePerSecond float64
	RateBurst     int
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	cfg        Config
	limiter    *userLimiter
}

// New creates a new HTTP server. Handlers left nil are not mounted.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers) *Server {
	cfg.BasePath = normaliseBasePath(cfg.BasePath)
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		handlers: handlers,
		cfg:      cfg,
	}
	if cfg.RatePerSecond > 0 {
		server.limiter = newUserLimiter(cfg.RatePerSecond, cfg.RateBurst, 10*time.Minute)
	}

	router := mux.NewRouter()
	router.Use(server.instrument)
	router.HandleFunc("/healthz", healthHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if handlers.VTUWebhook != nil {
		router.Handle("/webhook/vtu", handlers.VTUWebhook).Methods(http.MethodPost)
	}

	api := router.PathPrefix("/v1").Subrouter()
	api.Use(server.requireUser, server.rateLimit)
	server.mountAPI(api)

	cron := router.PathPrefix("/internal/cron").Subrouter()
	cron.Use(server.requireCronSecret)
	server.mountCron(cron)

	server.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mountWithBasePath(cfg.BasePath, router),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.BasePath != "" {
		server.logger.Info("http server configured with base path", "base_path", cfg.BasePath)
	}

	return server
}

// Handler returns the root handler including the base path mount.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	if s.limiter != nil {
		s.limiter.stop()
	}
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.metrics == nil {
			return
		}
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID(r) == "" {
			writeStatus(w, http.StatusUnauthorized, map[string]string{"error": "missing " + userHeader})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.allow(userID(r)) {
			w.Header().Set("Retry-After", "1")
			writeStatus(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(cronHeader)
		if s.cfg.CronSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.CronSecret)) != 1 {
			writeStatus(w, http.StatusUnauthorized, map[string]string{"error": "invalid cron secret"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(userHeader))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, data any) {
	writeStatus(w, http.StatusOK, data)
}

func writeStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
