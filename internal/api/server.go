package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/set-night/taskescrow/internal/config"
	"github.com/set-night/taskescrow/internal/middleware"
)

type Server struct {
	router *mux.Router
	cors   *cors.Cors
	api    *Handler
	srv    *http.Server
}

// HealthFunc reports whether the server's backing store is reachable.
type HealthFunc func(ctx context.Context) error

func NewServer(cfg *config.Config, settlement Settlement, health HealthFunc) *Server {
	router := mux.NewRouter()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Accept", "Origin", "X-Requested-With"},
		AllowCredentials: false,
	})

	s := &Server{
		router: router,
		cors:   corsHandler,
		api:    NewHandler(settlement),
	}
	s.routes(s.api, health)

	s.srv = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      s.Handler(),
		ReadTimeout:  config.HTTPReadTimeout,
		WriteTimeout: config.HTTPWriteTimeout,
	}
	return s
}

func (s *Server) routes(h *Handler, health HealthFunc) {
	s.router.Use(middleware.RecoverHTTP, middleware.LoggingHTTP, middleware.Metrics)

	s.router.HandleFunc("/healthz", healthHandler(health)).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(mux.CORSMethodMiddleware(api))

	// Task routes
	api.HandleFunc("/tasks", h.CreateTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}", h.GetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/fund", h.FundTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/cancel", h.CancelTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/expire", h.ExpireTask).Methods(http.MethodPost)

	// Worker routes
	api.HandleFunc("/assignments", h.AssignNext).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/start", h.StartWork).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/submissions", h.SubmitWork).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/submissions", h.ListSubmissions).Methods(http.MethodGet)

	// Evaluation routes
	api.HandleFunc("/submissions/{id}", h.GetSubmission).Methods(http.MethodGet)
	api.HandleFunc("/submissions/{id}/evaluations", h.Evaluate).Methods(http.MethodPost)
	api.HandleFunc("/submissions/{id}/settle", h.Settle).Methods(http.MethodPost)

	api.HandleFunc("/reputation/{id}", h.GetReputation).Methods(http.MethodGet)
}

// Handler returns the routed API wrapped with CORS.
func (s *Server) Handler() http.Handler {
	return s.cors.Handler(s.router)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("starting http server", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func healthHandler(health HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		if health != nil {
			if err := health(r.Context()); err != nil {
				slog.Error("health check failed", "error", err)
				status = http.StatusServiceUnavailable
				body = map[string]string{"status": "degraded", "error": err.Error()}
			}
		}
		writeJSON(w, status, body)
	}
}
