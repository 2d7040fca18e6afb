// Package webhook exposes the HTTP edge that receives trading-signal
// notifications and feeds them to the pipeline. It owns transport-level
// authentication (path token and shared secret) and the mapping from tagged
// pipeline errors to status codes; the pipeline never sees HTTP.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/davefell/capitalflow/internal/alert"
	"github.com/davefell/capitalflow/internal/pipeline"
)

// maxBodyBytes caps inbound webhook bodies.
const maxBodyBytes = 1 << 20

// Config contains webhook server settings.
type Config struct {
	Port int
	// PathToken must match the {token} URL segment when set.
	PathToken string
	// SharedSecret must match the alert's secret field when set.
	SharedSecret string
}

// Server is the webhook HTTP server.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	pipeline *pipeline.Pipeline
	logger   *logrus.Logger
	cfg      Config
}

// NewServer creates a webhook server around the given pipeline.
func NewServer(cfg Config, p *pipeline.Pipeline, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:   chi.NewRouter(),
		pipeline: p,
		logger:   logger,
		cfg:      cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Get("/health", s.handleHealth)
	s.router.Post("/webhook/{token}", s.handleWebhook)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Infof("Starting webhook server on port %d", s.cfg.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PathToken != "" && chi.URLParam(r, "token") != s.cfg.PathToken {
		s.writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	contentType := r.Header.Get("Content-Type")

	// Secret check happens entirely at the edge: peek at the normalized
	// fields without validating the rest of the alert.
	if s.cfg.SharedSecret != "" {
		fields := alert.Normalize(body, contentType)
		secret, _ := fields["secret"].(string)
		if secret != s.cfg.SharedSecret {
			s.writeError(w, http.StatusUnauthorized, "invalid secret")
			return
		}
	}

	result, err := s.pipeline.HandleAlert(r.Context(), body, contentType)
	if err != nil {
		status := http.StatusBadGateway
		kind := pipeline.KindBroker
		var perr *pipeline.Error
		if errors.As(err, &perr) {
			kind = perr.Kind
			if perr.Kind == pipeline.KindValidation {
				status = http.StatusBadRequest
			}
		}
		s.writeJSON(w, status, map[string]any{
			"status": "error",
			"kind":   kind,
			"detail": err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"symbol":      result.Symbol,
		"direction":   result.Direction,
		"sized_qty":   result.Quantity,
		"entry_price": result.EntryPrice,
		"stop_level":  result.StopLevel,
		"confirm":     result.Confirmation,
	})
}

func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]any{"status": "error", "detail": detail})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
