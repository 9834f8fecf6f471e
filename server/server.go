// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"reply-monitor/pkg/replier"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"ago": func(t time.Time) string { return time.Since(t).Round(time.Minute).String() },
}).ParseFS(templateFS, "tmpl/*.tmpl"))

// Runner runs the pipeline and manages the pending queue.
type Runner interface {
	Run(ctx context.Context) (*replier.RunSummary, error)
	Running() bool
	Pending(ctx context.Context) ([]*replier.CandidateReply, error)
	Decide(ctx context.Context, id string, v replier.Verdict) (*replier.CandidateReply, error)
}

// Summaries loads the latest run summary.
type Summaries interface {
	LoadSummary(ctx context.Context) (*replier.RunSummary, error)
}

// Server handles HTTP requests.
type Server struct {
	runner     Runner
	summaries  Summaries
	logger     *slog.Logger
	adminToken string
}

// Config holds server configuration. Summaries is optional. An empty
// AdminToken leaves the mutating endpoints open.
type Config struct {
	Runner     Runner
	Summaries  Summaries
	Logger     *slog.Logger
	AdminToken string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		runner:     cfg.Runner,
		summaries:  cfg.Summaries,
		logger:     cfg.Logger,
		adminToken: cfg.AdminToken,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/review", s.handleReviewPage)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/pollz", s.handlePoll)
		r.Post("/review/{id}/approve", s.handleDecide(replier.VerdictApproved))
		r.Post("/review/{id}/reject", s.handleDecide(replier.VerdictRejected))
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	if s.adminToken == "" {
		s.logger.Warn("ADMIN_TOKEN not set, mutating endpoints are unauthenticated")
	}

	// Configure server with timeouts to prevent resource exhaustion
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down HTTP server")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
		next.ServeHTTP(w, r)
	})
}

// requireToken accepts the admin token as a bearer header or, for the review
// page forms, as a "token" form field.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.FormValue("token")
		const prefix = "Bearer "
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
			token = auth[len(prefix):]
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			s.logger.Warn("Rejected unauthenticated request", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"running": s.runner.Running()}
	if s.summaries != nil {
		sum, err := s.summaries.LoadSummary(r.Context())
		switch {
		case err == nil:
			resp["last_run"] = sum
		case errors.Is(err, replier.ErrNotFound):
		default:
			s.logger.Warn("Failed to load run summary", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePoll starts a run in the background. The run outlives the request.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if s.runner.Running() {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "running"})
		return
	}

	s.logger.Info("Poll endpoint triggered")
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if _, err := s.runner.Run(ctx); err != nil {
			s.logger.Error("Triggered run failed", "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleDecide(v replier.Verdict) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		c, err := s.runner.Decide(r.Context(), id, v)
		if err != nil {
			if errors.Is(err, replier.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "candidate not found"})
				return
			}
			s.logger.Error("Failed to record verdict", "candidate_id", id, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not record verdict"})
			return
		}

		if strings.Contains(r.Header.Get("Accept"), "text/html") {
			http.Redirect(w, r, "/review", http.StatusSeeOther)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *Server) handleReviewPage(w http.ResponseWriter, r *http.Request) {
	pending, err := s.runner.Pending(r.Context())
	if err != nil {
		s.logger.Error("Failed to list pending candidates", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	data := struct {
		Candidates []*replier.CandidateReply
		NeedToken  bool
	}{
		Candidates: pending,
		NeedToken:  s.adminToken != "",
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templates.ExecuteTemplate(w, "review.tmpl", data); err != nil {
		s.logger.Error("Failed to render template", "template", "review.tmpl", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}
