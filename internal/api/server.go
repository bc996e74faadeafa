// Package api exposes the administrative HTTP interface: per-source scheduler
// control, item reprocessing, and brief generation.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"newsbrief/internal/brief"
	"newsbrief/internal/config"
	"newsbrief/internal/ingest"
	"newsbrief/internal/scheduler"
	"newsbrief/internal/telemetry"
)

// SourceControl is the per-source actor control surface.
type SourceControl interface {
	Initialize(ctx context.Context, sourceID int64) error
	TriggerNow(sourceID int64) error
	Status(sourceID int64) (scheduler.Status, error)
	Destroy(ctx context.Context, sourceID int64) error
}

// BriefGenerator runs one brief cycle.
type BriefGenerator interface {
	Generate(ctx context.Context, opts brief.GenerateOptions) (ingest.Report, error)
}

// Server wires HTTP handlers to the scheduler, stores, and brief assembler.
type Server struct {
	router  chi.Router
	control SourceControl
	items   ingest.ItemStore
	queue   ingest.QueueSender
	briefs  BriefGenerator
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	control SourceControl,
	items ingest.ItemStore,
	queue ingest.QueueSender,
	briefs BriefGenerator,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		control: control,
		items:   items,
		queue:   queue,
		briefs:  briefs,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sources/{source_id}", func(r chi.Router) {
			r.Post("/initialize", s.initializeSource)
			r.Post("/trigger", s.triggerSource)
			r.Get("/status", s.sourceStatus)
		})
		r.Delete("/sources/{source_id}", s.destroySource)
		r.Post("/items/reprocess", s.reprocessItems)
		r.Post("/briefs/generate", s.generateBrief)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func sourceID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "source_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid source id %q", raw)
	}
	return id, nil
}

func (s *Server) initializeSource(w http.ResponseWriter, r *http.Request) {
	id, err := sourceID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.control.Initialize(r.Context(), id); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"source_id": id, "status": "initialized"})
}

func (s *Server) triggerSource(w http.ResponseWriter, r *http.Request) {
	id, err := sourceID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.control.TriggerNow(id); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"source_id": id, "status": "triggered"})
}

func (s *Server) sourceStatus(w http.ResponseWriter, r *http.Request) {
	id, err := sourceID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := s.control.Status(id)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"source_id": id, "scheduler": status})
}

func (s *Server) destroySource(w http.ResponseWriter, r *http.Request) {
	id, err := sourceID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.control.Destroy(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"source_id": id, "status": "destroyed"})
}

type reprocessRequest struct {
	ItemIDs []int64 `json:"item_ids"`
}

// reprocessItems resets the given items to NEW and re-enqueues them. Only ids
// that actually existed are reset and forwarded.
func (s *Server) reprocessItems(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.ItemIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "item_ids is required")
		return
	}
	reset, err := s.items.ResetItems(r.Context(), req.ItemIDs)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(reset) > 0 {
		if err := s.queue.Send(r.Context(), reset); err != nil {
			s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("items reset but enqueue failed: %v", err))
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reset": len(reset), "item_ids": reset})
}

type generateBriefRequest struct {
	Force         bool `json:"force"`
	HoursLookback int  `json:"hours_lookback"`
}

func (s *Server) generateBrief(w http.ResponseWriter, r *http.Request) {
	var req generateBriefRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	opts := brief.GenerateOptions{Force: req.Force}
	if req.HoursLookback > 0 {
		opts.Lookback = time.Duration(req.HoursLookback) * time.Hour
	}
	report, err := s.briefs.Generate(r.Context(), opts)
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"report_id":      report.ID,
		"title":          report.Title,
		"total_articles": report.TotalArticles,
		"used_articles":  report.UsedArticles,
		"tldr":           report.TLDR,
	})
}

func statusFor(err error) int {
	if errors.Is(err, scheduler.ErrNotInitialized) || errors.Is(err, ingest.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
