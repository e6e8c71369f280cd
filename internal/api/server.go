// Package api exposes the generation pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/trip-planner/internal/dispatch"
	"github.com/sells-group/trip-planner/internal/provider"
	"github.com/sells-group/trip-planner/internal/resilience"
	"github.com/sells-group/trip-planner/internal/store"
	"github.com/sells-group/trip-planner/internal/workflow"
)

const (
	headerPrincipal    = "X-Principal-ID"
	headerServiceToken = "X-Service-Token"
	maxBodyBytes       = 1 << 20
)

// Orchestrator is the subset of workflow.Orchestrator the API calls.
type Orchestrator interface {
	Submit(ctx context.Context, p store.Principal, req workflow.GenerateRequest) (*workflow.Accepted, error)
	Status(ctx context.Context, p store.Principal, workflowID string) (*workflow.StatusView, error)
	Fail(ctx context.Context, workflowID, detail string) error
	FlushSession(ctx context.Context, p store.Principal, sessionID string) error
	Usage(ctx context.Context, p store.Principal, sessionID string) (*workflow.UsageReport, error)
}

// Config controls the HTTP surface.
type Config struct {
	// ServiceToken, when set, grants the service principal to requests
	// presenting it.
	ServiceToken   string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Server wires handlers to the orchestrator and dispatcher.
type Server struct {
	orch     Orchestrator
	disp     dispatch.Dispatcher
	registry *provider.Registry
	health   *resilience.HealthRegistry
	cfg      Config
}

// NewServer creates a Server. registry and health may be nil, in which case
// /providers reports an empty list.
func NewServer(orch Orchestrator, disp dispatch.Dispatcher, registry *provider.Registry, health *resilience.HealthRegistry, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Server{orch: orch, disp: disp, registry: registry, health: health, cfg: cfg}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	r.Use(requestLogger)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", headerPrincipal, headerServiceToken},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/providers", s.handleProviders)
	r.Post("/generate", s.handleGenerate)
	r.Get("/status/{workflowId}", s.handleStatus)
	r.Route("/sessions/{sessionId}", func(r chi.Router) {
		r.Delete("/", s.handleFlushSession)
		r.Get("/usage", s.handleUsage)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) principal(r *http.Request) store.Principal {
	if s.cfg.ServiceToken != "" && r.Header.Get(headerServiceToken) == s.cfg.ServiceToken {
		return store.ServicePrincipal
	}
	return store.Principal{ID: r.Header.Get(headerPrincipal)}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type providerView struct {
	Name   string                    `json:"name"`
	Kind   provider.Kind             `json:"kind"`
	Class  provider.Class            `json:"class"`
	Model  string                    `json:"model"`
	Health resilience.ProviderHealth `json:"health"`
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	out := []providerView{}
	if s.registry != nil {
		for _, p := range s.registry.Default() {
			v := providerView{Name: p.Name(), Kind: p.Kind(), Class: p.Class(), Model: p.Model()}
			if s.health != nil {
				v.Health = s.health.Health(p.Name())
			} else {
				v.Health = resilience.ProviderHealth{Name: p.Name()}
			}
			out = append(out, v)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req workflow.GenerateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, resilience.NewValidationError("body", "invalid JSON"))
		return
	}

	acc, err := s.orch.Submit(r.Context(), s.principal(r), req)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.disp.Dispatch(r.Context(), acc.WorkflowID); err != nil {
		zap.L().Error("api: enqueue failed", zap.String("workflow_id", acc.WorkflowID), zap.Error(err))
		if ferr := s.orch.Fail(context.WithoutCancel(r.Context()), acc.WorkflowID, "enqueue failed: "+err.Error()); ferr != nil {
			zap.L().Error("api: mark workflow failed", zap.String("workflow_id", acc.WorkflowID), zap.Error(ferr))
		}
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to schedule workflow", WorkflowID: acc.WorkflowID})
		return
	}
	writeJSON(w, http.StatusAccepted, acc)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.Status(r.Context(), s.principal(r), chi.URLParam(r, "workflowId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleFlushSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.FlushSession(r.Context(), s.principal(r), chi.URLParam(r, "sessionId")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	rep, err := s.orch.Usage(r.Context(), s.principal(r), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type errorBody struct {
	Error      string `json:"error"`
	WorkflowID string `json:"workflowId,omitempty"`
}

// writeError maps the error taxonomy onto status codes. Records the caller
// may not see are reported as missing.
func writeError(w http.ResponseWriter, err error) {
	var invalid *resilience.ValidationError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: invalid.Error()})
	case errors.Is(err, resilience.ErrNotFound), errors.Is(err, resilience.ErrForbidden):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	default:
		zap.L().Error("api: internal error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}
