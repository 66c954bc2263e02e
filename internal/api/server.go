// Package api exposes the engine's control surface over HTTP: execution
// status, termination, emergency stop and trigger management. Definition
// create/edit flows live elsewhere; this surface only drives the engine.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pushpilot/internal/engine"
	"pushpilot/pkg/logx"
)

// HealthProber reports reachability of one external collaborator.
type HealthProber interface {
	Healthy(ctx context.Context) error
}

type Server struct {
	eng    *engine.Engine
	log    logx.Logger
	probes map[string]HealthProber
}

func NewServer(eng *engine.Engine, probes map[string]HealthProber, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{eng: eng, log: log, probes: probes}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/health/services", s.handleServiceHealth)

	r.Route("/api/executions", func(r chi.Router) {
		r.Get("/", s.handleListExecutions)
		r.Get("/{id}", s.handleExecutionStatus)
		r.Post("/{id}/terminate", s.handleTerminate)
		r.Post("/{id}/emergency-stop", s.handleEmergencyStop)
	})

	r.Route("/api/automations/{id}/schedule", func(r chi.Router) {
		r.Post("/", s.handleReschedule)
		r.Delete("/", s.handleCancel)
	})

	return r
}

func (s *Server) handleListExecutions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.ActiveExecutions())
}

func (s *Server) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.eng.ExecutionStatus(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active execution"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type controlRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req controlRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "operator requested"
	}
	res := s.eng.TerminateExecution(id, req.Reason)
	writeResult(w, res)
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res := s.eng.EmergencyStop(id)
	writeResult(w, res)
}

func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res := s.eng.Reschedule(r.Context(), id)
	writeResult(w, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req controlRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "operator requested"
	}
	res := s.eng.Cancel(id, req.Reason)
	writeResult(w, res)
}

func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	out := map[string]string{}
	healthy := true
	for name, p := range s.probes {
		if err := p.Healthy(ctx); err != nil {
			out[name] = err.Error()
			healthy = false
			continue
		}
		out[name] = "ok"
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, out)
}

func writeResult(w http.ResponseWriter, res engine.Result) {
	code := http.StatusOK
	if !res.Success {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
