// Package api exposes the task and dashboard operations over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"wrenflow/pkg/dashboard"
	"wrenflow/pkg/history"
	"wrenflow/pkg/orchestrator"
	"wrenflow/pkg/task"
	"wrenflow/pkg/thread"
)

// Server is the HTTP API server.
type Server struct {
	orch       *orchestrator.Orchestrator
	dashboards *dashboard.Service
	history    *history.Bus
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates a new Server.
func New(orch *orchestrator.Orchestrator, dashboards *dashboard.Service, hist *history.Bus, logger *zap.Logger) *Server {
	s := &Server{
		orch:       orch,
		dashboards: dashboards,
		history:    hist,
		logger:     logger,
		mux:        http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Asking
	s.mux.HandleFunc("POST /api/asking-tasks", s.handleAskingCreate)
	s.mux.HandleFunc("GET /api/asking-tasks/{id}", s.handleAskingGet)
	s.mux.HandleFunc("POST /api/asking-tasks/{id}/cancel", s.handleAskingCancel)

	// Thread responses
	s.mux.HandleFunc("POST /api/threads/{id}/responses", s.handleResponseCreate)
	s.mux.HandleFunc("GET /api/responses/{id}", s.handleResponseGet)
	s.mux.HandleFunc("POST /api/responses/{id}/rerun", s.handleAskingRerun)
	s.mux.HandleFunc("POST /api/responses/{id}/chart", s.handleChartGenerate)
	s.mux.HandleFunc("POST /api/responses/{id}/chart/adjust", s.handleChartAdjust)
	s.mux.HandleFunc("POST /api/responses/{id}/answer", s.handleAnswerGenerate)
	s.mux.HandleFunc("POST /api/responses/{id}/adjust", s.handleAdjust)
	s.mux.HandleFunc("POST /api/responses/{id}/adjust/rerun", s.handleAdjustRerun)

	// Adjustment, chart and answer tasks
	s.mux.HandleFunc("GET /api/adjustment-tasks/{id}", s.handleAdjustmentGet)
	s.mux.HandleFunc("POST /api/adjustment-tasks/{id}/cancel", s.handleAdjustmentCancel)
	s.mux.HandleFunc("GET /api/chart-tasks/{id}", s.handleChartGet)
	s.mux.HandleFunc("POST /api/chart-tasks/{id}/cancel", s.handleChartCancel)
	s.mux.HandleFunc("GET /api/answer-tasks/{id}", s.handleAnswerGet)
	s.mux.HandleFunc("POST /api/answer-tasks/{id}/cancel", s.handleAnswerCancel)

	// Recommended questions
	s.mux.HandleFunc("POST /api/recommendation-tasks", s.handleRecommendCreate)
	s.mux.HandleFunc("GET /api/recommendation-tasks/{id}", s.handleRecommendGet)
	s.mux.HandleFunc("POST /api/recommendation-tasks/{id}/cancel", s.handleRecommendCancel)

	// Task history
	s.mux.HandleFunc("GET /api/tasks/{id}/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/tasks/{id}/stream", s.handleHistoryStream)

	// Dashboards
	s.mux.HandleFunc("POST /api/dashboards", s.handleDashboardCreate)
	s.mux.HandleFunc("GET /api/dashboards/{id}", s.handleDashboardGet)
	s.mux.HandleFunc("PUT /api/dashboards/{id}/schedule", s.handleScheduleSet)
	s.mux.HandleFunc("POST /api/dashboards/{id}/items", s.handleItemCreate)
	s.mux.HandleFunc("DELETE /api/dashboard-items/{id}", s.handleItemDelete)
	s.mux.HandleFunc("POST /api/dashboard-items/{id}/preview", s.handleItemPreview)

	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps a domain error onto a status code.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var ve *orchestrator.ValidationError
	var ce *dashboard.ComputeError
	switch {
	case errors.As(err, &ve), errors.Is(err, dashboard.ErrInvalidInput):
		writeError(w, 400, err.Error())
	case errors.Is(err, task.ErrNotFound), errors.Is(err, thread.ErrNotFound), errors.Is(err, dashboard.ErrNotFound):
		writeError(w, 404, err.Error())
	case errors.As(err, &ce):
		writeError(w, 502, err.Error())
	default:
		s.logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, 500, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func pathInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	n, err := strconv.Atoi(r.PathValue(key))
	if err != nil {
		writeError(w, 400, key+" must be an integer")
		return 0, false
	}
	return n, true
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
