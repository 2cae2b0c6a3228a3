package api

import (
	"net/http"

	"wrenflow/pkg/cache"
	"wrenflow/pkg/dashboard"
)

func (s *Server) handleDashboardCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, 400, "name is required")
		return
	}
	d, err := s.dashboards.CreateDashboard(r.Context(), req.Name)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 201, d)
}

func (s *Server) handleDashboardGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	d, err := s.dashboards.Dashboard(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 200, d)
}

func (s *Server) handleScheduleSet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		CacheEnabled bool            `json:"cache_enabled"`
		Schedule     *cache.Schedule `json:"schedule"`
	}
	if !decode(w, r, &req) {
		return
	}
	d, err := s.dashboards.SetSchedule(r.Context(), id, req.CacheEnabled, req.Schedule)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 200, d)
}

func (s *Server) handleItemCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	var it dashboard.Item
	if !decode(w, r, &it) {
		return
	}
	it.DashboardID = id
	created, err := s.dashboards.CreateItem(r.Context(), &it)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 201, created)
}

func (s *Server) handleItemDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	if err := s.dashboards.DeleteItem(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleItemPreview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Limit   int  `json:"limit"`
		Refresh bool `json:"refresh"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	p, err := s.dashboards.PreviewItem(r.Context(), id, req.Limit, req.Refresh)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 200, p)
}
