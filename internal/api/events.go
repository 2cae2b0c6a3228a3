package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"wrenflow/pkg/history"
)

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.history.Since(r.Context(), r.PathValue("id"), r.URL.Query().Get("after"), queryInt(r, "limit", 0))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(w, 200, events)
}

// handleHistoryStream pushes a task's transitions as server-sent events
// until the task reaches a terminal state or the client goes away.
func (s *Server) handleHistoryStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, 500, "streaming not supported")
		return
	}

	ctx := r.Context()
	taskID := r.PathValue("id")
	lastID := r.URL.Query().Get("after")

	// subscribe before reading the backlog so nothing falls in between
	ch := s.history.Subscribe(taskID)
	defer s.history.Unsubscribe(ch)

	backlog, err := s.history.Since(ctx, taskID, lastID, 0)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	flusher.Flush()

	send := func(e *history.Event) (done bool) {
		if lastID != "" && e.ID <= lastID {
			return false // already sent from the backlog
		}
		lastID = e.ID
		fmt.Fprintf(w, "id: %s\ndata: ", e.ID)
		if err := json.NewEncoder(w).Encode(e); err != nil {
			s.logger.Warn("SSE write", zap.String("task_id", taskID), zap.Error(err))
		}
		fmt.Fprintf(w, "\n")
		flusher.Flush()
		return e.To.IsTerminal()
	}

	for i := range backlog {
		if send(&backlog[i]) {
			return
		}
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			if send(e) {
				return
			}
		case <-ticker.C:
			fmt.Fprintf(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}
