package api

import (
	"net/http"

	"wrenflow/pkg/orchestrator"
	"wrenflow/pkg/task"
)

func (s *Server) handleAskingCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string `json:"question"`
		ThreadID *int   `json:"thread_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	id, err := s.orch.CreateAskingTask(r.Context(), req.Question, req.ThreadID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 201, map[string]string{"id": id})
}

func (s *Server) handleAskingGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.orch.AskingTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleAskingCancel(w http.ResponseWriter, r *http.Request) {
	ok, err := s.orch.CancelAskingTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 200, map[string]bool{"success": ok})
}

func (s *Server) handleAskingRerun(w http.ResponseWriter, r *http.Request) {
	responseID, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	id, err := s.orch.RerunAskingTask(r.Context(), responseID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 201, map[string]string{"id": id})
}

func (s *Server) handleResponseCreate(w http.ResponseWriter, r *http.Request) {
	threadID, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Question     string `json:"question"`
		SQL          string `json:"sql"`
		AskingTaskID string `json:"asking_task_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.orch.CreateThreadResponse(r.Context(), threadID, req.Question, req.SQL, req.AskingTaskID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 201, resp)
}

func (s *Server) handleResponseGet(w http.ResponseWriter, r *http.Request) {
	responseID, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	resp, err := s.orch.ThreadResponse(r.Context(), responseID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 200, resp)
}

func (s *Server) handleChartGenerate(w http.ResponseWriter, r *http.Request) {
	responseID, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	resp, err := s.orch.GenerateThreadResponseChart(r.Context(), responseID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 200, resp)
}

func (s *Server) handleChartAdjust(w http.ResponseWriter, r *http.Request) {
	responseID, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	var in task.ChartAdjustInput
	if !decode(w, r, &in) {
		return
	}
	resp, err := s.orch.AdjustThreadResponseChart(r.Context(), responseID, in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 200, resp)
}

func (s *Server) handleChartGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.orch.ChartTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleChartCancel(w http.ResponseWriter, r *http.Request) {
	ok, err := s.orch.CancelChartTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 200, map[string]bool{"success": ok})
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	responseID, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	var req orchestrator.AdjustmentRequest
	if !decode(w, r, &req) {
		return
	}
	adj, err := orchestrator.ParseAdjustment(req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	t, err := s.orch.AdjustThreadResponse(r.Context(), responseID, adj)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 201, t)
}

func (s *Server) handleAdjustRerun(w http.ResponseWriter, r *http.Request) {
	responseID, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	t, err := s.orch.RerunAdjustmentTask(r.Context(), responseID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 201, t)
}

func (s *Server) handleAdjustmentGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.orch.AdjustmentTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleAdjustmentCancel(w http.ResponseWriter, r *http.Request) {
	ok, err := s.orch.CancelAdjustmentTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 200, map[string]bool{"success": ok})
}

func (s *Server) handleAnswerGenerate(w http.ResponseWriter, r *http.Request) {
	responseID, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	resp, err := s.orch.GenerateThreadResponseAnswer(r.Context(), responseID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 200, resp)
}

func (s *Server) handleAnswerGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.orch.AnswerTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleAnswerCancel(w http.ResponseWriter, r *http.Request) {
	ok, err := s.orch.CancelAnswerTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 200, map[string]bool{"success": ok})
}

func (s *Server) handleRecommendCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ThreadID          *int     `json:"thread_id"`
		PreviousQuestions []string `json:"previous_questions"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	id, err := s.orch.GenerateRecommendedQuestions(r.Context(), req.ThreadID, req.PreviousQuestions)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 201, map[string]string{"id": id})
}

func (s *Server) handleRecommendGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.orch.RecommendationTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleRecommendCancel(w http.ResponseWriter, r *http.Request) {
	ok, err := s.orch.CancelRecommendationTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, 200, map[string]bool{"success": ok})
}
