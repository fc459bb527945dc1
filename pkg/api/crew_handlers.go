package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tcmartin/crewrunner/pkg/logging"
	"github.com/tcmartin/crewrunner/pkg/models"
)

// executionResponse is returned when an execution is accepted
type executionResponse struct {
	ExecutionID string    `json:"execution_id"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	StartedAt   time.Time `json:"started_at"`
}

// statusResponse is the public view of an execution record
type statusResponse struct {
	ExecutionID  string                 `json:"execution_id"`
	Status       models.ExecutionStatus `json:"status"`
	Progress     float64                `json:"progress"`
	CurrentAgent *string                `json:"current_agent"`
	CurrentTask  *string                `json:"current_task"`
	Output       string                 `json:"output"`
	Error        *string                `json:"error"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at"`
	StepIndex    int                    `json:"step_index"`
	TotalSteps   int                    `json:"total_steps"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req models.ExecutionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	id, err := s.deps.Runner.Start(req)
	if err != nil {
		s.deps.Logger.Error("Failed to start execution", logging.Err(err))
		writeError(w, http.StatusServiceUnavailable, "Failed to start crew execution: "+err.Error())
		return
	}

	startedAt := time.Now().UTC()
	if exec, ok := s.deps.Runner.Registry().Get(id); ok {
		startedAt = exec.StartedAt
	}
	writeJSON(w, http.StatusOK, executionResponse{
		ExecutionID: id,
		Status:      string(models.StatusPending),
		Message:     "Crew execution started",
		StartedAt:   startedAt,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.deps.Runner.Registry().Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "Execution not found")
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		ExecutionID:  exec.ID,
		Status:       exec.Status,
		Progress:     exec.Progress,
		CurrentAgent: optional(exec.CurrentAgent),
		CurrentTask:  optional(exec.CurrentTask),
		Output:       exec.Output,
		Error:        optional(exec.Error),
		StartedAt:    exec.StartedAt,
		CompletedAt:  exec.CompletedAt,
		StepIndex:    exec.StepIndex,
		TotalSteps:   exec.TotalSteps,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Runner.Registry().History())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.deps.Runner.Cancel(id) {
		writeError(w, http.StatusNotFound, "Execution not found or cannot be cancelled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Execution " + id + " cancelled successfully",
	})
}

// handleEvents streams an execution's updates as server-sent events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.deps.Runner.Registry().Get(id); !ok {
		writeError(w, http.StatusNotFound, "Execution not found")
		return
	}
	if s.deps.Events == nil {
		writeError(w, http.StatusNotImplemented, "Event streaming is disabled")
		return
	}
	s.deps.Events.ServeExecution(w, r, id)
}
