// Package execution tracks long-running crew executions: the registry that
// owns every record and its state machine, the dispatcher that fans record
// mutations out to subscribers, and the runner that drives the external task.
package execution

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/tcmartin/crewrunner/pkg/logging"
	"github.com/tcmartin/crewrunner/pkg/models"
)

// Errors returned by the registry
var (
	ErrExecutionExists = errors.New("execution already exists")
)

// maxActiveProgress is the ceiling for a non-terminal record; 1.0 is reserved
// for the terminal transition.
const maxActiveProgress = 0.99

// Notifier is told about every applied mutation. Implementations must not block.
type Notifier interface {
	Notify(executionID string, payload interface{})
}

// Registry owns all execution records. One instance is created per process
// and shared by the runner, the hub and the HTTP API.
type Registry struct {
	mu         sync.RWMutex
	executions map[string]*models.Execution
	order      []string

	notifier Notifier
	logger   logging.Logger
	now      func() time.Time
}

// NewRegistry creates an empty registry. A nil notifier disables notifications.
func NewRegistry(notifier Notifier, logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{
		executions: make(map[string]*models.Execution),
		notifier:   notifier,
		logger:     logger,
		now:        time.Now,
	}
}

// Create inserts a pending record. A duplicate id is rejected with
// ErrExecutionExists and the existing record is left untouched.
func (r *Registry) Create(id string, request models.ExecutionRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executions[id]; exists {
		return ErrExecutionExists
	}

	r.executions[id] = &models.Execution{
		ID:        id,
		Status:    models.StatusPending,
		Progress:  0.0,
		StartedAt: r.now(),
		Request:   request.Clone(),
	}
	r.order = append(r.order, id)

	r.logger.LogExecution(id, "created", map[string]interface{}{"mode": request.ExecutionMode})
	return nil
}

// Update merges patch into the record and notifies subscribers with the
// fields that were actually applied. It returns false, changing nothing, when
// the id is unknown or the record is already terminal.
//
// Status may only advance pending -> running here; terminal states are reached
// through Complete and Cancel. Progress never decreases and stays below 1.0
// until the record terminates. A NaN progress value is ignored.
func (r *Registry) Update(id string, patch models.ExecutionPatch) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.executions[id]
	if !ok || exec.Status.IsTerminal() {
		return false
	}

	var applied models.ExecutionPatch

	if patch.Status != nil {
		next := *patch.Status
		if next == exec.Status || (exec.Status == models.StatusPending && next == models.StatusRunning) {
			exec.Status = next
			applied = applied.WithStatus(next)
		} else {
			r.logger.Warn("ignoring invalid status transition",
				logging.F("execution_id", id),
				logging.F("from", string(exec.Status)),
				logging.F("to", string(next)))
		}
	}
	if patch.Progress != nil && !math.IsNaN(*patch.Progress) {
		progress := *patch.Progress
		if progress > maxActiveProgress {
			progress = maxActiveProgress
		}
		if progress < exec.Progress {
			progress = exec.Progress
		}
		exec.Progress = progress
		applied = applied.WithProgress(progress)
	}
	if patch.CurrentAgent != nil {
		exec.CurrentAgent = *patch.CurrentAgent
		applied.CurrentAgent = patch.CurrentAgent
	}
	if patch.CurrentTask != nil {
		exec.CurrentTask = *patch.CurrentTask
		applied.CurrentTask = patch.CurrentTask
	}
	if patch.StepIndex != nil {
		exec.StepIndex = *patch.StepIndex
		applied.StepIndex = patch.StepIndex
	}
	if patch.TotalSteps != nil {
		exec.TotalSteps = *patch.TotalSteps
		applied.TotalSteps = patch.TotalSteps
	}
	if patch.StepStatus != nil {
		exec.StepStatus = *patch.StepStatus
		applied.StepStatus = patch.StepStatus
	}

	if !applied.IsEmpty() {
		r.notify(id, applied)
	}
	return true
}

// Complete terminalizes the record as completed, or failed when errText is
// non-empty, and sends the completion marker after the field update.
func (r *Registry) Complete(id string, output string, errText string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.executions[id]
	if !ok || exec.Status.IsTerminal() {
		return false
	}

	status := models.StatusCompleted
	var errPtr *string
	if errText != "" {
		status = models.StatusFailed
		errPtr = &errText
	}
	completedAt := r.now()

	exec.Status = status
	exec.Progress = 1.0
	exec.Output = output
	exec.Error = errText
	exec.CompletedAt = &completedAt

	r.notify(id, map[string]interface{}{
		"status":       status,
		"progress":     1.0,
		"output":       output,
		"error":        errPtr,
		"completed_at": completedAt,
	})
	r.notify(id, models.CompletionUpdate{
		Type:        models.UpdateTypeCompletion,
		Status:      status,
		Output:      output,
		Error:       errPtr,
		CompletedAt: completedAt,
	})

	r.logger.LogExecution(id, string(status), map[string]interface{}{"error": errText})
	return true
}

// Cancel moves a pending or running record to cancelled. It returns false
// for unknown ids and for records that are already terminal, so at most one
// call per record ever succeeds.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.executions[id]
	if !ok || !exec.Status.IsActive() {
		return false
	}

	cancelledAt := r.now()
	task := "Execution cancelled by user"

	exec.Status = models.StatusCancelled
	exec.Progress = 1.0
	exec.CurrentTask = task
	exec.CompletedAt = &cancelledAt

	r.notify(id, map[string]interface{}{
		"status":       models.StatusCancelled,
		"progress":     1.0,
		"current_task": task,
		"completed_at": cancelledAt,
	})
	r.notify(id, models.CancellationUpdate{
		Type:        models.UpdateTypeCancellation,
		Status:      models.StatusCancelled,
		Message:     task,
		CancelledAt: cancelledAt,
	})

	r.logger.LogExecution(id, "cancelled", nil)
	return true
}

// Get returns a copy of the record.
func (r *Registry) Get(id string) (models.Execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executions[id]
	if !ok {
		return models.Execution{}, false
	}
	return copyExecution(exec), true
}

// Status returns the current status of a record.
func (r *Registry) Status(id string) (models.ExecutionStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executions[id]
	if !ok {
		return "", false
	}
	return exec.Status, true
}

// History lists every known record in insertion order.
func (r *Registry) History() []models.ExecutionSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]models.ExecutionSummary, 0, len(r.order))
	for _, id := range r.order {
		exec := r.executions[id]
		s := exec.Summary()
		if exec.CompletedAt != nil {
			t := *exec.CompletedAt
			s.CompletedAt = &t
		}
		summaries = append(summaries, s)
	}
	return summaries
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executions)
}

// Prune evicts terminal records that completed more than olderThan ago and
// returns how many were removed. Active records are never evicted. A
// non-positive olderThan keeps everything.
func (r *Registry) Prune(olderThan time.Duration) int {
	if olderThan <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-olderThan)
	kept := r.order[:0]
	removed := 0
	for _, id := range r.order {
		exec := r.executions[id]
		if exec.Status.IsTerminal() && exec.CompletedAt != nil && exec.CompletedAt.Before(cutoff) {
			delete(r.executions, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept

	if removed > 0 {
		r.logger.Info("pruned execution records", logging.F("removed", removed))
	}
	return removed
}

// notify must be called with r.mu held so notifications for one record are
// enqueued in mutation order.
func (r *Registry) notify(id string, payload interface{}) {
	if r.notifier == nil {
		return
	}
	r.notifier.Notify(id, payload)
}

func copyExecution(exec *models.Execution) models.Execution {
	c := *exec
	if exec.CompletedAt != nil {
		t := *exec.CompletedAt
		c.CompletedAt = &t
	}
	c.Request = exec.Request.Clone()
	return c
}
