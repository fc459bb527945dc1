package execution

import (
	"context"
	"time"

	"github.com/tcmartin/crewrunner/pkg/models"
)

// Tracker is the slice of the registry a progress source needs.
type Tracker interface {
	Status(id string) (models.ExecutionStatus, bool)
	Update(id string, patch models.ExecutionPatch) bool
}

// ProgressSource reports intermediate progress for a running execution.
// Track returns when the execution leaves the active states, when its steps
// are exhausted, or when ctx is cancelled.
type ProgressSource interface {
	Track(ctx context.Context, executionID string, tracker Tracker)
}

// ProgressFunc adapts a function to ProgressSource.
type ProgressFunc func(ctx context.Context, executionID string, tracker Tracker)

// Track calls f.
func (f ProgressFunc) Track(ctx context.Context, executionID string, tracker Tracker) {
	f(ctx, executionID, tracker)
}

// Step statuses reported by StepWalker
const (
	StepStatusStarted = "started"
)

// StepWalker is the default progress source. It walks a fixed step
// inventory on a timer and maps step i of n to 0.3 + 0.7*i/n.
type StepWalker struct {
	Steps    []Step
	Interval time.Duration
}

const (
	walkerFloor   = 0.3
	walkerDefault = 2 * time.Second
)

// NewStepWalker creates a walker; empty steps fall back to DefaultSteps and a
// non-positive interval to two seconds.
func NewStepWalker(steps []Step, interval time.Duration) *StepWalker {
	if len(steps) == 0 {
		steps = DefaultSteps()
	}
	if interval <= 0 {
		interval = walkerDefault
	}
	return &StepWalker{Steps: steps, Interval: interval}
}

// StepProgress returns the progress value reported when step i of n starts.
func StepProgress(i, n int) float64 {
	if n <= 0 {
		return walkerFloor
	}
	return walkerFloor + (1-walkerFloor)*float64(i)/float64(n)
}

// Track implements ProgressSource.
func (w *StepWalker) Track(ctx context.Context, executionID string, tracker Tracker) {
	total := len(w.Steps)
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for i, step := range w.Steps {
		if status, ok := tracker.Status(executionID); !ok || !status.IsActive() {
			return
		}

		patch := models.ExecutionPatch{}.
			WithProgress(StepProgress(i, total)).
			WithAgent(step.Agent).
			WithTask(step.Name).
			WithStep(i, total, StepStatusStarted)
		if !tracker.Update(executionID, patch) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
