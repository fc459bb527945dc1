package execution

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/tcmartin/crewrunner/pkg/logging"
	"github.com/tcmartin/crewrunner/pkg/models"
)

// Task is the long-running external work an execution drives.
type Task interface {
	Run(ctx context.Context, inputs map[string]interface{}) (string, error)
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context, inputs map[string]interface{}) (string, error)

// Run calls f.
func (f TaskFunc) Run(ctx context.Context, inputs map[string]interface{}) (string, error) {
	return f(ctx, inputs)
}

// FileResolver turns an uploaded file id into a document passed to the task.
type FileResolver interface {
	ResolveDocument(fileID string) (map[string]interface{}, error)
}

// Input keys handed to the task
const (
	InputPrimarySpecification = "primary_specification"
	InputTargetSystem         = "target_system"
	InputDecompositionDepth   = "decomposition_depth"
	InputUploadedDocuments    = "uploaded_documents"
	InputAgentConfigs         = "agent_configs"
	InputExecutionMode        = "execution_mode"
	InputExecutionID          = "execution_id"
)

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// MaxWorkers bounds how many tasks run at once
	MaxWorkers int

	// Progress reports intermediate progress; defaults to a StepWalker
	Progress ProgressSource

	// Files resolves uploaded file ids; optional
	Files FileResolver

	Logger logging.Logger

	// NewID generates execution ids
	NewID func() string

	TargetSystem       string
	DecompositionDepth string
}

// Runner starts executions and drives them to a terminal state on a bounded
// worker pool.
type Runner struct {
	registry *Registry
	task     Task
	opts     RunnerOptions

	slots  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner for task backed by registry.
func NewRunner(registry *Registry, task Task, optFns ...func(*RunnerOptions)) *Runner {
	opts := RunnerOptions{
		MaxWorkers:         4,
		Logger:             logging.NewNop(),
		NewID:              uuid.NewString,
		TargetSystem:       "User-defined System",
		DecompositionDepth: "subsystem_level",
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if opts.Progress == nil {
		opts.Progress = NewStepWalker(nil, 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		registry: registry,
		task:     task,
		opts:     opts,
		slots:    make(chan struct{}, opts.MaxWorkers),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry returns the registry the runner writes to.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Start creates a pending record and begins driving it in the background.
// The id is returned before any work happens.
func (r *Runner) Start(request models.ExecutionRequest) (string, error) {
	if err := r.ctx.Err(); err != nil {
		return "", fmt.Errorf("runner is shut down")
	}
	request.Normalize()

	id := r.opts.NewID()
	if err := r.registry.Create(id, request); err != nil {
		return "", err
	}

	r.wg.Add(1)
	go r.drive(id, request)
	return id, nil
}

// Cancel cancels an active execution. The task itself keeps running until it
// returns; its outcome is discarded.
func (r *Runner) Cancel(id string) bool {
	return r.registry.Cancel(id)
}

// Shutdown waits for in-flight executions. If ctx expires first the shared
// task context is cancelled and ctx's error is returned.
func (r *Runner) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}

func (r *Runner) drive(id string, request models.ExecutionRequest) {
	defer r.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			r.opts.Logger.Error("execution driver panicked",
				logging.F("execution_id", id),
				logging.F("panic", fmt.Sprint(rec)),
				logging.F("stack", string(debug.Stack())))
			r.registry.Complete(id, "", fmt.Sprintf("execution failed: %v", rec))
		}
	}()

	running := models.ExecutionPatch{}.
		WithStatus(models.StatusRunning).
		WithProgress(0.1).
		WithAgent(AgentRequirementsAnalyst).
		WithTask("Initializing execution")
	if !r.registry.Update(id, running) {
		r.opts.Logger.LogExecution(id, "skipped", map[string]interface{}{"reason": "no longer active"})
		return
	}

	inputs := r.buildInputs(id, request)
	r.registry.Update(id, models.ExecutionPatch{}.WithProgress(0.2).WithTask("Preparing crew configuration"))

	select {
	case r.slots <- struct{}{}:
	case <-r.ctx.Done():
		r.registry.Complete(id, "", "runner shut down before execution started")
		return
	}
	defer func() { <-r.slots }()

	if status, ok := r.registry.Status(id); !ok || !status.IsActive() {
		r.opts.Logger.LogExecution(id, "skipped", map[string]interface{}{"reason": string(status)})
		return
	}

	r.registry.Update(id, models.ExecutionPatch{}.WithProgress(0.3).WithTask("Starting crew execution"))
	r.opts.Logger.LogExecution(id, "started", map[string]interface{}{"mode": request.ExecutionMode})

	walkCtx, stopWalk := context.WithCancel(r.ctx)
	walkDone := make(chan struct{})
	go func() {
		defer close(walkDone)
		defer func() {
			if rec := recover(); rec != nil {
				r.opts.Logger.Error("progress source panicked",
					logging.F("execution_id", id),
					logging.F("panic", fmt.Sprint(rec)))
			}
		}()
		r.opts.Progress.Track(walkCtx, id, r.registry)
	}()

	output, err := r.invoke(id, inputs)
	stopWalk()
	<-walkDone

	if err != nil {
		if !r.registry.Complete(id, "", err.Error()) {
			r.opts.Logger.LogExecution(id, "result_discarded", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	if !r.registry.Complete(id, output, "") {
		r.opts.Logger.LogExecution(id, "result_discarded", nil)
	}
}

func (r *Runner) invoke(id string, inputs map[string]interface{}) (output string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.opts.Logger.Error("task panicked",
				logging.F("execution_id", id),
				logging.F("panic", fmt.Sprint(rec)))
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return r.task.Run(r.ctx, inputs)
}

func (r *Runner) buildInputs(id string, request models.ExecutionRequest) map[string]interface{} {
	inputs := map[string]interface{}{
		InputPrimarySpecification: request.Prompt,
		InputTargetSystem:         r.opts.TargetSystem,
		InputDecompositionDepth:   r.opts.DecompositionDepth,
		InputAgentConfigs:         request.AgentConfigs,
		InputExecutionMode:        request.ExecutionMode,
		InputExecutionID:          id,
	}

	if len(request.UploadedFiles) == 0 || r.opts.Files == nil {
		return inputs
	}

	docs := make([]map[string]interface{}, 0, len(request.UploadedFiles))
	for _, fileID := range request.UploadedFiles {
		doc, err := r.opts.Files.ResolveDocument(fileID)
		if err != nil {
			r.opts.Logger.Warn("skipping uploaded file",
				logging.F("execution_id", id),
				logging.F("file_id", fileID),
				logging.Err(err))
			continue
		}
		docs = append(docs, doc)
	}
	if len(docs) > 0 {
		inputs[InputUploadedDocuments] = docs
	}
	return inputs
}
