// Package models holds the data types shared by the execution registry,
// the runner, the hub and the HTTP API.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionStatus is the lifecycle state of an execution
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether the execution is pending or running.
func (s ExecutionStatus) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// Provider identifies an LLM vendor whose API key the crew needs
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
)

// Providers lists every supported provider in display order.
var Providers = []Provider{ProviderOpenAI, ProviderAnthropic, ProviderGoogle}

// ParseProvider validates a provider name.
func ParseProvider(name string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Providers {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unsupported provider: %s", name)
}

// AgentConfig selects the model an agent runs on
type AgentConfig struct {
	Provider    Provider `json:"provider" yaml:"provider"`
	Model       string   `json:"model" yaml:"model"`
	Temperature float64  `json:"temperature" yaml:"temperature"`
	MaxTokens   int      `json:"max_tokens" yaml:"max_tokens"`
}

// Validate checks the ranges accepted by the API.
func (c AgentConfig) Validate() error {
	if _, err := ParseProvider(string(c.Provider)); err != nil {
		return err
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	if c.MaxTokens < 100 || c.MaxTokens > 8000 {
		return fmt.Errorf("max_tokens must be between 100 and 8000")
	}
	return nil
}

// Execution modes accepted by ExecutionRequest
const (
	ModeRun   = "run"
	ModeTrain = "train"
	ModeTest  = "test"
)

// ExecutionRequest is the submission that starts an execution. The registry
// keeps an immutable copy of it for the lifetime of the record.
type ExecutionRequest struct {
	Prompt        string                 `json:"prompt"`
	UploadedFiles []string               `json:"uploaded_files"`
	AgentConfigs  map[string]AgentConfig `json:"agent_configs"`
	ExecutionMode string                 `json:"execution_mode"`
}

// Normalize fills defaults in place.
func (r *ExecutionRequest) Normalize() {
	if r.ExecutionMode == "" {
		r.ExecutionMode = ModeRun
	}
	if r.UploadedFiles == nil {
		r.UploadedFiles = []string{}
	}
	if r.AgentConfigs == nil {
		r.AgentConfigs = map[string]AgentConfig{}
	}
}

// Validate checks the request the way the HTTP layer requires.
func (r ExecutionRequest) Validate() error {
	if len(strings.TrimSpace(r.Prompt)) < 10 {
		return fmt.Errorf("prompt must be at least 10 characters")
	}
	switch r.ExecutionMode {
	case "", ModeRun, ModeTrain, ModeTest:
	default:
		return fmt.Errorf("unsupported execution mode: %s", r.ExecutionMode)
	}
	for name, cfg := range r.AgentConfigs {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("agent %s: %w", name, err)
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate a stored snapshot.
func (r ExecutionRequest) Clone() ExecutionRequest {
	c := r
	c.UploadedFiles = append([]string(nil), r.UploadedFiles...)
	c.AgentConfigs = make(map[string]AgentConfig, len(r.AgentConfigs))
	for k, v := range r.AgentConfigs {
		c.AgentConfigs[k] = v
	}
	return c
}

// Execution is the record for one submitted run
type Execution struct {
	// ID is the opaque identifier generated at creation
	ID string `json:"execution_id"`

	// Status of the execution
	Status ExecutionStatus `json:"status"`

	// Progress in [0.0, 1.0]
	Progress float64 `json:"progress"`

	// CurrentAgent and CurrentTask describe what is happening now
	CurrentAgent string `json:"current_agent,omitempty"`
	CurrentTask  string `json:"current_task,omitempty"`

	// Step bookkeeping written by the progress walker
	StepIndex  int    `json:"step_index,omitempty"`
	TotalSteps int    `json:"total_steps,omitempty"`
	StepStatus string `json:"step_status,omitempty"`

	// Output is the task result
	Output string `json:"output,omitempty"`

	// Error is set only on failed executions
	Error string `json:"error,omitempty"`

	// StartedAt is when the record was created
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is set once, at the first terminal transition
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Request is the original submission
	Request ExecutionRequest `json:"-"`
}

// Summary projects the record to a history entry.
func (e Execution) Summary() ExecutionSummary {
	return ExecutionSummary{
		ID:          e.ID,
		Status:      e.Status,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		Progress:    e.Progress,
	}
}

// ExecutionSummary is one row of the execution history
type ExecutionSummary struct {
	ID          string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	Progress    float64         `json:"progress"`
}

// ExecutionPatch carries the fields of a partial update. Nil fields are left
// untouched. It marshals to exactly the fields that were set, which is the
// payload subscribers receive.
type ExecutionPatch struct {
	Status       *ExecutionStatus `json:"status,omitempty"`
	Progress     *float64         `json:"progress,omitempty"`
	CurrentAgent *string          `json:"current_agent,omitempty"`
	CurrentTask  *string          `json:"current_task,omitempty"`
	StepIndex    *int             `json:"step_index,omitempty"`
	TotalSteps   *int             `json:"total_steps,omitempty"`
	StepStatus   *string          `json:"step_status,omitempty"`
}

// IsEmpty reports whether the patch sets nothing.
func (p ExecutionPatch) IsEmpty() bool {
	return p.Status == nil && p.Progress == nil && p.CurrentAgent == nil && p.CurrentTask == nil &&
		p.StepIndex == nil && p.TotalSteps == nil && p.StepStatus == nil
}

// WithStatus sets the status field.
func (p ExecutionPatch) WithStatus(s ExecutionStatus) ExecutionPatch {
	p.Status = &s
	return p
}

// WithProgress sets the progress field.
func (p ExecutionPatch) WithProgress(v float64) ExecutionPatch {
	p.Progress = &v
	return p
}

// WithAgent sets the current agent.
func (p ExecutionPatch) WithAgent(agent string) ExecutionPatch {
	p.CurrentAgent = &agent
	return p
}

// WithTask sets the current task.
func (p ExecutionPatch) WithTask(task string) ExecutionPatch {
	p.CurrentTask = &task
	return p
}

// WithStep sets the step bookkeeping fields.
func (p ExecutionPatch) WithStep(index, total int, status string) ExecutionPatch {
	p.StepIndex = &index
	p.TotalSteps = &total
	p.StepStatus = &status
	return p
}

// CompletionUpdate is the final notification sent after an execution
// completes or fails.
type CompletionUpdate struct {
	Type        string          `json:"type"`
	Status      ExecutionStatus `json:"status"`
	Output      string          `json:"output"`
	Error       *string         `json:"error"`
	CompletedAt time.Time       `json:"completed_at"`
}

// CancellationUpdate is the notification sent after a successful cancel.
type CancellationUpdate struct {
	Type        string          `json:"type"`
	Status      ExecutionStatus `json:"status"`
	Message     string          `json:"message"`
	CancelledAt time.Time       `json:"cancelled_at"`
}

// Notification markers carried in the "type" field of terminal updates
const (
	UpdateTypeCompletion   = "completion"
	UpdateTypeCancellation = "cancellation"
)
