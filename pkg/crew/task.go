// Package crew runs the requirements decomposition crew: each step is handed
// to the agent that owns it and answered by that agent's LLM.
package crew

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tcmartin/crewrunner/pkg/execution"
	"github.com/tcmartin/crewrunner/pkg/logging"
	"github.com/tcmartin/crewrunner/pkg/models"
	"github.com/tcmartin/crewrunner/pkg/storage"
)

// CredentialLookup returns the API key stored for a provider
type CredentialLookup interface {
	GetAPIKey(provider models.Provider) (string, error)
}

// StepResult is the output of one step
type StepResult struct {
	Name   string
	Agent  string
	Output string
}

// Task is the execution.Task that runs the crew
type Task struct {
	steps       []execution.Step
	catalog     *Catalog
	credentials CredentialLookup
	llm         LLM
	logger      logging.Logger
}

// NewTask creates the crew task
func NewTask(steps []execution.Step, catalog *Catalog, credentials CredentialLookup, llm LLM, logger logging.Logger) *Task {
	if len(steps) == 0 {
		steps = execution.DefaultSteps()
	}
	if catalog == nil {
		catalog = NewCatalog(nil)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Task{
		steps:       steps,
		catalog:     catalog,
		credentials: credentials,
		llm:         llm,
		logger:      logger,
	}
}

// Steps returns the step inventory the task runs
func (t *Task) Steps() []execution.Step {
	return append([]execution.Step(nil), t.steps...)
}

// Run executes every step in order and returns the final step's output
func (t *Task) Run(ctx context.Context, inputs map[string]interface{}) (string, error) {
	overrides, _ := inputs[execution.InputAgentConfigs].(map[string]models.AgentConfig)
	configs, err := t.resolveConfigs(overrides)
	if err != nil {
		return "", err
	}

	keys, err := t.lookupKeys(configs)
	if err != nil {
		return "", err
	}

	executionID, _ := inputs[execution.InputExecutionID].(string)
	logger := t.logger.WithFields(logging.F("execution_id", executionID))

	results := make([]StepResult, 0, len(t.steps))
	for i, step := range t.steps {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		cfg := configs[step.Agent]
		req, err := t.buildRequest(step, cfg, inputs, results)
		if err != nil {
			return "", fmt.Errorf("step %q: %w", step.Name, err)
		}
		req.APIKey = keys[cfg.Provider]

		logger.Debug("Running crew step",
			logging.F("step", step.Name),
			logging.F("step_index", i),
			logging.F("agent", step.Agent),
			logging.F("model", cfg.Model))

		output, err := t.llm.Complete(ctx, req)
		if err != nil {
			return "", fmt.Errorf("step %q (%s): %w", step.Name, step.Agent, err)
		}
		results = append(results, StepResult{Name: step.Name, Agent: step.Agent, Output: output})
	}

	return results[len(results)-1].Output, nil
}

// resolveConfigs picks the model settings for every agent the steps use
func (t *Task) resolveConfigs(overrides map[string]models.AgentConfig) (map[string]models.AgentConfig, error) {
	configs := make(map[string]models.AgentConfig)
	for _, agent := range execution.AgentNames(t.steps) {
		if cfg, ok := overrides[agent]; ok {
			configs[agent] = cfg
			continue
		}
		cfg, ok := t.catalog.Config(agent)
		if !ok {
			return nil, fmt.Errorf("no configuration for agent %s", agent)
		}
		configs[agent] = cfg
	}
	return configs, nil
}

// lookupKeys fetches each needed provider key once
func (t *Task) lookupKeys(configs map[string]models.AgentConfig) (map[models.Provider]string, error) {
	keys := make(map[models.Provider]string)
	for _, provider := range models.Providers {
		needed := false
		for _, cfg := range configs {
			if cfg.Provider == provider {
				needed = true
				break
			}
		}
		if !needed {
			continue
		}
		if t.credentials == nil {
			return nil, fmt.Errorf("no API key found for provider %s", provider)
		}

		key, err := t.credentials.GetAPIKey(provider)
		if errors.Is(err, storage.ErrCredentialNotFound) || (err == nil && key == "") {
			return nil, fmt.Errorf("no API key found for provider %s", provider)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load API key for %s: %w", provider, err)
		}
		keys[provider] = key
	}
	return keys, nil
}

func (t *Task) buildRequest(step execution.Step, cfg models.AgentConfig, inputs map[string]interface{}, previous []StepResult) (CompletionRequest, error) {
	vars := map[string]interface{}{
		"step_name":             step.Name,
		"primary_specification": inputs[execution.InputPrimarySpecification],
		"target_system":         inputs[execution.InputTargetSystem],
		"decomposition_depth":   inputs[execution.InputDecompositionDepth],
		"documents":             inputs[execution.InputUploadedDocuments],
		"previous":              nil,
		"role":                  step.Agent,
		"goal":                  step.Name,
	}
	if def, ok := t.catalog.Definition(step.Agent); ok {
		vars["role"] = def.Role
		vars["goal"] = def.Goal
	}

	instruction := step.Description
	if instruction == "" {
		instruction = stepInstructions[step.Name]
	}
	if instruction == "" {
		instruction = genericInstruction
	}
	tmpl, err := NewPromptTemplate(instruction)
	if err != nil {
		return CompletionRequest{}, err
	}
	rendered, err := tmpl.Render(vars)
	if err != nil {
		return CompletionRequest{}, err
	}
	vars["instruction"] = rendered

	if len(previous) > 0 {
		prev := make([]map[string]interface{}, 0, len(previous))
		for _, r := range previous {
			prev = append(prev, map[string]interface{}{"name": r.Name, "output": r.Output})
		}
		vars["previous"] = prev
	}

	prompt, err := stepPrompt.Render(vars)
	if err != nil {
		return CompletionRequest{}, err
	}
	system, err := systemPrompt.Render(vars)
	if err != nil {
		return CompletionRequest{}, err
	}

	return CompletionRequest{
		Provider:    cfg.Provider,
		Model:       cfg.Model,
		System:      system,
		Prompt:      strings.TrimSpace(prompt),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}, nil
}
