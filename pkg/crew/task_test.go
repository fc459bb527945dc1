package crew

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/crewrunner/pkg/execution"
	"github.com/tcmartin/crewrunner/pkg/models"
	"github.com/tcmartin/crewrunner/pkg/storage"
)

var _ execution.Task = (*Task)(nil)

type keyMap map[models.Provider]string

func (k keyMap) GetAPIKey(provider models.Provider) (string, error) {
	key, ok := k[provider]
	if !ok {
		return "", storage.ErrCredentialNotFound
	}
	return key, nil
}

type countingKeys struct {
	keyMap
	mu    sync.Mutex
	calls map[models.Provider]int
}

func (c *countingKeys) GetAPIKey(provider models.Provider) (string, error) {
	c.mu.Lock()
	c.calls[provider]++
	c.mu.Unlock()
	return c.keyMap.GetAPIKey(provider)
}

var allKeys = keyMap{
	models.ProviderOpenAI:    "sk-openai",
	models.ProviderAnthropic: "sk-ant-key",
	models.ProviderGoogle:    "AIza-key",
}

type recordingLLM struct {
	mu       sync.Mutex
	requests []CompletionRequest
}

func (r *recordingLLM) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return "output of request " + string(rune('A'+len(r.requests)-1)), nil
}

func baseInputs() map[string]interface{} {
	return map[string]interface{}{
		execution.InputPrimarySpecification: "The system shall dispatch emergency alerts.",
		execution.InputTargetSystem:         "Emergency Communication System",
		execution.InputDecompositionDepth:   "subsystem_level",
		execution.InputExecutionID:          "exec-1",
		execution.InputAgentConfigs:         map[string]models.AgentConfig{},
	}
}

func TestRunWalksEveryStep(t *testing.T) {
	llm := &recordingLLM{}
	task := NewTask(nil, nil, allKeys, llm, nil)

	out, err := task.Run(context.Background(), baseInputs())
	require.NoError(t, err)
	require.Len(t, llm.requests, 9)
	assert.Equal(t, "output of request I", out)

	first := llm.requests[0]
	assert.Equal(t, models.ProviderOpenAI, first.Provider)
	assert.Equal(t, "sk-openai", first.APIKey)
	assert.Equal(t, "gpt-4", first.Model)
	assert.Contains(t, first.Prompt, "The system shall dispatch emergency alerts.")
	assert.Contains(t, first.System, "Senior Requirements Analyst")
	assert.NotContains(t, first.Prompt, "Work completed so far")

	engineer := llm.requests[3]
	assert.Equal(t, models.ProviderAnthropic, engineer.Provider)
	assert.Equal(t, "sk-ant-key", engineer.APIKey)
	assert.Contains(t, engineer.Prompt, "## Strategy Development")
	assert.Contains(t, engineer.Prompt, "output of request C")

	last := llm.requests[8]
	assert.Equal(t, models.ProviderGoogle, last.Provider)
	assert.Contains(t, last.Prompt, "Emergency Communication System")
	assert.NotContains(t, last.Prompt, "<no value>")
}

func TestRunIncludesUploadedDocuments(t *testing.T) {
	llm := &recordingLLM{}
	task := NewTask([]execution.Step{{Name: "Requirements Extraction", Agent: execution.AgentRequirementsAnalyst}}, nil, allKeys, llm, nil)

	inputs := baseInputs()
	inputs[execution.InputUploadedDocuments] = []map[string]interface{}{
		{"filename": "annex.md", "content": "Alerts must reach 99% of devices."},
	}

	_, err := task.Run(context.Background(), inputs)
	require.NoError(t, err)
	require.Len(t, llm.requests, 1)
	assert.Contains(t, llm.requests[0].Prompt, `Supporting document "annex.md"`)
	assert.Contains(t, llm.requests[0].Prompt, "Alerts must reach 99% of devices.")
}

func TestRunLooksUpEachKeyOnce(t *testing.T) {
	keys := &countingKeys{keyMap: allKeys, calls: map[models.Provider]int{}}
	task := NewTask(nil, nil, keys, &recordingLLM{}, nil)

	_, err := task.Run(context.Background(), baseInputs())
	require.NoError(t, err)
	assert.Equal(t, map[models.Provider]int{
		models.ProviderOpenAI:    1,
		models.ProviderAnthropic: 1,
		models.ProviderGoogle:    1,
	}, keys.calls)
}

func TestRunFailsWithoutKey(t *testing.T) {
	llm := &recordingLLM{}
	task := NewTask(nil, nil, keyMap{models.ProviderOpenAI: "sk-openai"}, llm, nil)

	_, err := task.Run(context.Background(), baseInputs())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no API key found for provider anthropic")
	assert.Empty(t, llm.requests)
}

func TestRequestOverridesChooseProviders(t *testing.T) {
	llm := &recordingLLM{}
	task := NewTask(nil, nil, keyMap{models.ProviderOpenAI: "sk-openai"}, llm, nil)

	cfg := models.AgentConfig{Provider: models.ProviderOpenAI, Model: "gpt-4o", Temperature: 0.3, MaxTokens: 2000}
	inputs := baseInputs()
	inputs[execution.InputAgentConfigs] = map[string]models.AgentConfig{
		execution.AgentRequirementsEngineer:    cfg,
		execution.AgentDocumentationSpecialist: cfg,
	}

	_, err := task.Run(context.Background(), inputs)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", llm.requests[3].Model)
	assert.Equal(t, 0.3, llm.requests[3].Temperature)
	assert.Equal(t, 2000, llm.requests[8].MaxTokens)
}

func TestRunStopsOnLLMError(t *testing.T) {
	calls := 0
	llm := LLMFunc(func(ctx context.Context, req CompletionRequest) (string, error) {
		calls++
		if calls == 2 {
			return "", errors.New("rate limited")
		}
		return "ok", nil
	})

	_, err := NewTask(nil, nil, allKeys, llm, nil).Run(context.Background(), baseInputs())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Context Analysis")
	assert.Contains(t, err.Error(), "rate limited")
	assert.Equal(t, 2, calls)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	llm := LLMFunc(func(context.Context, CompletionRequest) (string, error) {
		calls++
		cancel()
		return "ok", nil
	})

	_, err := NewTask(nil, nil, allKeys, llm, nil).Run(ctx, baseInputs())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestCustomStepDescription(t *testing.T) {
	llm := &recordingLLM{}
	steps := []execution.Step{{Name: "Risk Review", Agent: execution.AgentQualityAssurance, Description: "List the risks of {{.target_system}}."}}

	_, err := NewTask(steps, nil, allKeys, llm, nil).Run(context.Background(), baseInputs())
	require.NoError(t, err)
	assert.Contains(t, llm.requests[0].Prompt, "List the risks of Emergency Communication System.")
}

func TestUnknownAgentFails(t *testing.T) {
	steps := []execution.Step{{Name: "Mystery", Agent: "oracle"}}
	_, err := NewTask(steps, nil, allKeys, &recordingLLM{}, nil).Run(context.Background(), baseInputs())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle")
}

func TestDefaultAgents(t *testing.T) {
	agents := DefaultAgents()
	require.Len(t, agents, 5)

	for _, name := range execution.AgentNames(execution.DefaultSteps()) {
		def, ok := agents[name]
		require.True(t, ok, name)
		assert.NoError(t, def.LLM.Validate())
		assert.Equal(t, 0.1, def.LLM.Temperature)
		assert.Equal(t, 4000, def.LLM.MaxTokens)
	}
	assert.Equal(t, models.ProviderGoogle, agents[execution.AgentDocumentationSpecialist].LLM.Provider)
}

func TestLoadAgentsMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  requirements_analyst:
    llm:
      provider: anthropic
      model: claude-3-haiku-20240307
      temperature: 0.2
      max_tokens: 2000
  risk_assessor:
    display_name: Risk Assessor
    role: Risk Analyst
    goal: Find risks
    llm: {provider: openai, model: gpt-4o, temperature: 0.1, max_tokens: 1000}
`), 0644))

	agents, err := LoadAgents(path)
	require.NoError(t, err)
	assert.Len(t, agents, 6)

	analyst := agents[execution.AgentRequirementsAnalyst]
	assert.Equal(t, models.ProviderAnthropic, analyst.LLM.Provider)
	assert.Equal(t, "Senior Requirements Analyst", analyst.Role)
	assert.Equal(t, "Risk Analyst", agents["risk_assessor"].Role)
}

func TestLoadAgentsRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  requirements_analyst:
    llm: {provider: openai, model: gpt-4, temperature: 5, max_tokens: 4000}
`), 0644))

	_, err := LoadAgents(path)
	assert.Error(t, err)
}

func TestCatalogSetConfig(t *testing.T) {
	catalog := NewCatalog(nil)

	cfg := models.AgentConfig{Provider: models.ProviderGoogle, Model: "gemini-1.5-pro", Temperature: 0.5, MaxTokens: 3000}
	require.NoError(t, catalog.SetConfig(execution.AgentRequirementsAnalyst, cfg))

	got, ok := catalog.Config(execution.AgentRequirementsAnalyst)
	require.True(t, ok)
	assert.Equal(t, cfg, got)

	def, _ := catalog.Definition(execution.AgentRequirementsAnalyst)
	assert.Equal(t, "Requirements Analyst", def.DisplayName)

	assert.Error(t, catalog.SetConfig("x", models.AgentConfig{Provider: "nope"}))
	assert.Error(t, catalog.SetConfig("", cfg))
	assert.Len(t, catalog.Names(), 5)
}
