package crew

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tcmartin/crewrunner/pkg/execution"
	"github.com/tcmartin/crewrunner/pkg/models"
)

// Profile is the role an agent plays in the crew
type Profile struct {
	DisplayName string `json:"display_name" yaml:"display_name"`
	Role        string `json:"role" yaml:"role"`
	Goal        string `json:"goal" yaml:"goal"`
}

// AgentDefinition pairs an agent's profile with its model settings
type AgentDefinition struct {
	Profile `yaml:",inline"`
	LLM     models.AgentConfig `json:"llm" yaml:"llm"`
}

// Settings applied to agents that do not override them
const (
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 4000
)

func defaultConfig(provider models.Provider, model string) models.AgentConfig {
	return models.AgentConfig{Provider: provider, Model: model, Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
}

// DefaultAgents returns the built-in five agent crew
func DefaultAgents() map[string]AgentDefinition {
	return map[string]AgentDefinition{
		execution.AgentRequirementsAnalyst: {
			Profile: Profile{
				DisplayName: "Requirements Analyst",
				Role:        "Senior Requirements Analyst",
				Goal:        "Extract every explicit and implicit requirement from the source material and classify it",
			},
			LLM: defaultConfig(models.ProviderOpenAI, "gpt-4"),
		},
		execution.AgentDecompositionStrategist: {
			Profile: Profile{
				DisplayName: "Decomposition Strategist",
				Role:        "Systems Decomposition Strategist",
				Goal:        "Analyse the system context and choose how the requirements should be broken down",
			},
			LLM: defaultConfig(models.ProviderOpenAI, "gpt-4"),
		},
		execution.AgentRequirementsEngineer: {
			Profile: Profile{
				DisplayName: "Requirements Engineer",
				Role:        "Requirements Engineer",
				Goal:        "Decompose requirements into precise, testable subsystem requirements with interfaces and traceability",
			},
			LLM: defaultConfig(models.ProviderAnthropic, "claude-3-sonnet-20240229"),
		},
		execution.AgentQualityAssurance: {
			Profile: Profile{
				DisplayName: "Quality Assurance",
				Role:        "Requirements Quality Assurance Specialist",
				Goal:        "Check the decomposition for completeness, consistency, ambiguity and verifiability",
			},
			LLM: defaultConfig(models.ProviderOpenAI, "gpt-4"),
		},
		execution.AgentDocumentationSpecialist: {
			Profile: Profile{
				DisplayName: "Documentation Specialist",
				Role:        "Technical Documentation Specialist",
				Goal:        "Assemble the final requirements specification document",
			},
			LLM: defaultConfig(models.ProviderGoogle, "gemini-pro"),
		},
	}
}

// ModelOptions lists the models offered per provider
func ModelOptions() map[models.Provider][]string {
	return map[models.Provider][]string{
		models.ProviderOpenAI:    {"gpt-4", "gpt-4-turbo", "gpt-3.5-turbo", "gpt-4o", "gpt-4o-mini"},
		models.ProviderAnthropic: {"claude-3-sonnet-20240229", "claude-3-opus-20240229", "claude-3-haiku-20240307"},
		models.ProviderGoogle:    {"gemini-pro", "gemini-pro-vision", "gemini-1.5-pro"},
	}
}

type agentsFile struct {
	Agents map[string]AgentDefinition `yaml:"agents"`
}

// LoadAgents reads agent definitions from YAML and merges them over the
// defaults:
//
//	agents:
//	  requirements_analyst:
//	    role: Senior Requirements Analyst
//	    llm: {provider: openai, model: gpt-4o, temperature: 0.2, max_tokens: 4000}
func LoadAgents(path string) (map[string]AgentDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}

	var f agentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse agents file: %w", err)
	}

	agents := DefaultAgents()
	for name, def := range f.Agents {
		base, ok := agents[name]
		if ok {
			def = mergeDefinition(base, def)
		}
		if err := def.LLM.Validate(); err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
		agents[name] = def
	}
	return agents, nil
}

func mergeDefinition(base, over AgentDefinition) AgentDefinition {
	if over.DisplayName != "" {
		base.DisplayName = over.DisplayName
	}
	if over.Role != "" {
		base.Role = over.Role
	}
	if over.Goal != "" {
		base.Goal = over.Goal
	}
	if over.LLM.Provider != "" {
		base.LLM = over.LLM
	}
	return base
}

// Catalog holds the agent definitions in effect. Per-execution overrides
// from a request take precedence over what the catalog stores.
type Catalog struct {
	mu     sync.RWMutex
	agents map[string]AgentDefinition
}

// NewCatalog creates a catalog from definitions; nil means DefaultAgents
func NewCatalog(agents map[string]AgentDefinition) *Catalog {
	if agents == nil {
		agents = DefaultAgents()
	}
	c := &Catalog{agents: make(map[string]AgentDefinition, len(agents))}
	for name, def := range agents {
		c.agents[name] = def
	}
	return c
}

// Config returns the model settings of an agent
func (c *Catalog) Config(name string) (models.AgentConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.agents[name]
	return def.LLM, ok
}

// Definition returns an agent's full definition
func (c *Catalog) Definition(name string) (AgentDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.agents[name]
	return def, ok
}

// Configs returns the model settings of every agent
func (c *Catalog) Configs() map[string]models.AgentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]models.AgentConfig, len(c.agents))
	for name, def := range c.agents {
		out[name] = def.LLM
	}
	return out
}

// SetConfig replaces the model settings of an agent, adding it if unknown
func (c *Catalog) SetConfig(name string, cfg models.AgentConfig) error {
	if name == "" {
		return fmt.Errorf("agent name is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	def := c.agents[name]
	def.LLM = cfg
	if def.DisplayName == "" {
		def.DisplayName = name
	}
	c.agents[name] = def
	return nil
}

// DisplayNames maps agent names to their display names
func (c *Catalog) DisplayNames() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.agents))
	for name, def := range c.agents {
		out[name] = def.DisplayName
	}
	return out
}

// Names returns the agent names in sorted order
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.agents))
	for name := range c.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
