package execution

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Step is one stage of the crew run together with the agent that owns it.
type Step struct {
	Name  string `yaml:"name" json:"name"`
	Agent string `yaml:"agent" json:"agent"`

	// Description is the instruction given to the agent; optional
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Agent names used by the default step inventory
const (
	AgentRequirementsAnalyst     = "requirements_analyst"
	AgentDecompositionStrategist = "decomposition_strategist"
	AgentRequirementsEngineer    = "requirements_engineer"
	AgentQualityAssurance        = "quality_assurance_agent"
	AgentDocumentationSpecialist = "documentation_specialist"
)

// DefaultSteps returns the built-in nine step inventory.
func DefaultSteps() []Step {
	return []Step{
		{Name: "Requirements Extraction", Agent: AgentRequirementsAnalyst},
		{Name: "Context Analysis", Agent: AgentDecompositionStrategist},
		{Name: "Strategy Development", Agent: AgentDecompositionStrategist},
		{Name: "Functional Decomposition", Agent: AgentRequirementsEngineer},
		{Name: "Non-Functional Decomposition", Agent: AgentRequirementsEngineer},
		{Name: "Interface Definition", Agent: AgentRequirementsEngineer},
		{Name: "Traceability Analysis", Agent: AgentRequirementsEngineer},
		{Name: "Quality Validation", Agent: AgentQualityAssurance},
		{Name: "Documentation Generation", Agent: AgentDocumentationSpecialist},
	}
}

type stepsFile struct {
	Steps []Step `yaml:"steps"`
}

// LoadSteps reads a step inventory from a YAML file of the form
//
//	steps:
//	  - name: Requirements Extraction
//	    agent: requirements_analyst
func LoadSteps(path string) ([]Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read steps file: %w", err)
	}
	return ParseSteps(data)
}

// ParseSteps decodes a YAML step inventory.
func ParseSteps(data []byte) ([]Step, error) {
	var f stepsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse steps: %w", err)
	}
	if len(f.Steps) == 0 {
		return nil, fmt.Errorf("steps file defines no steps")
	}
	for i, s := range f.Steps {
		if s.Name == "" || s.Agent == "" {
			return nil, fmt.Errorf("step %d: name and agent are required", i)
		}
	}
	return f.Steps, nil
}

// AgentNames returns the distinct agents in steps, in first-seen order.
func AgentNames(steps []Step) []string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range steps {
		if !seen[s.Agent] {
			seen[s.Agent] = true
			names = append(names, s.Agent)
		}
	}
	return names
}
