package crew

import (
	"bytes"
	"fmt"
	"text/template"
)

// PromptTemplate renders a prompt from named variables
type PromptTemplate struct {
	Template string
	parser   *template.Template
}

// NewPromptTemplate parses a text/template prompt
func NewPromptTemplate(templateStr string) (*PromptTemplate, error) {
	tmpl, err := template.New("prompt").Option("missingkey=zero").Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	return &PromptTemplate{Template: templateStr, parser: tmpl}, nil
}

// Render renders the template with the given variables
func (pt *PromptTemplate) Render(variables map[string]interface{}) (string, error) {
	var buf bytes.Buffer
	if err := pt.parser.Execute(&buf, variables); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return buf.String(), nil
}

// stepInstructions are the built-in instructions for the default steps
var stepInstructions = map[string]string{
	"Requirements Extraction": "Extract every requirement stated or implied by the primary specification and the supporting documents. " +
		"Give each one an identifier, classify it as functional, non-functional or constraint, and quote its source.",
	"Context Analysis": "Describe the operational context of {{.target_system}}: stakeholders, external systems, " +
		"operating environment and the boundaries of the system.",
	"Strategy Development": "Propose a decomposition strategy down to {{.decomposition_depth}}. " +
		"Name the subsystems and explain which requirements each will own.",
	"Functional Decomposition": "Decompose the functional requirements into subsystem requirements following the strategy. " +
		"Each derived requirement must be atomic, testable and reference its parent.",
	"Non-Functional Decomposition": "Allocate performance, reliability, security and other quality requirements to the subsystems, " +
		"with measurable acceptance criteria.",
	"Interface Definition": "Define the interfaces between subsystems and to external systems: data exchanged, protocols and constraints.",
	"Traceability Analysis": "Build a traceability matrix from each source requirement to its derived requirements and flag any gaps.",
	"Quality Validation": "Review the decomposition for completeness, consistency, ambiguity and verifiability. " +
		"List every defect found and the correction applied.",
	"Documentation Generation": "Write the final requirements specification for {{.target_system}} in Markdown, " +
		"incorporating the corrections from the quality review.",
}

const genericInstruction = "Carry out the step \"{{.step_name}}\" for {{.target_system}}."

const stepPromptTemplate = `{{.instruction}}

Primary specification:
{{.primary_specification}}
{{- range .documents}}

Supporting document "{{.filename}}":
{{.content}}
{{- end}}
{{- if .previous}}

Work completed so far:
{{- range .previous}}

## {{.name}}
{{.output}}
{{- end}}
{{- end}}
`

var stepPrompt = mustPrompt(stepPromptTemplate)

const systemPromptTemplate = `You are the {{.role}} of a requirements decomposition crew. Your goal: {{.goal}}.
Target system: {{.target_system}}. Decomposition depth: {{.decomposition_depth}}.`

var systemPrompt = mustPrompt(systemPromptTemplate)

func mustPrompt(text string) *PromptTemplate {
	pt, err := NewPromptTemplate(text)
	if err != nil {
		panic(err)
	}
	return pt
}
