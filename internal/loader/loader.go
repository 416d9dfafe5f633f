package loader

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/sourceplane/marketsync/internal/model"
	"github.com/sourceplane/marketsync/internal/schema"
	"gopkg.in/yaml.v3"
)

//go:embed default_workflow.yaml
var defaultWorkflowYAML []byte

// DefaultWorkflowYAML returns the embedded workflow definition
func DefaultWorkflowYAML() []byte {
	return append([]byte(nil), defaultWorkflowYAML...)
}

// LoadWorkflow loads, validates and parses a workflow YAML file.
// An empty path selects the embedded default workflow.
func LoadWorkflow(path string) (*model.Workflow, error) {
	if path == "" {
		return ParseWorkflow(defaultWorkflowYAML)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	workflow, err := ParseWorkflow(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return workflow, nil
}

// ParseWorkflow validates raw workflow bytes against the schema and decodes them
func ParseWorkflow(data []byte) (*model.Workflow, error) {
	validator, err := schema.NewValidator()
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateWorkflow(data); err != nil {
		return nil, fmt.Errorf("workflow failed schema validation: %w", err)
	}

	var workflow model.Workflow
	if err := yaml.Unmarshal(data, &workflow); err != nil {
		return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
	}

	if err := Validate(&workflow); err != nil {
		return nil, err
	}

	return &workflow, nil
}

// Validate checks cross-references the schema cannot express
func Validate(workflow *model.Workflow) error {
	families := make(map[model.Family]bool, len(workflow.Jobs))
	bundles := make(map[string]model.Family)

	for _, job := range workflow.Jobs {
		if families[job.Family] {
			return fmt.Errorf("duplicate job family: %s", job.Family)
		}
		families[job.Family] = true

		for _, artifact := range job.Publish {
			if owner, exists := bundles[artifact.Name]; exists {
				return fmt.Errorf("artifact bundle %s published by both %s and %s", artifact.Name, owner, job.Family)
			}
			bundles[artifact.Name] = job.Family
		}

		for _, step := range append(append([]model.Step{}, job.Steps...), job.Finally...) {
			if step.Timeout == "" {
				continue
			}
			if _, err := time.ParseDuration(step.Timeout); err != nil {
				return fmt.Errorf("job %s step %s: invalid timeout %q: %w", job.Family, step.Name, step.Timeout, err)
			}
		}
	}

	for _, job := range workflow.Jobs {
		for _, need := range job.Needs {
			if !families[need] {
				return fmt.Errorf("job %s needs unknown job family %s", job.Family, need)
			}
			if need == job.Family {
				return fmt.Errorf("job %s cannot need itself", job.Family)
			}
		}
		for _, name := range job.Fetch {
			if _, exists := bundles[name]; !exists {
				return fmt.Errorf("job %s fetches artifact bundle %s that no job publishes", job.Family, name)
			}
		}
	}

	return nil
}
