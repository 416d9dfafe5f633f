package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed workflow.schema.yaml
var workflowSchemaYAML []byte

const workflowSchemaURI = "marketsync://schemas/workflow.schema.json"

// Validator handles JSON schema validation
type Validator struct {
	workflowSchema *jsonschema.Schema
}

// NewValidator compiles the embedded workflow schema
func NewValidator() (*Validator, error) {
	workflowSchema, err := compileYAML(workflowSchemaURI, workflowSchemaYAML)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow schema: %w", err)
	}
	return &Validator{workflowSchema: workflowSchema}, nil
}

// ValidateWorkflow validates a raw workflow document (YAML or JSON bytes)
func (v *Validator) ValidateWorkflow(data []byte) error {
	if v.workflowSchema == nil {
		return fmt.Errorf("workflow schema not loaded")
	}

	doc, err := toJSONValue(data)
	if err != nil {
		return fmt.Errorf("failed to parse workflow document: %w", err)
	}
	return v.workflowSchema.Validate(doc)
}

// compileYAML compiles a schema written in YAML under the given URI
func compileYAML(uri string, data []byte) (*jsonschema.Schema, error) {
	// Parse YAML to interface{} (supports both YAML and JSON)
	var schemaData interface{}
	if err := yaml.Unmarshal(data, &schemaData); err != nil {
		return nil, fmt.Errorf("failed to parse schema file: %w", err)
	}

	// Convert to JSON for schema compiler
	jsonData, err := json.Marshal(schemaData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(uri, bytes.NewReader(jsonData)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return schema, nil
}

// toJSONValue decodes YAML and re-decodes it as JSON so numbers and maps
// have the shapes the schema validator expects
func toJSONValue(data []byte) (interface{}, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	jsonData, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	var value interface{}
	if err := json.Unmarshal(jsonData, &value); err != nil {
		return nil, err
	}
	return value, nil
}
