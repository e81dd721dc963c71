package workflow

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultWorkflowDir points to the conventional location for YAML workflow
// definitions when loading from disk.
const DefaultWorkflowDir = "workflows"

// ParseDefinitionYAML decodes a workflow definition from YAML/JSON bytes.
// Unknown fields are rejected so typos surface before validation.
func ParseDefinitionYAML(data []byte) (WorkflowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return WorkflowDefinition{}, fmt.Errorf("workflow: definition payload is empty")
	}
	var def WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: decode definition: %w", err)
	}
	return def.Normalized(), nil
}

// EncodeDefinitionYAML renders a definition back to YAML.
func EncodeDefinitionYAML(def WorkflowDefinition) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(def); err != nil {
		return nil, fmt.Errorf("workflow: encode definition: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("workflow: encode definition: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadDefinitionReader reads workflow definition data from an io.Reader.
func LoadDefinitionReader(r io.Reader) (WorkflowDefinition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: read definition: %w", err)
	}
	return ParseDefinitionYAML(content)
}

// LoadDefinitionFile loads a workflow definition from an explicit file path.
func LoadDefinitionFile(path string) (WorkflowDefinition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	def, parseErr := ParseDefinitionYAML(content)
	if parseErr != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: %s: %w", path, parseErr)
	}
	return def, nil
}
