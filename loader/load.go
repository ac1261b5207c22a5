// Package loader reads graph definitions and run inputs from JSON or
// YAML files. YAML is parsed into generic maps and re-marshaled through
// JSON so one set of struct tags serves both formats.
package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stepflow-labs/stepflow"
)

// LoadDefinition reads a graph definition file. The format is chosen by
// extension: .yaml/.yml parse as YAML, everything else as JSON.
func LoadDefinition(path string) (stepflow.GraphDefinition, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return stepflow.GraphDefinition{}, fmt.Errorf("reading file %s: %w", path, err)
	}
	return ParseDefinition(data, path)
}

// ParseDefinition decodes a graph definition from raw bytes, using path
// only to pick the format.
func ParseDefinition(data []byte, path string) (stepflow.GraphDefinition, error) {
	jsonData, err := toJSON(data, path)
	if err != nil {
		return stepflow.GraphDefinition{}, err
	}

	var def stepflow.GraphDefinition
	if err := json.Unmarshal(jsonData, &def); err != nil {
		return stepflow.GraphDefinition{}, fmt.Errorf("parsing graph definition: %w", err)
	}
	if def.Name == "" {
		return stepflow.GraphDefinition{}, fmt.Errorf("graph definition missing name")
	}
	if def.EntryPoint == "" {
		return stepflow.GraphDefinition{}, fmt.Errorf("graph definition missing entry_point")
	}
	return def, nil
}

// LoadStateData reads an initial-state file into a data map. An empty
// path yields an empty map.
func LoadStateData(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(jsonData, &out); err != nil {
		return nil, fmt.Errorf("parsing state data: %w", err)
	}
	return out, nil
}

func toJSON(data []byte, path string) ([]byte, error) {
	if isYAML(path) {
		return yamlToJSON(data)
	}
	return data, nil
}

// yamlToJSON converts YAML bytes to JSON bytes through a generic map:
// YAML -> map[string]any -> JSON bytes -> typed struct.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return json.Marshal(raw)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
