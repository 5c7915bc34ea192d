package plan

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse decodes a plan document. JSON documents are detected by their leading
// brace; everything else is treated as YAML.
func Parse(data []byte) (ExecutionPlan, error) {
	var p ExecutionPlan
	if isJSON(data) {
		if err := json.Unmarshal(data, &p); err != nil {
			return ExecutionPlan{}, fmt.Errorf("parse plan json: %w", err)
		}
		return p, nil
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return ExecutionPlan{}, fmt.Errorf("parse plan yaml: %w", err)
	}
	return p, nil
}

// Load reads and parses a plan file.
func Load(path string) (ExecutionPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ExecutionPlan{}, fmt.Errorf("read plan file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return ExecutionPlan{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func isJSON(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{', '[':
			return true
		default:
			return false
		}
	}
	return false
}
