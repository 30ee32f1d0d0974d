package config

import (
	"fmt"
	"os"

	"github.com/songzhibin97/approval-workflow/types"
	"gopkg.in/yaml.v3"
)

// LoadDefinitions reads workflow definitions from YAML files. A file holds
// either one workflow mapping or a sequence of them.
func LoadDefinitions(paths ...string) ([]types.Workflow, error) {
	var out []types.Workflow
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read definitions %s: %w", path, err)
		}
		wfs, err := ParseDefinitions(data)
		if err != nil {
			return nil, fmt.Errorf("parse definitions %s: %w", path, err)
		}
		out = append(out, wfs...)
	}
	return out, nil
}

// ParseDefinitions decodes one YAML document of workflow definitions.
func ParseDefinitions(data []byte) ([]types.Workflow, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	root := doc.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		var wfs []types.Workflow
		if err := root.Decode(&wfs); err != nil {
			return nil, err
		}
		return wfs, nil
	case yaml.MappingNode:
		var wf types.Workflow
		if err := root.Decode(&wf); err != nil {
			return nil, err
		}
		return []types.Workflow{wf}, nil
	default:
		return nil, fmt.Errorf("%w: expected a workflow or a list of workflows", types.ErrInvalidArgument)
	}
}
