package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pack is a set of rule definitions kept in a YAML file
type Pack struct {
	Name  string  `yaml:"name"`
	Rules []*Rule `yaml:"rules"`
}

// LoadPack reads a rule pack from disk
func LoadPack(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("rule pack %s not found", path)
		}
		return nil, err
	}
	return PackFromYAML(data)
}

// PackFromYAML parses a rule pack. Parameters are normalized to the shapes JSON
// decoding produces so rules behave the same whichever way they were loaded.
func PackFromYAML(data []byte) (*Pack, error) {
	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse rule pack: %w", err)
	}

	seen := make(map[string]bool, len(p.Rules))
	for i, r := range p.Rules {
		if r == nil {
			return nil, fmt.Errorf("rule pack entry %d is empty", i)
		}
		if strings.TrimSpace(r.ID) == "" {
			r.ID = fmt.Sprintf("rule-%d", i+1)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule pack has duplicate rule id %s", r.ID)
		}
		seen[r.ID] = true

		params, err := normalizeParams(r.Parameters)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		r.Parameters = params
		if r.Version == 0 {
			r.Version = 1
		}
	}
	return &p, nil
}

// Validate checks every rule in the pack and reports the first problem
func (p *Pack) Validate() error {
	for _, r := range p.Rules {
		if err := ValidateRule(r); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	return nil
}

func normalizeParams(params map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("parameters are not representable as JSON: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
