package eval

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Expectations describes the pass/fail criteria for a single scenario.
// MinSources defaults to 1 when the YAML key is absent.
type Expectations struct {
	MinSources      *int     `yaml:"min_sources"`
	RequireAbstain  *bool    `yaml:"require_abstain"`
	RequiredSources []string `yaml:"required_sources"`
	MaxLatencyMs    *int     `yaml:"max_latency_ms"`
}

// minSources resolves the configured minimum, defaulting to 1 and floored at 0.
func (e Expectations) minSources() int {
	if e.MinSources == nil {
		return 1
	}
	if *e.MinSources < 0 {
		return 0
	}
	return *e.MinSources
}

// Example is a single scenario posed to /api/chat.
type Example struct {
	Question     string       `yaml:"question"`
	Mode         string       `yaml:"mode"`
	Expectations Expectations `yaml:"expectations"`
}

// Dataset is a YAML-described set of evaluation scenarios.
type Dataset struct {
	Examples []Example `yaml:"examples"`
}

// LoadDataset reads and parses a YAML scenario file.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset not found at %s: %w", path, err)
	}
	var ds Dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("parsing dataset %s: %w", path, err)
	}
	return &ds, nil
}
