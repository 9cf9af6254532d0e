package suite

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Suite struct {
	Name  string `yaml:"name"`
	Tests []Test `yaml:"tests"`
}

type Test struct {
	ID        string            `yaml:"id" json:"id"`
	Task      string            `yaml:"task" json:"task"`
	System    string            `yaml:"system,omitempty" json:"system,omitempty"`
	Prompt    string            `yaml:"prompt" json:"prompt"`
	Expected  Expected          `yaml:"expected,omitempty" json:"expected,omitempty"`
	Evaluator EvaluatorSpec     `yaml:"evaluator" json:"evaluator"`
	Metadata  map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Expected holds one or more accepted answers. In YAML it may be a scalar
// or a list.
type Expected []string

func (e *Expected) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*e = Expected{n.Value}
		return nil
	case yaml.SequenceNode:
		var vals []string
		if err := n.Decode(&vals); err != nil {
			return err
		}
		*e = vals
		return nil
	}
	return fmt.Errorf("line %d: expected must be a string or list of strings", n.Line)
}

type EvaluatorSpec struct {
	Type          string            `yaml:"type" json:"type"`
	CaseSensitive bool              `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`
	Mode          string            `yaml:"mode,omitempty" json:"mode,omitempty"`
	Tolerance     float64           `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
	Rubric        []RubricCriterion `yaml:"rubric,omitempty" json:"rubric,omitempty"`
}

type RubricCriterion struct {
	Criterion string  `yaml:"criterion" json:"criterion"`
	Weight    float64 `yaml:"weight" json:"weight"`
}

func Load(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading suite %s: %w", path, err)
	}
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing suite %s: %w", path, err)
	}
	if err := validate(&s); err != nil {
		return nil, fmt.Errorf("invalid suite %s: %w", path, err)
	}
	return &s, nil
}

func validate(s *Suite) error {
	if len(s.Tests) == 0 {
		return fmt.Errorf("no tests defined")
	}
	seen := make(map[string]bool, len(s.Tests))
	for i := range s.Tests {
		t := &s.Tests[i]
		if t.ID == "" {
			return fmt.Errorf("test %d: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("test %q: duplicate id", t.ID)
		}
		seen[t.ID] = true
		if strings.TrimSpace(t.Prompt) == "" {
			return fmt.Errorf("test %q: prompt is required", t.ID)
		}
		if t.Evaluator.Type == "" {
			t.Evaluator.Type = "exact"
		}
		if t.Task == "" {
			t.Task = "general"
		}
	}
	return nil
}

// Filter keeps tests matching id and task. Empty filters match everything.
func Filter(tests []Test, id, task string) []Test {
	var out []Test
	for _, t := range tests {
		if id != "" && t.ID != id {
			continue
		}
		if task != "" && t.Task != task {
			continue
		}
		out = append(out, t)
	}
	return out
}
