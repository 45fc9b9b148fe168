package workflow

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// - a change to a repo results in a "Run" of the pipeline definition
// - a definition consists of several jobs, these execute in parallel
// - each job is expanded over its matrix into instances, which also
//   execute in parallel, bounded by the available slots
// - each instance executes its steps serially

type (
	// this is simply a structural representation of the pipeline file
	Definition struct {
		Name string   `yaml:"name"`
		On   Triggers `yaml:"on"`
		Jobs []Job    `yaml:"jobs"`
	}

	Triggers struct {
		Push          *BranchFilter `yaml:"push"`
		MergeProposal *BranchFilter `yaml:"merge_proposal"`
		PathsIgnore   StringList    `yaml:"paths_ignore"`
	}

	BranchFilter struct {
		Branches StringList `yaml:"branches"`
	}

	Job struct {
		Name        string            `yaml:"name"`
		Matrix      Matrix            `yaml:"matrix"`
		FailFast    *bool             `yaml:"fail_fast"` // defaults to true
		Optional    bool              `yaml:"optional"`
		Timeout     string            `yaml:"timeout"`
		Image       string            `yaml:"image"`
		Environment map[string]string `yaml:"environment"`
		Steps       []Step            `yaml:"steps"`
	}

	Step struct {
		Name            string            `yaml:"name"`
		Kind            string            `yaml:"kind"`
		Command         string            `yaml:"command"`
		ContinueOnError bool              `yaml:"continue_on_error"`
		Timeout         string            `yaml:"timeout"`
		Environment     map[string]string `yaml:"environment"`
		Cache           *CacheDef         `yaml:"cache"`
	}

	CacheDef struct {
		Key   string     `yaml:"key"`
		Paths StringList `yaml:"paths"`
	}

	// Matrix keeps axes in the order they were declared in the file.
	Matrix []Axis

	Axis struct {
		Name   string
		Values []string
	}

	StringList []string
)

func FromFile(name string, contents []byte) (Definition, error) {
	var d Definition

	err := yaml.Unmarshal(contents, &d)
	if err != nil {
		return d, fmt.Errorf("%s: %w", name, err)
	}

	if d.Name == "" {
		d.Name = name
	}

	return d, nil
}

func (m *Matrix) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: matrix must be a mapping of axis names to value lists", node.Line)
	}

	axes := make(Matrix, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if key.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: axis name must be a string", key.Line)
		}

		values, err := scalarValues(val)
		if err != nil {
			return fmt.Errorf("axis %q: %w", key.Value, err)
		}

		axes = append(axes, Axis{Name: key.Value, Values: values})
	}

	*m = axes
	return nil
}

func scalarValues(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return []string{}, nil
		}
		return []string{node.Value}, nil
	case yaml.SequenceNode:
		values := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: axis values must be scalars", item.Line)
			}
			values = append(values, item.Value)
		}
		return values, nil
	default:
		return nil, fmt.Errorf("line %d: axis values must be a list", node.Line)
	}
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
