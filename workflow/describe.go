package workflow

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// GraphDescription is a static, serialisable view of a compiled graph.
type GraphDescription struct {
	Name  string            `json:"name" yaml:"name"`
	Steps []StepDescription `json:"steps" yaml:"steps"`
	Edges []EdgeDescription `json:"edges" yaml:"edges"`
}

// StepDescription describes one registered step.
type StepDescription struct {
	Key  StepKey `json:"key" yaml:"key"`
	Kind string  `json:"kind" yaml:"kind"`
}

// EdgeDescription describes one edge with its static destinations.
type EdgeDescription struct {
	From         StepKey   `json:"from" yaml:"from"`
	Destinations []StepKey `json:"destinations" yaml:"destinations"`
	Description  string    `json:"description" yaml:"description"`
}

// Describe returns the static structure of the graph. Steps and edge sources
// are ordered by key; edges of one source keep registration order.
func (g *CompiledGraph[C]) Describe() GraphDescription {
	d := GraphDescription{Name: g.name}
	for _, k := range g.Steps() {
		d.Steps = append(d.Steps, StepDescription{Key: k, Kind: fmt.Sprintf("%T", g.steps[k])})
	}

	sources := make(KeySet, len(g.edges))
	for k := range g.edges {
		sources.Add(k)
	}
	for _, from := range sources.Sorted() {
		for _, e := range g.edges[from] {
			d.Edges = append(d.Edges, EdgeDescription{
				From:         from,
				Destinations: e.Destinations().Sorted(),
				Description:  e.Describe(),
			})
		}
	}
	return d
}

// ToJSON renders the description as indented JSON.
func (d GraphDescription) ToJSON() (string, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return string(data), nil
}

// ToYAML renders the description as YAML.
func (d GraphDescription) ToYAML() (string, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	return string(data), nil
}
