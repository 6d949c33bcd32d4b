package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona is a named system prompt with an optional model override.
type Persona struct {
	Name   string `yaml:"-"`
	Prompt string `yaml:"prompt"`
	Model  string `yaml:"model,omitempty"`
}

// Personas maps persona names to their definitions.
type Personas map[string]Persona

// LoadPersonas reads personas.yaml. A missing file is an empty set.
//
//	personas:
//	  reviewer:
//	    prompt: You review Go code for correctness.
//	    model: claude-opus-4-1
func LoadPersonas(path string) (Personas, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from ResolvePaths
	if errors.Is(err, os.ErrNotExist) {
		return Personas{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read personas: %w", err)
	}
	return ParsePersonas(data)
}

// ParsePersonas decodes personas.yaml content.
func ParsePersonas(data []byte) (Personas, error) {
	var doc struct {
		Personas map[string]Persona `yaml:"personas"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse personas: %w", err)
	}
	out := make(Personas, len(doc.Personas))
	for name, p := range doc.Personas {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errors.New("parse personas: empty persona name")
		}
		if strings.TrimSpace(p.Prompt) == "" {
			return nil, fmt.Errorf("parse personas: persona %q has no prompt", name)
		}
		p.Name = name
		out[name] = p
	}
	return out, nil
}

// Resolve returns the prompt for name. Unknown names resolve to the name
// itself so ad-hoc persona text can be passed straight through.
func (p Personas) Resolve(name string) (Persona, bool) {
	if v, ok := p[name]; ok {
		return v, true
	}
	return Persona{Name: name, Prompt: name}, false
}

// Names lists persona names in sorted order.
func (p Personas) Names() []string {
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
