package domain

import (
	"encoding/json"
	"sort"
)

// ComponentConfig is the declared configuration of one component.
type ComponentConfig struct {
	Edition       string         `yaml:"edition,omitempty" json:"edition,omitempty"`
	SchemaVersion string         `yaml:"schemaVersion" json:"schemaVersion"`
	Enabled       bool           `yaml:"enabled" json:"enabled"`
	Settings      map[string]any `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// ProjectConfig is the declarative project configuration document, both as
// loaded into the database and as stored in project.yaml.
type ProjectConfig struct {
	DateModified int64                      `yaml:"dateModified" json:"dateModified"`
	Components   map[string]ComponentConfig `yaml:"components,omitempty" json:"components,omitempty"`
	Settings     map[string]any             `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// Handles returns the component handles in sorted order.
func (p *ProjectConfig) Handles() []string {
	if p == nil {
		return nil
	}
	handles := make([]string, 0, len(p.Components))
	for h := range p.Components {
		handles = append(handles, h)
	}
	sort.Strings(handles)
	return handles
}

// Clone returns a deep copy normalized through JSON.
func (p *ProjectConfig) Clone() (*ProjectConfig, error) {
	if p == nil {
		return &ProjectConfig{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out ProjectConfig
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
