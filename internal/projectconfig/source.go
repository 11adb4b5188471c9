// Package projectconfig reads and writes the declarative project
// configuration (project.yaml) and compares it with the loaded one.
package projectconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
)

const FileName = "project.yaml"

// ErrNoSource is returned when the project has no project.yaml yet.
var ErrNoSource = errors.New("project config file not found")

// FileSource is project.yaml inside a config directory.
type FileSource struct {
	dir string
}

func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

func (s *FileSource) Path() string { return filepath.Join(s.dir, FileName) }

func (s *FileSource) Load() (*domain.ProjectConfig, error) {
	b, err := os.ReadFile(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoSource, s.Path())
	}
	if err != nil {
		return nil, err
	}
	var cfg domain.ProjectConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.Path(), err)
	}
	return &cfg, nil
}

// Save replaces project.yaml atomically.
func (s *FileSource) Save(cfg *domain.ProjectConfig) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".project-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.Path())
}
