// Package components installs and uninstalls the components a project
// declares in its configuration.
package components

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/RealZimboGuy/updateflow/internal/versionutil"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
)

// Catalog tells which components are available to install.
type Catalog interface {
	Lookup(handle string) (domain.PackageInfo, bool, error)
}

type Store interface {
	FindAll(ctx context.Context) ([]domain.Component, error)
	Save(ctx context.Context, c *domain.Component) error
	Delete(ctx context.Context, handle string) error
}

type Service struct {
	catalog Catalog
	store   Store
}

func NewService(catalog Catalog, store Store) *Service {
	return &Service{catalog: catalog, store: store}
}

// Available returns the metadata of an installable component.
func (s *Service) Available(handle string) (domain.PackageInfo, bool, error) {
	return s.catalog.Lookup(handle)
}

// Installed returns the installed components keyed by handle.
func (s *Service) Installed(ctx context.Context) (map[string]domain.Component, error) {
	all, err := s.store.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Component, len(all))
	for _, c := range all {
		out[c.Handle] = c
	}
	return out, nil
}

// CheckInstallable returns one problem per handle that cannot be installed
// as declared. It does not stop at the first problem.
func (s *Service) CheckInstallable(declared *domain.ProjectConfig, handles []string) ([]string, error) {
	var problems []string
	for _, h := range handles {
		info, found, err := s.catalog.Lookup(h)
		if err != nil {
			return nil, err
		}
		want := declared.Components[h].SchemaVersion
		switch {
		case !found:
			problems = append(problems, fmt.Sprintf("Component %q is not available.", h))
		case want != "" && versionutil.Compare(info.SchemaVersion, want) != 0:
			problems = append(problems, fmt.Sprintf("Component %q has schema version %s but the project config requires %s.",
				h, info.SchemaVersion, want))
		}
	}
	return problems, nil
}

func (s *Service) Install(ctx context.Context, handle string, cfg domain.ComponentConfig) error {
	info, found, err := s.catalog.Lookup(handle)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("component %q is not available", handle)
	}
	schema := cfg.SchemaVersion
	if schema == "" {
		schema = info.SchemaVersion
	}
	if err := s.store.Save(ctx, &domain.Component{Handle: handle, SchemaVersion: schema, Enabled: cfg.Enabled}); err != nil {
		return fmt.Errorf("install component %s: %w", handle, err)
	}
	slog.InfoContext(ctx, "Component installed", "handle", handle, "schema_version", schema)
	return nil
}

func (s *Service) Uninstall(ctx context.Context, handle string) error {
	if err := s.store.Delete(ctx, handle); err != nil {
		return fmt.Errorf("uninstall component %s: %w", handle, err)
	}
	slog.InfoContext(ctx, "Component uninstalled", "handle", handle)
	return nil
}
