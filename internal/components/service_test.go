package components

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
)

type mockCatalog struct {
	LookupFunc func(handle string) (domain.PackageInfo, bool, error)
}

func (m *mockCatalog) Lookup(handle string) (domain.PackageInfo, bool, error) {
	return m.LookupFunc(handle)
}

type mockStore struct {
	saved   []domain.Component
	deleted []string
	err     error
}

func (m *mockStore) FindAll(ctx context.Context) ([]domain.Component, error) { return m.saved, m.err }
func (m *mockStore) Save(ctx context.Context, c *domain.Component) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, *c)
	return nil
}
func (m *mockStore) Delete(ctx context.Context, handle string) error {
	m.deleted = append(m.deleted, handle)
	return m.err
}

func catalog(available map[string]string) *mockCatalog {
	return &mockCatalog{LookupFunc: func(handle string) (domain.PackageInfo, bool, error) {
		v, ok := available[handle]
		return domain.PackageInfo{Handle: handle, SchemaVersion: v}, ok, nil
	}}
}

func TestCheckInstallable_AggregatesProblems(t *testing.T) {
	s := NewService(catalog(map[string]string{"seo": "1.0.0", "forms": "2.0.0"}), &mockStore{})
	declared := &domain.ProjectConfig{Components: map[string]domain.ComponentConfig{
		"seo":   {SchemaVersion: "1.0"},
		"forms": {SchemaVersion: "3.0.0"},
		"ghost": {SchemaVersion: "1.0.0"},
	}}

	problems, err := s.CheckInstallable(declared, []string{"forms", "ghost", "seo"})
	require.NoError(t, err)
	require.Len(t, problems, 2)
	assert.Contains(t, problems[0], "forms")
	assert.Contains(t, problems[1], "ghost")
}

func TestInstallUninstall(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	s := NewService(catalog(map[string]string{"seo": "1.0.0"}), store)

	require.NoError(t, s.Install(ctx, "seo", domain.ComponentConfig{Enabled: true}))
	require.Len(t, store.saved, 1)
	assert.Equal(t, "1.0.0", store.saved[0].SchemaVersion)

	assert.Error(t, s.Install(ctx, "ghost", domain.ComponentConfig{}))

	require.NoError(t, s.Uninstall(ctx, "seo"))
	assert.Equal(t, []string{"seo"}, store.deleted)

	installed, err := s.Installed(ctx)
	require.NoError(t, err)
	assert.Contains(t, installed, "seo")
}

func TestInstall_StoreError(t *testing.T) {
	s := NewService(catalog(map[string]string{"seo": "1.0.0"}), &mockStore{err: errors.New("db down")})
	err := s.Install(context.Background(), "seo", domain.ComponentConfig{})
	assert.ErrorContains(t, err, "db down")
}
