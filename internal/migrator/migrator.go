// Package migrator applies the schema migrations shipped with packages. Each
// package keeps its migrations in <dir>/<handle> and its own version table.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

type Runner struct {
	dir   string
	dbURL string
}

// NewRunner takes the migrations root and a golang-migrate database URL.
func NewRunner(dir, dbURL string) *Runner {
	return &Runner{dir: dir, dbURL: dbURL}
}

// Pending returns, sorted, the handles that have migrations not yet applied.
func (r *Runner) Pending(ctx context.Context, handles []string) ([]string, error) {
	var pending []string
	for _, handle := range sorted(handles) {
		if !r.hasMigrations(handle) {
			continue
		}
		latest, err := r.latest(handle)
		if err != nil {
			return nil, fmt.Errorf("read migrations of %s: %w", handle, err)
		}
		m, err := migrate.New(r.sourceURL(handle), r.databaseURL(handle))
		if err != nil {
			return nil, fmt.Errorf("open migrations of %s: %w", handle, err)
		}
		version, dirty, err := m.Version()
		m.Close()
		switch {
		case errors.Is(err, migrate.ErrNilVersion):
			pending = append(pending, handle)
		case err != nil:
			return nil, fmt.Errorf("read schema version of %s: %w", handle, err)
		case dirty || version < latest:
			pending = append(pending, handle)
		}
	}
	return pending, nil
}

// Migrate applies every pending migration of handles, in handle order. It
// stops at the first failing package.
func (r *Runner) Migrate(ctx context.Context, handles []string) error {
	for _, handle := range sorted(handles) {
		if !r.hasMigrations(handle) {
			continue
		}
		if err := r.up(handle); err != nil {
			return fmt.Errorf("migrate %s: %w", handle, err)
		}
		slog.InfoContext(ctx, "Package migrations applied", "handle", handle)
	}
	return nil
}

func (r *Runner) up(handle string) error {
	m, err := migrate.New(r.sourceURL(handle), r.databaseURL(handle))
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (r *Runner) latest(handle string) (uint, error) {
	src, err := source.Open(r.sourceURL(handle))
	if err != nil {
		return 0, err
	}
	defer src.Close()
	v, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, os.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, err
		}
		v = next
	}
}

func (r *Runner) hasMigrations(handle string) bool {
	entries, err := os.ReadDir(filepath.Join(r.dir, handle))
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			return true
		}
	}
	return false
}

func (r *Runner) sourceURL(handle string) string {
	abs, err := filepath.Abs(filepath.Join(r.dir, handle))
	if err != nil {
		abs = filepath.Join(r.dir, handle)
	}
	return "file://" + filepath.ToSlash(abs)
}

// databaseURL points golang-migrate at a version table of the package's own.
func (r *Runner) databaseURL(handle string) string {
	sep := "?"
	if strings.Contains(r.dbURL, "?") {
		sep = "&"
	}
	return r.dbURL + sep + "x-migrations-table=" + TableName(handle)
}

// TableName is the version table of a package.
func TableName(handle string) string {
	var b strings.Builder
	b.WriteString("migrations_")
	for _, c := range strings.ToLower(handle) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func sorted(handles []string) []string {
	out := append([]string(nil), handles...)
	sort.Strings(out)
	return out
}
