package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/RealZimboGuy/updateflow/internal/config"
)

//go:embed postgres mysql sqlite3
var FS embed.FS

// Dir returns the embedded migration directory for a UFLOW_DATABASE_TYPE value.
func Dir(databaseType string) (string, error) {
	switch databaseType {
	case config.DATABASE_TYPE_POSTGRES:
		return "postgres", nil
	case config.DATABASE_TYPE_MYSQL:
		return "mysql", nil
	case config.DATABASE_TYPE_SQLLITE:
		return "sqlite3", nil
	}
	return "", fmt.Errorf("unsupported database type %q", databaseType)
}

// Up applies the application schema to the database at dbURL
// (postgres://..., mysql://..., sqlite3://file).
func Up(databaseType, dbURL string) error {
	dir, err := Dir(databaseType)
	if err != nil {
		return err
	}
	sub, err := fs.Sub(FS, dir)
	if err != nil {
		return err
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
