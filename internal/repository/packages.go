package repository

import (
	"context"
	"database/sql"

	"github.com/RealZimboGuy/updateflow/pkg/updateflow/core"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
)

// PackageRepository is the manifest of installed packages.
type PackageRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewPackageRepository(db *sql.DB, clock core.Clock) *PackageRepository {
	return &PackageRepository{db: db, clock: clock}
}

// FindAll returns every installed package ordered by handle.
func (r *PackageRepository) FindAll(ctx context.Context) ([]domain.InstalledPackage, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT handle, version, modified FROM installed_packages ORDER BY handle ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pkgs := make([]domain.InstalledPackage, 0)
	for rows.Next() {
		var p domain.InstalledPackage
		if err := rows.Scan(&p.Handle, &p.Version, &p.Modified); err != nil {
			return nil, err
		}
		pkgs = append(pkgs, p)
	}
	return pkgs, rows.Err()
}

// Upsert records handle at version.
func (r *PackageRepository) Upsert(ctx context.Context, handle, version string) error {
	query := `INSERT INTO installed_packages (handle, version, modified) VALUES (` + placeholders(1, 3) + `)` +
		upsertSuffix("handle", "version", "modified")
	_, err := r.db.ExecContext(ctx, query, handle, version, formatDateInDatabase(r.clock.Now()))
	return err
}

func (r *PackageRepository) Delete(ctx context.Context, handle string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM installed_packages WHERE handle = `+placeholder(1), handle)
	return err
}
