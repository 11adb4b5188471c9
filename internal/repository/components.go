package repository

import (
	"context"
	"database/sql"

	"github.com/RealZimboGuy/updateflow/pkg/updateflow/core"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
)

// ComponentRepository stores the installed components.
type ComponentRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewComponentRepository(db *sql.DB, clock core.Clock) *ComponentRepository {
	return &ComponentRepository{db: db, clock: clock}
}

func (r *ComponentRepository) FindAll(ctx context.Context) ([]domain.Component, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT handle, schema_version, enabled, installed FROM components ORDER BY handle ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Component, 0)
	for rows.Next() {
		var c domain.Component
		if err := rows.Scan(&c.Handle, &c.SchemaVersion, &c.Enabled, &c.Installed); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Save inserts or replaces the component record.
func (r *ComponentRepository) Save(ctx context.Context, c *domain.Component) error {
	if c.Installed.IsZero() {
		c.Installed = r.clock.Now().UTC()
	}
	query := `INSERT INTO components (handle, schema_version, enabled, installed) VALUES (` + placeholders(1, 4) + `)` +
		upsertSuffix("handle", "schema_version", "enabled")
	_, err := r.db.ExecContext(ctx, query, c.Handle, c.SchemaVersion, c.Enabled, formatDateInDatabase(c.Installed))
	return err
}

func (r *ComponentRepository) Delete(ctx context.Context, handle string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM components WHERE handle = `+placeholder(1), handle)
	return err
}
