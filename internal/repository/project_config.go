package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
)

// ProjectConfigRepository holds the project configuration currently loaded
// into the application, as a single JSON document.
type ProjectConfigRepository struct {
	db *sql.DB
}

func NewProjectConfigRepository(db *sql.DB) *ProjectConfigRepository {
	return &ProjectConfigRepository{db: db}
}

// Load returns the loaded configuration, an empty one if nothing was stored yet.
func (r *ProjectConfigRepository) Load(ctx context.Context) (*domain.ProjectConfig, error) {
	var doc string
	var modified int64
	err := r.db.QueryRowContext(ctx, `SELECT document, date_modified FROM project_config WHERE id = 1`).Scan(&doc, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.ProjectConfig{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg domain.ProjectConfig
	if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
		return nil, fmt.Errorf("decode loaded project config: %w", err)
	}
	cfg.DateModified = modified
	return &cfg, nil
}

func (r *ProjectConfigRepository) Save(ctx context.Context, cfg *domain.ProjectConfig) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	query := `INSERT INTO project_config (id, document, date_modified) VALUES (1, ` + placeholders(1, 2) + `)` +
		upsertSuffix("id", "document", "date_modified")
	_, err = r.db.ExecContext(ctx, query, string(doc), cfg.DateModified)
	return err
}
