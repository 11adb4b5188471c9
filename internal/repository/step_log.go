package repository

import (
	"database/sql"
	"log/slog"

	"github.com/RealZimboGuy/updateflow/pkg/updateflow/core"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
)

// StepLogRepository persists the audit trail of executed steps.
type StepLogRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewStepLogRepository(db *sql.DB, clock core.Clock) *StepLogRepository {
	return &StepLogRepository{db: db, clock: clock}
}

// Save inserts a step log record and returns its ID.
func (r *StepLogRepository) Save(l *domain.StepLog) (int64, error) {
	if l.DateTime.IsZero() {
		l.DateTime = r.clock.Now()
	}
	query := `
		INSERT INTO step_logs (run_id, workflow, step, outcome, text, username, date_time)
		VALUES (` + placeholders(1, 7) + `)`
	id, err := insertReturningID(r.db, query,
		l.RunID,
		l.Workflow,
		l.Step,
		l.Outcome,
		l.Text,
		l.Username,
		formatDateInDatabase(l.DateTime),
	)
	if err != nil {
		slog.Error("Failed to save step log", "error", err)
		return 0, err
	}
	l.ID = id
	return id, nil
}

// FindAllByRunID returns the log of one run, oldest first.
func (r *StepLogRepository) FindAllByRunID(runID string) ([]domain.StepLog, error) {
	return r.query(`WHERE run_id = `+placeholder(1)+` ORDER BY id ASC`, runID)
}

// FindRecent returns the newest records across all runs.
func (r *StepLogRepository) FindRecent(limit int) ([]domain.StepLog, error) {
	return r.query(`ORDER BY id DESC LIMIT `+placeholder(1), limit)
}

func (r *StepLogRepository) query(clause string, args ...any) ([]domain.StepLog, error) {
	rows, err := r.db.Query(`
		SELECT id, run_id, workflow, step, outcome, text, username, date_time
		FROM step_logs `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.StepLog, 0)
	for rows.Next() {
		var l domain.StepLog
		var text, username sql.NullString
		if err := rows.Scan(
			&l.ID,
			&l.RunID,
			&l.Workflow,
			&l.Step,
			&l.Outcome,
			&text,
			&username,
			&l.DateTime,
		); err != nil {
			return nil, err
		}
		l.Text = text.String
		l.Username = username.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
