package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/RealZimboGuy/updateflow/internal/updater"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/core"
)

// MaintenanceRepository keeps maintenance mode in the single seeded row of
// maintenance_lock so every node sharing the database sees the same flag.
// Times are stored as unix milliseconds.
type MaintenanceRepository struct {
	db    *sql.DB
	clock core.Clock
	lease time.Duration
}

func NewMaintenanceRepository(db *sql.DB, clock core.Clock, lease time.Duration) *MaintenanceRepository {
	return &MaintenanceRepository{db: db, clock: clock, lease: lease}
}

func (r *MaintenanceRepository) TryAcquire(ctx context.Context, holder string) (bool, error) {
	now := r.clock.Now()
	query := `
		UPDATE maintenance_lock
		SET locked = ` + placeholder(1) + `, holder = ` + placeholder(2) + `, acquired_ms = ` + placeholder(3) + `, expires_ms = ` + placeholder(4) + `
		WHERE id = 1 AND (locked = ` + placeholder(5) + ` OR (expires_ms > 0 AND expires_ms <= ` + placeholder(6) + `))`
	res, err := r.db.ExecContext(ctx, query, true, holder, now.UnixMilli(), r.expiry(now), false, now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *MaintenanceRepository) ForceAcquire(ctx context.Context, holder string) error {
	now := r.clock.Now()
	query := `
		UPDATE maintenance_lock
		SET locked = ` + placeholder(1) + `, holder = ` + placeholder(2) + `, acquired_ms = ` + placeholder(3) + `, expires_ms = ` + placeholder(4) + `
		WHERE id = 1`
	_, err := r.db.ExecContext(ctx, query, true, holder, now.UnixMilli(), r.expiry(now))
	return err
}

// Renew checks ownership with a read first; MySQL reports matched-but-unchanged
// rows as not affected so RowsAffected cannot be used when next equals holder.
func (r *MaintenanceRepository) Renew(ctx context.Context, holder, next string) error {
	locked, current, _, _, err := r.read(ctx)
	if err != nil {
		return err
	}
	if !locked || current != holder {
		return updater.ErrLockLost
	}
	if r.lease <= 0 && next == holder {
		return nil
	}
	query := `
		UPDATE maintenance_lock
		SET holder = ` + placeholder(1) + `, expires_ms = ` + placeholder(2) + `
		WHERE id = 1 AND holder = ` + placeholder(3)
	res, err := r.db.ExecContext(ctx, query, next, r.expiry(r.clock.Now()), holder)
	if err != nil {
		return err
	}
	if next == holder {
		return nil
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return updater.ErrLockLost
	}
	return nil
}

// Release frees the lock only while holder owns it. The row always changes
// here, so RowsAffected is reliable on every dialect.
func (r *MaintenanceRepository) Release(ctx context.Context, holder string) error {
	query := `
		UPDATE maintenance_lock
		SET locked = ` + placeholder(1) + `, holder = NULL, acquired_ms = 0, expires_ms = 0
		WHERE id = 1 AND locked = ` + placeholder(2) + ` AND holder = ` + placeholder(3)
	res, err := r.db.ExecContext(ctx, query, false, true, holder)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return updater.ErrLockLost
	}
	return nil
}

func (r *MaintenanceRepository) ForceRelease(ctx context.Context) error {
	query := `
		UPDATE maintenance_lock
		SET locked = ` + placeholder(1) + `, holder = NULL, acquired_ms = 0, expires_ms = 0
		WHERE id = 1`
	_, err := r.db.ExecContext(ctx, query, false)
	return err
}

func (r *MaintenanceRepository) Status(ctx context.Context) (updater.LockStatus, error) {
	locked, holder, acquired, expires, err := r.read(ctx)
	if err != nil {
		return updater.LockStatus{}, err
	}
	if !locked || (expires > 0 && expires <= r.clock.Now().UnixMilli()) {
		return updater.LockStatus{}, nil
	}
	status := updater.LockStatus{Locked: true, Holder: holder, Acquired: time.UnixMilli(acquired).UTC()}
	if expires > 0 {
		status.Expires = time.UnixMilli(expires).UTC()
	}
	return status, nil
}

func (r *MaintenanceRepository) read(ctx context.Context) (bool, string, int64, int64, error) {
	var locked bool
	var holder sql.NullString
	var acquired, expires int64
	err := r.db.QueryRowContext(ctx,
		`SELECT locked, holder, acquired_ms, expires_ms FROM maintenance_lock WHERE id = 1`,
	).Scan(&locked, &holder, &acquired, &expires)
	if err != nil {
		return false, "", 0, 0, fmt.Errorf("read maintenance lock: %w", err)
	}
	return locked, holder.String, acquired, expires, nil
}

func (r *MaintenanceRepository) expiry(now time.Time) int64 {
	if r.lease <= 0 {
		return 0
	}
	return now.Add(r.lease).UnixMilli()
}

var _ updater.MaintenanceLock = (*MaintenanceRepository)(nil)
