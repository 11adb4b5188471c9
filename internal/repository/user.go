package repository

import (
	"database/sql"
	"errors"
	"time"

	"github.com/RealZimboGuy/updateflow/pkg/updateflow/core"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
)

const userColumns = ` id, username, password, session_id, api_key, sessionExpiry, created, enabled, admin, permissions `

// UserRepository provides persistence methods for the users table.
type UserRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewUserRepository(db *sql.DB, clock core.Clock) *UserRepository {
	return &UserRepository{db: db, clock: clock}
}

// Save inserts a new user and returns its generated id.
// It will set Created to now if it's not provided (null or zero).
func (r *UserRepository) Save(u *domain.User) (int64, error) {
	if !u.Created.Valid {
		u.Created = sql.NullTime{Time: r.clock.Now().UTC(), Valid: true}
	}
	query := `
        INSERT INTO users (username, password, session_id, api_key, sessionExpiry, created, enabled, admin, permissions)
        VALUES (` + placeholders(1, 9) + `)`
	id, err := insertReturningID(r.db, query,
		u.Username,
		u.Password,
		u.SessionID,
		u.ApiKey,
		formatDateInDatabaseNull(u.SessionExpiry),
		formatDateInDatabase(u.Created.Time),
		u.Enabled,
		u.Admin,
		u.Permissions,
	)
	if err != nil {
		return 0, err
	}
	u.ID = id
	return id, nil
}

// FindByUsername fetches a user by exact username. Returns (nil, nil) if not found.
func (r *UserRepository) FindByUsername(username string) (*domain.User, error) {
	return r.findOne(`WHERE username = `+placeholder(1), username)
}

// FindBySessionID fetches a user by session_id and ensures sessionExpiry is in the future.
func (r *UserRepository) FindBySessionID(sessionID string, now time.Time) (*domain.User, error) {
	return r.findOne(`WHERE session_id = `+placeholder(1)+` AND sessionExpiry > `+placeholder(2),
		sessionID, formatDateInDatabase(now))
}

// FindByApiKey fetches a user by api_key (exact match). Returns (nil, nil) if not found.
func (r *UserRepository) FindByApiKey(apiKey string) (*domain.User, error) {
	return r.findOne(`WHERE api_key = `+placeholder(1), apiKey)
}

// UpdateSession sets session_id and sessionExpiry for a user by id.
func (r *UserRepository) UpdateSession(userID int64, sessionID string, expiry time.Time) error {
	query := `
        UPDATE users
        SET session_id = ` + placeholder(1) + `, sessionExpiry = ` + placeholder(2) + `
        WHERE id = ` + placeholder(3)
	_, err := r.db.Exec(query, sessionID, formatDateInDatabase(expiry), userID)
	return err
}

// ClearSessionBySessionID nulls session_id and sessionExpiry for the user with the given current session_id.
func (r *UserRepository) ClearSessionBySessionID(sessionID string) error {
	query := `
        UPDATE users
        SET session_id = NULL, sessionExpiry = NULL
        WHERE session_id = ` + placeholder(1)
	_, err := r.db.Exec(query, sessionID)
	return err
}

// FindAll returns all users ordered by id ascending.
func (r *UserRepository) FindAll() ([]domain.User, error) {
	rows, err := r.db.Query(`SELECT ` + userColumns + ` FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (r *UserRepository) findOne(where string, args ...any) (*domain.User, error) {
	u, err := scanUser(r.db.QueryRow(`SELECT `+userColumns+` FROM users `+where+` LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Password,
		&u.SessionID,
		&u.ApiKey,
		&u.SessionExpiry,
		&u.Created,
		&u.Enabled,
		&u.Admin,
		&u.Permissions,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
