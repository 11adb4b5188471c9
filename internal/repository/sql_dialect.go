package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/RealZimboGuy/updateflow/internal/config"
)

// placeholder returns the correct bind variable for the given index based on DB type.
// Postgres uses $1, $2... while MySQL and SQLite use ?
func placeholder(i int) string {
	db := config.GetSystemSettingString(config.DATABASE_TYPE)
	if db == config.DATABASE_TYPE_POSTGRES {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// placeholders returns n comma separated bind variables starting at from.
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = placeholder(from + i)
	}
	return strings.Join(parts, ", ")
}

func supportsReturning() bool {
	return config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_POSTGRES
}

// upsertSuffix completes an INSERT so an existing row with the same key gets cols updated.
func upsertSuffix(key string, cols ...string) string {
	sets := make([]string, len(cols))
	if config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_MYSQL {
		for i, c := range cols {
			sets[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
		}
		return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return " ON CONFLICT (" + key + ") DO UPDATE SET " + strings.Join(sets, ", ")
}

func formatDateInDatabase(t time.Time) string {
	switch config.GetSystemSettingString(config.DATABASE_TYPE) {
	case config.DATABASE_TYPE_SQLLITE:
		return t.UTC().Format("2006-01-02 15:04:05.000")
	case config.DATABASE_TYPE_MYSQL:
		return t.UTC().Format("2006-01-02 15:04:05.000000")
	}
	// PostgreSQL supports RFC3339
	return t.UTC().Format(time.RFC3339Nano)
}

func formatDateInDatabaseNull(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return formatDateInDatabase(t.Time)
}

// insertReturningID runs an INSERT and returns the generated id, using
// RETURNING where the database has it and LastInsertId otherwise.
func insertReturningID(db *sql.DB, query string, args ...any) (int64, error) {
	var id int64
	if supportsReturning() {
		err := db.QueryRow(query+" RETURNING id", args...).Scan(&id)
		return id, err
	}
	res, err := db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
