// Package backup takes logical database snapshots before migrations run and
// restores them when a migration fails. A snapshot is a zstd compressed stream
// of JSON lines: one header per table followed by its rows.
//
// Only data is captured. Tables created after the snapshot are dropped on
// restore, but columns added to existing tables are not removed.
package backup

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/RealZimboGuy/updateflow/internal/config"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/core"
)

const timeLayout = "2006-01-02 15:04:05.999999"

// tables that must survive a restore untouched
var excluded = map[string]bool{
	"maintenance_lock": true,
	"step_logs":        true,
}

type record struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns,omitempty"`
	Row     []any    `json:"row,omitempty"`
}

type Settings struct {
	Dir          string
	DatabaseType string
}

type Backupper struct {
	db       *sql.DB
	settings Settings
	clock    core.Clock
}

func New(db *sql.DB, settings Settings, clock core.Clock) *Backupper {
	return &Backupper{db: db, settings: settings, clock: clock}
}

// Backup writes a snapshot of every application table and returns its path.
func (b *Backupper) Backup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(b.settings.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	tables, err := b.tables(ctx, b.db)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("backup-%s-%s.jsonl.zst", b.clock.Now().UTC().Format("20060102-150405"), uuid.NewString()[:8])
	path := filepath.Join(b.settings.Dir, name)

	tmp, err := os.CreateTemp(b.settings.Dir, ".backup-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return "", err
	}
	enc := json.NewEncoder(zw)
	rows := 0
	for _, table := range tables {
		n, err := b.dumpTable(ctx, enc, table)
		if err != nil {
			zw.Close()
			tmp.Close()
			return "", fmt.Errorf("dump %s: %w", table, err)
		}
		rows += n
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	slog.InfoContext(ctx, "Database backup written", "path", path, "tables", len(tables), "rows", rows)
	return path, nil
}

func (b *Backupper) dumpTable(ctx context.Context, enc *json.Encoder, table string) (int, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT * FROM "+b.quote(table))
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	if err := enc.Encode(record{Table: table, Columns: cols}); err != nil {
		return 0, err
	}
	n := 0
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return n, err
		}
		for i, v := range values {
			values[i] = encodeValue(v)
		}
		if err := enc.Encode(record{Table: table, Row: values}); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}

// Restore replaces the content of the database with the snapshot at path in
// one transaction.
func (b *Backupper) Restore(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := b.tables(ctx, tx)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(zr)
	dec.UseNumber()
	restored := make(map[string]bool)
	var insert string
	for {
		var rec record
		if err := dec.Decode(&rec); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return fmt.Errorf("read backup: %w", err)
		}
		if rec.Columns != nil {
			restored[rec.Table] = true
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+b.quote(rec.Table)); err != nil {
				return fmt.Errorf("clear %s: %w", rec.Table, err)
			}
			insert = b.insertStatement(rec.Table, rec.Columns)
			continue
		}
		args := make([]any, len(rec.Row))
		for i, v := range rec.Row {
			args[i] = decodeValue(v)
		}
		if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("restore %s: %w", rec.Table, err)
		}
	}

	for _, table := range current {
		if restored[table] {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DROP TABLE "+b.quote(table)); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
		slog.InfoContext(ctx, "Dropped table created after backup", "table", table)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Database restored", "path", path, "tables", len(restored))
	return nil
}

// Discard deletes a snapshot that is no longer needed.
func (b *Backupper) Discard(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (b *Backupper) tables(ctx context.Context, q querier) ([]string, error) {
	var query string
	switch b.settings.DatabaseType {
	case config.DATABASE_TYPE_POSTGRES:
		query = `SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'`
	case config.DATABASE_TYPE_MYSQL:
		query = `SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'`
	default:
		query = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`
	}
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if !excluded[name] {
			tables = append(tables, name)
		}
	}
	sort.Strings(tables)
	return tables, rows.Err()
}

func (b *Backupper) quote(name string) string {
	if b.settings.DatabaseType == config.DATABASE_TYPE_MYSQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (b *Backupper) insertStatement(table string, cols []string) string {
	quoted := make([]string, len(cols))
	binds := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = b.quote(c)
		if b.settings.DatabaseType == config.DATABASE_TYPE_POSTGRES {
			binds[i] = fmt.Sprintf("$%d", i+1)
		} else {
			binds[i] = "?"
		}
	}
	return "INSERT INTO " + b.quote(table) + " (" + strings.Join(quoted, ", ") + ") VALUES (" + strings.Join(binds, ", ") + ")"
}

func encodeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		if utf8.Valid(t) {
			return string(t)
		}
		return map[string]string{"base64": base64.StdEncoding.EncodeToString(t)}
	case time.Time:
		return t.UTC().Format(timeLayout)
	}
	return v
}

func decodeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		if s, ok := t["base64"].(string); ok {
			if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
				return raw
			}
		}
	}
	return v
}
