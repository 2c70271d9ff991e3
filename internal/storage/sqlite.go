package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"stalewatch/internal/staleness"
	logx "stalewatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	// Databases created before the invalidated column existed.
	ok, err := s.hasColumn(ctx, "entries", "invalidated")
	if err != nil || ok {
		return err
	}
	_, err = s.db.ExecContext(ctx, `ALTER TABLE entries ADD COLUMN invalidated INTEGER NOT NULL DEFAULT 0`)
	return err
}

func (s *sqliteStore) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutEntry(ctx context.Context, r Record) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.Key == "" {
		return errors.New("record key required")
	}
	if r.SavedAt.IsZero() {
		r.SavedAt = time.Now()
	}
	var updated, ttl any
	if r.UpdatedAt != nil {
		updated = int64(*r.UpdatedAt)
	}
	if r.TTL != nil {
		ttl = r.TTL.Milliseconds()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries(key, value, updated_at, ttl_ms, stale, invalidated, last_error, saved_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET
		   value=excluded.value, updated_at=excluded.updated_at, ttl_ms=excluded.ttl_ms,
		   stale=excluded.stale, invalidated=excluded.invalidated,
		   last_error=excluded.last_error, saved_at=excluded.saved_at`,
		r.Key, r.Value, updated, ttl, boolInt(r.Stale), boolInt(r.Invalidated), nullStr(r.LastError), r.SavedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeleteEntry(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key)
	return err
}

func (s *sqliteStore) LoadEntries(ctx context.Context) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at, ttl_ms, stale, invalidated, last_error, saved_at FROM entries ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			updated sql.NullInt64
			ttl     sql.NullInt64
			stale   int
			inval   int
			lastErr sql.NullString
			savedAt int64
		)
		if err := rows.Scan(&r.Key, &r.Value, &updated, &ttl, &stale, &inval, &lastErr, &savedAt); err != nil {
			return nil, err
		}
		if updated.Valid {
			at := staleness.Instant(updated.Int64)
			r.UpdatedAt = &at
		}
		if ttl.Valid {
			d := time.Duration(ttl.Int64) * time.Millisecond
			r.TTL = &d
		}
		r.Stale = stale != 0
		r.Invalidated = inval != 0
		r.LastError = lastErr.String
		r.SavedAt = time.UnixMilli(savedAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *sqliteStore) PruneBefore(ctx context.Context, t time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE saved_at < ?`, t.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
