package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pushpilot/internal/automation"
	"pushpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Load(ctx context.Context, id string) (*automation.Automation, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM automations WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", automation.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var a automation.Automation
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return nil, fmt.Errorf("automation %s: %w", id, err)
	}
	return &a, nil
}

func (s *sqliteStore) LoadAll(ctx context.Context) ([]*automation.Automation, error) {
	return s.loadWhere(ctx, `SELECT payload FROM automations ORDER BY id`)
}

func (s *sqliteStore) LoadAllActive(ctx context.Context) ([]*automation.Automation, error) {
	return s.loadWhere(ctx, `SELECT payload FROM automations WHERE is_active = 1 AND status = 'active' ORDER BY id`)
}

func (s *sqliteStore) loadWhere(ctx context.Context, query string, args ...any) ([]*automation.Automation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*automation.Automation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var a automation.Automation
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			s.log.Warn("skipping corrupt automation row", logx.Err(err))
			continue
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Save(ctx context.Context, auto *automation.Automation) error {
	if auto == nil || strings.TrimSpace(auto.ID) == "" {
		return automation.ErrInvalidAutomation
	}
	auto.UpdatedAt = time.Now().UTC()
	if auto.CreatedAt.IsZero() {
		auto.CreatedAt = auto.UpdatedAt
	}

	payload, err := json.Marshal(auto)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automations (id, name, is_active, status, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			is_active = excluded.is_active,
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		auto.ID, auto.Name, boolInt(auto.IsActive), string(auto.Status), string(payload),
		auto.CreatedAt.UnixMilli(), auto.UpdatedAt.UnixMilli())
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM automations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", automation.ErrNotFound, id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
