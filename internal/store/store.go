package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mtzanidakis/scriptcrew/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db   *sql.DB
	path string
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// Pragmas go in the DSN so that every pooled connection gets them;
	// foreign_keys in particular is per connection. Immediate transactions
	// take the write lock up front so validation reads and the write that
	// follows them see the same snapshot.
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Set("_txlock", "immediate")
	q.Set("_time_format", "sqlite")
	dsn := "file:" + cfg.Path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, path: cfg.Path}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Path is the database file on disk.
func (s *Store) Path() string {
	return s.path
}

// Checkpoint folds the WAL back into the main database file so the file can
// be copied on its own.
func (s *Store) Checkpoint() error {
	_, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS crews (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id      TEXT NOT NULL DEFAULT '',
			name          TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			is_flow       BOOLEAN NOT NULL DEFAULT FALSE,
			parent_id     INTEGER REFERENCES crews(id) ON DELETE CASCADE,
			config        TEXT NOT NULL DEFAULT '{}',
			status        TEXT NOT NULL DEFAULT 'idle',
			created_at    DATETIME NOT NULL,
			updated_at    DATETIME NOT NULL,
			last_executed DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_crews_parent ON crews(parent_id)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			crew_id          INTEGER NOT NULL REFERENCES crews(id) ON DELETE CASCADE,
			name             TEXT NOT NULL,
			role             TEXT NOT NULL,
			custom_role      TEXT NOT NULL DEFAULT '',
			description      TEXT NOT NULL DEFAULT '',
			goals            TEXT NOT NULL DEFAULT '[]',
			backstory        TEXT NOT NULL DEFAULT '',
			tools            TEXT NOT NULL DEFAULT '[]',
			allow_delegation BOOLEAN NOT NULL DEFAULT TRUE,
			verbose          BOOLEAN NOT NULL DEFAULT FALSE,
			llm_config       TEXT NOT NULL DEFAULT '{}',
			created_at       DATETIME NOT NULL,
			updated_at       DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_crew ON agents(crew_id)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			crew_id         INTEGER NOT NULL REFERENCES crews(id) ON DELETE CASCADE,
			agent_id        INTEGER NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			name            TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			expected_output TEXT NOT NULL DEFAULT '',
			context         TEXT NOT NULL DEFAULT '[]',
			status          TEXT NOT NULL DEFAULT 'pending',
			input_data      TEXT NOT NULL DEFAULT '{}',
			output_data     TEXT NOT NULL DEFAULT '{}',
			error_message   TEXT NOT NULL DEFAULT '',
			output_file     TEXT NOT NULL DEFAULT '',
			started_at      DATETIME,
			completed_at    DATETIME,
			created_at      DATETIME NOT NULL,
			updated_at      DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_crew ON tasks(crew_id, status)`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id       INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			depends_on_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			position      INTEGER NOT NULL,
			PRIMARY KEY (task_id, depends_on_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_deps_reverse ON task_dependencies(depends_on_id)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id         TEXT PRIMARY KEY,
			crew_id    INTEGER NOT NULL REFERENCES crews(id) ON DELETE CASCADE,
			status     TEXT NOT NULL DEFAULT 'running',
			started_at DATETIME NOT NULL,
			ended_at   DATETIME,
			results    TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_crew ON executions(crew_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS crew_schedules (
			id          TEXT PRIMARY KEY,
			crew_id     INTEGER NOT NULL REFERENCES crews(id) ON DELETE CASCADE,
			name        TEXT NOT NULL,
			schedule    TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'active',
			next_run_at DATETIME,
			last_run_at DATETIME,
			last_status TEXT,
			last_error  TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON crew_schedules(status, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT,
			value       BLOB NOT NULL,
			nonce       BLOB NOT NULL,
			global      INTEGER NOT NULL DEFAULT 0,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS crew_secrets (
			crew_id   INTEGER NOT NULL REFERENCES crews(id) ON DELETE CASCADE,
			secret_id TEXT NOT NULL REFERENCES secrets(id) ON DELETE CASCADE,
			PRIMARY KEY (crew_id, secret_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

func encodeJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
