package taskgraph

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists the task graph snapshot to a SQLite file. List-valued
// and map-valued fields are stored as JSON columns; the graph only needs
// whole-row save and load.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

const taskSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	depends_on TEXT NOT NULL DEFAULT '[]',
	owner_agent_id TEXT NOT NULL DEFAULT '',
	parent_task_id TEXT NOT NULL DEFAULT '',
	required_capabilities TEXT NOT NULL DEFAULT '[]',
	input TEXT NOT NULL DEFAULT '',
	expected_output TEXT NOT NULL DEFAULT '',
	acceptance_criteria TEXT NOT NULL DEFAULT '',
	max_retries INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	timeout_ms INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_agent_id);

CREATE TABLE IF NOT EXISTS capability_profiles (
	agent_id TEXT PRIMARY KEY,
	payload TEXT NOT NULL
);
`

// NewSQLiteStore opens (and initializes) the snapshot database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(taskSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

type taskRow struct {
	Task
	DependsOnJSON    string `db:"depends_on"`
	CapabilitiesJSON string `db:"required_capabilities"`
}

// SaveTask upserts one task row.
func (s *SQLiteStore) SaveTask(task *Task) error {
	deps, err := json.Marshal(task.DependsOn)
	if err != nil {
		return err
	}
	caps, err := json.Marshal(task.RequiredCapabilities)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO tasks (
			id, title, description, priority, status, depends_on,
			owner_agent_id, parent_task_id, required_capabilities,
			input, expected_output, acceptance_criteria,
			max_retries, retry_count, timeout_ms, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			priority = excluded.priority,
			status = excluded.status,
			depends_on = excluded.depends_on,
			owner_agent_id = excluded.owner_agent_id,
			parent_task_id = excluded.parent_task_id,
			required_capabilities = excluded.required_capabilities,
			input = excluded.input,
			expected_output = excluded.expected_output,
			acceptance_criteria = excluded.acceptance_criteria,
			max_retries = excluded.max_retries,
			retry_count = excluded.retry_count,
			timeout_ms = excluded.timeout_ms,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		task.ID, task.Title, task.Description, task.Priority, string(task.Status), string(deps),
		task.OwnerAgentID, task.ParentTaskID, string(caps),
		task.Input, task.ExpectedOutput, task.AcceptanceCriteria,
		task.MaxRetries, task.RetryCount, task.TimeoutMS, task.Version, task.CreatedAt, task.UpdatedAt,
	)
	return err
}

// DeleteTask removes one task row.
func (s *SQLiteStore) DeleteTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	return err
}

// LoadTasks returns every persisted task.
func (s *SQLiteStore) LoadTasks() ([]*Task, error) {
	var rows []taskRow
	if err := s.db.Select(&rows, `SELECT * FROM tasks`); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	out := make([]*Task, 0, len(rows))
	for i := range rows {
		task := rows[i].Task
		if err := json.Unmarshal([]byte(rows[i].DependsOnJSON), &task.DependsOn); err != nil {
			return nil, fmt.Errorf("decode depends_on for %s: %w", task.ID, err)
		}
		if err := json.Unmarshal([]byte(rows[i].CapabilitiesJSON), &task.RequiredCapabilities); err != nil {
			return nil, fmt.Errorf("decode required_capabilities for %s: %w", task.ID, err)
		}
		out = append(out, &task)
	}
	return out, nil
}

// SaveProfile upserts one capability profile as a JSON payload.
func (s *SQLiteStore) SaveProfile(profile *CapabilityProfile) error {
	payload, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO capability_profiles (agent_id, payload) VALUES (?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET payload = excluded.payload`,
		profile.AgentID, string(payload))
	return err
}

// DeleteProfile removes one capability profile row.
func (s *SQLiteStore) DeleteProfile(agentID string) error {
	_, err := s.db.Exec(`DELETE FROM capability_profiles WHERE agent_id = ?`, agentID)
	return err
}

// LoadProfiles returns every persisted capability profile.
func (s *SQLiteStore) LoadProfiles() ([]*CapabilityProfile, error) {
	var payloads []string
	if err := s.db.Select(&payloads, `SELECT payload FROM capability_profiles`); err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	out := make([]*CapabilityProfile, 0, len(payloads))
	for _, raw := range payloads {
		var p CapabilityProfile
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
		out = append(out, &p)
	}
	return out, nil
}

// Clear drops all persisted rows.
func (s *SQLiteStore) Clear() error {
	var errs []string
	if _, err := s.db.Exec(`DELETE FROM tasks`); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := s.db.Exec(`DELETE FROM capability_profiles`); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("clear store: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
