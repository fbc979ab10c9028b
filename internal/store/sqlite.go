// ABOUTME: SQLite implementation of the SkillStore interface using modernc.org/sqlite
// ABOUTME: Provides skill persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/2389/mcp-broker/internal/mcp"
)

// SQLiteStore implements SkillStore backed by a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite skill store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS skills (
			id              TEXT NOT NULL,
			tenant_id       TEXT NOT NULL,
			name            TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			server_id       TEXT NOT NULL,
			capability      TEXT NOT NULL,
			active          INTEGER NOT NULL DEFAULT 1,
			prompt          TEXT NOT NULL DEFAULT '',
			priority        INTEGER NOT NULL DEFAULT 0,
			examples_json   TEXT,
			conditions_json TEXT,

			PRIMARY KEY (tenant_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_skills_tenant ON skills(tenant_id);
		CREATE INDEX IF NOT EXISTS idx_skills_priority ON skills(tenant_id, priority DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveSkill inserts or replaces a skill row.
func (s *SQLiteStore) SaveSkill(ctx context.Context, skill *mcp.Skill) error {
	examples, err := json.Marshal(skill.Examples)
	if err != nil {
		return fmt.Errorf("encoding examples: %w", err)
	}
	conditions, err := json.Marshal(skill.Conditions)
	if err != nil {
		return fmt.Errorf("encoding conditions: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO skills
			(id, tenant_id, name, description, server_id, capability, active, prompt, priority, examples_json, conditions_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		skill.ID,
		skill.TenantID,
		skill.Name,
		skill.Description,
		skill.ServerID,
		skill.Capability,
		boolToInt(skill.Active),
		skill.Prompt,
		skill.Priority,
		string(examples),
		string(conditions),
	)
	if err != nil {
		return fmt.Errorf("inserting skill: %w", err)
	}

	s.logger.Debug("saved skill", "id", skill.ID, "tenant_id", skill.TenantID)
	return nil
}

// DeleteSkill removes a skill row. Returns ErrNotFound if no row matched.
func (s *SQLiteStore) DeleteSkill(ctx context.Context, id, tenantID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM skills WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return fmt.Errorf("deleting skill: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted skill", "id", id, "tenant_id", tenantID)
	return nil
}

// LoadTenantSkills returns all skills stored for a tenant, highest priority first.
func (s *SQLiteStore) LoadTenantSkills(ctx context.Context, tenantID string) ([]*mcp.Skill, error) {
	query := `
		SELECT id, tenant_id, name, description, server_id, capability, active, prompt, priority, examples_json, conditions_json
		FROM skills
		WHERE tenant_id = ?
		ORDER BY priority DESC, id
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying skills: %w", err)
	}
	defer rows.Close()

	var skills []*mcp.Skill
	for rows.Next() {
		var skill mcp.Skill
		var active int
		var examplesJSON, conditionsJSON sql.NullString

		if err := rows.Scan(
			&skill.ID,
			&skill.TenantID,
			&skill.Name,
			&skill.Description,
			&skill.ServerID,
			&skill.Capability,
			&active,
			&skill.Prompt,
			&skill.Priority,
			&examplesJSON,
			&conditionsJSON,
		); err != nil {
			return nil, fmt.Errorf("scanning skill row: %w", err)
		}

		skill.Active = active != 0
		if examplesJSON.Valid && examplesJSON.String != "" {
			if err := json.Unmarshal([]byte(examplesJSON.String), &skill.Examples); err != nil {
				return nil, fmt.Errorf("decoding examples: %w", err)
			}
		}
		if conditionsJSON.Valid && conditionsJSON.String != "" {
			if err := json.Unmarshal([]byte(conditionsJSON.String), &skill.Conditions); err != nil {
				return nil, fmt.Errorf("decoding conditions: %w", err)
			}
		}
		skills = append(skills, &skill)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating skill rows: %w", err)
	}
	return skills, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ SkillStore = (*SQLiteStore)(nil)
