// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Session/agent/message documents with JSON columns and automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Writes from concurrent event handlers interleave at the document level,
	// so WAL mode matters here
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			org_id     TEXT NOT NULL,
			team_id    TEXT NOT NULL,
			status     TEXT NOT NULL,
			prompt     TEXT NOT NULL,
			type       TEXT NOT NULL,
			agents     TEXT,
			team_spec  TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,

			CHECK (status IN ('CREATED', 'STARTED', 'RUNNING', 'WAITING', 'TERMINATED'))
		);

		CREATE TABLE IF NOT EXISTS agents (
			id                    TEXT PRIMARY KEY,
			session_id            TEXT NOT NULL,
			org_id                TEXT NOT NULL,
			team_id               TEXT NOT NULL,
			name                  TEXT NOT NULL,
			type                  TEXT NOT NULL,
			llm_config            TEXT,
			code_execution_config TEXT,
			is_user_proxy         INTEGER NOT NULL DEFAULT 0,
			system_message        TEXT,
			human_input_mode      TEXT,
			created_at            DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agents_session ON agents(session_id);

		CREATE TABLE IF NOT EXISTS chat_messages (
			id           TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			org_id       TEXT,
			team_id      TEXT,
			chunk_id     TEXT,
			message      TEXT NOT NULL,
			type         TEXT,
			author_id    TEXT,
			author_name  TEXT,
			ts           INTEGER NOT NULL,
			is_feedback  INTEGER NOT NULL DEFAULT 0,
			incoming     INTEGER NOT NULL DEFAULT 0,
			display_type TEXT,
			tokens       INTEGER NOT NULL DEFAULT 0,
			chunks       TEXT,
			code_blocks  TEXT,
			completed    INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_ts ON chat_messages(session_id, ts);
		CREATE INDEX IF NOT EXISTS idx_messages_chunk ON chat_messages(session_id, chunk_id, completed);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetSession loads a session document by id
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, team_id, status, prompt, type, agents, team_spec, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	var sess Session
	var agentsJSON, teamSpec sql.NullString
	err := row.Scan(&sess.ID, &sess.OrgID, &sess.TeamID, &sess.Status, &sess.Prompt,
		&sess.Type, &agentsJSON, &teamSpec, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	if agentsJSON.Valid && agentsJSON.String != "" {
		if err := json.Unmarshal([]byte(agentsJSON.String), &sess.Agents); err != nil {
			return nil, fmt.Errorf("decoding session agents: %w", err)
		}
	}
	sess.TeamSpec = teamSpec.String
	return &sess, nil
}

// CreateSession inserts a new session document
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	agentsJSON, err := encodeAgentRefs(session.Agents)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, org_id, team_id, status, prompt, type, agents, team_spec, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.OrgID, session.TeamID, session.Status, session.Prompt,
		session.Type, agentsJSON, session.TeamSpec, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// UpdateSessionStatus persists a new status for the session
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	return requireRow(res)
}

// UpdateSessionAgents sets the session's agent refs and records the raw
// team-specification text alongside them
func (s *SQLiteStore) UpdateSessionAgents(ctx context.Context, id string, agents []AgentRef, teamSpec string) error {
	agentsJSON, err := encodeAgentRefs(agents)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET agents = ?, team_spec = ? WHERE id = ?`, agentsJSON, teamSpec, id)
	if err != nil {
		return fmt.Errorf("updating session agents: %w", err)
	}
	return requireRow(res)
}

// TouchSession refreshes the session's last-activity timestamp
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return requireRow(res)
}

// CreateAgents bulk-inserts agents in one transaction
func (s *SQLiteStore) CreateAgents(ctx context.Context, agents []*Agent) error {
	if len(agents) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO agents (id, session_id, org_id, team_id, name, type, llm_config,
			code_execution_config, is_user_proxy, system_message, human_input_mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing agent insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range agents {
		var llmConfig any
		if len(a.LLMConfig) > 0 {
			llmConfig = string(a.LLMConfig)
		}
		var execConfig any
		if a.CodeExecutionConfig != nil {
			encoded, err := json.Marshal(a.CodeExecutionConfig)
			if err != nil {
				return fmt.Errorf("encoding code execution config: %w", err)
			}
			execConfig = string(encoded)
		}

		if _, err := stmt.ExecContext(ctx, a.ID, a.SessionID, a.OrgID, a.TeamID, a.Name,
			a.Type, llmConfig, execConfig, a.IsUserProxy, a.SystemMessage,
			a.HumanInputMode, a.CreatedAt); err != nil {
			return fmt.Errorf("inserting agent %s: %w", a.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing agents: %w", err)
	}

	s.logger.Debug("agents created", "count", len(agents), "session_id", agents[0].SessionID)
	return nil
}

// ListSessionAgents returns all agents materialized for a session
func (s *SQLiteStore) ListSessionAgents(ctx context.Context, sessionID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, org_id, team_id, name, type, llm_config,
			code_execution_config, is_user_proxy, system_message, human_input_mode, created_at
		FROM agents WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		var llmConfig, execConfig, systemMessage, humanInputMode sql.NullString
		if err := rows.Scan(&a.ID, &a.SessionID, &a.OrgID, &a.TeamID, &a.Name, &a.Type,
			&llmConfig, &execConfig, &a.IsUserProxy, &systemMessage, &humanInputMode,
			&a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		if llmConfig.Valid {
			a.LLMConfig = json.RawMessage(llmConfig.String)
		}
		if execConfig.Valid && execConfig.String != "" {
			var cfg CodeExecutionConfig
			if err := json.Unmarshal([]byte(execConfig.String), &cfg); err != nil {
				return nil, fmt.Errorf("decoding code execution config: %w", err)
			}
			a.CodeExecutionConfig = &cfg
		}
		a.SystemMessage = systemMessage.String
		a.HumanInputMode = humanInputMode.String
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// encodeAgentRefs marshals agent refs, mapping nil/empty to SQL NULL
func encodeAgentRefs(agents []AgentRef) (any, error) {
	if len(agents) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(agents)
	if err != nil {
		return nil, fmt.Errorf("encoding agent refs: %w", err)
	}
	return string(encoded), nil
}

// requireRow maps zero-row updates to ErrNotFound
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
