package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manifold/turnengine/internal/turn"
)

// PostgresStore is the durable backend: schema created with additive
// `CREATE TABLE IF NOT EXISTS`, plain pgxpool.Pool queries, no ORM.
// Tables: messages, agent_runs, compactions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("postgres store requires a pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS messages (
    id BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    tool_name TEXT NOT NULL DEFAULT '',
    tool_input TEXT NOT NULL DEFAULT '',
    ephemeral BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

CREATE TABLE IF NOT EXISTS agent_runs (
    run_id UUID PRIMARY KEY,
    session_id TEXT NOT NULL,
    status TEXT NOT NULL,
    assistant_content_json TEXT NOT NULL DEFAULT '',
    pending_tools_json TEXT NOT NULL DEFAULT '',
    current_tool_idx INTEGER NOT NULL DEFAULT 0,
    tool_results_json TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_agent_runs_session ON agent_runs(session_id, status);

CREATE TABLE IF NOT EXISTS compactions (
    id BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL,
    summary TEXT NOT NULL,
    first_kept_msg_id BIGINT NOT NULL,
    tokens_before INTEGER NOT NULL,
    details_json TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_compactions_session ON compactions(session_id, id DESC);
`)
	return err
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m turn.Message) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO messages (session_id, role, content, tool_name, tool_input, ephemeral)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		m.SessionID, string(m.Role), m.Content, m.ToolName, m.ToolInputJSON, m.Ephemeral,
	).Scan(&id)
	return id, err
}

func (s *PostgresStore) UpdateMessageContent(ctx context.Context, id int64, content string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET content = $1 WHERE id = $2`, content, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) fetch(ctx context.Context, sessionID string, firstID int64) ([]turn.Message, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, session_id, role, content, tool_name, tool_input, ephemeral, created_at
FROM messages WHERE session_id = $1 AND id >= $2 ORDER BY id ASC`, sessionID, firstID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []turn.Message
	for rows.Next() {
		var m turn.Message
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.ToolName, &m.ToolInputJSON, &m.Ephemeral, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = turn.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FetchMessages(ctx context.Context, sessionID string) ([]turn.Message, error) {
	return s.fetch(ctx, sessionID, 0)
}

func (s *PostgresStore) FetchMessagesFrom(ctx context.Context, sessionID string, firstID int64) ([]turn.Message, error) {
	return s.fetch(ctx, sessionID, firstID)
}

func (s *PostgresStore) CreateAgentRun(ctx context.Context, sessionID string) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
INSERT INTO agent_runs (run_id, session_id, status) VALUES ($1, $2, $3)`,
		id, sessionID, string(turn.RunStreaming))
	return id, err
}

func (s *PostgresStore) SetStatus(ctx context.Context, runID string, status turn.RunStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE agent_runs SET status=$1, updated_at=NOW() WHERE run_id=$2`, string(status), runID)
	return err
}

func (s *PostgresStore) SetAssistantContent(ctx context.Context, runID string, contentJSON string) error {
	_, err := s.pool.Exec(ctx, `UPDATE agent_runs SET assistant_content_json=$1, updated_at=NOW() WHERE run_id=$2`, contentJSON, runID)
	return err
}

func (s *PostgresStore) SetTools(ctx context.Context, runID string, pendingToolsJSON string, currentIndex int) error {
	_, err := s.pool.Exec(ctx, `UPDATE agent_runs SET pending_tools_json=$1, current_tool_idx=$2, updated_at=NOW() WHERE run_id=$3`,
		pendingToolsJSON, currentIndex, runID)
	return err
}

func (s *PostgresStore) SetResults(ctx context.Context, runID string, resultsJSON string) error {
	_, err := s.pool.Exec(ctx, `UPDATE agent_runs SET tool_results_json=$1, updated_at=NOW() WHERE run_id=$2`, resultsJSON, runID)
	return err
}

func (s *PostgresStore) Complete(ctx context.Context, runID string) error {
	return s.SetStatus(ctx, runID, turn.RunComplete)
}

func (s *PostgresStore) Fail(ctx context.Context, runID string) error {
	return s.SetStatus(ctx, runID, turn.RunFailed)
}

func (s *PostgresStore) NonTerminalRuns(ctx context.Context, sessionID string) ([]turn.AgentRun, error) {
	rows, err := s.pool.Query(ctx, `
SELECT run_id, session_id, status, assistant_content_json, pending_tools_json, current_tool_idx, tool_results_json
FROM agent_runs WHERE session_id=$1 AND status NOT IN ($2, $3)`,
		sessionID, string(turn.RunComplete), string(turn.RunFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []turn.AgentRun
	for rows.Next() {
		var r turn.AgentRun
		var status string
		if err := rows.Scan(&r.RunID, &r.SessionID, &status, &r.AssistantContent, &r.PendingToolsJSON, &r.CurrentToolIdx, &r.ToolResultsJSON); err != nil {
			return nil, err
		}
		r.Status = turn.RunStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestCompaction(ctx context.Context, sessionID string) (*turn.Compaction, error) {
	var c turn.Compaction
	err := s.pool.QueryRow(ctx, `
SELECT id, session_id, summary, first_kept_msg_id, tokens_before, details_json
FROM compactions WHERE session_id=$1 ORDER BY id DESC LIMIT 1`, sessionID,
	).Scan(&c.ID, &c.SessionID, &c.Summary, &c.FirstKeptMsgID, &c.TokensBefore, &c.FileOpsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateCompaction(ctx context.Context, c turn.Compaction) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO compactions (session_id, summary, first_kept_msg_id, tokens_before, details_json)
VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		c.SessionID, c.Summary, c.FirstKeptMsgID, c.TokensBefore, c.FileOpsJSON,
	).Scan(&id)
	return id, err
}
