package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tamago-labs/asetta-agentd/internal/protocol"

	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	system_prompt TEXT NOT NULL,
	servers_json TEXT NOT NULL,
	is_online INTEGER NOT NULL,
	template_id TEXT,
	created_at_utc TEXT NOT NULL,
	last_active_utc TEXT
);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	stop_reason TEXT,
	created_at_utc TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_agent_seq ON messages(agent_id, seq);

CREATE TABLE IF NOT EXISTS call_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at_utc TEXT NOT NULL,
	server TEXT NOT NULL,
	tool TEXT NOT NULL,
	args_json TEXT,
	success INTEGER NOT NULL,
	error TEXT,
	duration_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_call_history_at ON call_history(at_utc, id);
CREATE INDEX IF NOT EXISTS idx_call_history_server_at ON call_history(server, at_utc, id);
`)
	if err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

func (s *Store) SaveAgent(agent protocol.AgentInfo) error {
	serversJSON, err := json.Marshal(agent.Servers)
	if err != nil {
		return fmt.Errorf("marshal agent servers: %w", err)
	}
	var lastActive string
	if !agent.LastActive.IsZero() {
		lastActive = agent.LastActive.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.Exec(`
INSERT INTO agents (id, name, description, system_prompt, servers_json, is_online, template_id, created_at_utc, last_active_utc)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name=excluded.name,
	description=excluded.description,
	system_prompt=excluded.system_prompt,
	servers_json=excluded.servers_json,
	is_online=excluded.is_online,
	template_id=excluded.template_id,
	last_active_utc=excluded.last_active_utc
`,
		agent.ID,
		agent.Name,
		agent.Description,
		agent.SystemPrompt,
		string(serversJSON),
		boolToInt(agent.Online),
		agent.TemplateID,
		agent.CreatedAt.UTC().Format(time.RFC3339Nano),
		lastActive,
	)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(id string) (*protocol.AgentInfo, error) {
	row := s.db.QueryRow(`
SELECT id, name, description, system_prompt, servers_json, is_online, template_id, created_at_utc, last_active_utc
FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

func (s *Store) ListAgents() ([]protocol.AgentInfo, error) {
	rows, err := s.db.Query(`
SELECT id, name, description, system_prompt, servers_json, is_online, template_id, created_at_utc, last_active_utc
FROM agents ORDER BY created_at_utc, id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	out := []protocol.AgentInfo{}
	for rows.Next() {
		agent, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteAgent(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM messages WHERE agent_id = ?`, id); err != nil {
		return fmt.Errorf("delete agent messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return tx.Commit()
}

func (s *Store) AppendMessage(agentID string, msg protocol.ChatMessage) error {
	_, err := s.db.Exec(`
INSERT INTO messages (id, agent_id, role, content, stop_reason, created_at_utc)
VALUES (?, ?, ?, ?, ?, ?)
`,
		msg.ID,
		agentID,
		msg.Role,
		msg.Content,
		msg.StopReason,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(agentID string) ([]protocol.ChatMessage, error) {
	rows, err := s.db.Query(`
SELECT id, role, content, stop_reason, created_at_utc
FROM messages WHERE agent_id = ? ORDER BY seq`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []protocol.ChatMessage{}
	for rows.Next() {
		var msg protocol.ChatMessage
		var stopReason sql.NullString
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &stopReason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if stopReason.Valid {
			msg.StopReason = stopReason.String
		}
		msg.CreatedAt = parseUTC(createdAt)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// ReplaceMessages swaps an agent's transcript for the given one atomically.
// Edit and delete are expressed as full-transcript rewrites on top of this.
func (s *Store) ReplaceMessages(agentID string, msgs []protocol.ChatMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("replace messages: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM messages WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	for _, msg := range msgs {
		if _, err := tx.Exec(`
INSERT INTO messages (id, agent_id, role, content, stop_reason, created_at_utc)
VALUES (?, ?, ?, ?, ?, ?)
`,
			msg.ID,
			agentID,
			msg.Role,
			msg.Content,
			msg.StopReason,
			msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) InsertCall(item protocol.CallRecord) error {
	var argsJSON string
	if len(item.Args) > 0 {
		data, err := json.Marshal(item.Args)
		if err != nil {
			return fmt.Errorf("marshal call args: %w", err)
		}
		argsJSON = string(data)
	}

	_, err := s.db.Exec(`
INSERT INTO call_history (at_utc, server, tool, args_json, success, error, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		item.At.UTC().Format(time.RFC3339Nano),
		item.Server,
		item.Tool,
		argsJSON,
		boolToInt(item.Success),
		item.Error,
		item.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

func (s *Store) ListCalls(serverFilter string, limit int) ([]protocol.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := `SELECT at_utc, server, tool, args_json, success, error, duration_ms FROM call_history`
	args := make([]any, 0, 2)
	if serverFilter != "" {
		query += " WHERE server = ?"
		args = append(args, serverFilter)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	out := make([]protocol.CallRecord, 0, limit)
	for rows.Next() {
		var atUTC string
		var argsJSON string
		var success int
		var errText sql.NullString
		var item protocol.CallRecord
		if err := rows.Scan(&atUTC, &item.Server, &item.Tool, &argsJSON, &success, &errText, &item.DurationMs); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		item.At = parseUTC(atUTC)
		item.Success = success == 1
		if errText.Valid {
			item.Error = errText.String
		}
		if argsJSON != "" {
			argsMap := map[string]interface{}{}
			if err := json.Unmarshal([]byte(argsJSON), &argsMap); err == nil {
				item.Args = argsMap
			}
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calls: %w", err)
	}

	for left, right := 0, len(out)-1; left < right; left, right = left+1, right-1 {
		out[left], out[right] = out[right], out[left]
	}

	return out, nil
}

type scanFunc func(dest ...any) error

func scanAgent(scan scanFunc) (*protocol.AgentInfo, error) {
	var agent protocol.AgentInfo
	var description sql.NullString
	var serversJSON string
	var online int
	var templateID sql.NullString
	var createdAt string
	var lastActive sql.NullString
	if err := scan(&agent.ID, &agent.Name, &description, &agent.SystemPrompt, &serversJSON, &online, &templateID, &createdAt, &lastActive); err != nil {
		return nil, err
	}
	if description.Valid {
		agent.Description = description.String
	}
	if templateID.Valid {
		agent.TemplateID = templateID.String
	}
	agent.Online = online == 1
	agent.CreatedAt = parseUTC(createdAt)
	if lastActive.Valid && lastActive.String != "" {
		agent.LastActive = parseUTC(lastActive.String)
	}
	agent.Servers = []string{}
	if serversJSON != "" {
		if err := json.Unmarshal([]byte(serversJSON), &agent.Servers); err != nil {
			return nil, fmt.Errorf("decode agent servers: %w", err)
		}
	}
	return &agent, nil
}

func parseUTC(value string) time.Time {
	at, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Now().UTC()
	}
	return at
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
