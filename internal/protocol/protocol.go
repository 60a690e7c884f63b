package protocol

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Server lifecycle states. Transitions are stopped -> starting -> running,
// with error reachable from starting only.
const (
	StatusStopped  = "stopped"
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusError    = "error"
)

type Request struct {
	Action      string                 `json:"action"`
	Name        string                 `json:"name,omitempty"`
	Server      string                 `json:"server,omitempty"`
	Tool        string                 `json:"tool,omitempty"`
	Agent       string                 `json:"agent,omitempty"`
	Template    string                 `json:"template,omitempty"`
	Path        string                 `json:"path,omitempty"`
	Message     string                 `json:"message,omitempty"`
	MessageID   string                 `json:"message_id,omitempty"`
	Content     string                 `json:"content,omitempty"`
	Limit       int                    `json:"limit,omitempty"`
	Command     string                 `json:"command,omitempty"`
	CommandArgs []string               `json:"command_args,omitempty"`
	Env         map[string]string      `json:"env,omitempty"`
	Description string                 `json:"description,omitempty"`
	Category    string                 `json:"category,omitempty"`
	Prompt      string                 `json:"prompt,omitempty"`
	Servers     []string               `json:"servers,omitempty"`
	Args        map[string]interface{} `json:"args,omitempty"`
}

type ServerState struct {
	Name        string    `json:"name"`
	Command     string    `json:"command"`
	Args        []string  `json:"args,omitempty"`
	Category    string    `json:"category,omitempty"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	ToolCount   int       `json:"tool_count"`
	LastStarted time.Time `json:"last_started,omitzero"`
}

type ToolInfo struct {
	Server      string                 `json:"server"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

type ResourceInfo struct {
	Server      string `json:"server"`
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
}

type AgentInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	SystemPrompt string    `json:"system_prompt"`
	Servers      []string  `json:"servers"`
	Online       bool      `json:"online"`
	TemplateID   string    `json:"template_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active,omitzero"`
}

type TemplateInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	SystemPrompt string   `json:"system_prompt"`
	Servers      []string `json:"servers,omitempty"`
}

type ChatMessage struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	StopReason string    `json:"stop_reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type ServerTemplate struct {
	Name        string            `json:"name"`
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
	Category    string            `json:"category,omitempty"`
}

type CallRecord struct {
	At         time.Time              `json:"at"`
	Server     string                 `json:"server"`
	Tool       string                 `json:"tool"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
}

type Status struct {
	StartedAt   time.Time `json:"started_at"`
	UptimeSec   int64     `json:"uptime_sec"`
	ServerCount int       `json:"server_count"`
	AgentCount  int       `json:"agent_count"`
	ActiveAgent string    `json:"active_agent,omitempty"`
	Workspace   string    `json:"workspace,omitempty"`
}

type Response struct {
	OK         bool             `json:"ok"`
	Error      string           `json:"error,omitempty"`
	Status     *Status          `json:"status,omitempty"`
	Servers    []ServerState    `json:"servers,omitempty"`
	Tools      []ToolInfo       `json:"tools,omitempty"`
	Agents     []AgentInfo      `json:"agents,omitempty"`
	Agent      *AgentInfo       `json:"agent,omitempty"`
	Templates  []TemplateInfo   `json:"templates,omitempty"`
	Catalog    []ServerTemplate `json:"catalog,omitempty"`
	Transcript []ChatMessage    `json:"transcript,omitempty"`
	History    []CallRecord     `json:"history,omitempty"`
	Text       string           `json:"text,omitempty"`
}

// Stream frame kinds emitted by the chat action. A chat connection carries a
// sequence of StreamEvent frames terminated by "done" or "error".
const (
	EventText       = "text"
	EventToolStart  = "tool_start"
	EventToolResult = "tool_result"
	EventDone       = "done"
	EventError      = "error"
)

type StreamEvent struct {
	Event      string `json:"event"`
	Text       string `json:"text,omitempty"`
	Tool       string `json:"tool,omitempty"`
	ToolID     string `json:"tool_id,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	Content    string `json:"content,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	Error      string `json:"error,omitempty"`
}
