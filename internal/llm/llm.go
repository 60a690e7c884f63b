// Package llm defines the streaming model-client boundary the conversation
// engine talks to. The engine never imports a provider SDK directly; it
// consumes the event taxonomy below and providers translate into it.
package llm

import "context"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Block kinds inside a message.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stop reasons reported at end of turn.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
)

// Event kinds produced by a stream.
const (
	EventText           = "text"
	EventToolUseStart   = "tool_use_start"
	EventToolInputDelta = "tool_input_delta"
	EventBlockStop      = "block_stop"
	EventTurnStop       = "turn_stop"
)

type Block struct {
	Type    string
	Text    string
	ID      string
	Name    string
	Input   map[string]interface{}
	IsError bool
}

type Message struct {
	Role   string
	Blocks []Block
}

func TextMessage(role, text string) Message {
	return Message{Role: role, Blocks: []Block{{Type: BlockText, Text: text}}}
}

type Tool struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

type Request struct {
	System   string
	Tools    []Tool
	Messages []Message
}

type Event struct {
	Type        string
	Text        string
	ToolID      string
	ToolName    string
	PartialJSON string
	StopReason  string
}

// Stream yields events until the turn ends. Recv returns io.EOF after the
// turn_stop event has been delivered.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

type Client interface {
	OpenStream(ctx context.Context, req Request) (Stream, error)
}
