// Package engine drives the conversation loop: stream a model turn, execute
// any tools it requested, feed the results back, repeat until the model
// stops asking for tools.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tamago-labs/asetta-agentd/internal/llm"
	"github.com/tamago-labs/asetta-agentd/internal/protocol"
)

// generalSystemPrompt is used when no agent is active: plain assistant,
// no tools.
const generalSystemPrompt = "You are a helpful AI assistant. Answer clearly and concisely."

type TurnResult struct {
	Content    string
	StopReason string
	ToolRounds int
}

// ToolSource supplies the tools an agent may use. Implemented by the agent
// directory; nil means general mode.
type ToolSource interface {
	AgentTools(agentID string) ([]protocol.ToolInfo, error)
	ToolContext(agentID string) (string, error)
}

// ToolInvoker executes one tool call. Implemented by the registry invoker.
type ToolInvoker interface {
	Invoke(ctx context.Context, server, tool string, args map[string]interface{}) (string, error)
}

type Engine struct {
	client        llm.Client
	invoker       ToolInvoker
	tools         ToolSource
	workspaceRoot func() string

	MaxWindow     int
	MaxToolRounds int
}

func New(client llm.Client, invoker ToolInvoker, tools ToolSource, workspaceRoot func() string) *Engine {
	return &Engine{
		client:        client,
		invoker:       invoker,
		tools:         tools,
		workspaceRoot: workspaceRoot,
		MaxWindow:     25,
		MaxToolRounds: 8,
	}
}

// RunTurn sends one user turn through the model, executing requested tools
// sequentially in stream order. emit receives incremental frames as they
// happen. The returned content is the text of the final round only; tool
// rounds surface through emit.
func (e *Engine) RunTurn(ctx context.Context, agent *protocol.AgentInfo, history []protocol.ChatMessage, userText string, emit func(protocol.StreamEvent)) (*TurnResult, error) {
	req := llm.Request{
		System:   e.systemPrompt(agent),
		Messages: e.buildMessages(history, userText),
	}
	if agent != nil && e.tools != nil {
		tools, err := e.tools.AgentTools(agent.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range tools {
			req.Tools = append(req.Tools, llm.Tool{
				Name:        t.Server + "_" + t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}

	rounds := 0
	for {
		text, pending, stopReason, err := e.streamRound(ctx, req, emit)
		if err != nil {
			return nil, err
		}

		if stopReason != llm.StopToolUse || len(pending) == 0 {
			return &TurnResult{Content: text, StopReason: stopReason, ToolRounds: rounds}, nil
		}
		if rounds >= e.MaxToolRounds {
			marker := fmt.Sprintf("\n\n*[Stopped after %d tool iterations]*", e.MaxToolRounds)
			emit(protocol.StreamEvent{Event: protocol.EventText, Text: marker})
			return &TurnResult{Content: text + marker, StopReason: llm.StopEndTurn, ToolRounds: rounds}, nil
		}

		assistant := llm.Message{Role: llm.RoleAssistant}
		if strings.TrimSpace(text) != "" {
			assistant.Blocks = append(assistant.Blocks, llm.Block{Type: llm.BlockText, Text: strings.TrimSpace(text)})
		}
		results := llm.Message{Role: llm.RoleUser}
		for _, tool := range pending {
			assistant.Blocks = append(assistant.Blocks, llm.Block{
				Type:  llm.BlockToolUse,
				ID:    tool.id,
				Name:  tool.name,
				Input: tool.input,
			})
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			block := e.executeTool(ctx, tool)
			results.Blocks = append(results.Blocks, block)
			emit(protocol.StreamEvent{
				Event:   protocol.EventToolResult,
				Tool:    tool.name,
				ToolID:  tool.id,
				IsError: block.IsError,
				Content: block.Text,
			})
		}
		req.Messages = append(req.Messages, assistant, results)
		emit(protocol.StreamEvent{Event: protocol.EventText, Text: "\n"})
		rounds++
	}
}

type pendingTool struct {
	id        string
	name      string
	inputJSON string
	input     map[string]interface{}
}

func (e *Engine) streamRound(ctx context.Context, req llm.Request, emit func(protocol.StreamEvent)) (string, []*pendingTool, string, error) {
	stream, err := e.client.OpenStream(ctx, req)
	if err != nil {
		return "", nil, "", fmt.Errorf("model call: %w", err)
	}
	defer stream.Close()

	var text strings.Builder
	pending := []*pendingTool{}
	byID := map[string]*pendingTool{}
	stopReason := llm.StopEndTurn

	// markers are shown to the user but kept out of the assistant text
	marker := func(fragment string) {
		emit(protocol.StreamEvent{Event: protocol.EventText, Text: fragment})
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", nil, "", err
		}
		ev, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				break
			}
			return "", nil, "", fmt.Errorf("model stream: %w", err)
		}
		switch ev.Type {
		case llm.EventText:
			text.WriteString(ev.Text)
			emit(protocol.StreamEvent{Event: protocol.EventText, Text: ev.Text})
		case llm.EventToolUseStart:
			tool := &pendingTool{id: ev.ToolID, name: ev.ToolName}
			pending = append(pending, tool)
			byID[ev.ToolID] = tool
			emit(protocol.StreamEvent{Event: protocol.EventToolStart, Tool: ev.ToolName, ToolID: ev.ToolID})
			marker(fmt.Sprintf("\n\n🔧 Using %s...\n", ev.ToolName))
		case llm.EventToolInputDelta:
			if tool, ok := byID[ev.ToolID]; ok {
				tool.inputJSON += ev.PartialJSON
			}
		case llm.EventBlockStop:
			tool, ok := byID[ev.ToolID]
			if !ok {
				continue
			}
			tool.input = map[string]interface{}{}
			if strings.TrimSpace(tool.inputJSON) != "" {
				if err := json.Unmarshal([]byte(tool.inputJSON), &tool.input); err != nil {
					tool.input = map[string]interface{}{}
					marker("\n❌ Tool input parsing failed\n")
				}
			}
		case llm.EventTurnStop:
			stopReason = ev.StopReason
		}
	}
	return text.String(), pending, stopReason, nil
}

// executeTool routes a qualified tool name to its server. The result block
// always carries the tool's id so the model can match it up; failures come
// back as error-flagged results rather than aborting the turn.
func (e *Engine) executeTool(ctx context.Context, tool *pendingTool) llm.Block {
	block := llm.Block{Type: llm.BlockToolResult, ID: tool.id}
	server, name, ok := splitQualifiedName(tool.name)
	if !ok {
		block.Text = fmt.Sprintf("Error: invalid tool name %q", tool.name)
		block.IsError = true
		return block
	}
	input := tool.input
	if input == nil {
		input = map[string]interface{}{}
	}
	result, err := e.invoker.Invoke(ctx, server, name, input)
	if err != nil {
		block.Text = "Error: " + err.Error()
		block.IsError = true
		return block
	}
	block.Text = result
	return block
}

// splitQualifiedName splits "<server>_<tool>" on the first underscore.
// Server names therefore must not contain underscores.
func splitQualifiedName(qualified string) (string, string, bool) {
	parts := strings.SplitN(qualified, "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (e *Engine) systemPrompt(agent *protocol.AgentInfo) string {
	root := ""
	if e.workspaceRoot != nil {
		root = e.workspaceRoot()
	}
	folderInfo := "\n\nNo workspace open. User needs to open a folder first to work with files."
	if root != "" {
		folderInfo = fmt.Sprintf("\n\nCurrent workspace: %s\nIMPORTANT: When users ask about files, directories, or code, they are referring to files in this workspace unless explicitly stated otherwise. Always use the workspace root as your base path for file operations.", root)
	}

	if agent == nil {
		return generalSystemPrompt
	}
	toolContext := ""
	if e.tools != nil {
		if tc, err := e.tools.ToolContext(agent.ID); err == nil {
			toolContext = tc
		}
	}
	return agent.SystemPrompt + folderInfo + toolContext
}

// buildMessages converts the transcript plus the new user turn into model
// messages, keeping only the most recent window. The first message of a
// fresh conversation carries the workspace path.
func (e *Engine) buildMessages(history []protocol.ChatMessage, userText string) []llm.Message {
	root := ""
	if e.workspaceRoot != nil {
		root = e.workspaceRoot()
	}
	if root != "" && len(history) == 0 {
		userText = fmt.Sprintf("My current folder is: %s\n\n%s", root, userText)
	} else if root != "" && mentionsFiles(userText) {
		userText = fmt.Sprintf("(Working in: %s)\n%s", root, userText)
	}

	out := make([]llm.Message, 0, len(history)+1)
	for _, msg := range history {
		role := llm.RoleUser
		if msg.Role == protocol.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.TextMessage(role, msg.Content))
	}
	out = append(out, llm.TextMessage(llm.RoleUser, userText))

	if e.MaxWindow > 0 && len(out) > e.MaxWindow {
		out = out[len(out)-e.MaxWindow:]
	}
	return out
}

func mentionsFiles(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "file") || strings.Contains(lower, "directory") || strings.Contains(lower, "folder")
}
