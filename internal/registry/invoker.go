package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	"github.com/tamago-labs/asetta-agentd/internal/protocol"
	"github.com/tamago-labs/asetta-agentd/internal/store"
)

// ToolExecutionError marks a tool call that reached the server but failed
// there, as opposed to a precondition failure on our side.
type ToolExecutionError struct {
	Server string
	Tool   string
	Reason string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s/%s failed: %s", e.Server, e.Tool, e.Reason)
}

// Invoker routes tool calls to running servers and flattens results into
// plain text for the model. Every call is recorded in the history table.
type Invoker struct {
	registry *Registry
	store    *store.Store
}

func NewInvoker(reg *Registry, dbStore *store.Store) *Invoker {
	return &Invoker{registry: reg, store: dbStore}
}

func (inv *Invoker) Invoke(ctx context.Context, server, tool string, args map[string]interface{}) (string, error) {
	client, err := inv.registry.clientFor(server)
	if err != nil {
		return "", err
	}
	if !inv.registry.hasTool(server, tool) {
		return "", fmt.Errorf("%w: %q on server %q", ErrToolNotFound, tool, server)
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	req := mcpproto.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	started := time.Now()
	result, err := client.CallTool(ctx, req)
	record := protocol.CallRecord{
		At:         started.UTC(),
		Server:     server,
		Tool:       tool,
		Args:       args,
		DurationMs: time.Since(started).Milliseconds(),
	}
	if err != nil {
		record.Error = err.Error()
		inv.recordCall(record)
		return "", &ToolExecutionError{Server: server, Tool: tool, Reason: err.Error()}
	}

	text := NormalizeResult(result)
	if result != nil && result.IsError {
		record.Error = text
		inv.recordCall(record)
		return "", &ToolExecutionError{Server: server, Tool: tool, Reason: text}
	}
	record.Success = true
	inv.recordCall(record)
	return text, nil
}

func (inv *Invoker) recordCall(record protocol.CallRecord) {
	if inv.store == nil {
		return
	}
	_ = inv.store.InsertCall(record)
}

func (inv *Invoker) History(serverFilter string, limit int) ([]protocol.CallRecord, error) {
	if inv.store == nil {
		return []protocol.CallRecord{}, nil
	}
	return inv.store.ListCalls(serverFilter, limit)
}

// NormalizeResult flattens a tool result into text the model can read. Text
// content items are joined with newlines; a result with content but no text
// items becomes a generic success message; anything else is dumped as JSON.
// The function is total: it never fails, whatever shape the result has.
func NormalizeResult(result *mcpproto.CallToolResult) string {
	if result == nil {
		return "Tool executed successfully"
	}
	if len(result.Content) > 0 {
		parts := make([]string, 0, len(result.Content))
		for _, item := range result.Content {
			if text, ok := item.(mcpproto.TextContent); ok {
				parts = append(parts, text.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
		return "Tool executed successfully"
	}
	data, err := json.Marshal(result)
	if err != nil {
		return "Tool executed successfully"
	}
	return string(data)
}
