package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/tamago-labs/asetta-agentd/internal/llm"
	"github.com/tamago-labs/asetta-agentd/internal/protocol"
)

type scriptStream struct {
	events []llm.Event
	pos    int
}

func (s *scriptStream) Recv() (llm.Event, error) {
	if s.pos >= len(s.events) {
		return llm.Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *scriptStream) Close() error { return nil }

// scriptClient plays back one event script per round; the last script
// repeats if the engine asks for more rounds.
type scriptClient struct {
	rounds   [][]llm.Event
	openErr  error
	requests []llm.Request
}

func (c *scriptClient) OpenStream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	c.requests = append(c.requests, req)
	if c.openErr != nil {
		return nil, c.openErr
	}
	idx := len(c.requests) - 1
	if idx >= len(c.rounds) {
		idx = len(c.rounds) - 1
	}
	return &scriptStream{events: c.rounds[idx]}, nil
}

type invocation struct {
	server string
	tool   string
	args   map[string]interface{}
}

type stubInvoker struct {
	calls  []invocation
	result string
	err    error
}

func (s *stubInvoker) Invoke(ctx context.Context, server, tool string, args map[string]interface{}) (string, error) {
	s.calls = append(s.calls, invocation{server: server, tool: tool, args: args})
	if s.err != nil {
		return "", s.err
	}
	return s.result, nil
}

type stubTools struct {
	tools   []protocol.ToolInfo
	context string
}

func (s *stubTools) AgentTools(agentID string) ([]protocol.ToolInfo, error) {
	return s.tools, nil
}

func (s *stubTools) ToolContext(agentID string) (string, error) {
	return s.context, nil
}

func collectFrames() (func(protocol.StreamEvent), *[]protocol.StreamEvent) {
	frames := &[]protocol.StreamEvent{}
	return func(ev protocol.StreamEvent) { *frames = append(*frames, ev) }, frames
}

func emittedText(frames []protocol.StreamEvent) string {
	var b strings.Builder
	for _, f := range frames {
		if f.Event == protocol.EventText {
			b.WriteString(f.Text)
		}
	}
	return b.String()
}

func endTurn(fragments ...string) []llm.Event {
	events := []llm.Event{}
	for _, f := range fragments {
		events = append(events, llm.Event{Type: llm.EventText, Text: f})
	}
	return append(events, llm.Event{Type: llm.EventTurnStop, StopReason: llm.StopEndTurn})
}

func toolRound(text, toolID, toolName, inputJSON string) []llm.Event {
	events := []llm.Event{}
	if text != "" {
		events = append(events, llm.Event{Type: llm.EventText, Text: text})
	}
	events = append(events,
		llm.Event{Type: llm.EventToolUseStart, ToolID: toolID, ToolName: toolName},
	)
	if inputJSON != "" {
		events = append(events, llm.Event{Type: llm.EventToolInputDelta, ToolID: toolID, PartialJSON: inputJSON})
	}
	return append(events,
		llm.Event{Type: llm.EventBlockStop, ToolID: toolID},
		llm.Event{Type: llm.EventTurnStop, StopReason: llm.StopToolUse},
	)
}

func testAgent() *protocol.AgentInfo {
	return &protocol.AgentInfo{
		ID:           "file-manager-1",
		Name:         "Test Agent",
		SystemPrompt: "You manage files.",
		Servers:      []string{"filesystem"},
	}
}

func TestRunTurnPlainText(t *testing.T) {
	client := &scriptClient{rounds: [][]llm.Event{endTurn("Hello", " world")}}
	invoker := &stubInvoker{}
	eng := New(client, invoker, &stubTools{}, nil)
	emit, frames := collectFrames()

	result, err := eng.RunTurn(context.Background(), nil, nil, "hi", emit)
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.Content != "Hello world" {
		t.Fatalf("expected concatenated fragments, got %q", result.Content)
	}
	if result.StopReason != llm.StopEndTurn || result.ToolRounds != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(invoker.calls) != 0 {
		t.Fatalf("expected no tool calls, got %v", invoker.calls)
	}
	if emittedText(*frames) != "Hello world" {
		t.Fatalf("expected streamed text to match, got %q", emittedText(*frames))
	}
}

func TestRunTurnExecutesToolAndContinues(t *testing.T) {
	client := &scriptClient{rounds: [][]llm.Event{
		toolRound("Let me check.", "t1", "filesystem_read_file", `{"path":"a.txt"}`),
		endTurn("The file says: contents"),
	}}
	invoker := &stubInvoker{result: "contents"}
	tools := &stubTools{tools: []protocol.ToolInfo{{Server: "filesystem", Name: "read_file"}}}
	eng := New(client, invoker, tools, nil)
	emit, frames := collectFrames()

	result, err := eng.RunTurn(context.Background(), testAgent(), nil, "read a.txt", emit)
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.Content != "The file says: contents" {
		t.Fatalf("expected final round text only, got %q", result.Content)
	}
	if result.ToolRounds != 1 {
		t.Fatalf("expected 1 tool round, got %d", result.ToolRounds)
	}

	if len(invoker.calls) != 1 {
		t.Fatalf("expected 1 invocation, got %d", len(invoker.calls))
	}
	call := invoker.calls[0]
	if call.server != "filesystem" || call.tool != "read_file" {
		t.Fatalf("expected routed call, got %+v", call)
	}
	if call.args["path"] != "a.txt" {
		t.Fatalf("expected parsed input, got %v", call.args)
	}

	// the second request must carry the tool exchange
	if len(client.requests) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(client.requests))
	}
	msgs := client.requests[1].Messages
	assistant := msgs[len(msgs)-2]
	if assistant.Role != llm.RoleAssistant {
		t.Fatalf("expected assistant message, got %+v", assistant)
	}
	var toolUse *llm.Block
	for i := range assistant.Blocks {
		if assistant.Blocks[i].Type == llm.BlockToolUse {
			toolUse = &assistant.Blocks[i]
		}
	}
	if toolUse == nil || toolUse.ID != "t1" || toolUse.Name != "filesystem_read_file" {
		t.Fatalf("expected tool_use block, got %+v", assistant.Blocks)
	}
	results := msgs[len(msgs)-1]
	if results.Role != llm.RoleUser || len(results.Blocks) != 1 {
		t.Fatalf("expected tool_result message, got %+v", results)
	}
	if results.Blocks[0].ID != "t1" || results.Blocks[0].Text != "contents" || results.Blocks[0].IsError {
		t.Fatalf("expected matching result block, got %+v", results.Blocks[0])
	}

	streamed := emittedText(*frames)
	if !strings.Contains(streamed, "🔧 Using filesystem_read_file...") {
		t.Fatalf("expected tool marker in stream, got %q", streamed)
	}
	sawStart, sawResult := false, false
	for _, f := range *frames {
		if f.Event == protocol.EventToolStart && f.Tool == "filesystem_read_file" {
			sawStart = true
		}
		if f.Event == protocol.EventToolResult && f.ToolID == "t1" && !f.IsError {
			sawResult = true
		}
	}
	if !sawStart || !sawResult {
		t.Fatalf("expected tool_start and tool_result frames, got %v", *frames)
	}
}

func TestToolInputParseFailureFallsBackToEmpty(t *testing.T) {
	client := &scriptClient{rounds: [][]llm.Event{
		toolRound("", "t1", "filesystem_list_files", `{"path": broken`),
		endTurn("Listed."),
	}}
	invoker := &stubInvoker{result: "ok"}
	eng := New(client, invoker, &stubTools{}, nil)
	emit, frames := collectFrames()

	_, err := eng.RunTurn(context.Background(), testAgent(), nil, "list", emit)
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if len(invoker.calls) != 1 || len(invoker.calls[0].args) != 0 {
		t.Fatalf("expected invocation with empty args, got %v", invoker.calls)
	}
	if !strings.Contains(emittedText(*frames), "❌ Tool input parsing failed") {
		t.Fatalf("expected parse failure marker, got %q", emittedText(*frames))
	}
}

func TestToolWithoutInputGetsEmptyObject(t *testing.T) {
	client := &scriptClient{rounds: [][]llm.Event{
		toolRound("", "t1", "filesystem_list_files", ""),
		endTurn("Listed."),
	}}
	invoker := &stubInvoker{result: "ok"}
	eng := New(client, invoker, &stubTools{}, nil)
	emit, frames := collectFrames()

	_, err := eng.RunTurn(context.Background(), testAgent(), nil, "list", emit)
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if len(invoker.calls) != 1 || invoker.calls[0].args == nil || len(invoker.calls[0].args) != 0 {
		t.Fatalf("expected empty args object, got %v", invoker.calls)
	}
	if strings.Contains(emittedText(*frames), "❌") {
		t.Fatal("no parse failure marker expected for absent input")
	}
}

func TestToolErrorFedBackAsErrorResult(t *testing.T) {
	client := &scriptClient{rounds: [][]llm.Event{
		toolRound("", "t1", "filesystem_read_file", `{"path":"a.txt"}`),
		endTurn("That file is missing."),
	}}
	invoker := &stubInvoker{err: errors.New("no such file")}
	eng := New(client, invoker, &stubTools{}, nil)
	emit, frames := collectFrames()

	result, err := eng.RunTurn(context.Background(), testAgent(), nil, "read", emit)
	if err != nil {
		t.Fatalf("tool failure must not abort the turn: %v", err)
	}
	if result.Content != "That file is missing." {
		t.Fatalf("expected final text, got %q", result.Content)
	}

	msgs := client.requests[1].Messages
	block := msgs[len(msgs)-1].Blocks[0]
	if !block.IsError || !strings.Contains(block.Text, "no such file") {
		t.Fatalf("expected error-flagged result block, got %+v", block)
	}
	sawError := false
	for _, f := range *frames {
		if f.Event == protocol.EventToolResult && f.IsError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("expected error-flagged tool_result frame")
	}
}

func TestInvalidQualifiedNameBecomesErrorResult(t *testing.T) {
	client := &scriptClient{rounds: [][]llm.Event{
		toolRound("", "t1", "nounderscore", ""),
		endTurn("Could not run that."),
	}}
	invoker := &stubInvoker{}
	eng := New(client, invoker, &stubTools{}, nil)
	emit, _ := collectFrames()

	_, err := eng.RunTurn(context.Background(), testAgent(), nil, "go", emit)
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if len(invoker.calls) != 0 {
		t.Fatalf("expected no invocation for malformed name, got %v", invoker.calls)
	}
	block := client.requests[1].Messages[len(client.requests[1].Messages)-1].Blocks[0]
	if !block.IsError || !strings.Contains(block.Text, "invalid tool name") {
		t.Fatalf("expected invalid-name error block, got %+v", block)
	}
}

func TestMessageWindowKeepsLast25(t *testing.T) {
	client := &scriptClient{rounds: [][]llm.Event{endTurn("ok")}}
	eng := New(client, &stubInvoker{}, &stubTools{}, nil)
	emit, _ := collectFrames()

	history := make([]protocol.ChatMessage, 30)
	for i := range history {
		role := protocol.RoleUser
		if i%2 == 1 {
			role = protocol.RoleAssistant
		}
		history[i] = protocol.ChatMessage{
			ID:        fmt.Sprintf("m%d", i),
			Role:      role,
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: time.Now().UTC(),
		}
	}

	if _, err := eng.RunTurn(context.Background(), nil, history, "latest", emit); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	msgs := client.requests[0].Messages
	if len(msgs) != 25 {
		t.Fatalf("expected window of 25 messages, got %d", len(msgs))
	}
	if msgs[len(msgs)-1].Blocks[0].Text != "latest" {
		t.Fatalf("expected new user message last, got %+v", msgs[len(msgs)-1])
	}
	// 31 candidates, keep the final 25: history[6] leads
	if msgs[0].Blocks[0].Text != "message 6" {
		t.Fatalf("expected oldest kept message to be message 6, got %q", msgs[0].Blocks[0].Text)
	}
}

func TestMaxToolRoundsStopsLoop(t *testing.T) {
	client := &scriptClient{rounds: [][]llm.Event{
		toolRound("", "t1", "filesystem_read_file", `{}`),
	}}
	invoker := &stubInvoker{result: "ok"}
	eng := New(client, invoker, &stubTools{}, nil)
	eng.MaxToolRounds = 2
	emit, _ := collectFrames()

	result, err := eng.RunTurn(context.Background(), testAgent(), nil, "loop", emit)
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.ToolRounds != 2 {
		t.Fatalf("expected 2 executed rounds, got %d", result.ToolRounds)
	}
	if !strings.Contains(result.Content, "*[Stopped after 2 tool iterations]*") {
		t.Fatalf("expected stop marker, got %q", result.Content)
	}
	if len(invoker.calls) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(invoker.calls))
	}
}

func TestModelErrorAbortsTurn(t *testing.T) {
	client := &scriptClient{openErr: errors.New("rate limited")}
	eng := New(client, &stubInvoker{}, &stubTools{}, nil)
	emit, _ := collectFrames()

	_, err := eng.RunTurn(context.Background(), nil, nil, "hi", emit)
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected model error, got %v", err)
	}
}

func TestCancelledContextAbortsTurn(t *testing.T) {
	client := &scriptClient{rounds: [][]llm.Event{endTurn("never")}}
	eng := New(client, &stubInvoker{}, &stubTools{}, nil)
	emit, _ := collectFrames()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := eng.RunTurn(ctx, nil, nil, "hi", emit)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWorkspaceContextOnFirstMessage(t *testing.T) {
	client := &scriptClient{rounds: [][]llm.Event{endTurn("ok")}}
	tools := &stubTools{context: "\nAvailable tools:\n\n[filesystem] read_file"}
	eng := New(client, &stubInvoker{}, tools, func() string { return "/home/user/project" })
	emit, _ := collectFrames()

	if _, err := eng.RunTurn(context.Background(), testAgent(), nil, "hello", emit); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	req := client.requests[0]
	first := req.Messages[0].Blocks[0].Text
	if !strings.HasPrefix(first, "My current folder is: /home/user/project\n\n") {
		t.Fatalf("expected workspace prefix, got %q", first)
	}
	if !strings.Contains(req.System, "Current workspace: /home/user/project") {
		t.Fatalf("expected workspace section in system prompt, got %q", req.System)
	}
	if !strings.Contains(req.System, "Available tools:") {
		t.Fatalf("expected tool context in system prompt, got %q", req.System)
	}
	if !strings.HasPrefix(req.System, "You manage files.") {
		t.Fatalf("expected agent prompt first, got %q", req.System)
	}
}

func TestGeneralModeHasNoTools(t *testing.T) {
	client := &scriptClient{rounds: [][]llm.Event{endTurn("ok")}}
	tools := &stubTools{tools: []protocol.ToolInfo{{Server: "filesystem", Name: "read_file"}}}
	eng := New(client, &stubInvoker{}, tools, nil)
	emit, _ := collectFrames()

	if _, err := eng.RunTurn(context.Background(), nil, nil, "hi", emit); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	req := client.requests[0]
	if len(req.Tools) != 0 {
		t.Fatalf("expected no tools in general mode, got %v", req.Tools)
	}
	if req.System != generalSystemPrompt {
		t.Fatalf("expected general prompt, got %q", req.System)
	}
}

func TestQualifiedToolNamesOfferedToModel(t *testing.T) {
	client := &scriptClient{rounds: [][]llm.Event{endTurn("ok")}}
	tools := &stubTools{tools: []protocol.ToolInfo{
		{Server: "filesystem", Name: "read_file", Description: "read"},
		{Server: "web-search", Name: "search", Description: "find"},
	}}
	eng := New(client, &stubInvoker{}, tools, nil)
	emit, _ := collectFrames()

	if _, err := eng.RunTurn(context.Background(), testAgent(), nil, "hi", emit); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	offered := client.requests[0].Tools
	if len(offered) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(offered))
	}
	if offered[0].Name != "filesystem_read_file" || offered[1].Name != "web-search_search" {
		t.Fatalf("expected qualified names, got %v", offered)
	}
}
