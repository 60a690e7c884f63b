package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	"github.com/tamago-labs/asetta-agentd/internal/config"
	"github.com/tamago-labs/asetta-agentd/internal/protocol"
)

type stubClient struct {
	tools      []mcpproto.Tool
	startErr   error
	callResult *mcpproto.CallToolResult
	callErr    error
	calls      []mcpproto.CallToolRequest
	closed     bool
}

func (c *stubClient) Start(ctx context.Context) error {
	return c.startErr
}

func (c *stubClient) Initialize(ctx context.Context, req mcpproto.InitializeRequest) (*mcpproto.InitializeResult, error) {
	return &mcpproto.InitializeResult{}, nil
}

func (c *stubClient) ListTools(ctx context.Context, req mcpproto.ListToolsRequest) (*mcpproto.ListToolsResult, error) {
	return &mcpproto.ListToolsResult{Tools: c.tools}, nil
}

func (c *stubClient) ListResources(ctx context.Context, req mcpproto.ListResourcesRequest) (*mcpproto.ListResourcesResult, error) {
	return nil, errors.New("resources not supported")
}

func (c *stubClient) CallTool(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	c.calls = append(c.calls, req)
	if c.callErr != nil {
		return nil, c.callErr
	}
	return c.callResult, nil
}

func (c *stubClient) Close() error {
	c.closed = true
	return nil
}

func testTool(name string) mcpproto.Tool {
	return mcpproto.Tool{Name: name, Description: name + " tool"}
}

func newTestRegistry(t *testing.T, servers []config.MCPServer, client *stubClient) (*Registry, *int) {
	t.Helper()
	r := New(servers)
	factoryCalls := 0
	r.factory = func(cfg config.MCPServer) (toolClient, error) {
		factoryCalls++
		return client, nil
	}
	return r, &factoryCalls
}

func TestStartStopLifecycle(t *testing.T) {
	client := &stubClient{tools: []mcpproto.Tool{testTool("read_file"), testTool("write_file")}}
	r, factoryCalls := newTestRegistry(t, []config.MCPServer{{Name: "fs", Command: "npx"}}, client)

	state, ok := r.Server("fs")
	if !ok || state.Status != protocol.StatusStopped {
		t.Fatalf("expected stopped before start, got %+v", state)
	}
	if len(r.ListAvailableTools()) != 0 {
		t.Fatal("expected no tools before start")
	}

	if err := r.Start(context.Background(), "fs"); err != nil {
		t.Fatalf("start: %v", err)
	}
	state, _ = r.Server("fs")
	if state.Status != protocol.StatusRunning {
		t.Fatalf("expected running, got %s", state.Status)
	}
	if state.ToolCount != 2 {
		t.Fatalf("expected 2 tools, got %d", state.ToolCount)
	}
	if got := r.ListRunning(); len(got) != 1 || got[0] != "fs" {
		t.Fatalf("expected running=[fs], got %v", got)
	}

	// starting a running server is a no-op
	if err := r.Start(context.Background(), "fs"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if *factoryCalls != 1 {
		t.Fatalf("expected 1 factory call, got %d", *factoryCalls)
	}

	if err := r.Stop("fs"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !client.closed {
		t.Fatal("expected client closed on stop")
	}
	state, _ = r.Server("fs")
	if state.Status != protocol.StatusStopped || state.ToolCount != 0 {
		t.Fatalf("expected stopped with no tools, got %+v", state)
	}
	if len(r.ListAvailableTools()) != 0 {
		t.Fatal("expected no tools after stop")
	}
}

func TestStartFailureSetsErrorState(t *testing.T) {
	client := &stubClient{startErr: errors.New("spawn failed")}
	r, _ := newTestRegistry(t, []config.MCPServer{{Name: "bad", Command: "nope"}}, client)

	err := r.Start(context.Background(), "bad")
	if err == nil {
		t.Fatal("expected start error")
	}
	state, _ := r.Server("bad")
	if state.Status != protocol.StatusError {
		t.Fatalf("expected error status, got %s", state.Status)
	}
	if state.Error == "" {
		t.Fatal("expected failure message retained")
	}

	// recovery: the next start attempt succeeds
	client.startErr = nil
	if err := r.Start(context.Background(), "bad"); err != nil {
		t.Fatalf("retry start: %v", err)
	}
	state, _ = r.Server("bad")
	if state.Status != protocol.StatusRunning || state.Error != "" {
		t.Fatalf("expected running with cleared error, got %+v", state)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r, _ := newTestRegistry(t, []config.MCPServer{{Name: "fs", Command: "npx"}}, &stubClient{})
	err := r.Register(config.MCPServer{Name: "fs", Command: "other"})
	if !errors.Is(err, ErrDuplicateServer) {
		t.Fatalf("expected ErrDuplicateServer, got %v", err)
	}
}

func TestDeregisterProtected(t *testing.T) {
	r, _ := newTestRegistry(t, []config.MCPServer{config.FilesystemServer()}, &stubClient{})
	err := r.Deregister(ProtectedServerName)
	if !errors.Is(err, ErrProtectedServer) {
		t.Fatalf("expected ErrProtectedServer, got %v", err)
	}
	if _, ok := r.Server(ProtectedServerName); !ok {
		t.Fatal("protected server must still exist")
	}
}

func TestDeregisterStopsRunningServer(t *testing.T) {
	client := &stubClient{}
	r, _ := newTestRegistry(t, []config.MCPServer{{Name: "aux", Command: "npx"}}, client)
	if err := r.Start(context.Background(), "aux"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Deregister("aux"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if !client.closed {
		t.Fatal("expected client closed on deregister")
	}
	if _, ok := r.Server("aux"); ok {
		t.Fatal("expected server removed")
	}
}

func TestRestartWaitsBeforeStarting(t *testing.T) {
	client := &stubClient{}
	r, factoryCalls := newTestRegistry(t, []config.MCPServer{{Name: "fs", Command: "npx"}}, client)
	if err := r.Start(context.Background(), "fs"); err != nil {
		t.Fatalf("start: %v", err)
	}

	began := time.Now()
	if err := r.Restart(context.Background(), "fs"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if elapsed := time.Since(began); elapsed < restartDelay {
		t.Fatalf("restart returned after %v, expected at least %v", elapsed, restartDelay)
	}
	if *factoryCalls != 2 {
		t.Fatalf("expected 2 factory calls, got %d", *factoryCalls)
	}
	state, _ := r.Server("fs")
	if state.Status != protocol.StatusRunning {
		t.Fatalf("expected running after restart, got %s", state.Status)
	}
}

func TestSetWorkspaceRoot(t *testing.T) {
	client := &stubClient{}
	r, _ := newTestRegistry(t, []config.MCPServer{config.FilesystemServer()}, client)

	if err := r.SetWorkspaceRoot(context.Background(), "/home/user/project"); err != nil {
		t.Fatalf("set workspace: %v", err)
	}
	if r.WorkspaceRoot() != "/home/user/project" {
		t.Fatalf("expected workspace root recorded, got %q", r.WorkspaceRoot())
	}
	state, _ := r.Server(ProtectedServerName)
	if state.Status != protocol.StatusRunning {
		t.Fatalf("expected filesystem running, got %s", state.Status)
	}
	if last := state.Args[len(state.Args)-1]; last != "/home/user/project" {
		t.Fatalf("expected root arg rewritten, got %q", last)
	}

	// clearing the workspace stops the filesystem server
	if err := r.SetWorkspaceRoot(context.Background(), ""); err != nil {
		t.Fatalf("clear workspace: %v", err)
	}
	state, _ = r.Server(ProtectedServerName)
	if state.Status != protocol.StatusStopped {
		t.Fatalf("expected filesystem stopped, got %s", state.Status)
	}
}

func TestListAvailableToolsSortedPerServer(t *testing.T) {
	client := &stubClient{tools: []mcpproto.Tool{testTool("zeta"), testTool("alpha")}}
	r, _ := newTestRegistry(t, []config.MCPServer{{Name: "fs", Command: "npx"}}, client)
	if err := r.Start(context.Background(), "fs"); err != nil {
		t.Fatalf("start: %v", err)
	}
	tools := r.ListAvailableTools()
	if len(tools) != 2 || tools[0].Name != "alpha" || tools[1].Name != "zeta" {
		t.Fatalf("expected sorted [alpha zeta], got %v", tools)
	}
}
