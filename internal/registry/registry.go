package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpproto "github.com/mark3labs/mcp-go/mcp"
	"github.com/tamago-labs/asetta-agentd/internal/config"
	"github.com/tamago-labs/asetta-agentd/internal/protocol"
)

var (
	ErrDuplicateServer  = errors.New("server already registered")
	ErrUnknownServer    = errors.New("unknown server")
	ErrProtectedServer  = errors.New("server is protected")
	ErrServerNotRunning = errors.New("server is not running")
	ErrToolNotFound     = errors.New("tool not found")
)

// ProtectedServerName is the built-in filesystem server. It cannot be
// deregistered and its root argument tracks the workspace root.
const ProtectedServerName = "filesystem"

const restartDelay = 500 * time.Millisecond

// toolClient is the subset of the mcp-go client the registry needs. Tests
// swap the factory for a stub.
type toolClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, request mcpproto.InitializeRequest) (*mcpproto.InitializeResult, error)
	ListTools(ctx context.Context, req mcpproto.ListToolsRequest) (*mcpproto.ListToolsResult, error)
	ListResources(ctx context.Context, req mcpproto.ListResourcesRequest) (*mcpproto.ListResourcesResult, error)
	CallTool(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error)
	Close() error
}

type clientFactory func(cfg config.MCPServer) (toolClient, error)

type instance struct {
	cfg         config.MCPServer
	status      string
	errText     string
	client      toolClient
	tools       []protocol.ToolInfo
	resources   []protocol.ResourceInfo
	lastStarted time.Time
}

// Registry owns every configured server instance and its lifecycle. All
// status transitions happen under one mutex so observers never see a
// half-applied state.
type Registry struct {
	mu            sync.RWMutex
	servers       map[string]*instance
	order         []string
	factory       clientFactory
	workspaceRoot string
}

func New(servers []config.MCPServer) *Registry {
	r := &Registry{
		servers: map[string]*instance{},
		factory: newStdioClient,
	}
	for _, s := range servers {
		if _, ok := r.servers[s.Name]; ok {
			continue
		}
		r.servers[s.Name] = &instance{cfg: s, status: protocol.StatusStopped}
		r.order = append(r.order, s.Name)
	}
	return r
}

func newStdioClient(cfg config.MCPServer) (toolClient, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	t := transport.NewStdio(cfg.Command, env, cfg.Args...)
	return mcpclient.NewClient(t), nil
}

func (r *Registry) Register(cfg config.MCPServer) error {
	if cfg.Name == "" {
		return errors.New("server name is required")
	}
	if cfg.Command == "" {
		return fmt.Errorf("server %q command is required", cfg.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[cfg.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateServer, cfg.Name)
	}
	r.servers[cfg.Name] = &instance{cfg: cfg, status: protocol.StatusStopped}
	r.order = append(r.order, cfg.Name)
	return nil
}

func (r *Registry) Deregister(name string) error {
	if name == ProtectedServerName {
		return fmt.Errorf("%w: %q", ErrProtectedServer, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.servers[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	r.stopLocked(inst)
	delete(r.servers, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Start launches the server subprocess and performs the MCP handshake.
// Starting an already running server is a no-op. On failure the instance
// lands in the error state with the failure message retained.
func (r *Registry) Start(ctx context.Context, name string) error {
	r.mu.Lock()
	inst, ok := r.servers[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	if inst.status == protocol.StatusRunning || inst.status == protocol.StatusStarting {
		r.mu.Unlock()
		return nil
	}
	inst.status = protocol.StatusStarting
	inst.errText = ""
	cfg := inst.cfg
	r.mu.Unlock()

	client, tools, resources, err := r.connect(ctx, cfg)

	r.mu.Lock()
	defer r.mu.Unlock()
	// The instance may have been deregistered while we were connecting.
	current, ok := r.servers[name]
	if !ok || current != inst {
		if client != nil {
			_ = client.Close()
		}
		return fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	if err != nil {
		inst.status = protocol.StatusError
		inst.errText = err.Error()
		return fmt.Errorf("start server %q: %w", name, err)
	}
	inst.client = client
	inst.tools = tools
	inst.resources = resources
	inst.status = protocol.StatusRunning
	inst.lastStarted = time.Now().UTC()
	return nil
}

func (r *Registry) connect(ctx context.Context, cfg config.MCPServer) (toolClient, []protocol.ToolInfo, []protocol.ResourceInfo, error) {
	client, err := r.factory(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("start transport: %w", err)
	}
	initReq := mcpproto.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpproto.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpproto.Implementation{Name: "asetta-agentd", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("initialize: %w", err)
	}

	list, err := client.ListTools(ctx, mcpproto.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("list tools: %w", err)
	}
	tools := make([]protocol.ToolInfo, 0, len(list.Tools))
	for _, t := range list.Tools {
		tools = append(tools, protocol.ToolInfo{
			Server:      cfg.Name,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaMap(t.InputSchema),
		})
	}

	// Resources are optional; many servers do not implement them.
	resources := []protocol.ResourceInfo{}
	if resList, err := client.ListResources(ctx, mcpproto.ListResourcesRequest{}); err == nil {
		for _, res := range resList.Resources {
			resources = append(resources, protocol.ResourceInfo{
				Server:      cfg.Name,
				URI:         res.URI,
				Name:        res.Name,
				Description: res.Description,
				MIMEType:    res.MIMEType,
			})
		}
	}
	return client, tools, resources, nil
}

func (r *Registry) Stop(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.servers[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	r.stopLocked(inst)
	return nil
}

func (r *Registry) stopLocked(inst *instance) {
	if inst.client != nil {
		_ = inst.client.Close()
		inst.client = nil
	}
	inst.tools = nil
	inst.resources = nil
	inst.status = protocol.StatusStopped
	inst.errText = ""
}

// Restart stops the server, waits briefly for the subprocess to wind down,
// then starts it again.
func (r *Registry) Restart(ctx context.Context, name string) error {
	if err := r.Stop(name); err != nil {
		return err
	}
	select {
	case <-time.After(restartDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.Start(ctx, name)
}

// SetWorkspaceRoot rewrites the filesystem server's root argument and
// restarts it so the new root takes effect. An empty path stops the server.
func (r *Registry) SetWorkspaceRoot(ctx context.Context, path string) error {
	r.mu.Lock()
	r.workspaceRoot = path
	inst, ok := r.servers[ProtectedServerName]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	root := path
	if root == "" {
		root = "/"
	}
	args := make([]string, len(inst.cfg.Args))
	copy(args, inst.cfg.Args)
	if len(args) == 0 {
		args = []string{root}
	} else {
		args[len(args)-1] = root
	}
	inst.cfg.Args = args
	wasRunning := inst.status == protocol.StatusRunning
	r.mu.Unlock()

	if path == "" {
		return r.Stop(ProtectedServerName)
	}
	if wasRunning {
		return r.Restart(ctx, ProtectedServerName)
	}
	return r.Start(ctx, ProtectedServerName)
}

func (r *Registry) WorkspaceRoot() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workspaceRoot
}

func (r *Registry) Servers() []protocol.ServerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.ServerState, 0, len(r.order))
	for _, name := range r.order {
		inst := r.servers[name]
		out = append(out, protocol.ServerState{
			Name:        inst.cfg.Name,
			Command:     inst.cfg.Command,
			Args:        inst.cfg.Args,
			Category:    inst.cfg.Category,
			Status:      inst.status,
			Error:       inst.errText,
			ToolCount:   len(inst.tools),
			LastStarted: inst.lastStarted,
		})
	}
	return out
}

func (r *Registry) Server(name string) (protocol.ServerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.servers[name]
	if !ok {
		return protocol.ServerState{}, false
	}
	return protocol.ServerState{
		Name:        inst.cfg.Name,
		Command:     inst.cfg.Command,
		Args:        inst.cfg.Args,
		Category:    inst.cfg.Category,
		Status:      inst.status,
		Error:       inst.errText,
		ToolCount:   len(inst.tools),
		LastStarted: inst.lastStarted,
	}, true
}

func (r *Registry) ListRunning() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []string{}
	for _, name := range r.order {
		if r.servers[name].status == protocol.StatusRunning {
			out = append(out, name)
		}
	}
	return out
}

// ListAvailableTools returns the tools of every running server, grouped in
// registration order with tools sorted by name within each server.
func (r *Registry) ListAvailableTools() []protocol.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []protocol.ToolInfo{}
	for _, name := range r.order {
		inst := r.servers[name]
		if inst.status != protocol.StatusRunning {
			continue
		}
		tools := make([]protocol.ToolInfo, len(inst.tools))
		copy(tools, inst.tools)
		sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
		out = append(out, tools...)
	}
	return out
}

func (r *Registry) ListResources() []protocol.ResourceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []protocol.ResourceInfo{}
	for _, name := range r.order {
		inst := r.servers[name]
		if inst.status != protocol.StatusRunning {
			continue
		}
		out = append(out, inst.resources...)
	}
	return out
}

// StopAll shuts every running server down. Called on daemon exit.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.servers {
		r.stopLocked(inst)
	}
}

func (r *Registry) clientFor(name string) (toolClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	if inst.status != protocol.StatusRunning || inst.client == nil {
		return nil, fmt.Errorf("%w: %q", ErrServerNotRunning, name)
	}
	return inst.client, nil
}

func (r *Registry) hasTool(server, tool string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.servers[server]
	if !ok {
		return false
	}
	for _, t := range inst.tools {
		if t.Name == tool {
			return true
		}
	}
	return false
}

func schemaMap(schema interface{}) map[string]interface{} {
	b, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
