package directory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tamago-labs/asetta-agentd/internal/config"
	"github.com/tamago-labs/asetta-agentd/internal/protocol"
	"github.com/tamago-labs/asetta-agentd/internal/registry"
	"github.com/tamago-labs/asetta-agentd/internal/store"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrAgentNotFound    = errors.New("agent not found")
	ErrMessageNotFound  = errors.New("message not found")
)

// CreateOptions override template defaults when instantiating an agent.
type CreateOptions struct {
	Name         string
	Description  string
	SystemPrompt string
	Servers      []string
}

// ServerView is the slice of the registry the directory needs: which
// servers run and what tools they expose.
type ServerView interface {
	ListRunning() []string
	ListAvailableTools() []protocol.ToolInfo
}

// Directory manages agent instances, their transcripts, and which agent is
// active for the chat loop.
type Directory struct {
	store        *store.Store
	registry     ServerView
	statusPolicy string
	activeID     string
	now          func() time.Time
}

func New(dbStore *store.Store, reg ServerView, statusPolicy string) *Directory {
	if statusPolicy == "" {
		statusPolicy = config.StatusPolicyAlwaysOnline
	}
	return &Directory{
		store:        dbStore,
		registry:     reg,
		statusPolicy: statusPolicy,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Create instantiates an agent from a template. The filesystem server is
// always the first permitted server, whatever the template or overrides say.
func (d *Directory) Create(templateID string, opts CreateOptions) (*protocol.AgentInfo, error) {
	tmpl, ok := findTemplate(templateID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, templateID)
	}

	agent := protocol.AgentInfo{
		ID:           fmt.Sprintf("%s-%d", templateID, d.now().UnixMilli()),
		Name:         tmpl.Name,
		Description:  tmpl.Description,
		SystemPrompt: tmpl.SystemPrompt,
		Servers:      withFilesystem(tmpl.Servers),
		Online:       true,
		TemplateID:   templateID,
		CreatedAt:    d.now(),
	}
	if opts.Name != "" {
		agent.Name = opts.Name
	}
	if opts.Description != "" {
		agent.Description = opts.Description
	}
	if opts.SystemPrompt != "" {
		agent.SystemPrompt = opts.SystemPrompt
	}
	if opts.Servers != nil {
		agent.Servers = withFilesystem(opts.Servers)
	}

	if err := d.store.SaveAgent(agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func withFilesystem(servers []string) []string {
	out := []string{registry.ProtectedServerName}
	for _, s := range servers {
		if s == registry.ProtectedServerName {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (d *Directory) Get(id string) (*protocol.AgentInfo, error) {
	agent, err := d.store.GetAgent(id)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fmt.Errorf("%w: %q", ErrAgentNotFound, id)
	}
	agent.Online = d.online(*agent)
	return agent, nil
}

func (d *Directory) List() ([]protocol.AgentInfo, error) {
	agents, err := d.store.ListAgents()
	if err != nil {
		return nil, err
	}
	for i := range agents {
		agents[i].Online = d.online(agents[i])
	}
	return agents, nil
}

func (d *Directory) Delete(id string) error {
	if _, err := d.Get(id); err != nil {
		return err
	}
	if d.activeID == id {
		d.activeID = ""
	}
	return d.store.DeleteAgent(id)
}

// SetActive selects the agent the chat loop talks to. An empty id switches
// to general mode (no agent, no tools).
func (d *Directory) SetActive(id string) error {
	if id == "" {
		d.activeID = ""
		return nil
	}
	if _, err := d.Get(id); err != nil {
		return err
	}
	d.activeID = id
	return nil
}

func (d *Directory) ActiveID() string {
	return d.activeID
}

func (d *Directory) AppendMessage(agentID, role, content, stopReason string) (*protocol.ChatMessage, error) {
	agent, err := d.Get(agentID)
	if err != nil {
		return nil, err
	}
	msg := protocol.ChatMessage{
		ID:         uuid.NewString(),
		Role:       role,
		Content:    content,
		StopReason: stopReason,
		CreatedAt:  d.now(),
	}
	if err := d.store.AppendMessage(agentID, msg); err != nil {
		return nil, err
	}
	agent.LastActive = msg.CreatedAt
	if err := d.store.SaveAgent(*agent); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (d *Directory) Transcript(agentID string) ([]protocol.ChatMessage, error) {
	if _, err := d.Get(agentID); err != nil {
		return nil, err
	}
	return d.store.ListMessages(agentID)
}

func (d *Directory) ClearTranscript(agentID string) error {
	if _, err := d.Get(agentID); err != nil {
		return err
	}
	return d.store.ReplaceMessages(agentID, nil)
}

// EditMessage replaces one message's content by rewriting the whole
// transcript. The store has no per-message update; keeping a single rewrite
// path keeps edit and delete trivially consistent.
func (d *Directory) EditMessage(agentID, messageID, content string) error {
	msgs, err := d.Transcript(agentID)
	if err != nil {
		return err
	}
	found := false
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].Content = content
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %q", ErrMessageNotFound, messageID)
	}
	return d.store.ReplaceMessages(agentID, msgs)
}

func (d *Directory) DeleteMessage(agentID, messageID string) error {
	msgs, err := d.Transcript(agentID)
	if err != nil {
		return err
	}
	kept := make([]protocol.ChatMessage, 0, len(msgs))
	found := false
	for _, msg := range msgs {
		if msg.ID == messageID {
			found = true
			continue
		}
		kept = append(kept, msg)
	}
	if !found {
		return fmt.Errorf("%w: %q", ErrMessageNotFound, messageID)
	}
	return d.store.ReplaceMessages(agentID, kept)
}

// AgentTools returns the running tools the agent is permitted to use,
// grouped per permitted server in the agent's server order.
func (d *Directory) AgentTools(agentID string) ([]protocol.ToolInfo, error) {
	agent, err := d.Get(agentID)
	if err != nil {
		return nil, err
	}
	permitted := map[string]bool{}
	for _, s := range agent.Servers {
		permitted[s] = true
	}
	out := []protocol.ToolInfo{}
	for _, tool := range d.registry.ListAvailableTools() {
		if permitted[tool.Server] {
			out = append(out, tool)
		}
	}
	return out, nil
}

// ToolContext renders the agent's available tools as a system-prompt
// suffix, grouped by server.
func (d *Directory) ToolContext(agentID string) (string, error) {
	tools, err := d.AgentTools(agentID)
	if err != nil {
		return "", err
	}
	if len(tools) == 0 {
		return "", nil
	}
	grouped := map[string][]string{}
	order := []string{}
	for _, tool := range tools {
		if _, ok := grouped[tool.Server]; !ok {
			order = append(order, tool.Server)
		}
		grouped[tool.Server] = append(grouped[tool.Server], tool.Name)
	}
	var b strings.Builder
	b.WriteString("\nAvailable tools:\n")
	for _, server := range order {
		b.WriteString(fmt.Sprintf("\n[%s] %s", server, strings.Join(grouped[server], ", ")))
	}
	return b.String(), nil
}

func (d *Directory) online(agent protocol.AgentInfo) bool {
	switch d.statusPolicy {
	case config.StatusPolicyServerRatio:
		if len(agent.Servers) == 0 {
			return true
		}
		running := map[string]bool{}
		for _, name := range d.registry.ListRunning() {
			running[name] = true
		}
		up := 0
		for _, s := range agent.Servers {
			if running[s] {
				up++
			}
		}
		return up*2 >= len(agent.Servers)
	default:
		return true
	}
}

// RecomputeOnlineStatus re-evaluates and persists every agent's online flag
// under the configured policy.
func (d *Directory) RecomputeOnlineStatus() error {
	agents, err := d.store.ListAgents()
	if err != nil {
		return err
	}
	for _, agent := range agents {
		online := d.online(agent)
		if online == agent.Online {
			continue
		}
		agent.Online = online
		if err := d.store.SaveAgent(agent); err != nil {
			return err
		}
	}
	return nil
}
