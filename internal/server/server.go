package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/tamago-labs/asetta-agentd/internal/config"
	"github.com/tamago-labs/asetta-agentd/internal/directory"
	"github.com/tamago-labs/asetta-agentd/internal/engine"
	"github.com/tamago-labs/asetta-agentd/internal/protocol"
	"github.com/tamago-labs/asetta-agentd/internal/registry"
	"github.com/tamago-labs/asetta-agentd/internal/store"
)

// Deps is the composition root's wiring. Every collaborator is constructed
// by the caller and injected here.
type Deps struct {
	ConfigPath string
	Config     *config.Config
	Store      *store.Store
	Registry   *registry.Registry
	Invoker    *registry.Invoker
	Directory  *directory.Directory
	Engine     *engine.Engine
}

type Server struct {
	configPath string
	cfg        *config.Config
	store      *store.Store
	registry   *registry.Registry
	invoker    *registry.Invoker
	directory  *directory.Directory
	engine     *engine.Engine
	startedAt  time.Time
	debug      bool

	// chatMu serializes conversations: one active turn at a time.
	chatMu sync.Mutex

	// general-mode transcript lives only for the daemon's lifetime.
	generalMu sync.Mutex
	general   []protocol.ChatMessage
}

func New(deps Deps) *Server {
	return &Server{
		configPath: deps.ConfigPath,
		cfg:        deps.Config,
		store:      deps.Store,
		registry:   deps.Registry,
		invoker:    deps.Invoker,
		directory:  deps.Directory,
		engine:     deps.Engine,
		startedAt:  time.Now().UTC(),
	}
}

func (s *Server) SetDebug(debug bool) {
	s.debug = debug
}

func (s *Server) Run() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.Daemon.SocketPath), 0o755); err != nil {
		return err
	}
	_ = os.Remove(s.cfg.Daemon.SocketPath)
	ln, err := net.Listen("unix", s.cfg.Daemon.SocketPath)
	if err != nil {
		return err
	}
	defer ln.Close()
	if err := os.Chmod(s.cfg.Daemon.SocketPath, 0o600); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	defer s.registry.StopAll()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			if s.debug {
				log.Printf("accept error: %v", err)
			}
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)

	var req protocol.Request
	if err := dec.Decode(&req); err != nil {
		_ = enc.Encode(protocol.Response{OK: false, Error: err.Error()})
		_ = w.Flush()
		return
	}
	if req.Action == "chat" {
		s.handleChat(ctx, req, enc, w)
		return
	}
	resp := s.handle(ctx, req)
	_ = enc.Encode(resp)
	_ = w.Flush()
}

func (s *Server) handle(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Action {
	case "status":
		agents, _ := s.directory.List()
		return protocol.Response{OK: true, Status: &protocol.Status{
			StartedAt:   s.startedAt,
			UptimeSec:   int64(time.Since(s.startedAt).Seconds()),
			ServerCount: len(s.registry.Servers()),
			AgentCount:  len(agents),
			ActiveAgent: s.directory.ActiveID(),
			Workspace:   s.registry.WorkspaceRoot(),
		}}
	case "servers":
		return protocol.Response{OK: true, Servers: s.registry.Servers()}
	case "start":
		if req.Name == "" {
			return protocol.Response{OK: false, Error: "name is required"}
		}
		startCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if err := s.registry.Start(startCtx, req.Name); err != nil {
			return protocol.Response{OK: false, Error: err.Error()}
		}
		_ = s.directory.RecomputeOnlineStatus()
		return protocol.Response{OK: true, Text: fmt.Sprintf("started server %s", req.Name)}
	case "stop":
		if req.Name == "" {
			return protocol.Response{OK: false, Error: "name is required"}
		}
		if err := s.registry.Stop(req.Name); err != nil {
			return protocol.Response{OK: false, Error: err.Error()}
		}
		_ = s.directory.RecomputeOnlineStatus()
		return protocol.Response{OK: true, Text: fmt.Sprintf("stopped server %s", req.Name)}
	case "restart":
		if req.Name == "" {
			return protocol.Response{OK: false, Error: "name is required"}
		}
		restartCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if err := s.registry.Restart(restartCtx, req.Name); err != nil {
			return protocol.Response{OK: false, Error: err.Error()}
		}
		_ = s.directory.RecomputeOnlineStatus()
		return protocol.Response{OK: true, Text: fmt.Sprintf("restarted server %s", req.Name)}
	case "add_server":
		if req.Name == "" {
			return protocol.Response{OK: false, Error: "name is required"}
		}
		if req.Command == "" {
			return protocol.Response{OK: false, Error: "command is required"}
		}
		item := config.MCPServer{
			Name:        req.Name,
			Command:     req.Command,
			Args:        req.CommandArgs,
			Env:         req.Env,
			Description: req.Description,
			Category:    req.Category,
		}
		if err := s.registry.Register(item); err != nil {
			return protocol.Response{OK: false, Error: err.Error()}
		}
		config.UpsertServer(s.cfg, item)
		if err := config.Save(s.configPath, s.cfg); err != nil {
			return protocol.Response{OK: false, Error: err.Error()}
		}
		return protocol.Response{OK: true, Text: fmt.Sprintf("added server %s", req.Name)}
	case "remove_server":
		if req.Name == "" {
			return protocol.Response{OK: false, Error: "name is required"}
		}
		if err := s.registry.Deregister(req.Name); err != nil {
			return protocol.Response{OK: false, Error: err.Error()}
		}
		config.RemoveServer(s.cfg, req.Name)
		if err := config.Save(s.configPath, s.cfg); err != nil {
			return protocol.Response{OK: false, Error: err.Error()}
		}
		return protocol.Response{OK: true, Text: fmt.Sprintf("removed server %s", req.Name)}
	case "tools":
		if req.Agent != "" {
			items, err := s.directory.AgentTools(req.Agent)
			if err != nil {
				return protocol.Response{OK: false, Error: err.Error()}
			}
			return protocol.Response{OK: true, Tools: items}
		}
		return protocol.Response{OK: true, Tools: s.registry.ListAvailableTools()}
	case "set_workspace":
		wsCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if err := s.registry.SetWorkspaceRoot(wsCtx, req.Path); err != nil {
			return protocol.Response{OK: false, Error: err.Error()}
		}
		_ = s.directory.RecomputeOnlineStatus()
		return protocol.Response{OK: true, Text: fmt.Sprintf("workspace set to %s", req.Path)}
	case "templates":
		return protocol.Response{OK: true, Templates: directory.Templates(), Catalog: directory.ServerCatalog()}
	case "history":
		items, err := s.invoker.History(req.Server, req.Limit)
		if err != nil {
			return protocol.Response{OK: false, Error: err.Error()}
		}
		return protocol.Response{OK: true, History: items}
	case "agents":
		agents, err := s.directory.List()
		if err != nil {
			return protocol.Response{OK: false, Error: err.Error()}
		}
		return protocol.Response{OK: true, Agents: agents}
	case "add_agent":
		if req.Template == "" {
			return protocol.Response{OK: false, Error: "template is required"}
		}
		agent, err := s.directory.Create(req.Template, directory.CreateOptions{
			Name:         req.Name,
			Description:  req.Description,
			SystemPrompt: req.Prompt,
			Servers:      req.Servers,
		})
		if err != nil {
			return protocol.Response{OK: false, Error: err.Error()}
		}
		return protocol.Response{OK: true, Agent: agent}
	case "remove_agent":
		if req.Agent == "" {
			return protocol.Response{OK: false, Error: "agent is required"}
		}
		if err := s.directory.Delete(req.Agent); err != nil {
			return protocol.Response{OK: false, Error: err.Error()}
		}
		return protocol.Response{OK: true, Text: fmt.Sprintf("removed agent %s", req.Agent)}
	case "set_active":
		if err := s.directory.SetActive(req.Agent); err != nil {
			return protocol.Response{OK: false, Error: err.Error()}
		}
		if req.Agent == "" {
			return protocol.Response{OK: true, Text: "switched to general mode"}
		}
		return protocol.Response{OK: true, Text: fmt.Sprintf("active agent is %s", req.Agent)}
	case "transcript":
		msgs, err := s.transcript(req.Agent)
		if err != nil {
			return protocol.Response{OK: false, Error: err.Error()}
		}
		return protocol.Response{OK: true, Transcript: msgs}
	case "clear_transcript":
		if req.Agent == "" {
			s.generalMu.Lock()
			s.general = nil
			s.generalMu.Unlock()
			return protocol.Response{OK: true, Text: "cleared transcript"}
		}
		if err := s.directory.ClearTranscript(req.Agent); err != nil {
			return protocol.Response{OK: false, Error: err.Error()}
		}
		return protocol.Response{OK: true, Text: "cleared transcript"}
	case "edit_message":
		if req.Agent == "" || req.MessageID == "" {
			return protocol.Response{OK: false, Error: "agent and message_id are required"}
		}
		if err := s.directory.EditMessage(req.Agent, req.MessageID, req.Content); err != nil {
			return protocol.Response{OK: false, Error: err.Error()}
		}
		return protocol.Response{OK: true, Text: "edited message"}
	case "delete_message":
		if req.Agent == "" || req.MessageID == "" {
			return protocol.Response{OK: false, Error: "agent and message_id are required"}
		}
		if err := s.directory.DeleteMessage(req.Agent, req.MessageID); err != nil {
			return protocol.Response{OK: false, Error: err.Error()}
		}
		return protocol.Response{OK: true, Text: "deleted message"}
	default:
		return protocol.Response{OK: false, Error: "unknown action"}
	}
}

func (s *Server) transcript(agentID string) ([]protocol.ChatMessage, error) {
	if agentID == "" {
		s.generalMu.Lock()
		defer s.generalMu.Unlock()
		out := make([]protocol.ChatMessage, len(s.general))
		copy(out, s.general)
		return out, nil
	}
	return s.directory.Transcript(agentID)
}

type frameWriter struct {
	enc *json.Encoder
	w   *bufio.Writer
}

func (f *frameWriter) write(ev protocol.StreamEvent) {
	_ = f.enc.Encode(ev)
	_ = f.w.Flush()
}

// handleChat runs one conversation turn and streams NDJSON frames back on
// the same connection. The user message is persisted before the model call;
// the assistant message after, synthesized from the error when the model
// call fails.
func (s *Server) handleChat(ctx context.Context, req protocol.Request, enc *json.Encoder, w *bufio.Writer) {
	out := &frameWriter{enc: enc, w: w}
	if req.Message == "" {
		out.write(protocol.StreamEvent{Event: protocol.EventError, Error: "message is required"})
		return
	}

	s.chatMu.Lock()
	defer s.chatMu.Unlock()

	agentID := req.Agent
	if agentID == "" {
		agentID = s.directory.ActiveID()
	}

	var agent *protocol.AgentInfo
	var history []protocol.ChatMessage
	var err error
	if agentID != "" {
		agent, err = s.directory.Get(agentID)
		if err != nil {
			out.write(protocol.StreamEvent{Event: protocol.EventError, Error: err.Error()})
			return
		}
		history, err = s.directory.Transcript(agentID)
		if err != nil {
			out.write(protocol.StreamEvent{Event: protocol.EventError, Error: err.Error()})
			return
		}
		if _, err := s.directory.AppendMessage(agentID, protocol.RoleUser, req.Message, ""); err != nil {
			out.write(protocol.StreamEvent{Event: protocol.EventError, Error: err.Error()})
			return
		}
	} else {
		history, _ = s.transcript("")
		s.appendGeneral(protocol.RoleUser, req.Message, "")
	}

	result, err := s.engine.RunTurn(ctx, agent, history, req.Message, out.write)
	if err != nil {
		synthesized := "Sorry, I encountered an error: " + err.Error()
		if agentID != "" {
			_, _ = s.directory.AppendMessage(agentID, protocol.RoleAssistant, synthesized, "error")
		} else {
			s.appendGeneral(protocol.RoleAssistant, synthesized, "error")
		}
		if s.debug {
			log.Printf("chat error: %v", err)
		}
		out.write(protocol.StreamEvent{Event: protocol.EventError, Error: err.Error()})
		return
	}

	if agentID != "" {
		_, _ = s.directory.AppendMessage(agentID, protocol.RoleAssistant, result.Content, result.StopReason)
	} else {
		s.appendGeneral(protocol.RoleAssistant, result.Content, result.StopReason)
	}
	out.write(protocol.StreamEvent{
		Event:      protocol.EventDone,
		Content:    result.Content,
		StopReason: result.StopReason,
	})
}

func (s *Server) appendGeneral(role, content, stopReason string) {
	s.generalMu.Lock()
	defer s.generalMu.Unlock()
	s.general = append(s.general, protocol.ChatMessage{
		ID:         uuid.NewString(),
		Role:       role,
		Content:    content,
		StopReason: stopReason,
		CreatedAt:  time.Now().UTC(),
	})
}
