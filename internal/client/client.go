package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/tamago-labs/asetta-agentd/internal/config"
	"github.com/tamago-labs/asetta-agentd/internal/protocol"
)

type kvArgs map[string]string

func (h *kvArgs) String() string {
	if h == nil || *h == nil {
		return ""
	}
	parts := make([]string, 0, len(*h))
	for k, v := range *h {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (h *kvArgs) Set(value string) error {
	parts := strings.SplitN(value, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid value %q, expected key=value", value)
	}
	key := strings.TrimSpace(parts[0])
	if key == "" {
		return errors.New("key cannot be empty")
	}
	if *h == nil {
		*h = map[string]string{}
	}
	(*h)[key] = strings.TrimSpace(parts[1])
	return nil
}

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func Run(argv []string) int {
	if len(argv) == 0 {
		usage()
		return 1
	}

	socketPath := config.DefaultSocketPath()
	jsonOut := !isTerminal()

	global := flag.NewFlagSet("global", flag.ContinueOnError)
	global.StringVar(&socketPath, "socket", socketPath, "unix socket path")
	global.BoolVar(&jsonOut, "json", jsonOut, "json output")
	global.SetOutput(os.Stderr)
	_ = global.Parse(argv)
	args := global.Args()
	if len(args) == 0 {
		usage()
		return 1
	}

	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "status":
		return simple(protocol.Request{Action: "status"}, socketPath, jsonOut)
	case "servers":
		return simple(protocol.Request{Action: "servers"}, socketPath, jsonOut)
	case "start", "stop", "restart":
		name := firstPositional(rest)
		if name == "" {
			fmt.Fprintf(os.Stderr, "usage: asetta %s <server>\n", cmd)
			return 1
		}
		return simple(protocol.Request{Action: cmd, Name: name}, socketPath, jsonOut)
	case "add":
		fs := flag.NewFlagSet("add", flag.ContinueOnError)
		var name, command, description, category string
		var env kvArgs
		var cmdArgs stringSliceFlag
		fs.StringVar(&name, "name", "", "server name")
		fs.StringVar(&command, "command", "", "executable to launch")
		fs.StringVar(&description, "description", "", "server description")
		fs.StringVar(&category, "category", "", "server category")
		fs.Var(&cmdArgs, "arg", "command argument (repeatable)")
		fs.Var(&env, "env", "environment variable KEY=VALUE (repeatable)")
		_ = fs.Parse(rest)
		return simple(protocol.Request{
			Action:      "add_server",
			Name:        name,
			Command:     command,
			CommandArgs: []string(cmdArgs),
			Env:         map[string]string(env),
			Description: description,
			Category:    category,
		}, socketPath, jsonOut)
	case "remove":
		name := firstPositional(rest)
		if name == "" {
			fmt.Fprintln(os.Stderr, "usage: asetta remove <server>")
			return 1
		}
		return simple(protocol.Request{Action: "remove_server", Name: name}, socketPath, jsonOut)
	case "tools":
		fs := flag.NewFlagSet("tools", flag.ContinueOnError)
		var agent string
		fs.StringVar(&agent, "agent", "", "limit to an agent's permitted tools")
		_ = fs.Parse(rest)
		return simple(protocol.Request{Action: "tools", Agent: agent}, socketPath, jsonOut)
	case "workspace":
		path := firstPositional(rest)
		return simple(protocol.Request{Action: "set_workspace", Path: path}, socketPath, jsonOut)
	case "templates":
		return simple(protocol.Request{Action: "templates"}, socketPath, jsonOut)
	case "history":
		fs := flag.NewFlagSet("history", flag.ContinueOnError)
		var server string
		var limit int
		fs.StringVar(&server, "server", "", "filter by server name")
		fs.IntVar(&limit, "limit", 50, "max entries to return (1-500)")
		_ = fs.Parse(rest)
		return simple(protocol.Request{Action: "history", Server: server, Limit: limit}, socketPath, jsonOut)
	case "agents":
		return simple(protocol.Request{Action: "agents"}, socketPath, jsonOut)
	case "create":
		fs := flag.NewFlagSet("create", flag.ContinueOnError)
		var template, name, description, prompt string
		var servers stringSliceFlag
		fs.StringVar(&template, "template", "", "agent template id")
		fs.StringVar(&name, "name", "", "override agent name")
		fs.StringVar(&description, "description", "", "override description")
		fs.StringVar(&prompt, "prompt", "", "override system prompt")
		fs.Var(&servers, "server", "permitted server (repeatable)")
		_ = fs.Parse(rest)
		if template == "" && len(fs.Args()) > 0 {
			template = fs.Args()[0]
		}
		if template == "" {
			fmt.Fprintln(os.Stderr, "usage: asetta create --template <id> [--name x] [--server s ...]")
			return 1
		}
		req := protocol.Request{
			Action:      "add_agent",
			Template:    template,
			Name:        name,
			Description: description,
			Prompt:      prompt,
		}
		if len(servers) > 0 {
			req.Servers = []string(servers)
		}
		return simple(req, socketPath, jsonOut)
	case "delete":
		agent := firstPositional(rest)
		if agent == "" {
			fmt.Fprintln(os.Stderr, "usage: asetta delete <agent-id>")
			return 1
		}
		return simple(protocol.Request{Action: "remove_agent", Agent: agent}, socketPath, jsonOut)
	case "use":
		agent := firstPositional(rest)
		return simple(protocol.Request{Action: "set_active", Agent: agent}, socketPath, jsonOut)
	case "transcript":
		agent := firstPositional(rest)
		return simple(protocol.Request{Action: "transcript", Agent: agent}, socketPath, jsonOut)
	case "clear":
		agent := firstPositional(rest)
		return simple(protocol.Request{Action: "clear_transcript", Agent: agent}, socketPath, jsonOut)
	case "edit":
		fs := flag.NewFlagSet("edit", flag.ContinueOnError)
		var agent, messageID, content string
		fs.StringVar(&agent, "agent", "", "agent id")
		fs.StringVar(&messageID, "message", "", "message id")
		fs.StringVar(&content, "content", "", "replacement content")
		_ = fs.Parse(rest)
		return simple(protocol.Request{Action: "edit_message", Agent: agent, MessageID: messageID, Content: content}, socketPath, jsonOut)
	case "forget":
		fs := flag.NewFlagSet("forget", flag.ContinueOnError)
		var agent, messageID string
		fs.StringVar(&agent, "agent", "", "agent id")
		fs.StringVar(&messageID, "message", "", "message id")
		_ = fs.Parse(rest)
		return simple(protocol.Request{Action: "delete_message", Agent: agent, MessageID: messageID}, socketPath, jsonOut)
	case "chat":
		fs := flag.NewFlagSet("chat", flag.ContinueOnError)
		var agent string
		fs.StringVar(&agent, "agent", "", "agent id (default: active agent)")
		_ = fs.Parse(rest)
		message := strings.Join(fs.Args(), " ")
		if message == "" {
			fmt.Fprintln(os.Stderr, "usage: asetta chat [--agent id] <message>")
			return 1
		}
		return runChat(protocol.Request{Action: "chat", Agent: agent, Message: message}, socketPath, jsonOut)
	default:
		usage()
		return 1
	}
}

func firstPositional(args []string) string {
	for _, item := range args {
		if !strings.HasPrefix(item, "-") {
			return item
		}
	}
	return ""
}

func simple(req protocol.Request, socketPath string, jsonOut bool) int {
	resp, err := call(req, socketPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return printResponse(resp, jsonOut)
}

func call(req protocol.Request, socketPath string) (*protocol.Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, 4*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(70 * time.Second))

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)
	if err := enc.Encode(req); err != nil {
		return nil, err
	}
	var resp protocol.Response
	if err := dec.Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// runChat keeps the connection open and renders stream frames as they
// arrive: text incrementally, tool activity on stderr, done/error last.
func runChat(req protocol.Request, socketPath string, jsonOut bool) int {
	conn, err := net.DialTimeout("unix", socketPath, 4*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer conn.Close()

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(bufio.NewReader(conn))
	if err := enc.Encode(req); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	for {
		var ev protocol.StreamEvent
		if err := dec.Decode(&ev); err != nil {
			if err == io.EOF {
				return 0
			}
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if jsonOut {
			data, _ := json.Marshal(ev)
			fmt.Println(string(data))
			if ev.Event == protocol.EventDone {
				return 0
			}
			if ev.Event == protocol.EventError {
				return 1
			}
			continue
		}
		switch ev.Event {
		case protocol.EventText:
			fmt.Print(ev.Text)
		case protocol.EventToolResult:
			status := "ok"
			if ev.IsError {
				status = "error"
			}
			fmt.Fprintf(os.Stderr, "[%s %s]\n", ev.Tool, status)
		case protocol.EventDone:
			fmt.Println()
			return 0
		case protocol.EventError:
			fmt.Fprintln(os.Stderr, ev.Error)
			return 1
		}
	}
}

func printResponse(resp *protocol.Response, jsonOut bool) int {
	if resp == nil {
		fmt.Fprintln(os.Stderr, "empty response")
		return 1
	}
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(resp)
		if !resp.OK {
			return 1
		}
		return 0
	}
	if !resp.OK {
		fmt.Fprintln(os.Stderr, resp.Error)
		return 1
	}
	if resp.Text != "" {
		fmt.Println(resp.Text)
	}
	if resp.Status != nil {
		fmt.Printf("uptime=%ds servers=%d agents=%d", resp.Status.UptimeSec, resp.Status.ServerCount, resp.Status.AgentCount)
		if resp.Status.ActiveAgent != "" {
			fmt.Printf(" active=%s", resp.Status.ActiveAgent)
		}
		if resp.Status.Workspace != "" {
			fmt.Printf(" workspace=%s", resp.Status.Workspace)
		}
		fmt.Println()
	}
	for _, s := range resp.Servers {
		line := fmt.Sprintf("%-20s %-8s %s %s", s.Name, s.Status, s.Command, strings.Join(s.Args, " "))
		if s.Status == protocol.StatusRunning {
			line += fmt.Sprintf(" (%d tools)", s.ToolCount)
		}
		if s.Error != "" {
			line += " error: " + s.Error
		}
		fmt.Println(line)
	}
	for _, t := range resp.Tools {
		if t.Description != "" {
			fmt.Printf("%-30s  %s\n", t.Server+"/"+t.Name, firstLine(t.Description))
		} else {
			fmt.Println(t.Server + "/" + t.Name)
		}
	}
	for _, a := range resp.Agents {
		online := "offline"
		if a.Online {
			online = "online"
		}
		fmt.Printf("%-30s %-20s %s servers=%s\n", a.ID, a.Name, online, strings.Join(a.Servers, ","))
	}
	if resp.Agent != nil {
		fmt.Printf("created agent %s (%s)\n", resp.Agent.ID, resp.Agent.Name)
	}
	for _, t := range resp.Templates {
		fmt.Printf("%-20s %s\n", t.ID, t.Description)
	}
	for _, c := range resp.Catalog {
		fmt.Printf("%-20s %s %s  %s\n", c.Name, c.Command, strings.Join(c.Args, " "), c.Description)
	}
	for _, m := range resp.Transcript {
		fmt.Printf("[%s] %s: %s\n", m.ID, m.Role, m.Content)
	}
	for _, h := range resp.History {
		status := "ok"
		if !h.Success {
			status = "error"
		}
		fmt.Printf("%s %s/%s %s (%dms)\n", h.At.Format(time.RFC3339), h.Server, h.Tool, status, h.DurationMs)
		if !h.Success && h.Error != "" {
			fmt.Printf("  error: %s\n", h.Error)
		}
	}
	return 0
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			if len(trimmed) > 100 {
				trimmed = trimmed[:97] + "..."
			}
			return trimmed
		}
	}
	return ""
}

func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func usage() {
	fmt.Println("asetta <command>")
	fmt.Println("  status")
	fmt.Println("  servers")
	fmt.Println("  start|stop|restart <server>")
	fmt.Println("  add --name x --command prog [--arg a] [--env K=V] [--description d] [--category c]")
	fmt.Println("  remove <server>")
	fmt.Println("  tools [--agent id]")
	fmt.Println("  workspace [path]")
	fmt.Println("  templates")
	fmt.Println("  history [--server name] [--limit 50]")
	fmt.Println("  agents")
	fmt.Println("  create --template <id> [--name x] [--prompt p] [--server s ...]")
	fmt.Println("  delete <agent-id>")
	fmt.Println("  use [agent-id]")
	fmt.Println("  transcript [agent-id]")
	fmt.Println("  clear [agent-id]")
	fmt.Println("  edit --agent id --message id --content text")
	fmt.Println("  forget --agent id --message id")
	fmt.Println("  chat [--agent id] <message>")
}
