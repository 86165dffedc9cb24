package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Transport selects how the host reaches an MCP server.
type Transport string

const (
	// TransportStdio launches the server as a child process.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP connects to a remote server endpoint.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a known transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP server providing device tools.
type ServerConfig struct {
	Name      string
	Transport Transport
	// Command is split on spaces into executable and arguments.
	Command string
	Env     map[string]string
	URL     string
}

// ToolResult is the text output of one tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// BuiltinHandler implements an in-process tool.
type BuiltinHandler func(ctx context.Context, args map[string]any) (string, error)

type toolEntry struct {
	server  string
	builtin BuiltinHandler
}

// ToolHost holds the tool catalogue of every registered MCP server plus
// in-process builtins. It is safe for concurrent use.
type ToolHost struct {
	mu       sync.RWMutex
	tools    map[string]toolEntry
	sessions map[string]*mcpsdk.ClientSession

	client *mcpsdk.Client
}

// NewToolHost returns an empty host.
func NewToolHost() *ToolHost {
	return &ToolHost{
		tools:    make(map[string]toolEntry),
		sessions: make(map[string]*mcpsdk.ClientSession),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "pushtalk-actions", Version: "1.0.0"},
			nil,
		),
	}
}

// RegisterServer connects to the server described by cfg and imports its
// tools. A server registered again under the same name replaces the old
// connection and its tools.
func (h *ToolHost) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return errors.New("actions: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		fields := strings.Fields(cfg.Command)
		if len(fields) == 0 {
			return fmt.Errorf("actions: stdio server %q requires a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("actions: streamable-http server %q requires a url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("actions: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("actions: connect to server %q: %w", cfg.Name, err)
	}
	var names []string
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("actions: list tools of %q: %w", cfg.Name, err)
		}
		names = append(names, tool.Name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.sessions[cfg.Name]; ok {
		_ = old.Close()
		for name, e := range h.tools {
			if e.server == cfg.Name {
				delete(h.tools, name)
			}
		}
	}
	h.sessions[cfg.Name] = session
	for _, n := range names {
		h.tools[n] = toolEntry{server: cfg.Name}
	}
	return nil
}

// RegisterBuiltin adds an in-process tool.
func (h *ToolHost) RegisterBuiltin(name string, fn BuiltinHandler) error {
	if name == "" {
		return errors.New("actions: builtin tool must have a name")
	}
	if fn == nil {
		return fmt.Errorf("actions: builtin tool %q has no handler", name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[name] = toolEntry{builtin: fn}
	return nil
}

// Tools returns the sorted names of every registered tool.
func (h *ToolHost) Tools() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.tools))
	for n := range h.tools {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CallTool runs the named tool. Application-level failures are reported in
// the result; the error is reserved for lookup and transport failures.
func (h *ToolHost) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	session := h.sessions[entry.server]
	h.mu.RUnlock()
	if !ok {
		return ToolResult{}, fmt.Errorf("actions: tool %q not found", name)
	}

	if entry.builtin != nil {
		out, err := entry.builtin(ctx, args)
		if err != nil {
			return ToolResult{Content: err.Error(), IsError: true}, nil
		}
		return ToolResult{Content: out}, nil
	}
	if session == nil {
		return ToolResult{}, fmt.Errorf("actions: server %q for tool %q is gone", entry.server, name)
	}

	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return ToolResult{}, fmt.Errorf("actions: call tool %q: %w", name, err)
	}
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return ToolResult{Content: sb.String(), IsError: res.IsError}, nil
}

// Close disconnects every server.
func (h *ToolHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for name, s := range h.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("actions: close %q: %w", name, err))
		}
	}
	clear(h.sessions)
	clear(h.tools)
	return errors.Join(errs...)
}

// argsFromJSON decodes an execution's params object.
func argsFromJSON(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("actions: params: %w", err)
	}
	return m, nil
}
