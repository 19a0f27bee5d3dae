// Package mcp adapts Model Context Protocol servers into the Tool Worker's
// registry: each remote tool becomes a tools.Tool whose Call round-trips
// through the MCP session, so the Turn Controller dispatches local and
// remote tools through one contract.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	mcppkg "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/manifold/turnengine/internal/config"
	"github.com/manifold/turnengine/internal/tools"
)

const clientVersion = "0.1.0"

// Manager holds active MCP client sessions and the tool names each one
// contributed, so a server can be replaced or removed wholesale.
type Manager struct {
	mu        sync.Mutex
	sessions  map[string]*mcppkg.ClientSession
	toolNames map[string][]string
}

func NewManager() *Manager {
	return &Manager{
		sessions:  map[string]*mcppkg.ClientSession{},
		toolNames: map[string][]string{},
	}
}

// Close closes all active sessions.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		_ = s.Close()
	}
	m.sessions = map[string]*mcppkg.ClientSession{}
	m.toolNames = map[string][]string{}
}

// RegisterFromConfig connects to each configured server concurrently and
// registers its tools as "<server>_<tool>". A server that fails to connect
// is skipped, not fatal; the local registry keeps working without it.
func (m *Manager) RegisterFromConfig(ctx context.Context, reg tools.Registry, cfg config.MCPConfig) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range cfg.Servers {
		g.Go(func() error {
			if err := m.RegisterOne(gctx, reg, srv); err != nil {
				log.Warn().Err(err).Str("server", srv.Name).Msg("mcp_register_skipped")
			}
			return nil
		})
	}
	return g.Wait()
}

// RegisterOne connects to a single MCP server and registers its tools.
func (m *Manager) RegisterOne(ctx context.Context, reg tools.Registry, srv config.MCPServerConfig) error {
	if strings.TrimSpace(srv.Name) == "" {
		return fmt.Errorf("server name required")
	}
	m.RemoveOne(srv.Name, reg)

	opts := &mcppkg.ClientOptions{}
	if srv.KeepAliveSeconds > 0 {
		opts.KeepAlive = time.Duration(srv.KeepAliveSeconds) * time.Second
	}
	client := mcppkg.NewClient(&mcppkg.Implementation{Name: "turnengine", Version: clientVersion}, opts)

	var session *mcppkg.ClientSession
	var err error
	switch {
	case strings.TrimSpace(srv.Command) != "":
		cleanCmd := filepath.Clean(srv.Command)
		if cleanCmd != srv.Command || filepath.IsAbs(cleanCmd) || strings.Contains(cleanCmd, string(os.PathSeparator)+"..") {
			return fmt.Errorf("invalid command path")
		}
		cmd := exec.Command(cleanCmd, srv.Args...)
		if len(srv.Env) > 0 {
			env := os.Environ()
			for k, v := range srv.Env {
				env = append(env, fmt.Sprintf("%s=%s", k, v))
			}
			cmd.Env = env
		}
		session, err = client.Connect(ctx, &mcppkg.CommandTransport{Command: cmd}, nil)
	case strings.TrimSpace(srv.URL) != "":
		transport := &mcppkg.StreamableClientTransport{Endpoint: srv.URL, HTTPClient: buildHTTPClient(srv)}
		session, err = client.Connect(ctx, transport, nil)
	default:
		return fmt.Errorf("invalid config: neither command nor url provided")
	}
	if err != nil {
		return err
	}

	var tNames []string
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			break
		}
		t := &mcpTool{server: srv.Name, session: session, tool: tool}
		reg.Register(t)
		tNames = append(tNames, t.Name())
	}
	m.mu.Lock()
	m.sessions[srv.Name] = session
	m.toolNames[srv.Name] = tNames
	m.mu.Unlock()
	log.Info().Str("server", srv.Name).Int("tools", len(tNames)).Msg("mcp_server_registered")
	return nil
}

// RemoveOne closes the session for the named server and unregisters its
// tools.
func (m *Manager) RemoveOne(name string, reg tools.Registry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[name]; ok {
		_ = s.Close()
		delete(m.sessions, name)
	}
	if names, ok := m.toolNames[name]; ok {
		for _, tName := range names {
			reg.Unregister(tName)
		}
		delete(m.toolNames, name)
	}
}

// mcpTool adapts one remote MCP tool to the local tools.Tool interface.
type mcpTool struct {
	server  string
	session *mcppkg.ClientSession
	tool    *mcppkg.Tool
}

func (t *mcpTool) Name() string {
	return sanitizeName(t.server + "_" + t.tool.Name)
}

func (t *mcpTool) JSONSchema() map[string]any {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	if t.tool.InputSchema != nil {
		if b, err := json.Marshal(t.tool.InputSchema); err == nil {
			var m map[string]any
			if json.Unmarshal(b, &m) == nil && m != nil {
				for k, v := range m {
					params[k] = v
				}
			}
		}
	}
	if params["type"] != "object" {
		params["type"] = "object"
	}
	if _, ok := params["properties"]; !ok || params["properties"] == nil {
		params["properties"] = map[string]any{}
	}
	return map[string]any{
		"name":        t.Name(),
		"description": t.tool.Description,
		"parameters":  params,
	}
}

func (t *mcpTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &args)
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := t.session.CallTool(ctx, &mcppkg.CallToolParams{Name: t.tool.Name, Arguments: args})
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}
	texts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		if v, ok := c.(*mcppkg.TextContent); ok {
			texts = append(texts, v.Text)
		}
	}
	out := map[string]any{
		"ok":         !res.IsError,
		"text":       strings.Join(texts, "\n"),
		"structured": res.StructuredContent,
	}
	return out, nil
}

func sanitizeName(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}

func buildHTTPClient(srv config.MCPServerConfig) *http.Client {
	cli := &http.Client{}
	if strings.TrimSpace(srv.BearerToken) != "" {
		cli.Transport = &bearerRoundTripper{base: http.DefaultTransport, token: srv.BearerToken}
	}
	return cli
}

type bearerRoundTripper struct {
	base  http.RoundTripper
	token string
}

func (t *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if r.Header.Get("Authorization") == "" {
		r.Header.Set("Authorization", "Bearer "+t.token)
	}
	return t.base.RoundTrip(r)
}
