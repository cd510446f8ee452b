// Package mcp is the MCP bridge plugin. Each configured Model Context
// Protocol server is started or dialed on activation and its tools are
// exposed to the model as agents named <server>_<tool>.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"github.com/hupe1980/chatmesh/agent"
	"github.com/hupe1980/chatmesh/capability"
	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/flow"
	"github.com/hupe1980/chatmesh/logging"
	"github.com/hupe1980/chatmesh/plugin"
)

// ID is the plugin id.
const ID core.PluginID = "mcp"

// CommandListTools returns the names of the bridged tools.
const CommandListTools = "mcp.listTools"

// ProtocolVersion is sent in the initialize handshake.
const ProtocolVersion = "2025-06-18"

// ErrNoTransport is returned for a server with neither a command nor a URL.
var ErrNoTransport = errors.New("mcp: server needs a command or a url")

// Server describes one MCP server. Command starts a local server over
// stdio; URL dials a remote server over streamable HTTP.
type Server struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	URL     string
	Headers map[string]string
}

// Client is the part of an MCP client the plugin uses. *client.Client
// satisfies it.
type Client interface {
	Initialize(ctx context.Context, req mcptypes.InitializeRequest) (*mcptypes.InitializeResult, error)
	ListTools(ctx context.Context, req mcptypes.ListToolsRequest) (*mcptypes.ListToolsResult, error)
	CallTool(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error)
	Close() error
}

// Dialer connects to a server.
type Dialer func(ctx context.Context, s Server) (Client, error)

// Options configures the plugin.
type Options struct {
	Servers []Server
	// Dialer defaults to Dial.
	Dialer Dialer
	// ClientName is reported to servers during initialization.
	ClientName string
}

type session struct {
	server Server
	client Client
	agents []agent.Agent
}

// Plugin implements plugin.Plugin.
type Plugin struct {
	plugin.Info
	opts Options
	log  logging.Logger

	mu       sync.RWMutex
	sessions []*session
}

var _ plugin.Deactivator = (*Plugin)(nil)

// New creates the plugin.
func New(optFns ...func(o *Options)) *Plugin {
	opts := Options{Dialer: Dial, ClientName: "chatmesh"}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Plugin{
		Info: plugin.Info{PluginID: ID, PluginVersion: "1.0.0"},
		opts: opts,
		log:  logging.NoOpLogger{},
	}
}

// Dial starts or connects to s and returns the client.
func Dial(ctx context.Context, s Server) (Client, error) {
	switch {
	case s.Command != "":
		c, err := client.NewStdioMCPClient(s.Command, environ(s.Env), s.Args...)
		if err != nil {
			return nil, err
		}

		return c, nil
	case s.URL != "":
		var opts []transport.StreamableHTTPCOption
		if len(s.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(s.Headers))
		}

		c, err := client.NewStreamableHttpClient(s.URL, opts...)
		if err != nil {
			return nil, err
		}

		if err := c.GetTransport().Start(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("start transport: %w", err)
		}

		return c, nil
	default:
		return nil, ErrNoTransport
	}
}

// Activate implements plugin.Plugin. A server that cannot be reached is
// logged and skipped.
func (p *Plugin) Activate(ctx context.Context, pctx *plugin.Context) error {
	p.log = pctx.Logger()

	for _, s := range p.opts.Servers {
		sess, err := p.connect(ctx, s)
		if err != nil {
			p.log.Warn("mcp.server.unavailable", "server", s.Name, "error", err.Error())
			continue
		}

		p.log.Info("mcp.server.connected", "server", s.Name, "tools", len(sess.agents))

		p.mu.Lock()
		p.sessions = append(p.sessions, sess)
		p.mu.Unlock()
	}

	if err := plugin.Provide(pctx, capability.ChatStrategyKey, p.strategy); err != nil {
		return err
	}

	return pctx.RegisterCommand(CommandListTools, func(context.Context, ...any) (any, error) {
		return p.ToolNames(), nil
	})
}

// Deactivate implements plugin.Deactivator and closes every client.
func (p *Plugin) Deactivate(context.Context) error {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = nil
	p.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.server.Name, err))
		}
	}

	return errors.Join(errs...)
}

// ToolNames returns the sorted agent names of all bridged tools.
func (p *Plugin) ToolNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var names []string
	for _, s := range p.sessions {
		for _, a := range s.agents {
			names = append(names, a.Name())
		}
	}

	sort.Strings(names)

	return names
}

func (p *Plugin) connect(ctx context.Context, s Server) (*session, error) {
	if s.Name == "" {
		return nil, errors.New("mcp: server name is required")
	}

	c, err := p.opts.Dialer(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if _, err := c.Initialize(ctx, mcptypes.InitializeRequest{
		Params: mcptypes.InitializeParams{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    mcptypes.ClientCapabilities{},
			ClientInfo:      mcptypes.Implementation{Name: p.opts.ClientName, Version: p.Version()},
		},
	}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	res, err := c.ListTools(ctx, mcptypes.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}

	sess := &session{server: s, client: c}

	for _, tool := range res.Tools {
		a, err := toolAgent(s.Name, c, tool)
		if err != nil {
			p.log.Warn("mcp.tool.skipped", "server", s.Name, "tool", tool.Name, "error", err.Error())
			continue
		}

		sess.agents = append(sess.agents, a)
	}

	return sess, nil
}

func (p *Plugin) strategy() *capability.ChatStrategyProvider {
	return &capability.ChatStrategyProvider{
		BuildSystemPrompt: func(context.Context, *agent.StrategyOptions) (string, error) {
			p.mu.RLock()
			defer p.mu.RUnlock()

			if len(p.sessions) == 0 {
				return "", nil
			}

			names := make([]string, 0, len(p.sessions))
			for _, s := range p.sessions {
				names = append(names, s.server.Name)
			}

			return "Tools prefixed with an MCP server name (" + strings.Join(names, ", ") + ") are provided by external servers.\n", nil
		},
		BuildNodes: func(context.Context, *agent.StrategyOptions) ([]*flow.Node, error) {
			p.mu.RLock()
			defer p.mu.RUnlock()

			nodes := make([]*flow.Node, 0, len(p.sessions))
			for _, s := range p.sessions {
				if len(s.agents) == 0 {
					continue
				}

				nodes = append(nodes, &flow.Node{Name: "mcp:" + s.server.Name, PluginID: ID, Agents: s.agents})
			}

			return nodes, nil
		},
	}
}

var invalidToolChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// ToolName is the agent name of tool on server.
func ToolName(server, tool string) string {
	return invalidToolChars.ReplaceAllString(server+"_"+tool, "_")
}

func toolAgent(server string, c Client, tool mcptypes.Tool) (agent.Agent, error) {
	name := tool.Name

	return agent.NewFunc(ToolName(server, name), tool.Description, inputSchema(tool.InputSchema),
		func(ctx context.Context, args map[string]any, _ *agent.Context) (any, error) {
			res, err := c.CallTool(ctx, mcptypes.CallToolRequest{
				Params: mcptypes.CallToolParams{Name: name, Arguments: args},
			})
			if err != nil {
				return nil, err
			}

			text := contentText(res.Content)
			if res.IsError {
				return nil, fmt.Errorf("%s: %s", name, text)
			}

			return text, nil
		})
}

func inputSchema(s mcptypes.ToolInputSchema) map[string]any {
	out := map[string]any{"type": "object", "properties": map[string]any{}}

	if s.Type != "" {
		out["type"] = s.Type
	}

	if len(s.Properties) > 0 {
		out["properties"] = s.Properties
	}

	if len(s.Required) > 0 {
		out["required"] = s.Required
	}

	if len(s.Defs) > 0 {
		out["$defs"] = s.Defs
	}

	return out
}

// contentText joins text parts; other content is rendered as JSON.
func contentText(content []mcptypes.Content) string {
	parts := make([]string, 0, len(content))

	for _, c := range content {
		switch v := c.(type) {
		case mcptypes.TextContent:
			parts = append(parts, v.Text)
		case *mcptypes.TextContent:
			parts = append(parts, v.Text)
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}

			parts = append(parts, string(raw))
		}
	}

	return strings.Join(parts, "\n")
}

func environ(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}

	return env
}
