package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chatmesh/agent"
	"github.com/hupe1980/chatmesh/capability"
	"github.com/hupe1980/chatmesh/plugin"
)

type fakeClient struct {
	tools   []mcptypes.Tool
	calls   []mcptypes.CallToolParams
	result  *mcptypes.CallToolResult
	initErr error
	closed  bool
}

func (c *fakeClient) Initialize(context.Context, mcptypes.InitializeRequest) (*mcptypes.InitializeResult, error) {
	if c.initErr != nil {
		return nil, c.initErr
	}

	return &mcptypes.InitializeResult{}, nil
}

func (c *fakeClient) ListTools(context.Context, mcptypes.ListToolsRequest) (*mcptypes.ListToolsResult, error) {
	return &mcptypes.ListToolsResult{Tools: c.tools}, nil
}

func (c *fakeClient) CallTool(_ context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
	c.calls = append(c.calls, req.Params)
	return c.result, nil
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

func echoTool() mcptypes.Tool {
	return mcptypes.Tool{
		Name:        "echo.text",
		Description: "Echo the text",
		InputSchema: mcptypes.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"text": map[string]any{"type": "string"}},
			Required:   []string{"text"},
		},
	}
}

func newPlugin(clients map[string]*fakeClient) *Plugin {
	servers := make([]Server, 0, len(clients))
	for name := range clients {
		servers = append(servers, Server{Name: name, Command: "unused"})
	}

	return New(func(o *Options) {
		o.Servers = servers
		o.Dialer = func(_ context.Context, s Server) (Client, error) {
			c, ok := clients[s.Name]
			if !ok {
				return nil, errors.New("unknown server")
			}

			return c, nil
		}
	})
}

func TestActivateBridgesTools(t *testing.T) {
	ctx := context.Background()
	fc := &fakeClient{
		tools:  []mcptypes.Tool{echoTool()},
		result: &mcptypes.CallToolResult{Content: []mcptypes.Content{mcptypes.TextContent{Type: "text", Text: "hi"}}},
	}

	p := newPlugin(map[string]*fakeClient{"util": fc})
	r := plugin.NewRegistry()
	require.NoError(t, r.Load(ctx, p))

	assert.Equal(t, []string{"util_echo_text"}, p.ToolNames())

	names, err := r.ExecuteCommand(ctx, CommandListTools)
	require.NoError(t, err)
	assert.Equal(t, []string{"util_echo_text"}, names)

	strategy, ok := plugin.Merged(r, capability.ChatStrategyKey)
	require.True(t, ok)

	prompt, err := strategy.BuildSystemPrompt(ctx, nil)
	require.NoError(t, err)
	assert.Contains(t, prompt, "util")

	nodes, err := strategy.BuildNodes(ctx, nil)
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	a, ok := nodes[0].Agent("util_echo_text")
	require.True(t, ok)

	out, err := a.Execute(ctx, json.RawMessage(`{"text":"hi"}`), &agent.Context{})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
	require.Len(t, fc.calls, 1)
	assert.Equal(t, "echo.text", fc.calls[0].Name)

	_, err = a.Execute(ctx, json.RawMessage(`{}`), &agent.Context{})
	require.ErrorIs(t, err, agent.ErrValidation)

	require.NoError(t, r.UnloadAll(ctx))
	assert.True(t, fc.closed)
	assert.Empty(t, p.ToolNames())
}

func TestToolErrorResult(t *testing.T) {
	fc := &fakeClient{
		tools:  []mcptypes.Tool{echoTool()},
		result: &mcptypes.CallToolResult{IsError: true, Content: []mcptypes.Content{mcptypes.TextContent{Type: "text", Text: "boom"}}},
	}

	a, err := toolAgent("util", fc, echoTool())
	require.NoError(t, err)

	_, err = a.Execute(context.Background(), json.RawMessage(`{"text":"x"}`), &agent.Context{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestUnavailableServerIsSkipped(t *testing.T) {
	ctx := context.Background()
	bad := &fakeClient{initErr: errors.New("handshake failed")}
	good := &fakeClient{tools: []mcptypes.Tool{echoTool()}}

	p := newPlugin(map[string]*fakeClient{"bad": bad, "good": good})
	p.opts.Servers = append(p.opts.Servers, Server{Name: "gone", URL: "http://127.0.0.1:1"})

	r := plugin.NewRegistry()
	require.NoError(t, r.Load(ctx, p))

	assert.Equal(t, []string{"good_echo_text"}, p.ToolNames())
	assert.True(t, bad.closed)
}

func TestDialRequiresTransport(t *testing.T) {
	_, err := Dial(context.Background(), Server{Name: "none"})
	require.ErrorIs(t, err, ErrNoTransport)
}

func TestToolName(t *testing.T) {
	assert.Equal(t, "files_read_file", ToolName("files", "read_file"))
	assert.Equal(t, "my_server_get_x", ToolName("my server", "get.x"))
}

func TestInputSchemaDefaults(t *testing.T) {
	s := inputSchema(mcptypes.ToolInputSchema{})
	assert.Equal(t, "object", s["type"])
	assert.Equal(t, map[string]any{}, s["properties"])
	assert.NotContains(t, s, "required")
}
