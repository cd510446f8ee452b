package chatmesh

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chatmesh/config"
	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/plugins/fs"
	"github.com/hupe1980/chatmesh/plugins/mcp"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Model.Provider = "scripted"
	cfg.Plugins["git"] = config.PluginConfig{Enabled: false}

	return cfg
}

func newMesh(t *testing.T, cfg *config.Config) (*Mesh, string) {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))

	m, err := New(context.Background(), func(o *Options) {
		o.Config = cfg
		o.WorkDir = dir
	})
	require.NoError(t, err)

	return m, dir
}

func TestNewRegistersEnabledBuiltins(t *testing.T) {
	ctx := context.Background()
	m, _ := newMesh(t, testConfig())

	defer func() { require.NoError(t, m.Close(ctx)) }()

	var ids []core.PluginID
	for _, p := range m.Plugins() {
		ids = append(ids, p.ID)
		assert.Equal(t, "active", p.Status, p.ID)
	}

	assert.Equal(t, []core.PluginID{"fs", "docs", "web", "terminal"}, ids)
	assert.Contains(t, m.Engine().Registry().Commands(), fs.CommandClearCache)
}

func TestAskRunsTurnWithMentions(t *testing.T) {
	ctx := context.Background()
	m, _ := newMesh(t, testConfig())

	defer func() { require.NoError(t, m.Close(ctx)) }()

	ai, err := m.Ask(ctx, "", "explain main.go",
		core.NewMention(fs.ID, fs.MentionFile, map[string]any{"path": "main.go"}))
	require.NoError(t, err)

	assert.Equal(t, core.StatusCompleted, ai.Status)
	assert.Equal(t, ScriptedReply, ai.Text())
	assert.Contains(t, ai.PluginStates, fs.ID)

	thread, err := m.Engine().Thread(ctx, ai.ThreadID)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	assert.Equal(t, core.RoleHuman, thread[0].Role)

	next, err := m.Ask(ctx, ai.ThreadID, "and now?")
	require.NoError(t, err)
	assert.Equal(t, ai.ThreadID, next.ThreadID)
}

func TestDisablingFSDropsTerminal(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.Plugins["fs"] = config.PluginConfig{Enabled: false}
	cfg.Plugins["docs"] = config.PluginConfig{Enabled: false}

	m, _ := newMesh(t, cfg)

	defer func() { require.NoError(t, m.Close(ctx)) }()

	require.Len(t, m.Plugins(), 1)
	assert.Equal(t, core.PluginID("web"), m.Plugins()[0].ID)

	_, err := m.IndexSites(ctx)
	require.Error(t, err)
}

func TestSQLiteStorePersistsThreads(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.Store = config.StoreConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "chatmesh.db")}

	m, _ := newMesh(t, cfg)

	ai, err := m.Ask(ctx, "", "hello")
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx))

	reopened, _ := newMesh(t, cfg)

	defer func() { require.NoError(t, reopened.Close(ctx)) }()

	thread, err := reopened.Engine().Thread(ctx, ai.ThreadID)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	assert.Equal(t, ScriptedReply, thread[1].Text())
}

type mcpStub struct{ closed bool }

func (c *mcpStub) Initialize(context.Context, mcptypes.InitializeRequest) (*mcptypes.InitializeResult, error) {
	return &mcptypes.InitializeResult{}, nil
}

func (c *mcpStub) ListTools(context.Context, mcptypes.ListToolsRequest) (*mcptypes.ListToolsResult, error) {
	return &mcptypes.ListToolsResult{Tools: []mcptypes.Tool{{Name: "ping", InputSchema: mcptypes.ToolInputSchema{Type: "object"}}}}, nil
}

func (c *mcpStub) CallTool(context.Context, mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
	return &mcptypes.CallToolResult{}, nil
}

func (c *mcpStub) Close() error {
	c.closed = true
	return nil
}

func TestMCPServersRegisterPlugin(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.MCP.Servers = []config.MCPServerConfig{{Name: "tools", Command: "mcp-tools"}}

	stub := &mcpStub{}

	m, err := New(ctx, func(o *Options) {
		o.Config = cfg
		o.WorkDir = t.TempDir()
		o.MCPDialer = func(context.Context, mcp.Server) (mcp.Client, error) { return stub, nil }
	})
	require.NoError(t, err)

	plugins := m.Plugins()
	assert.Equal(t, mcp.ID, plugins[len(plugins)-1].ID)

	names, err := m.Engine().Registry().ExecuteCommand(ctx, mcp.CommandListTools)
	require.NoError(t, err)
	assert.Equal(t, []string{"tools_ping"}, names)

	require.NoError(t, m.Close(ctx))
	assert.True(t, stub.closed)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Model.Provider = "nope"

	_, err := New(context.Background(), func(o *Options) { o.Config = cfg })
	require.Error(t, err)
}

func TestNewModel(t *testing.T) {
	tests := []struct {
		provider string
		name     string
		want     string
	}{
		{provider: "openai", name: "gpt-4o", want: "gpt-4o"},
		{provider: "anthropic", name: "claude-3-5-haiku-latest", want: "claude-3-5-haiku-latest"},
		{provider: "scripted", want: "scripted"},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			m, err := NewModel(config.ModelConfig{Provider: tt.provider, Name: tt.name, APIKey: "test"})
			require.NoError(t, err)
			assert.Equal(t, tt.provider, m.Info().Provider)
			assert.Equal(t, tt.want, m.Info().Name)
		})
	}

	_, err := NewModel(config.ModelConfig{Provider: "unknown"})
	require.Error(t, err)
}
