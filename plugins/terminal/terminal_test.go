package terminal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chatmesh/agent"
	"github.com/hupe1980/chatmesh/capability"
	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/plugin"
	"github.com/hupe1980/chatmesh/plugins/fs"
)

func setup(t *testing.T, optFns ...func(o *Options)) (*Plugin, *fs.Plugin, *plugin.Registry, string) {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "out.txt"), []byte("v1"), 0o644))

	fsp, err := fs.New(func(o *fs.Options) { o.Root = root })
	require.NoError(t, err)

	p := New(optFns...)

	r := plugin.NewRegistry()
	require.NoError(t, r.LoadAll(context.Background(), p, fsp))

	return p, fsp, r, root
}

func TestRequiresFS(t *testing.T) {
	r := plugin.NewRegistry()

	err := r.Load(context.Background(), New())
	require.ErrorIs(t, err, plugin.ErrDependencyUnmet)
}

func TestRecordKeepsBoundedHistory(t *testing.T) {
	ctx := context.Background()
	p, _, r, _ := setup(t, func(o *Options) {
		o.MaxHistory = 2
		o.MaxOutput = 3
	})

	for _, cmd := range []string{"ls", "go test ./...", "make"} {
		_, err := r.ExecuteCommand(ctx, CommandRecord, cmd, "output", 1)
		require.NoError(t, err)
	}

	h := p.History()
	require.Len(t, h, 2)
	assert.Equal(t, "go test ./...", h[0].Command)
	assert.Equal(t, "make", h[1].Command)
	assert.Equal(t, "put", h[1].Output)
	assert.Equal(t, 1, h[1].ExitCode)
	assert.NotEmpty(t, h[1].ID)

	_, err := r.ExecuteCommand(ctx, CommandRecord, "ls")
	require.Error(t, err)

	_, err = r.ExecuteCommand(ctx, CommandClear)
	require.NoError(t, err)
	assert.Empty(t, p.History())
}

func TestRecordClearsFSCache(t *testing.T) {
	ctx := context.Background()
	p, _, r, root := setup(t)

	strategy, ok := plugin.Merged(r, capability.ChatStrategyKey)
	require.True(t, ok)

	mentions := []core.Mention{core.NewMention(fs.ID, fs.MentionFile, map[string]any{"path": "out.txt"})}

	states, err := strategy.BuildPluginStates(ctx, mentions)
	require.NoError(t, err)

	conv := core.NewConversation(core.RoleHuman, "x")
	for id, st := range states {
		conv.PluginStates[core.PluginID(id)] = st
	}

	prompt, err := strategy.BuildContextPrompt(ctx, nil, conv)
	require.NoError(t, err)
	assert.Contains(t, prompt, "v1")

	require.NoError(t, os.WriteFile(filepath.Join(root, "out.txt"), []byte("v2"), 0o644))

	_, err = p.Record(ctx, Entry{Command: "echo v2 > out.txt"})
	require.NoError(t, err)

	prompt, err = strategy.BuildContextPrompt(ctx, nil, conv)
	require.NoError(t, err)
	assert.Contains(t, prompt, "v2")
}

func TestMentionedOutputIsInlined(t *testing.T) {
	ctx := context.Background()
	p, _, r, _ := setup(t)

	e, err := p.Record(ctx, Entry{Command: "go vet", Output: "ok", ExitCode: 0})
	require.NoError(t, err)

	strategy, _ := plugin.Merged(r, capability.ChatStrategyKey)

	states, err := strategy.BuildPluginStates(ctx, []core.Mention{
		core.NewMention(ID, MentionOutput, map[string]any{"id": e.ID}),
		core.NewMention(ID, MentionOutput, map[string]any{"id": "unknown"}),
	})
	require.NoError(t, err)

	st := states[string(ID)].(State)
	require.Len(t, st.Entries, 1)

	conv := core.NewConversation(core.RoleHuman, "why?")
	conv.PluginStates[ID] = st

	prompt, err := strategy.BuildContextPrompt(ctx, nil, conv)
	require.NoError(t, err)
	assert.Equal(t, "<terminal command=\"go vet\" exit_code=\"0\">\nok\n</terminal>\n", prompt)
}

func TestHistoryAgent(t *testing.T) {
	ctx := context.Background()
	p, _, r, _ := setup(t)

	for _, cmd := range []string{"a", "b", "c"} {
		_, err := p.Record(ctx, Entry{Command: cmd})
		require.NoError(t, err)
	}

	strategy, ok := plugin.Merged(r, capability.ChatStrategyKey)
	require.True(t, ok)

	opts, err := strategy.BuildToolOptions(ctx, core.NewConversation(core.RoleHuman, "x"))
	require.NoError(t, err)

	ac := &agent.Context{Tool: opts["terminal_history"]}

	out, err := p.historyAgent().Execute(ctx, json.RawMessage(`{"limit":2}`), ac)
	require.NoError(t, err)

	entries := out.([]Entry)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Command)
	assert.Equal(t, "c", entries[1].Command)

	out, err = p.historyAgent().Execute(ctx, json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestUnloadResetsHistory(t *testing.T) {
	ctx := context.Background()
	p, _, r, _ := setup(t)

	_, err := p.Record(ctx, Entry{Command: "ls"})
	require.NoError(t, err)

	require.ErrorIs(t, r.Unload(ctx, fs.ID), plugin.ErrHasDependents)
	require.NoError(t, r.Unload(ctx, ID))

	assert.Empty(t, p.History())

	_, err = p.Record(ctx, Entry{Command: "late"})
	require.Error(t, err)
}
