package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chatmesh/agent"
	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/merge"
	"github.com/hupe1980/chatmesh/plugin"
)

type strategyPlugin struct {
	plugin.Info
	strategy *ChatStrategyProvider
}

func (p *strategyPlugin) Activate(_ context.Context, pctx *plugin.Context) error {
	return plugin.Provide(pctx, ChatStrategyKey, func() *ChatStrategyProvider { return p.strategy })
}

func prompt(s string) func(context.Context, *agent.StrategyOptions) (string, error) {
	return func(context.Context, *agent.StrategyOptions) (string, error) { return s, nil }
}

func TestChatStrategyMergesAcrossPlugins(t *testing.T) {
	reg := plugin.NewRegistry()

	fs := &strategyPlugin{Info: plugin.Info{PluginID: "fs"}, strategy: &ChatStrategyProvider{
		BuildSystemPrompt: prompt("A"),
		BuildPluginStates: func(context.Context, []core.Mention) (map[string]any, error) {
			return map[string]any{"fs": map[string]any{"paths": []string{"a.go"}}}, nil
		},
	}}
	web := &strategyPlugin{Info: plugin.Info{PluginID: "web"}, strategy: &ChatStrategyProvider{
		BuildSystemPrompt: prompt("B"),
		BuildPluginStates: func(context.Context, []core.Mention) (map[string]any, error) {
			return map[string]any{"web": map[string]any{"enableWebSearch": true}}, nil
		},
		BuildToolOptions: func(context.Context, *core.Conversation) (map[string]agent.ToolOptions, error) {
			return map[string]agent.ToolOptions{"web_search": {Enabled: true}}, nil
		},
	}}

	require.NoError(t, reg.LoadAll(context.Background(), fs, web))

	s, ok := plugin.Merged(reg, ChatStrategyKey)
	require.True(t, ok)

	sys, err := s.BuildSystemPrompt(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "AB", sys)

	states, err := s.BuildPluginStates(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, states, "fs")
	assert.Contains(t, states, "web")

	opts, err := s.BuildToolOptions(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, opts["web_search"].Enabled)

	require.NoError(t, reg.Unload(context.Background(), "web"))

	s, ok = plugin.Merged(reg, ChatStrategyKey)
	require.True(t, ok)

	sys, err = s.BuildSystemPrompt(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "A", sys)
	assert.Nil(t, s.BuildToolOptions)
}

func TestChatStrategyErrorShortCircuits(t *testing.T) {
	var called bool

	a := &ChatStrategyProvider{BuildSystemPrompt: func(context.Context, *agent.StrategyOptions) (string, error) {
		return "", errors.New("no settings")
	}}
	b := &ChatStrategyProvider{BuildSystemPrompt: func(context.Context, *agent.StrategyOptions) (string, error) {
		called = true
		return "B", nil
	}}

	_, err := merge.Merge(a, b).BuildSystemPrompt(context.Background(), nil)
	assert.EqualError(t, err, "no settings")
	assert.False(t, called)
}

func TestRefreshMentions(t *testing.T) {
	file := core.NewMention("fs", "file", map[string]any{"path": "a.go", "content": "old"})
	commit := core.NewMention("git", "commit", map[string]any{"hash": "abc"})

	p := &MentionUtilsProvider{RefreshMentionFns: func(context.Context) (map[string]RefreshMentionFunc, error) {
		return map[string]RefreshMentionFunc{
			"fs:file": func(_ context.Context, m core.Mention) (core.Mention, error) {
				return core.NewMention("fs", "file", map[string]any{"path": "a.go", "content": "new"}), nil
			},
		}, nil
	}}

	mentions := []core.Mention{file, commit}

	out, err := RefreshMentions(context.Background(), p, mentions)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "new", out[0].Data.(map[string]any)["content"])
	assert.Equal(t, commit, out[1])
	assert.Equal(t, "old", mentions[0].Data.(map[string]any)["content"])

	out, err = RefreshMentions(context.Background(), nil, mentions)
	require.NoError(t, err)
	assert.Equal(t, mentions, out)
}

func TestRefreshMentionsMergedProviders(t *testing.T) {
	fs := &MentionUtilsProvider{RefreshMentionFns: func(context.Context) (map[string]RefreshMentionFunc, error) {
		return map[string]RefreshMentionFunc{"fs:file": func(_ context.Context, m core.Mention) (core.Mention, error) {
			return core.Mention{Type: m.Type, Data: "fs"}, nil
		}}, nil
	}}
	git := &MentionUtilsProvider{RefreshMentionFns: func(context.Context) (map[string]RefreshMentionFunc, error) {
		return map[string]RefreshMentionFunc{"git:commit": func(_ context.Context, m core.Mention) (core.Mention, error) {
			return core.Mention{Type: m.Type, Data: "git"}, nil
		}}, nil
	}}

	merged := merge.Merge(fs, git)

	out, err := RefreshMentions(context.Background(), merged, []core.Mention{{Type: "git:commit"}, {Type: "fs:file"}})
	require.NoError(t, err)
	assert.Equal(t, "git", out[0].Data)
	assert.Equal(t, "fs", out[1].Data)
}
