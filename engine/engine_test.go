package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chatmesh/agent"
	"github.com/hupe1980/chatmesh/capability"
	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/flow"
	"github.com/hupe1980/chatmesh/internal/testutil"
	"github.com/hupe1980/chatmesh/model"
	"github.com/hupe1980/chatmesh/plugin"
	"github.com/hupe1980/chatmesh/session"
)

type echoInput struct {
	Text string `json:"text"`
}

type strategyPlugin struct {
	plugin.Info
	strategy *capability.ChatStrategyProvider
	utils    *capability.MentionUtilsProvider
}

func (p *strategyPlugin) Activate(_ context.Context, pctx *plugin.Context) error {
	if p.strategy != nil {
		if err := plugin.Provide(pctx, capability.ChatStrategyKey, func() *capability.ChatStrategyProvider {
			return p.strategy
		}); err != nil {
			return err
		}
	}

	if p.utils != nil {
		return plugin.Provide(pctx, capability.MentionUtilsKey, func() *capability.MentionUtilsProvider {
			return p.utils
		})
	}

	return nil
}

func newEngine(t *testing.T, m model.Model, optFns ...func(o *Options)) (*Engine, *session.InMemoryStore) {
	t.Helper()

	store := session.NewInMemoryStore()
	fns := append([]func(o *Options){func(o *Options) {
		o.Store = store
		o.ModelFactory = model.Static(m)
		o.Config.Instructions = "You are a coding assistant."
	}}, optFns...)

	return New(fns...), store
}

func echoNode(t *testing.T) *flow.Node {
	t.Helper()

	echo, err := agent.New("echo", "Echo text", func(_ context.Context, in echoInput, _ *agent.Context) (string, error) {
		return in.Text, nil
	})
	require.NoError(t, err)

	return &flow.Node{Name: "echo", PluginID: "echo", Agents: []agent.Agent{echo}}
}

func TestRunTurnWithoutPlugins(t *testing.T) {
	m := model.NewScriptedModel(model.TextResponse("hello"))
	eng, store := newEngine(t, m)

	human := core.NewConversation(core.RoleHuman, "hi")

	ai, err := eng.RunTurn(context.Background(), human)
	require.NoError(t, err)

	assert.Equal(t, core.StatusCompleted, ai.Status)
	assert.Equal(t, "hello", ai.Text())
	assert.Equal(t, human.ID, ai.ThreadID)
	assert.Equal(t, core.StatusCompleted, human.Status)

	thread, err := store.ListConversations(context.Background(), human.ID)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	assert.Equal(t, human.ID, thread[0].ID)
	assert.Equal(t, ai.ID, thread[1].ID)

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "You are a coding assistant.", reqs[0].Instructions)
	assert.Empty(t, reqs[0].Tools)
}

func TestRunTurnComposesStrategy(t *testing.T) {
	ctx := context.Background()

	m := model.NewScriptedModel(
		model.ToolCallResponse(core.FunctionCall{ID: "c1", Name: "echo", Arguments: `{"text":"pong"}`}),
		model.TextResponse("done"),
	)
	eng, _ := newEngine(t, m)

	fsPlugin := &strategyPlugin{
		Info: plugin.Info{PluginID: "fs", PluginVersion: "1.0.0"},
		strategy: &capability.ChatStrategyProvider{
			BuildSystemPrompt: func(context.Context, *agent.StrategyOptions) (string, error) {
				return "Files are attached.", nil
			},
			BuildPluginStates: func(_ context.Context, mentions []core.Mention) (map[string]any, error) {
				var paths []string
				for _, m := range mentions {
					if m.Type == "fs:file" {
						paths = append(paths, m.Data.(string))
					}
				}

				return map[string]any{"fs": map[string]any{"paths": paths}}, nil
			},
			BuildContextPrompt: func(_ context.Context, _ *agent.StrategyOptions, conv *core.Conversation) (string, error) {
				st := conv.PluginStates["fs"].(map[string]any)
				return "<file path=\"" + st["paths"].([]string)[0] + "\"/>", nil
			},
		},
	}

	echoPlugin := &strategyPlugin{
		Info: plugin.Info{PluginID: "echo", PluginVersion: "1.0.0"},
		strategy: &capability.ChatStrategyProvider{
			BuildNodes: func(context.Context, *agent.StrategyOptions) ([]*flow.Node, error) {
				return []*flow.Node{echoNode(t)}, nil
			},
		},
	}

	require.NoError(t, eng.RegisterPlugins(ctx, fsPlugin, echoPlugin))

	human := testutil.Human("explain").Mention("fs", "file", "main.go").Build()

	ai, err := eng.RunTurn(ctx, human)
	require.NoError(t, err)

	assert.Equal(t, "done", ai.Text())
	require.Len(t, ai.Agents, 1)
	assert.Equal(t, "pong", ai.Agents[0].Output)
	assert.Equal(t, map[string]any{"paths": []string{"main.go"}}, ai.PluginStates["fs"])
	assert.Equal(t, map[string]any{"paths": []string{"main.go"}}, human.PluginStates["fs"])

	reqs := m.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "You are a coding assistant.\n\nFiles are attached.", reqs[0].Instructions)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "echo", reqs[0].Tools[0].Name)

	last := reqs[0].Contents[len(reqs[0].Contents)-1]
	assert.Equal(t, core.RoleUser, last.Role)
	assert.Equal(t, "explain\n\n<file path=\"main.go\"/>", last.Text())
}

func TestRunTurnBuildAgentsBecomeTools(t *testing.T) {
	ctx := context.Background()

	m := model.NewScriptedModel(
		model.ToolCallResponse(core.FunctionCall{ID: "c1", Name: "echo", Arguments: `{"text":"x"}`}),
		model.TextResponse("ok"),
	)
	eng, _ := newEngine(t, m)

	p := &strategyPlugin{
		Info: plugin.Info{PluginID: "loose"},
		strategy: &capability.ChatStrategyProvider{
			BuildAgents: func(context.Context, *agent.StrategyOptions) ([]agent.Agent, error) {
				return echoNode(t).Agents, nil
			},
		},
	}
	require.NoError(t, eng.RegisterPlugin(ctx, p))

	ai, err := eng.RunTurn(ctx, core.NewConversation(core.RoleHuman, "go"))
	require.NoError(t, err)
	require.Len(t, ai.Agents, 1)
	require.Len(t, ai.Logs, 1)
	assert.Equal(t, core.PluginID("engine"), ai.Logs[0].PluginID)
}

func TestRunTurnCarriesThreadHistory(t *testing.T) {
	ctx := context.Background()

	m := model.NewScriptedModel(model.TextResponse("first answer"), model.TextResponse("second answer"))
	eng, _ := newEngine(t, m)

	first := core.NewConversation(core.RoleHuman, "first question")
	_, err := eng.RunTurn(ctx, first)
	require.NoError(t, err)

	second := testutil.Human("second question").Thread(first.ThreadID).Build()

	_, err = eng.RunTurn(ctx, second)
	require.NoError(t, err)

	reqs := m.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Contents, 3)
	assert.Equal(t, "first question", reqs[1].Contents[0].Text())
	assert.Equal(t, core.RoleAssistant, reqs[1].Contents[1].Role)
	assert.Equal(t, "first answer", reqs[1].Contents[1].Text())
	assert.Equal(t, "second question", reqs[1].Contents[2].Text())

	thread, err := eng.Thread(ctx, first.ThreadID)
	require.NoError(t, err)
	assert.Len(t, thread, 4)
}

func TestRunTurnRejectsFinalizedConversation(t *testing.T) {
	eng, _ := newEngine(t, model.NewScriptedModel())

	human := core.NewConversation(core.RoleHuman, "hi")
	human.Finalize(core.StatusCompleted, nil)

	_, err := eng.RunTurn(context.Background(), human)
	require.ErrorIs(t, err, ErrConversationFinalized)
}

func TestRunTurnWithoutModel(t *testing.T) {
	eng := New()

	_, err := eng.RunTurn(context.Background(), core.NewConversation(core.RoleHuman, "hi"))
	require.ErrorIs(t, err, ErrNoModel)
}

func TestRunTurnRejectsConcurrentTurnOnThread(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	m := model.NewScriptedModel().Then(func(context.Context, model.Request) (*model.Response, error) {
		close(started)
		<-release

		return model.TextResponse("slow"), nil
	}).WithFallback(model.TextResponse("other"))

	eng, _ := newEngine(t, m)

	first := core.NewConversation(core.RoleHuman, "one")
	first.ThreadID = "t1"

	done := make(chan error, 1)
	go func() {
		_, err := eng.RunTurn(context.Background(), first)
		done <- err
	}()

	<-started

	second := core.NewConversation(core.RoleHuman, "two")
	second.ThreadID = "t1"

	_, err := eng.RunTurn(context.Background(), second)
	require.ErrorIs(t, err, ErrTurnInProgress)

	other := core.NewConversation(core.RoleHuman, "three")
	ai, err := eng.RunTurn(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, "other", ai.Text())

	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("first turn did not finish")
	}
}

func TestRunTurnRefreshesMentions(t *testing.T) {
	ctx := context.Background()

	var seen []core.Mention

	p := &strategyPlugin{
		Info: plugin.Info{PluginID: "git"},
		utils: &capability.MentionUtilsProvider{
			RefreshMentionFns: func(context.Context) (map[string]capability.RefreshMentionFunc, error) {
				return map[string]capability.RefreshMentionFunc{
					"git:commit": func(_ context.Context, m core.Mention) (core.Mention, error) {
						return core.NewMention("git", "commit", m.Data.(string)+"-fresh"), nil
					},
				}, nil
			},
		},
		strategy: &capability.ChatStrategyProvider{
			BuildPluginStates: func(_ context.Context, mentions []core.Mention) (map[string]any, error) {
				seen = mentions
				return nil, nil
			},
		},
	}

	eng, _ := newEngine(t, model.NewScriptedModel(model.TextResponse("ok")))
	require.NoError(t, eng.RegisterPlugin(ctx, p))

	original := core.NewMention("git", "commit", "abc")
	human := core.NewConversation(core.RoleHuman, "what changed?", original, core.NewMention("fs", "file", "a.go"))

	_, err := eng.RunTurn(ctx, human)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, "abc-fresh", seen[0].Data)
	assert.Equal(t, "a.go", seen[1].Data)
	assert.Equal(t, "abc", original.Data)
}

func TestRunTurnStrategyErrorAbortsTurn(t *testing.T) {
	ctx := context.Background()

	boom := errors.New("boom")
	p := &strategyPlugin{
		Info: plugin.Info{PluginID: "bad"},
		strategy: &capability.ChatStrategyProvider{
			BuildSystemPrompt: func(context.Context, *agent.StrategyOptions) (string, error) {
				return "", boom
			},
		},
	}

	m := model.NewScriptedModel(model.TextResponse("unused"))
	eng, store := newEngine(t, m)
	require.NoError(t, eng.RegisterPlugin(ctx, p))

	human := core.NewConversation(core.RoleHuman, "hi")

	_, err := eng.RunTurn(ctx, human)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, m.Calls())

	_, err = store.LoadConversation(ctx, human.ID)
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestUnloadPluginRemovesContributions(t *testing.T) {
	ctx := context.Background()

	m := model.NewScriptedModel().WithFallback(model.TextResponse("ok"))
	eng, _ := newEngine(t, m, func(o *Options) { o.Config.Instructions = "" })

	p := &strategyPlugin{
		Info: plugin.Info{PluginID: "docs"},
		strategy: &capability.ChatStrategyProvider{
			BuildSystemPrompt: func(context.Context, *agent.StrategyOptions) (string, error) {
				return "Docs are available.", nil
			},
		},
	}
	require.NoError(t, eng.RegisterPlugin(ctx, p))

	merged, ok := MergedCapability(eng, capability.ChatStrategyKey)
	require.True(t, ok)
	require.NotNil(t, merged.BuildSystemPrompt)

	_, err := eng.RunTurn(ctx, core.NewConversation(core.RoleHuman, "a"))
	require.NoError(t, err)

	require.NoError(t, eng.UnloadPlugin(ctx, "docs"))

	_, ok = MergedCapability(eng, capability.ChatStrategyKey)
	assert.False(t, ok)

	_, err = eng.RunTurn(ctx, core.NewConversation(core.RoleHuman, "b"))
	require.NoError(t, err)

	reqs := m.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Docs are available.", reqs[0].Instructions)
	assert.Empty(t, reqs[1].Instructions)
}

func TestRunTurnNotifiesObserver(t *testing.T) {
	snapshots := core.NewLatestSnapshots()

	rec := &testutil.Recorder{}
	obs := core.Observers{snapshots, rec}

	eng, _ := newEngine(t, model.NewScriptedModel(model.TextResponse("hi")), func(o *Options) {
		o.Observer = obs
	})

	ai, err := eng.RunTurn(context.Background(), core.NewConversation(core.RoleHuman, "hello"))
	require.NoError(t, err)

	latest, ok := snapshots.Get(ai.ID)
	require.True(t, ok)
	assert.Equal(t, core.StatusCompleted, latest.Status)
	assert.GreaterOrEqual(t, rec.Len(), 2)
	assert.Equal(t, core.StatusCompleted, rec.Statuses()[rec.Len()-1])
}

func TestShutdownUnloadsPlugins(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngine(t, model.NewScriptedModel())

	require.NoError(t, eng.RegisterPlugin(ctx, &strategyPlugin{Info: plugin.Info{PluginID: "a"}}))
	require.NoError(t, eng.RegisterPlugin(ctx, &strategyPlugin{Info: plugin.Info{PluginID: "b", PluginRequires: []core.PluginID{"a"}}}))

	require.NoError(t, eng.Shutdown(ctx))
	assert.Empty(t, eng.Registry().Active())
}

func TestRunTurnRendersInstructions(t *testing.T) {
	ctx := context.Background()

	m := model.NewScriptedModel().WithFallback(model.TextResponse("ok"))
	eng, _ := newEngine(t, m, func(o *Options) {
		o.Config.Instructions = "Thread {{.ThreadID}} with {{join \",\" .Plugins}}."
	})

	require.NoError(t, eng.RegisterPlugin(ctx, &strategyPlugin{Info: plugin.Info{PluginID: "fs"}}))

	human := core.NewConversation(core.RoleHuman, "hi")
	_, err := eng.RunTurn(ctx, human)
	require.NoError(t, err)

	assert.Equal(t, "Thread "+human.ThreadID+" with fs.", m.Requests()[0].Instructions)

	broken, _ := newEngine(t, m, func(o *Options) { o.Config.Instructions = "{{.Broken" })
	_, err = broken.RunTurn(ctx, core.NewConversation(core.RoleHuman, "hi"))
	require.Error(t, err)
}

func TestRunTurnDuplicateToolLeavesHumanRetryable(t *testing.T) {
	ctx := context.Background()

	nodePlugin := func(id core.PluginID) *strategyPlugin {
		return &strategyPlugin{
			Info: plugin.Info{PluginID: id},
			strategy: &capability.ChatStrategyProvider{
				BuildNodes: func(context.Context, *agent.StrategyOptions) ([]*flow.Node, error) {
					n := echoNode(t)
					n.Name, n.PluginID = string(id), id

					return []*flow.Node{n}, nil
				},
			},
		}
	}

	m := model.NewScriptedModel(model.TextResponse("ok"))
	eng, store := newEngine(t, m)
	require.NoError(t, eng.RegisterPlugins(ctx, nodePlugin("a"), nodePlugin("b")))

	human := core.NewConversation(core.RoleHuman, "hi")

	_, err := eng.RunTurn(ctx, human)
	require.ErrorIs(t, err, flow.ErrDuplicateTool)
	assert.False(t, human.Finalized())
	assert.Equal(t, 0, m.Calls())

	_, err = store.LoadConversation(ctx, human.ID)
	require.ErrorIs(t, err, session.ErrNotFound)

	require.NoError(t, eng.UnloadPlugin(ctx, "b"))

	ai, err := eng.RunTurn(ctx, human)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, ai.Status)
	assert.Equal(t, core.StatusCompleted, human.Status)
}

func TestAddSystemMessageJoinsHistory(t *testing.T) {
	ctx := context.Background()

	m := model.NewScriptedModel(model.TextResponse("first answer"), model.TextResponse("second answer"))
	eng, _ := newEngine(t, m)

	first := core.NewConversation(core.RoleHuman, "first question")
	_, err := eng.RunTurn(ctx, first)
	require.NoError(t, err)

	note, err := eng.AddSystemMessage(ctx, first.ThreadID, "The git plugin was unloaded.")
	require.NoError(t, err)
	assert.Equal(t, core.RoleSystemMessage, note.Role)
	assert.Equal(t, core.StatusCompleted, note.Status)

	_, err = eng.RunTurn(ctx, testutil.Human("next").Thread(first.ThreadID).Build())
	require.NoError(t, err)

	contents := m.Requests()[1].Contents
	require.Len(t, contents, 4)
	assert.Equal(t, core.RoleSystem, contents[2].Role)
	assert.Equal(t, "The git plugin was unloaded.", contents[2].Text())

	_, err = eng.AddSystemMessage(ctx, "", "x")
	require.Error(t, err)
}
