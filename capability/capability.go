// Package capability declares the capability contracts plugins contribute
// to. Each contract is a struct of func fields registered under a typed key;
// the registry folds every plugin's contribution with merge.Merge, so two
// plugins providing BuildSystemPrompt yield one func returning both
// fragments concatenated in load order.
package capability

import (
	"context"

	"github.com/hupe1980/chatmesh/agent"
	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/flow"
	"github.com/hupe1980/chatmesh/plugin"
)

// ChatStrategyKey is the key of the chat strategy contract.
var ChatStrategyKey = plugin.NewKey[*ChatStrategyProvider]("chatStrategy")

// MentionUtilsKey is the key of the mention refresh contract.
var MentionUtilsKey = plugin.NewKey[*MentionUtilsProvider]("mentionUtils")

// ChatStrategyProvider contributes prompts, state and agents to a turn. Any
// field may be nil.
type ChatStrategyProvider struct {
	// BuildSystemPrompt returns a fragment of the system prompt.
	BuildSystemPrompt func(ctx context.Context, opts *agent.StrategyOptions) (string, error)
	// BuildContextPrompt returns context appended to the user message, for
	// example the content of mentioned files.
	BuildContextPrompt func(ctx context.Context, opts *agent.StrategyOptions, conv *core.Conversation) (string, error)
	// BuildPluginStates reduces the mentions of a turn to per plugin state.
	// Keys are plugin ids.
	BuildPluginStates func(ctx context.Context, mentions []core.Mention) (map[string]any, error)
	// BuildAgents returns agents not bound to a node.
	BuildAgents func(ctx context.Context, opts *agent.StrategyOptions) ([]agent.Agent, error)
	// BuildNodes returns graph nodes binding agents to tools.
	BuildNodes func(ctx context.Context, opts *agent.StrategyOptions) ([]*flow.Node, error)
	// BuildToolOptions computes the per agent gates of a turn.
	BuildToolOptions func(ctx context.Context, conv *core.Conversation) (map[string]agent.ToolOptions, error)
}

// RefreshMentionFunc rehydrates a stale mention. It returns a new value; the
// input is never modified.
type RefreshMentionFunc func(ctx context.Context, m core.Mention) (core.Mention, error)

// MentionUtilsProvider contributes mention refreshers keyed by mention type.
type MentionUtilsProvider struct {
	RefreshMentionFns func(ctx context.Context) (map[string]RefreshMentionFunc, error)
}

// RefreshMentions returns a refreshed copy of mentions. Mentions without a
// refresher pass through unchanged. A nil provider refreshes nothing.
func RefreshMentions(ctx context.Context, p *MentionUtilsProvider, mentions []core.Mention) ([]core.Mention, error) {
	out := make([]core.Mention, len(mentions))
	copy(out, mentions)

	if p == nil || p.RefreshMentionFns == nil {
		return out, nil
	}

	fns, err := p.RefreshMentionFns(ctx)
	if err != nil {
		return nil, err
	}

	for i, m := range mentions {
		fn, ok := fns[m.Type]
		if !ok || fn == nil {
			continue
		}

		refreshed, err := fn(ctx, m)
		if err != nil {
			return nil, err
		}

		out[i] = refreshed
	}

	return out, nil
}
