package testutil

import (
	"github.com/hupe1980/chatmesh/core"
)

// ConversationBuilder helps construct conversations with fluent chaining.
// Example:
//
//	conv := testutil.Human("explain").Thread("t-1").Mention("fs", "file", "main.go").Build()
type ConversationBuilder struct {
	conv *core.Conversation
}

// NewConversationBuilder starts a pending conversation of role with text.
func NewConversationBuilder(role core.Role, text string) *ConversationBuilder {
	return &ConversationBuilder{conv: core.NewConversation(role, text)}
}

// Human starts a human message.
func Human(text string) *ConversationBuilder { return NewConversationBuilder(core.RoleHuman, text) }

// AI starts an assistant answer.
func AI(text string) *ConversationBuilder { return NewConversationBuilder(core.RoleAI, text) }

// ID overrides the generated id (chainable).
func (b *ConversationBuilder) ID(id string) *ConversationBuilder { b.conv.ID = id; return b }

// Thread sets the thread id (chainable).
func (b *ConversationBuilder) Thread(id string) *ConversationBuilder {
	b.conv.ThreadID = id
	return b
}

// Mention appends a mention owned by plugin (chainable).
func (b *ConversationBuilder) Mention(plugin core.PluginID, kind string, data any) *ConversationBuilder {
	b.conv.Mentions = append(b.conv.Mentions, core.NewMention(plugin, kind, data))
	return b
}

// State sets the plugin state of id (chainable).
func (b *ConversationBuilder) State(id core.PluginID, st any) *ConversationBuilder {
	b.conv.PluginStates[id] = st
	return b
}

// Agent appends an agent record (chainable).
func (b *ConversationBuilder) Agent(rec core.AgentRecord) *ConversationBuilder {
	b.conv.Agents = append(b.conv.Agents, rec)
	return b
}

// Completed finalizes the conversation as completed (chainable).
func (b *ConversationBuilder) Completed() *ConversationBuilder {
	b.conv.Finalize(core.StatusCompleted, nil)
	return b
}

// Build returns the conversation.
func (b *ConversationBuilder) Build() *core.Conversation { return b.conv }
