package core

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Role tells who authored a conversation.
type Role string

const (
	// RoleHuman marks a message typed by the user.
	RoleHuman Role = "human"
	// RoleAI marks an assistant answer produced by the turn loop.
	RoleAI Role = "ai"
	// RoleSystemMessage marks a host authored note on a thread. History
	// sends it to the model with the system content role.
	RoleSystemMessage Role = "system"
)

// Status is the lifecycle status of a conversation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Finalized reports whether s is terminal.
func (s Status) Finalized() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Mention is a typed reference the user attached to a message. Type is
// namespaced as "<plugin id>:<kind>". Mentions are never mutated; refreshing
// one produces a new value.
type Mention struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// NewMention builds a mention owned by plugin.
func NewMention(plugin PluginID, kind string, data any) Mention {
	return Mention{Type: string(plugin) + ":" + kind, Data: data}
}

// PluginID returns the namespace part of the mention type.
func (m Mention) PluginID() PluginID {
	id, _, _ := strings.Cut(m.Type, ":")
	return PluginID(id)
}

// Kind returns the kind part of the mention type.
func (m Mention) Kind() string {
	_, kind, _ := strings.Cut(m.Type, ":")
	return kind
}

// String returns the string stored under key when Data is a map, or Data
// itself when it is a string.
func (m Mention) String(key string) string {
	switch d := m.Data.(type) {
	case string:
		return d
	case map[string]string:
		return d[key]
	case map[string]any:
		s, _ := d[key].(string)
		return s
	default:
		return ""
	}
}

// With returns a copy of m whose map data has key set to value.
func (m Mention) With(key string, value any) Mention {
	data := map[string]any{}

	switch d := m.Data.(type) {
	case map[string]any:
		maps.Copy(data, d)
	case map[string]string:
		for k, v := range d {
			data[k] = v
		}
	}

	data[key] = value

	return Mention{Type: m.Type, Data: data}
}

// AgentRecord is created exactly once per resolved tool call.
type AgentRecord struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	CallID    string          `json:"call_id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    any             `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewAgentRecord creates a record with a fresh id. A non-nil err is stored as
// the record's error text.
func NewAgentRecord(name, callID string, input json.RawMessage, output any, err error) AgentRecord {
	r := AgentRecord{
		ID:        NewID(),
		Name:      name,
		CallID:    callID,
		Input:     slices.Clone(input),
		Output:    output,
		CreatedAt: time.Now().UTC(),
	}
	if err != nil {
		r.Error = err.Error()
	}

	return r
}

// Failed reports whether the call that produced r failed.
func (r AgentRecord) Failed() bool { return r.Error != "" }

// LogEntry is one renderable log card. Creation order is render order.
type LogEntry struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	PluginID  PluginID       `json:"plugin_id"`
	Title     string         `json:"title"`
	AgentID   string         `json:"agent_id,omitempty"`
	CallIndex int            `json:"call_index"`
	IsError   bool           `json:"is_error,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// NewLogEntry creates a log entry with a fresh id.
func NewLogEntry(plugin PluginID, title string, fields map[string]any) LogEntry {
	return LogEntry{
		ID:        NewID(),
		CreatedAt: time.Now().UTC(),
		PluginID:  plugin,
		Title:     title,
		Fields:    fields,
	}
}

// Conversation is one message in a chat together with the records the turn
// loop attached to it. Once finalized it is immutable; snapshots handed to
// observers are deep enough copies to be read without synchronization.
type Conversation struct {
	ID           string
	ThreadID     string
	Role         Role
	Contents     []Part
	Mentions     []Mention
	Agents       []AgentRecord
	Logs         []LogEntry
	PluginStates map[PluginID]any
	RichText     string
	Status       Status
	Truncated    bool
	Error        string
	Seq          int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewConversation creates a pending conversation with a single text part.
func NewConversation(role Role, text string, mentions ...Mention) *Conversation {
	now := time.Now().UTC()

	c := &Conversation{
		ID:           NewID(),
		Role:         role,
		Mentions:     slices.Clone(mentions),
		PluginStates: map[PluginID]any{},
		RichText:     text,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if text != "" {
		c.Contents = []Part{TextPart{Text: text}}
	}

	return c
}

// Text concatenates the text parts of the conversation.
func (c *Conversation) Text() string { return PartsText(c.Contents) }

// Finalized reports whether the conversation reached a terminal status.
func (c *Conversation) Finalized() bool { return c.Status.Finalized() }

// Agent returns the agent record with id.
func (c *Conversation) Agent(id string) (AgentRecord, bool) {
	for _, r := range c.Agents {
		if r.ID == id {
			return r, true
		}
	}

	return AgentRecord{}, false
}

// Append adds records and logs in the given order and bumps Seq.
func (c *Conversation) Append(records []AgentRecord, logs []LogEntry) {
	c.Agents = append(c.Agents, records...)
	c.Logs = append(c.Logs, logs...)
	c.touch()
}

// SetText replaces the text contents.
func (c *Conversation) SetText(text string) {
	c.Contents = []Part{TextPart{Text: text}}
	c.RichText = text
	c.touch()
}

// Finalize sets a terminal status.
func (c *Conversation) Finalize(status Status, err error) {
	c.Status = status
	if err != nil {
		c.Error = err.Error()
	}

	c.touch()
}

func (c *Conversation) touch() {
	c.Seq++
	c.UpdatedAt = time.Now().UTC()
}

// Clone returns a copy whose slices and maps are independent of c.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}

	out := *c
	out.Contents = slices.Clone(c.Contents)
	out.Mentions = slices.Clone(c.Mentions)
	out.Agents = slices.Clone(c.Agents)
	out.Logs = slices.Clone(c.Logs)
	out.PluginStates = maps.Clone(c.PluginStates)

	return &out
}

// History converts a sequence of finalized conversations into model history.
func History(convs []*Conversation) []Content {
	out := make([]Content, 0, len(convs))
	for _, c := range convs {
		text := c.Text()
		if text == "" {
			continue
		}

		role := RoleUser
		switch c.Role {
		case RoleAI:
			role = RoleAssistant
		case RoleSystemMessage:
			role = RoleSystem
		}

		out = append(out, NewTextContent(role, text))
	}

	return out
}

type partJSON struct {
	Type             string            `json:"type"`
	Text             string            `json:"text,omitempty"`
	Data             map[string]any    `json:"data,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
}

type conversationJSON struct {
	ID           string           `json:"id"`
	ThreadID     string           `json:"thread_id,omitempty"`
	Role         Role             `json:"role"`
	Contents     []partJSON       `json:"contents,omitempty"`
	Mentions     []Mention        `json:"mentions,omitempty"`
	Agents       []AgentRecord    `json:"agents,omitempty"`
	Logs         []LogEntry       `json:"logs,omitempty"`
	PluginStates map[PluginID]any `json:"plugin_states,omitempty"`
	RichText     string           `json:"rich_text,omitempty"`
	Status       Status           `json:"status"`
	Truncated    bool             `json:"truncated,omitempty"`
	Error        string           `json:"error,omitempty"`
	Seq          int64            `json:"seq"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// MarshalJSON encodes the closed Part set with a type discriminator.
func (c *Conversation) MarshalJSON() ([]byte, error) {
	parts := make([]partJSON, 0, len(c.Contents))
	for _, p := range c.Contents {
		switch v := p.(type) {
		case TextPart:
			parts = append(parts, partJSON{Type: "text", Text: v.Text})
		case DataPart:
			parts = append(parts, partJSON{Type: "data", Data: v.Data})
		case FunctionCallPart:
			fc := v.FunctionCall
			parts = append(parts, partJSON{Type: "function_call", FunctionCall: &fc})
		case FunctionResponsePart:
			fr := v.FunctionResponse
			parts = append(parts, partJSON{Type: "function_response", FunctionResponse: &fr})
		default:
			return nil, fmt.Errorf("core: unsupported part %T", p)
		}
	}

	return json.Marshal(conversationJSON{
		ID:           c.ID,
		ThreadID:     c.ThreadID,
		Role:         c.Role,
		Contents:     parts,
		Mentions:     c.Mentions,
		Agents:       c.Agents,
		Logs:         c.Logs,
		PluginStates: c.PluginStates,
		RichText:     c.RichText,
		Status:       c.Status,
		Truncated:    c.Truncated,
		Error:        c.Error,
		Seq:          c.Seq,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	})
}

// UnmarshalJSON decodes the format written by MarshalJSON.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	var raw conversationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	parts := make([]Part, 0, len(raw.Contents))
	for _, p := range raw.Contents {
		switch p.Type {
		case "text":
			parts = append(parts, TextPart{Text: p.Text})
		case "data":
			parts = append(parts, DataPart{Data: p.Data})
		case "function_call":
			if p.FunctionCall != nil {
				parts = append(parts, FunctionCallPart{FunctionCall: *p.FunctionCall})
			}
		case "function_response":
			if p.FunctionResponse != nil {
				parts = append(parts, FunctionResponsePart{FunctionResponse: *p.FunctionResponse})
			}
		default:
			return fmt.Errorf("core: unknown part type %q", p.Type)
		}
	}

	*c = Conversation{
		ID:           raw.ID,
		ThreadID:     raw.ThreadID,
		Role:         raw.Role,
		Contents:     parts,
		Mentions:     raw.Mentions,
		Agents:       raw.Agents,
		Logs:         raw.Logs,
		PluginStates: raw.PluginStates,
		RichText:     raw.RichText,
		Status:       raw.Status,
		Truncated:    raw.Truncated,
		Error:        raw.Error,
		Seq:          raw.Seq,
		CreatedAt:    raw.CreatedAt,
		UpdatedAt:    raw.UpdatedAt,
	}

	return nil
}
