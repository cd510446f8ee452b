package flow

import (
	"errors"
	"fmt"

	"github.com/hupe1980/chatmesh/agent"
	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/model"
)

var (
	// ErrDuplicateTool is returned when two agents expose the same tool name in one turn.
	ErrDuplicateTool = errors.New("duplicate tool name")
	// ErrToolNotFound is recorded for calls naming a tool no node owns.
	ErrToolNotFound = errors.New("tool not found")
)

// LogRenderer turns a successful agent record into zero or more log entries.
type LogRenderer func(call core.FunctionCall, record core.AgentRecord) []core.LogEntry

// Node binds a plugin's agents to tool names.
type Node struct {
	Name     string
	PluginID core.PluginID
	Agents   []agent.Agent
	// Render renders successful calls. Nil uses DefaultRender.
	Render LogRenderer
}

// Agent returns the agent bound to tool name.
func (n *Node) Agent(name string) (agent.Agent, bool) {
	for _, a := range n.Agents {
		if a.Name() == name {
			return a, true
		}
	}

	return nil, false
}

// ToolDefinitions returns the tool specs of the node's agents.
func (n *Node) ToolDefinitions() []model.ToolDefinition {
	out := make([]model.ToolDefinition, 0, len(n.Agents))
	for _, a := range n.Agents {
		out = append(out, agent.Definition(a))
	}

	return out
}

// Matches returns the calls addressed to this node, in request order.
func (n *Node) Matches(calls []core.FunctionCall) []core.FunctionCall {
	var out []core.FunctionCall

	for _, c := range calls {
		if _, ok := n.Agent(c.Name); ok {
			out = append(out, c)
		}
	}

	return out
}

func (n *Node) render(call core.FunctionCall, record core.AgentRecord) []core.LogEntry {
	if n.Render != nil {
		return n.Render(call, record)
	}

	return DefaultRender(n.PluginID)(call, record)
}

// DefaultRender renders one log entry holding the agent output.
func DefaultRender(plugin core.PluginID) LogRenderer {
	return func(call core.FunctionCall, record core.AgentRecord) []core.LogEntry {
		return []core.LogEntry{core.NewLogEntry(plugin, record.Name, map[string]any{"output": record.Output})}
	}
}

// errorEntry is the error card recorded for a failed call.
func errorEntry(plugin core.PluginID, record core.AgentRecord) core.LogEntry {
	e := core.NewLogEntry(plugin, record.Name+" failed", map[string]any{"error": record.Error})
	e.IsError = true

	return e
}

// toolIndex maps tool names to their owning node and rejects duplicates.
func toolIndex(nodes []*Node) (map[string]*Node, error) {
	index := map[string]*Node{}

	for _, n := range nodes {
		if n == nil {
			continue
		}

		for _, a := range n.Agents {
			if prev, ok := index[a.Name()]; ok {
				return nil, fmt.Errorf("%w: %s (nodes %s and %s)", ErrDuplicateTool, a.Name(), prev.Name, n.Name)
			}

			index[a.Name()] = n
		}
	}

	return index, nil
}
