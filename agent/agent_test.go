package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chatmesh/core"
)

type searchInput struct {
	Query string `json:"query" jsonschema:"description=Search query"`
	Limit int    `json:"limit,omitempty"`
}

type searchOutput struct {
	Hits []string `json:"hits"`
}

func newSearchAgent(t *testing.T, optFns ...func(o *Options)) *Typed[searchInput, searchOutput] {
	t.Helper()

	a, err := New("search_docs", "Search the docs",
		func(_ context.Context, in searchInput, _ *Context) (searchOutput, error) {
			if in.Query == "fail" {
				return searchOutput{}, errors.New("index offline")
			}

			return searchOutput{Hits: []string{in.Query}}, nil
		}, optFns...)
	require.NoError(t, err)

	return a
}

func TestTypedSchemas(t *testing.T) {
	a := newSearchAgent(t)

	in := a.InputSchema()
	assert.Equal(t, "object", in["type"])

	props, ok := in["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "query")
	assert.Contains(t, props, "limit")
	assert.Equal(t, []any{"query"}, in["required"])
	assert.NotContains(t, in, "$schema")

	def := Definition(a)
	assert.Equal(t, "search_docs", def.Name)
	assert.Equal(t, "Search the docs", def.Description)
}

func TestTypedExecute(t *testing.T) {
	a := newSearchAgent(t)

	out, err := a.Execute(context.Background(), json.RawMessage(`{"query":"bleve"}`), &Context{})
	require.NoError(t, err)
	assert.Equal(t, searchOutput{Hits: []string{"bleve"}}, out)
}

func TestTypedValidationError(t *testing.T) {
	a := newSearchAgent(t)

	tests := []struct {
		name  string
		input string
	}{
		{"missing required", `{}`},
		{"wrong type", `{"query": 5}`},
		{"unknown field", `{"query":"a","extra":true}`},
		{"not json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Execute(context.Background(), json.RawMessage(tt.input), &Context{})
			require.Error(t, err)

			var aerr *Error
			require.ErrorAs(t, err, &aerr)
			assert.Equal(t, CodeValidation, aerr.Code)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestTypedExecutionError(t *testing.T) {
	a := newSearchAgent(t)

	_, err := a.Execute(context.Background(), json.RawMessage(`{"query":"fail"}`), &Context{})

	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, CodeExecution, aerr.Code)
	assert.Equal(t, "search_docs", aerr.Agent)
	assert.Contains(t, aerr.Error(), "index offline")
}

func TestTypedGate(t *testing.T) {
	a := newSearchAgent(t, func(o *Options) { o.Gated = true })

	out, err := a.Execute(context.Background(), json.RawMessage(`{"query":"x"}`), &Context{Tool: ToolOptions{Enabled: false}})
	require.NoError(t, err)
	assert.Equal(t, searchOutput{}, out)

	out, err = a.Execute(context.Background(), json.RawMessage(`{"query":"x"}`), &Context{Tool: ToolOptions{Enabled: true}})
	require.NoError(t, err)
	assert.Equal(t, searchOutput{Hits: []string{"x"}}, out)
}

func TestTypedCancelledContext(t *testing.T) {
	a := newSearchAgent(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Execute(ctx, json.RawMessage(`{"query":"x"}`), &Context{})
	assert.ErrorIs(t, err, context.Canceled)
}

type noteInput struct {
	Title string `json:"title"`
}

type note struct {
	Title string `json:"title"`
}

func TestTypedValidateOutput(t *testing.T) {
	a, err := New("note", "Produce a note",
		func(_ context.Context, in noteInput, _ *Context) (note, error) {
			return note{Title: in.Title}, nil
		}, func(o *Options) { o.ValidateOutput = true })
	require.NoError(t, err)

	out, err := a.Execute(context.Background(), json.RawMessage(`{"title":"t"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, note{Title: "t"}, out)
}

func TestNewRequiresName(t *testing.T) {
	_, err := New("", "", func(context.Context, searchInput, *Context) (string, error) { return "", nil })
	assert.Error(t, err)
}

func TestFuncAgent(t *testing.T) {
	a, err := NewFunc("echo", "Echo text", map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
		"required":   []any{"text"},
	}, func(_ context.Context, args map[string]any, _ *Context) (any, error) {
		return args["text"], nil
	})
	require.NoError(t, err)

	out, err := a.Execute(context.Background(), json.RawMessage(`{"text":"hi"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	_, err = a.Execute(context.Background(), json.RawMessage(`{"text":1}`), nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestContextPluginState(t *testing.T) {
	conv := core.NewConversation(core.RoleAI, "")
	conv.PluginStates["docs"] = map[string]any{"sites": []any{"go.dev"}}

	ac := &Context{Conversation: conv}
	assert.Equal(t, []any{"go.dev"}, ac.PluginState("docs")["sites"])
	assert.Nil(t, ac.PluginState("web"))
}

func TestToolOptionsAccessors(t *testing.T) {
	o := ToolOptions{Values: map[string]any{"site": "go.dev", "paths": []any{"a", 1, "b"}}}

	assert.Equal(t, "go.dev", o.String("site"))
	assert.Equal(t, []string{"a", "b"}, o.Strings("paths"))
	assert.Nil(t, o.Strings("missing"))
}

type hit struct {
	Path  string  `json:"path"`
	Score float64 `json:"score"`
}

func TestTypedNonStructOutputs(t *testing.T) {
	text, err := New("echo", "Echo the query",
		func(_ context.Context, in searchInput, _ *Context) (string, error) {
			return in.Query, nil
		})
	require.NoError(t, err)
	assert.Equal(t, "string", text.OutputSchema()["type"])
	assert.Equal(t, "object", text.InputSchema()["type"])

	out, err := text.Execute(context.Background(), json.RawMessage(`{"query":"go"}`), &Context{})
	require.NoError(t, err)
	assert.Equal(t, "go", out)

	list, err := New("hits", "List hits",
		func(_ context.Context, in searchInput, _ *Context) ([]hit, error) {
			return []hit{{Path: in.Query, Score: 1}}, nil
		})
	require.NoError(t, err)

	schema := list.OutputSchema()
	assert.Equal(t, "array", schema["type"])

	items, ok := schema["items"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "object", items["type"])
	assert.Contains(t, items["properties"], "path")

	out, err = list.Execute(context.Background(), json.RawMessage(`{"query":"main.go"}`), &Context{})
	require.NoError(t, err)
	assert.Equal(t, []hit{{Path: "main.go", Score: 1}}, out)
}

func TestTypedAnyOutput(t *testing.T) {
	a, err := New("raw", "Return anything",
		func(context.Context, searchInput, *Context) (any, error) { return 1, nil })
	require.NoError(t, err)
	assert.Empty(t, a.OutputSchema())
}
