package openai

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/model"
)

func TestBuildMessagesAttachesToolResponses(t *testing.T) {
	call := core.FunctionCall{ID: "c1", Name: "read_files", Arguments: `{"paths":["a.go"]}`}
	req := model.Request{
		Instructions: "be brief",
		Contents: []core.Content{
			core.NewTextContent(core.RoleUser, "what is in a.go?"),
			core.NewAssistantContent("", []core.FunctionCall{call}),
			core.NewFunctionResponseContent(call, "package a", nil),
		},
	}

	responses, order := collectToolResponses(req)
	require.Equal(t, []string{"c1"}, order)

	msgs := buildMessages(req, responses, order)
	require.Len(t, msgs, 4)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	require.NotNil(t, msgs[2].OfAssistant)
	assert.Len(t, msgs[2].OfAssistant.ToolCalls, 1)
	assert.NotNil(t, msgs[3].OfTool)
}

func TestResponseText(t *testing.T) {
	assert.Equal(t, "plain", responseText(core.FunctionResponse{Response: "plain"}))
	assert.Equal(t, `{"n":1}`, responseText(core.FunctionResponse{Response: map[string]int{"n": 1}}))

	call := core.FunctionCall{ID: "x", Name: "web_search"}
	fr := core.NewFunctionResponseContent(call, nil, errors.New("offline")).FunctionResponses()[0]
	assert.Equal(t, "error: offline", responseText(fr))
}

func TestInfo(t *testing.T) {
	m := NewModel(func(o *Options) {
		o.Model = "gpt-4o"
		o.APIKey = "test"
	})

	assert.Equal(t, model.Info{Name: "gpt-4o", Provider: "openai", SupportsTools: true}, m.Info())
}
