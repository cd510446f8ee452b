package core

import "strings"

// Part represents a polymorphic segment of role-based content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text string `json:"text"`
}

// isPart implements the Part interface for TextPart.
func (TextPart) isPart() {}

// DataPart is a structured data segment (e.g. a rendered card payload).
type DataPart struct {
	Data map[string]any `json:"data"`
}

// isPart implements the Part interface for DataPart.
func (DataPart) isPart() {}

// FunctionCall describes a tool invocation requested by the model.
type FunctionCall struct {
	ID        string `json:"id,omitempty"`        // Provider assigned call id
	Name      string `json:"name"`                // Tool name
	Arguments string `json:"arguments,omitempty"` // Serialized JSON arguments
}

// FunctionCallPart wraps a FunctionCall as a content part.
type FunctionCallPart struct {
	FunctionCall FunctionCall `json:"function_call"`
}

// isPart implements the Part interface for FunctionCallPart.
func (FunctionCallPart) isPart() {}

// FunctionResponse describes the outcome of a function call.
type FunctionResponse struct {
	ID       string `json:"id,omitempty"`       // Matches originating FunctionCall ID
	Name     string `json:"name"`               // Tool name
	Response any    `json:"response,omitempty"` // Successful result (any shape)
	Error    string `json:"error,omitempty"`    // Populated on failure
}

// FunctionResponsePart wraps a FunctionResponse as a content part.
type FunctionResponsePart struct {
	FunctionResponse FunctionResponse `json:"function_response"`
}

// isPart implements the Part interface for FunctionResponsePart.
func (FunctionResponsePart) isPart() {}

// Content roles used in model history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Content holds role + ordered parts.
type Content struct {
	Role  string `json:"role,omitempty"` // user, assistant, tool or system
	Parts []Part `json:"parts"`          // Ordered heterogeneous parts
}

// NewTextContent creates a single text part content for role.
func NewTextContent(role, text string) Content {
	return Content{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// NewAssistantContent creates an assistant message carrying optional text and
// the tool calls the model requested.
func NewAssistantContent(text string, calls []FunctionCall) Content {
	parts := make([]Part, 0, len(calls)+1)
	if text != "" {
		parts = append(parts, TextPart{Text: text})
	}

	for _, c := range calls {
		parts = append(parts, FunctionCallPart{FunctionCall: c})
	}

	return Content{Role: RoleAssistant, Parts: parts}
}

// NewFunctionResponseContent creates the tool message answering one call.
func NewFunctionResponseContent(call FunctionCall, response any, err error) Content {
	fr := FunctionResponse{ID: call.ID, Name: call.Name, Response: response}
	if err != nil {
		fr.Error = err.Error()
	}

	return Content{Role: RoleTool, Parts: []Part{FunctionResponsePart{FunctionResponse: fr}}}
}

// Text concatenates all text parts.
func (c Content) Text() string {
	return PartsText(c.Parts)
}

// FunctionCalls returns the function calls contained in c in order.
func (c Content) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, p := range c.Parts {
		if fc, ok := p.(FunctionCallPart); ok {
			calls = append(calls, fc.FunctionCall)
		}
	}

	return calls
}

// FunctionResponses returns the function responses contained in c in order.
func (c Content) FunctionResponses() []FunctionResponse {
	var out []FunctionResponse
	for _, p := range c.Parts {
		if fr, ok := p.(FunctionResponsePart); ok {
			out = append(out, fr.FunctionResponse)
		}
	}

	return out
}

// PartsText concatenates the text parts of parts.
func PartsText(parts []Part) string {
	var sb strings.Builder
	for _, p := range parts {
		if tp, ok := p.(TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}

	return sb.String()
}
