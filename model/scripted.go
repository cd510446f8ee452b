package model

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrScriptExhausted is returned when a ScriptedModel ran out of steps and
// has no fallback.
var ErrScriptExhausted = errors.New("scripted model exhausted")

// Step produces the response for one invocation.
type Step func(ctx context.Context, req Request) (*Response, error)

// ScriptedModel is a deterministic in-memory Model for tests and examples.
// Each Invoke consumes the next step; once the script is exhausted the
// fallback response (if any) is returned.
type ScriptedModel struct {
	mu       sync.Mutex
	info     Info
	steps    []Step
	requests []Request
	fallback *Response
}

// NewScriptedModel creates a model answering with responses in order.
func NewScriptedModel(responses ...*Response) *ScriptedModel {
	m := &ScriptedModel{info: Info{Name: "scripted", Provider: "scripted", SupportsTools: true}}
	for _, r := range responses {
		m.ThenRespond(r)
	}

	return m
}

// Then appends a custom step.
func (m *ScriptedModel) Then(step Step) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.steps = append(m.steps, step)

	return m
}

// ThenRespond appends a step returning resp.
func (m *ScriptedModel) ThenRespond(resp *Response) *ScriptedModel {
	return m.Then(func(context.Context, Request) (*Response, error) { return resp, nil })
}

// ThenFail appends a step returning err.
func (m *ScriptedModel) ThenFail(err error) *ScriptedModel {
	return m.Then(func(context.Context, Request) (*Response, error) { return nil, err })
}

// WithFallback sets the response returned after the script is exhausted.
func (m *ScriptedModel) WithFallback(resp *Response) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fallback = resp

	return m
}

// Invoke implements Model.
func (m *ScriptedModel) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	idx := len(m.requests)
	m.requests = append(m.requests, req)

	var step Step
	if idx < len(m.steps) {
		step = m.steps[idx]
	}

	fallback := m.fallback
	m.mu.Unlock()

	if step != nil {
		return step(ctx, req)
	}

	if fallback != nil {
		return fallback, nil
	}

	return nil, ErrScriptExhausted
}

// Calls returns the number of invocations so far.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.requests)
}

// Requests returns the recorded requests.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.requests)
}

// Info implements Model.
func (m *ScriptedModel) Info() Info { return m.info }
