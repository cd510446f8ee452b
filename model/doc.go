// Package model defines the provider-agnostic abstractions for invoking a
// language model inside chatmesh.
//
// Core goals:
//   - One request/response exchange per Invoke (the turn loop drives
//     repetition, not the adapter)
//   - Normalize tool definitions and tool calls across vendors
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate deterministic tests (ScriptedModel)
//
// Providers (model/openai, model/anthropic) implement Model so higher
// layers stay decoupled from vendor SDKs.
package model
