// Package core provides the foundational domain types shared by every
// chatmesh package:
//
//   - Conversation (one user or assistant message plus everything the turn
//     loop accumulated for it: mentions, agent records, log entries and
//     per-plugin state)
//   - Mention, AgentRecord and LogEntry (the immutable records stored on a
//     conversation)
//   - Content and Part (the role based message history exchanged with a
//     language model)
//   - Observer (the UI facing snapshot sink)
//
// The package has no knowledge of plugins, agents or models. Those build on
// top of the types declared here.
package core
