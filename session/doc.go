// Package session defines the settings and conversation persistence
// contracts used by the engine and plugins, and an in-memory implementation.
//
// Durable backends live in sub-packages (see session/sqlite); callers depend
// only on the Store and ConversationStore interfaces so the wiring layer alone
// decides which backend to instantiate.
package session
