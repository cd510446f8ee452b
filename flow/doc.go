// Package flow drives a chat turn: it invokes the model, routes the tool
// calls it requests to the graph nodes that own them, executes the calls
// concurrently and folds the resulting agent records and log entries into
// the conversation until the model answers without tools.
//
// A Node binds agents to tool names for one plugin. The Executor runs a batch
// of calls in parallel with panic recovery and returns results in the order
// the model requested them. Loop is the turn state machine:
//
//	Idle -> AwaitingModel -> HasToolCalls -> ExecutingTools -> MergingState -> AwaitingModel ...
//	                                      \-> Finalized
//
// Failed tool calls never abort their siblings. Each failure becomes an agent
// record carrying the error, an error log entry and an error tool result the
// model can react to in the next round.
package flow
