// Package engine hosts plugins and runs chat turns.
//
// An Engine owns a plugin.Registry and the collaborators handed to plugin
// strategies (model factory, searcher, fetcher, store). RunTurn drives one
// turn:
//
//  1. refresh the mentions of the human message (MentionUtils capability)
//  2. reduce them to per plugin state (BuildPluginStates)
//  3. assemble the system prompt, the context prompt, the graph nodes and
//     the tool gates from the merged ChatStrategy capability
//  4. persist the finalized human message
//  5. run a flow.Loop producing the assistant conversation, persisting
//     every snapshot
//
// # Example
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.ModelFactory = model.Static(openai.NewModel())
//	})
//
//	if err := eng.RegisterPlugins(ctx, fs.New(), docs.New()); err != nil {
//	    return err
//	}
//	defer eng.Shutdown(ctx)
//
//	human := core.NewConversation(core.RoleHuman, "What does main.go do?",
//	    core.NewMention("fs", "file", map[string]any{"path": "main.go"}))
//
//	answer, err := eng.RunTurn(ctx, human)
//
// Turns of one thread are serialized; a second concurrent RunTurn for the
// same thread fails with ErrTurnInProgress instead of queuing.
package engine
