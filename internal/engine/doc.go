// Package engine executes a Cannoli graph.
//
// A graph document is hydrated into an arena of typed objects (nodes, edges
// and groups) addressed by id. Each object subscribes to the status changes of
// its dependencies; status changes are pushed onto a single FIFO queue that the
// run loop drains synchronously, so the arena is only ever touched by one
// goroutine. External calls (LLM completions, HTTP fetches, vault I/O) run in
// their own goroutines and post their results back to the loop.
//
// Typical use:
//
//	run, err := engine.New(doc, engine.Options{LLM: client, Logger: logger})
//	if err != nil {
//	    return err
//	}
//	stoppage := run.Run(ctx)
package engine
