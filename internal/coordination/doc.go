// Package coordination wires the coordination core together: the
// shared state store, the event bus and its cross-node relay, the lock
// manager, the session registry, the conflict engine, and the optional
// workspace watcher.
//
// A Hub owns the lifecycle of these components. Construction wires
// them; Start launches the background loops (event relay, session
// sweeper, file watcher) and Stop shuts them down in reverse order.
//
// Typical usage:
//
//	hub, err := coordination.NewHub(coordination.Config{
//		Settings: cfg,
//		Logger:   logger,
//	})
//	if err != nil {
//		return err
//	}
//	if err := hub.Start(ctx); err != nil {
//		return err
//	}
//	defer hub.Stop()
//
// The HTTP layer and CLI consume the components through the Hub's
// accessors rather than constructing their own.
package coordination
