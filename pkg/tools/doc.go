// Package tools aggregates tool providers into a single catalog.
//
// The Registry is the single source of truth for which tools exist and which
// provider runs them. Tool names are unique across providers: the first
// provider to register a name keeps it and later registrations that would
// shadow it are rejected with ErrToolCollision.
//
//	registry := tools.NewRegistry(tools.WithRequestTimeout(30 * time.Second))
//
//	echo := tools.NewStaticProvider("builtin")
//	_ = echo.AddTool(protocol.MustTool("echo", "Echo a message", schema), handleEcho)
//
//	if err := registry.Register(ctx, echo); err != nil {
//	    return err
//	}
//
//	result, err := registry.ExecuteTool(ctx, "echo", json.RawMessage(`{"message":"hi"}`))
//
// Lookups take a shared lock; Register, Unregister and RefreshToolCatalog take
// it exclusively. Tool execution never holds the lock.
package tools
