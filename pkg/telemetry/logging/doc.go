// Package logging provides structured logging for Helios components.
//
// The package wraps log/slog with level and format parsing, context field
// extraction, and component-scoped child loggers. All Helios components
// receive a *slog.Logger tagged with a "component" attribute so log lines
// can be filtered per subsystem.
//
// # Usage
//
//	logger, err := logging.New(logging.Config{Level: "info", Format: "json"})
//	if err != nil {
//	    return err
//	}
//	ledger := usage.NewLedger(store, logger.Slog().With("component", "usage.ledger"))
//
// Context-aware logging extracts agent, model, and request identifiers
// placed in the context by the HTTP layer:
//
//	ctx = logging.WithAgentID(ctx, "agent-42")
//	logger.InfoContext(ctx, "budget check", "allowed", true)
package logging
