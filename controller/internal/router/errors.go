package router

import "errors"

// Sentinel errors surfaced by the Router. Callers should use errors.Is.
var (
	// ErrAgentNotFound is returned by GET /agents/{id} when no such agent
	// is currently registered.
	ErrAgentNotFound = errors.New("router: agent not found")

	// ErrCommandNotFound is returned when a command_id has no registry
	// entry at all (never created, or evicted past retention).
	ErrCommandNotFound = errors.New("router: command not found")
)
