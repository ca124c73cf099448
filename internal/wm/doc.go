// Package wm owns the client-side working-memory mirror for one agent.
//
// Ownership boundary:
// - input-link graph built by the client (identifiers, typed leaves, shared identifiers)
//
// - change ledger drained by Commit
//
// - output-link graph rebuilt from kernel output notifications
//
// - resynchronization against the kernel's full state
//
// Lifecycle order:
// - New -> GetInputLink -> mutate -> Commit
//
// - ReceiveOutput runs once per kernel output batch and fires listeners then handlers.
//
// - Refresh after a kernel reinitialize; the caller commits before resetting.
//
// A Memory is single-writer. Callers serialize access; output handlers run
// on the goroutine that called ReceiveOutput.
package wm
