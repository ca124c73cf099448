// Package session owns client<->kernel session transport helpers.
//
// Ownership boundary:
// - attach handshake control messages
// - agent command request/response wire helpers
// - output notification wire helpers
// - WME record shape shared by commit, resync and output paths
// - retry/backoff/outbox primitives
package session
