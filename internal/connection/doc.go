// Package connection provides the transports a wm.Memory talks through.
//
// Ownership boundary:
// - Remote: TCP (optionally TLS) session to a kernel server, attach
//   handshake, request/response matching and queued output pushes
//
// - Embedded: in-process binding to a kernel.Kernel, queued or direct
//
// - Pump: the loop that feeds output notices into a memory
//
// A connection never mutates a memory on its own; only Pump does, and only
// from the goroutine that runs it.
package connection
