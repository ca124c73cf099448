// Package kernel owns the reference kernel memory behind the session server
// and embedded connections.
//
// Ownership boundary:
// - authoritative input WMEs per agent as committed by clients
//
// - kernel-minted output WMEs with positive time tags
//
// - output batches and their fan-out to subscribers
//
// - reinitialize (input link identity rotates, output is re-declared)
//
// Kernel does not match rules or schedule decision cycles. Output is
// produced by the caller through AddOutput/RemoveOutput/FlushOutput.
package kernel
