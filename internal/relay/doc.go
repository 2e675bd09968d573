// Package relay implements the transcript broadcast relay using the actor pattern.
//
// A single Hub goroutine owns the connection Registry and handles every register, unregister,
// inbound frame and heartbeat as a command, so registry access needs no locks. Per-connection
// writer goroutines drain bounded send buffers; a slow or dead client never blocks the hub.
package relay
