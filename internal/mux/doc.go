// Package mux is the single-threaded, readiness-driven connection
// multiplexer. One call to Process polls every listener and connection once,
// accepts, reads and dispatches, writes, and closes finished connections.
//
// Callbacks run inside Process and block the whole loop while they run.
package mux
