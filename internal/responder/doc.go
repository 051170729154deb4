// Package responder implements the FastCGI responder role over one
// connection's byte buffers.
//
// Ownership boundary:
// - per-request lifecycle (params, stdin, callbacks, reply)
// - record dispatch for one connection's input buffer
// - reply framing into that connection's output buffer
//
// Sockets are out of scope here; the mux package feeds bytes in and drains
// bytes out. All callbacks run synchronously inside Feed or Flush.
package responder
