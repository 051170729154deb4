// Package protocol owns the FastCGI wire contract.
//
// Ownership boundary:
// - record type, role and status constants
// - pairs: name-value list primitives
// - frame: record header and stream framing primitives
package protocol
