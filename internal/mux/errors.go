package mux

import "errors"

var ErrNoListeners = errors.New("mux: no listeners")

// OpError is an environment failure fatal to the multiplexer. Err carries
// the underlying unix.Errno.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return "mux: " + e.Op + ": " + e.Err.Error() }

func (e *OpError) Unwrap() error { return e.Err }
