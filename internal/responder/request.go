package responder

import (
	"bytes"

	"github.com/danmuck/fcgictl/internal/protocol/pairs"
)

// Request is one logical request as seen by callbacks.
//
// In holds every stdin byte received so far. Callbacks that process input
// incrementally must track their own offset into it. Out and Err are
// drained into stdout and stderr records after every callback.
type Request struct {
	ID     uint16
	Params pairs.Pairs
	In     []byte
	Out    bytes.Buffer
	Err    bytes.Buffer

	paramsBuf    []byte
	paramsClosed bool
	inClosed     bool
	status       int
	outputClosed bool
}

func newRequest(id uint16) *Request {
	return &Request{ID: id, Params: pairs.Pairs{}}
}

// Status is the application exit status. Zero means not finished.
func (r *Request) Status() int { return r.status }

func (r *Request) ParamsClosed() bool { return r.paramsClosed }

func (r *Request) InClosed() bool { return r.inClosed }

// OutputClosed reports whether the end-request reply has been framed.
func (r *Request) OutputClosed() bool { return r.outputClosed }

// Handler is one callback slot. A zero return keeps the request streaming;
// any other value finishes it with that application status.
type Handler interface {
	Handle(r *Request) int
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(r *Request) int

func (f HandlerFunc) Handle(r *Request) int { return f(r) }

type nopHandler struct{}

func (nopHandler) Handle(*Request) int { return 0 }

// Handlers holds the three callback slots. A nil slot behaves as a handler
// that returns 0.
type Handlers struct {
	// Request runs once the params stream is closed.
	Request Handler
	// Data runs when new stdin bytes arrive after params are closed.
	Data Handler
	// Complete runs once the stdin stream is closed.
	Complete Handler
}

func (h Handlers) onRequest(r *Request) int  { return slot(h.Request).Handle(r) }
func (h Handlers) onData(r *Request) int     { return slot(h.Data).Handle(r) }
func (h Handlers) onComplete(r *Request) int { return slot(h.Complete).Handle(r) }

func slot(h Handler) Handler {
	if h == nil {
		return nopHandler{}
	}
	return h
}
