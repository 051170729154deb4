package responder

import (
	"errors"

	"github.com/danmuck/fcgictl/internal/observability"
	"github.com/danmuck/fcgictl/internal/protocol"
	"github.com/danmuck/fcgictl/internal/protocol/frame"
	"github.com/danmuck/fcgictl/internal/protocol/pairs"
	"github.com/rs/zerolog"
)

// Conn is the protocol state of one connection: unparsed input, framed
// output waiting for the socket, and the live request table.
type Conn struct {
	handlers Handlers
	values   Values
	log      zerolog.Logger

	in       []byte
	out      []byte
	requests map[uint16]*Request

	closeAfterDrain bool
	closeNow        bool
	broken          bool
}

type Option func(*Conn)

func WithValues(v Values) Option {
	return func(c *Conn) { c.values = v }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Conn) { c.log = l }
}

func NewConn(h Handlers, opts ...Option) *Conn {
	c := &Conn{
		handlers: h,
		values:   DefaultValues(),
		log:      zerolog.Nop(),
		requests: make(map[uint16]*Request),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Feed appends raw socket bytes and dispatches every complete record.
func (c *Conn) Feed(b []byte) {
	if c.broken {
		return
	}
	c.in = append(c.in, b...)
	c.parse()
}

// Output is the framed reply data not yet written.
func (c *Conn) Output() []byte { return c.out }

func (c *Conn) HasOutput() bool { return len(c.out) > 0 }

// Consume drops the first n bytes of output after a socket write.
func (c *Conn) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(c.out) {
		c.out = c.out[:0]
		return
	}
	c.out = append(c.out[:0], c.out[n:]...)
}

// Buffered is the number of input bytes waiting for the rest of a record.
func (c *Conn) Buffered() int { return len(c.in) }

// PeerClosed records end-of-stream from the peer.
func (c *Conn) PeerClosed() { c.closeNow = true }

// Closing reports whether the connection will close once output drains.
func (c *Conn) Closing() bool { return c.closeNow }

// CloseAfterDrain reports whether the peer declined keep-alive.
func (c *Conn) CloseAfterDrain() bool { return c.closeAfterDrain }

// Done reports whether the connection is closing and fully drained.
func (c *Conn) Done() bool { return c.closeNow && len(c.out) == 0 }

func (c *Conn) Request(id uint16) (*Request, bool) {
	r, ok := c.requests[id]
	return r, ok
}

func (c *Conn) Requests() int { return len(c.requests) }

// Flush frames pending output of every request and drops requests whose
// params and stdin are both closed.
func (c *Conn) Flush() {
	for id, r := range c.requests {
		c.flushRequest(id, r)
	}
}

func (c *Conn) parse() {
	n := 0
	for {
		rec, size, err := frame.Next(c.in[n:])
		if errors.Is(err, protocol.ErrIncomplete) {
			break
		}
		if err != nil {
			c.log.Warn().Err(err).Int("discarded", len(c.in)-n).Msg("responder: closing connection")
			c.broken = true
			c.closeNow = true
			c.in = nil
			return
		}
		observability.RecordRecordRead(rec.Header.Type.String())
		c.dispatch(rec)
		n += size
	}
	if n > 0 {
		c.in = append(c.in[:0], c.in[n:]...)
	}
}

func (c *Conn) dispatch(rec frame.Record) {
	id := rec.Header.RequestID
	switch rec.Header.Type {
	case protocol.TypeGetValues:
		c.getValues(rec.Content)
	case protocol.TypeBeginRequest:
		c.beginRequest(id, rec.Content)
	case protocol.TypeAbortRequest:
		c.abortRequest(id)
	case protocol.TypeParams:
		c.params(id, rec.Content)
	case protocol.TypeStdin:
		c.stdin(id, rec.Content)
	case protocol.TypeData:
		// responders do not consume the data stream
	default:
		c.log.Debug().Uint8("type", uint8(rec.Header.Type)).Msg("responder: unknown record type")
		c.out = frame.AppendUnknownType(c.out, rec.Header.Type)
	}
}

func (c *Conn) getValues(content []byte) {
	query := pairs.Decode(content)
	var base int
	c.out, base = frame.BeginManagement(c.out, protocol.TypeGetValuesResult)
	for _, name := range capabilityOrder {
		if _, asked := query[name]; !asked {
			continue
		}
		value, _ := c.values.lookup(name)
		c.out = pairs.Append(c.out, name, value)
	}
	var err error
	if c.out, err = frame.FinishManagement(c.out, base); err != nil {
		c.log.Warn().Err(err).Msg("responder: get_values reply dropped")
	}
}

func (c *Conn) beginRequest(id uint16, content []byte) {
	body, err := frame.DecodeBeginRequest(content)
	if err != nil {
		c.log.Debug().Err(err).Uint16("request_id", id).Msg("responder: begin_request ignored")
		return
	}
	if !body.KeepConn() {
		c.closeAfterDrain = true
	}
	if body.Role != protocol.RoleResponder {
		c.out = frame.AppendEndRequest(c.out, id, 0, protocol.StatusUnknownRole)
		if c.closeAfterDrain {
			c.closeNow = true
		}
		observability.RecordRequestOutcome(observability.OutcomeUnknownRole)
		return
	}
	if _, ok := c.requests[id]; ok {
		observability.RecordRequestOutcome(observability.OutcomeSuperseded)
	}
	c.requests[id] = newRequest(id)
}

// abortRequest drops the request. A request whose end-request is already
// out gets no second reply.
func (c *Conn) abortRequest(id uint16) {
	r, ok := c.requests[id]
	if !ok {
		return
	}
	delete(c.requests, id)
	if r.outputClosed {
		return
	}
	c.out = frame.AppendEndRequest(c.out, id, 1, protocol.StatusRequestComplete)
	if c.closeAfterDrain {
		c.closeNow = true
	}
	observability.RecordRequestOutcome(observability.OutcomeAborted)
}

func (c *Conn) params(id uint16, content []byte) {
	r, ok := c.requests[id]
	if !ok || r.paramsClosed {
		return
	}
	if len(content) > 0 {
		r.paramsBuf = append(r.paramsBuf, content...)
		return
	}

	r.Params = pairs.Decode(r.paramsBuf)
	r.paramsBuf = nil
	r.paramsClosed = true

	r.status = c.handlers.onRequest(r)
	if r.status == 0 && len(r.In) > 0 {
		r.status = c.handlers.onData(r)
		if r.status == 0 && r.inClosed {
			r.status = c.handlers.onComplete(r)
		}
	}
	c.flushRequest(id, r)
}

func (c *Conn) stdin(id uint16, content []byte) {
	r, ok := c.requests[id]
	if !ok || r.inClosed {
		return
	}
	if len(content) > 0 {
		r.In = append(r.In, content...)
		if r.paramsClosed && r.status == 0 {
			r.status = c.handlers.onData(r)
			c.flushRequest(id, r)
		}
		return
	}

	r.inClosed = true
	if r.paramsClosed && r.status == 0 {
		r.status = c.handlers.onComplete(r)
		c.flushRequest(id, r)
	}
}

// flushRequest frames r's pending output and, the first time r's input is
// closed or its status is set, the stream close markers and end-request.
func (c *Conn) flushRequest(id uint16, r *Request) {
	if r.outputClosed {
		r.Out.Reset()
		r.Err.Reset()
	} else {
		if r.Out.Len() > 0 {
			c.out = frame.Emit(c.out, id, r.Out.Bytes(), protocol.TypeStdout)
			r.Out.Reset()
		}
		if r.Err.Len() > 0 {
			c.out = frame.Emit(c.out, id, r.Err.Bytes(), protocol.TypeStderr)
			r.Err.Reset()
		}
		if r.inClosed || r.status != 0 {
			c.out = frame.Emit(c.out, id, nil, protocol.TypeStdout)
			c.out = frame.Emit(c.out, id, nil, protocol.TypeStderr)
			c.out = frame.AppendEndRequest(c.out, id, uint32(r.status), protocol.StatusRequestComplete)
			if c.closeAfterDrain {
				c.closeNow = true
			}
			r.outputClosed = true
			observability.RecordRequestOutcome(observability.OutcomeComplete)
		}
	}

	if r.paramsClosed && r.inClosed {
		if cur, ok := c.requests[id]; ok && cur == r {
			delete(c.requests, id)
		}
	}
}
