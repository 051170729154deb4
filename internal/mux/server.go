package mux

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/danmuck/fcgictl/internal/listen"
	"github.com/danmuck/fcgictl/internal/observability"
	"github.com/danmuck/fcgictl/internal/responder"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const defaultReadBufferSize = 4096

// conn is one accepted socket and its protocol state.
type conn struct {
	sock  *listen.Socket
	id    string
	proto *responder.Conn
	log   zerolog.Logger
}

// Stats is a point-in-time view of the multiplexer, safe to read from any
// goroutine.
type Stats struct {
	Listeners    int    `json:"listeners"`
	Connections  int64  `json:"connections"`
	Requests     int64  `json:"requests"`
	Accepted     uint64 `json:"accepted"`
	BytesRead    uint64 `json:"bytes_read"`
	BytesWritten uint64 `json:"bytes_written"`
}

type Server struct {
	handlers responder.Handlers
	values   responder.Values
	log      zerolog.Logger

	listeners []*listen.Listener
	conns     map[int]*conn
	buf       []byte
	pollFDs   []unix.PollFd
	polled    []*conn

	nListeners  atomic.Int64
	nConns      atomic.Int64
	nRequests   atomic.Int64
	nAccepted   atomic.Uint64
	nBytesRead  atomic.Uint64
	nBytesWrite atomic.Uint64
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithValues(v responder.Values) Option {
	return func(s *Server) { s.values = v }
}

// WithReadBufferSize sets how many bytes one read per connection per round
// may return.
func WithReadBufferSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.buf = make([]byte, n)
		}
	}
}

func New(h responder.Handlers, opts ...Option) *Server {
	s := &Server{
		handlers: h,
		values:   responder.DefaultValues(),
		log:      log.Logger,
		conns:    make(map[int]*conn),
		buf:      make([]byte, defaultReadBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	observability.RegisterMetrics()
	return s
}

// Listen hands l to the server. The server owns it from here on.
func (s *Server) Listen(l *listen.Listener) {
	s.listeners = append(s.listeners, l)
	s.nListeners.Store(int64(len(s.listeners)))
	s.log.Info().Str("addr", l.Addr).Msg("mux: listening")
}

func (s *Server) Stats() Stats {
	return Stats{
		Listeners:    int(s.nListeners.Load()),
		Connections:  s.nConns.Load(),
		Requests:     s.nRequests.Load(),
		Accepted:     s.nAccepted.Load(),
		BytesRead:    s.nBytesRead.Load(),
		BytesWritten: s.nBytesWrite.Load(),
	}
}

// Process runs one round. timeoutMS bounds the readiness wait; a negative
// value waits indefinitely. An interrupted wait is a round with no work.
func (s *Server) Process(timeoutMS int) error {
	s.pollFDs = s.pollFDs[:0]
	s.polled = s.polled[:0]
	for _, l := range s.listeners {
		s.pollFDs = append(s.pollFDs, unix.PollFd{Fd: int32(l.FD()), Events: unix.POLLIN})
	}
	for fd, c := range s.conns {
		events := int16(unix.POLLIN)
		if c.proto.HasOutput() {
			events |= unix.POLLOUT
		}
		s.pollFDs = append(s.pollFDs, unix.PollFd{Fd: int32(fd), Events: events})
		s.polled = append(s.polled, c)
	}

	n, err := unix.Poll(s.pollFDs, timeoutMS)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return &OpError{Op: "poll", Err: err}
	}
	if n == 0 {
		return nil
	}

	for i, l := range s.listeners {
		if s.pollFDs[i].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) == 0 {
			continue
		}
		if err := s.accept(l); err != nil {
			return err
		}
	}

	offset := len(s.listeners)
	for j, c := range s.polled {
		if err := s.service(c, s.pollFDs[offset+j].Revents); err != nil {
			return err
		}
	}
	s.refreshRequestCount()
	return nil
}

// ProcessForever runs rounds without a timeout until one fails.
func (s *Server) ProcessForever() error {
	for {
		if err := s.Process(-1); err != nil {
			return err
		}
	}
}

// Run processes rounds of at most timeoutMS until ctx is done. A negative
// timeout is replaced by one second so cancellation is observed.
func (s *Server) Run(ctx context.Context, timeoutMS int) error {
	if len(s.listeners) == 0 {
		return ErrNoListeners
	}
	if timeoutMS < 0 {
		timeoutMS = 1000
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := s.Process(timeoutMS); err != nil {
			return err
		}
	}
}

func (s *Server) accept(l *listen.Listener) error {
	fd, _, err := unix.Accept4(l.FD(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
			return nil
		}
		return &OpError{Op: "accept", Err: err}
	}
	id := uuid.NewString()
	logger := s.log.With().Str("conn", id).Logger()
	s.conns[fd] = &conn{
		sock:  listen.NewSocket(fd),
		id:    id,
		proto: responder.NewConn(s.handlers, responder.WithValues(s.values), responder.WithLogger(logger)),
		log:   logger,
	}
	s.nAccepted.Add(1)
	s.nConns.Store(int64(len(s.conns)))
	observability.ConnectionOpened()
	logger.Debug().Str("listener", l.Addr).Msg("mux: accepted")
	return nil
}

// service reads, writes and possibly closes one polled connection.
func (s *Server) service(c *conn, revents int16) error {
	fd := c.sock.FD()

	if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		n, err := unix.Read(fd, s.buf)
		switch {
		case err == nil && n == 0:
			c.proto.PeerClosed()
		case err == nil:
			s.nBytesRead.Add(uint64(n))
			c.proto.Feed(s.buf[:n])
		case errors.Is(err, unix.ECONNRESET):
			c.log.Debug().Msg("mux: reset by peer")
			return s.drop(c)
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		default:
			return &OpError{Op: "read", Err: err}
		}
	}

	if c.proto.HasOutput() && revents&unix.POLLOUT != 0 {
		c.proto.Flush()
		n, err := unix.Write(fd, c.proto.Output())
		switch {
		case err == nil:
			c.proto.Consume(n)
			s.nBytesWrite.Add(uint64(n))
			observability.RecordBytesWritten(n)
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET):
			c.log.Debug().Err(err).Msg("mux: peer gone during write")
			return s.drop(c)
		default:
			return &OpError{Op: "write", Err: err}
		}
	}

	if c.proto.Done() {
		return s.drop(c)
	}
	return nil
}

func (s *Server) drop(c *conn) error {
	fd := c.sock.FD()
	delete(s.conns, fd)
	s.nConns.Store(int64(len(s.conns)))
	observability.ConnectionClosed()
	c.log.Debug().Int("pending", len(c.proto.Output())).Msg("mux: closed")
	if err := c.sock.Close(); err != nil && !errors.Is(err, unix.ECONNRESET) {
		return &OpError{Op: "close", Err: err}
	}
	return nil
}

func (s *Server) refreshRequestCount() {
	var total int64
	for _, c := range s.conns {
		total += int64(c.proto.Requests())
	}
	s.nRequests.Store(total)
}

// Abandon keeps every Unix socket path on disk after Close, for a process
// about to hand its descriptors to a successor.
func (s *Server) Abandon() {
	for _, l := range s.listeners {
		l.Abandon()
	}
}

// Close closes every connection and listener and unlinks owned socket paths.
func (s *Server) Close() error {
	var errs []error
	for fd, c := range s.conns {
		if err := c.sock.Close(); err != nil {
			errs = append(errs, &OpError{Op: "close", Err: err})
		}
		delete(s.conns, fd)
		observability.ConnectionClosed()
	}
	for _, l := range s.listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.listeners = nil
	s.nConns.Store(0)
	s.nListeners.Store(0)
	s.nRequests.Store(0)
	return errors.Join(errs...)
}
