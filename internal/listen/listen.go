// Package listen opens the listening sockets the multiplexer accepts on.
//
// Every descriptor and every socket path created here is an owned value:
// Close releases it, and Release or Abandon hand it off without cleanup.
package listen

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

const backlog = 100

var (
	ErrEmptyPath   = errors.New("listen: empty socket path")
	ErrPathTooLong = errors.New("listen: socket path too long")
	ErrNulInPath   = errors.New("listen: null character in socket path")
	ErrInvalidPort = errors.New("listen: invalid tcp port")
)

// OpError is a failed socket call.
type OpError struct {
	Op   string
	Addr string
	Err  error
}

func (e *OpError) Error() string {
	if e.Addr == "" {
		return "listen: " + e.Op + ": " + e.Err.Error()
	}
	return "listen: " + e.Op + " " + e.Addr + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

// Socket owns one file descriptor.
type Socket struct {
	fd    int
	valid bool
}

// NewSocket takes ownership of fd. A negative fd yields an empty Socket.
func NewSocket(fd int) *Socket {
	return &Socket{fd: fd, valid: fd >= 0}
}

func (s *Socket) FD() int { return s.fd }

func (s *Socket) Valid() bool { return s != nil && s.valid }

// Close closes the descriptor once. Closing an empty Socket is a no-op.
func (s *Socket) Close() error {
	if !s.Valid() {
		return nil
	}
	s.valid = false
	return unix.Close(s.fd)
}

// Release gives up ownership and returns the descriptor without closing it.
func (s *Socket) Release() int {
	s.valid = false
	return s.fd
}

// Path owns a filesystem entry created by bind.
type Path struct {
	name  string
	valid bool
}

func (p *Path) Name() string { return p.name }

func (p *Path) Valid() bool { return p != nil && p.valid }

// Remove unlinks the path once. A missing file is not an error.
func (p *Path) Remove() error {
	if !p.Valid() {
		return nil
	}
	p.valid = false
	if err := os.Remove(p.name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Abandon gives up ownership so the path survives Remove and Close.
func (p *Path) Abandon() string {
	p.valid = false
	return p.name
}

// Listener is a bound, listening socket and, for Unix sockets, its path.
type Listener struct {
	Socket *Socket
	Path   *Path
	Addr   string
}

func (l *Listener) FD() int { return l.Socket.FD() }

// Close closes the socket, then unlinks the path if still owned.
func (l *Listener) Close() error {
	err := l.Socket.Close()
	if l.Path != nil {
		if perr := l.Path.Remove(); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

// Abandon keeps the socket path on disk after Close.
func (l *Listener) Abandon() {
	if l.Path != nil {
		l.Path.Abandon()
	}
}

// TCP listens on port on all IPv4 interfaces. Port 0 picks a free port.
func TCP(port int) (*Listener, error) {
	if port < 0 || port > 0xffff {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	addr := fmt.Sprintf("0.0.0.0:%d", port)

	sock, err := newStreamSocket(unix.AF_INET, addr)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			sock.Close()
		}
	}()

	if err := unix.SetsockoptInt(sock.FD(), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, &OpError{Op: "setsockopt", Addr: addr, Err: err}
	}
	if err := unix.Bind(sock.FD(), &unix.SockaddrInet4{Port: port}); err != nil {
		return nil, &OpError{Op: "bind", Addr: addr, Err: err}
	}
	if err := unix.Listen(sock.FD(), backlog); err != nil {
		return nil, &OpError{Op: "listen", Addr: addr, Err: err}
	}

	ok = true
	return &Listener{Socket: sock, Addr: addr}, nil
}

// Unix listens on a local-domain socket at path, replacing any stale entry.
func Unix(path string) (*Listener, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	sock, err := newStreamSocket(unix.AF_UNIX, path)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			sock.Close()
		}
	}()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &OpError{Op: "unlink", Addr: path, Err: err}
	}
	if err := unix.Bind(sock.FD(), &unix.SockaddrUnix{Name: path}); err != nil {
		return nil, &OpError{Op: "bind", Addr: path, Err: err}
	}
	owned := &Path{name: path, valid: true}
	if err := unix.Listen(sock.FD(), backlog); err != nil {
		owned.Remove()
		return nil, &OpError{Op: "listen", Addr: path, Err: err}
	}

	ok = true
	return &Listener{Socket: sock, Path: owned, Addr: path}, nil
}

// ValidatePath checks path against the sockaddr_un limits.
func ValidatePath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	if strings.IndexByte(path, 0) >= 0 {
		return ErrNulInPath
	}
	var sa unix.RawSockaddrUnix
	if len(path) >= len(sa.Path) {
		return fmt.Errorf("%w: %d bytes", ErrPathTooLong, len(path))
	}
	return nil
}

// Port reports the bound TCP port, or 0 for non-TCP listeners.
func (l *Listener) Port() int {
	sa, err := unix.Getsockname(l.FD())
	if err != nil {
		return 0
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return in4.Port
	}
	return 0
}

func newStreamSocket(domain int, addr string) (*Socket, error) {
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, &OpError{Op: "socket", Addr: addr, Err: err}
	}
	return NewSocket(fd), nil
}
