package mux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/danmuck/fcgictl/internal/listen"
	"github.com/danmuck/fcgictl/internal/protocol"
	"github.com/danmuck/fcgictl/internal/protocol/frame"
	"github.com/danmuck/fcgictl/internal/protocol/pairs"
	"github.com/danmuck/fcgictl/internal/responder"
	ft "github.com/danmuck/fcgictl/internal/testutil/fcgitest"
	"github.com/danmuck/fcgictl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func helloHandlers() responder.Handlers {
	return responder.Handlers{
		Complete: responder.HandlerFunc(func(r *responder.Request) int {
			if n, err := strconv.Atoi(r.Params["SIZE"]); err == nil {
				r.Out.Write(bytes.Repeat([]byte{'x'}, n))
				return 0
			}
			r.Out.WriteString("hi")
			return 0
		}),
	}
}

func startServer(t *testing.T, h responder.Handlers) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mux.sock")
	l, err := listen.Unix(path)
	require.NoError(t, err)
	srv := New(h, WithLogger(testlog.Start(t)), WithReadBufferSize(512))
	srv.Listen(l)
	t.Cleanup(func() { srv.Close() })
	return srv, path
}

func dial(t *testing.T, path string) net.Conn {
	t.Helper()
	c, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// ended reports whether data holds a complete end-request for id.
func ended(id uint16) func([]byte) bool {
	return func(data []byte) bool {
		for len(data) > 0 {
			rec, n, err := frame.Next(data)
			if err != nil {
				return false
			}
			if rec.Header.Type == protocol.TypeEndRequest && rec.Header.RequestID == id {
				return true
			}
			data = data[n:]
		}
		return false
	}
}

func hasRecord(data []byte) bool {
	_, _, err := frame.Next(data)
	return err == nil
}

// pump alternates server rounds with client reads until done reports true
// or the client sees end-of-stream.
func pump(t *testing.T, srv *Server, c net.Conn, done func([]byte) bool) (data []byte, eof bool) {
	t.Helper()
	buf := make([]byte, 1<<16)
	for i := 0; i < 2000; i++ {
		require.NoError(t, srv.Process(5))
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Millisecond)))
		n, err := c.Read(buf)
		data = append(data, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return data, true
		}
		var nerr net.Error
		if err != nil && !(errors.As(err, &nerr) && nerr.Timeout()) {
			t.Fatalf("client read: %v", err)
		}
		if done != nil && done(data) {
			return data, false
		}
	}
	t.Fatalf("pump gave up after %d bytes", len(data))
	return nil, false
}

func spin(t *testing.T, srv *Server, cond func() bool) {
	t.Helper()
	for i := 0; i < 500; i++ {
		require.NoError(t, srv.Process(5))
		if cond() {
			return
		}
	}
	t.Fatalf("condition not reached")
}

func TestRequestWithoutKeepConnClosesAfterReply(t *testing.T) {
	srv, path := startServer(t, helloHandlers())
	c := dial(t, path)

	_, err := c.Write(ft.Join(
		ft.BeginRequest(1, protocol.RoleResponder, false),
		ft.Params(1, "REQUEST_METHOD", "GET"),
		ft.StdinClose(1),
	))
	require.NoError(t, err)

	data, eof := pump(t, srv, c, nil)
	require.True(t, eof)

	out := ft.ByRequest(t, ft.Records(t, data))[1]
	assert.Equal(t, "hi", string(out.Stdout))
	require.True(t, out.Ended)
	assert.Equal(t, uint32(0), out.End.AppStatus)

	stats := srv.Stats()
	assert.Equal(t, int64(0), stats.Connections)
	assert.Equal(t, uint64(1), stats.Accepted)
	assert.Equal(t, uint64(len(data)), stats.BytesWritten)
}

func TestKeepConnServesSequentialRequests(t *testing.T) {
	srv, path := startServer(t, helloHandlers())
	c := dial(t, path)

	for _, id := range []uint16{1, 2} {
		_, err := c.Write(ft.Join(
			ft.BeginRequest(id, protocol.RoleResponder, true),
			ft.Params(id),
			ft.StdinClose(id),
		))
		require.NoError(t, err)
		data, eof := pump(t, srv, c, ended(id))
		require.False(t, eof)
		assert.Equal(t, "hi", string(ft.ByRequest(t, ft.Records(t, data))[id].Stdout))
	}
	assert.Equal(t, int64(1), srv.Stats().Connections)
	assert.Equal(t, int64(0), srv.Stats().Requests)

	require.NoError(t, c.Close())
	spin(t, srv, func() bool { return srv.Stats().Connections == 0 })
}

func TestLargeReplyDrainsAcrossRounds(t *testing.T) {
	srv, path := startServer(t, helloHandlers())
	c := dial(t, path)

	_, err := c.Write(ft.Join(
		ft.BeginRequest(9, protocol.RoleResponder, true),
		ft.Params(9, "SIZE", "300000"),
		ft.StdinClose(9),
	))
	require.NoError(t, err)

	data, _ := pump(t, srv, c, ended(9))
	out := ft.ByRequest(t, ft.Records(t, data))[9]
	assert.Len(t, out.Stdout, 300000)
	assert.True(t, out.Ended)
}

func TestSplitWritesAcrossRounds(t *testing.T) {
	srv, path := startServer(t, helloHandlers())
	c := dial(t, path)

	input := ft.Join(
		ft.BeginRequest(1, protocol.RoleResponder, true),
		ft.Params(1, "REQUEST_METHOD", "GET"),
		ft.Stdin(1, "body"),
		ft.StdinClose(1),
	)
	for i := range input {
		_, err := c.Write(input[i : i+1])
		require.NoError(t, err)
		require.NoError(t, srv.Process(0))
	}
	data, _ := pump(t, srv, c, ended(1))
	assert.Equal(t, "hi", string(ft.ByRequest(t, ft.Records(t, data))[1].Stdout))
}

func TestGetValuesOverTCP(t *testing.T) {
	l, err := listen.TCP(0)
	require.NoError(t, err)
	srv := New(responder.Handlers{}, WithLogger(testlog.Start(t)), WithValues(responder.Values{
		MaxConns: "5", MaxReqs: "6", MpxsConns: "0",
	}))
	srv.Listen(l)
	t.Cleanup(func() { srv.Close() })

	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(l.Port())))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write(ft.GetValues(protocol.CapMaxConns, protocol.CapMaxReqs, protocol.CapMpxsConns))
	require.NoError(t, err)

	data, _ := pump(t, srv, c, hasRecord)
	recs := ft.Records(t, data)
	require.Len(t, recs, 1)
	assert.Equal(t, pairs.Pairs{
		protocol.CapMaxConns:  "5",
		protocol.CapMaxReqs:   "6",
		protocol.CapMpxsConns: "0",
	}, pairs.Decode(recs[0].Content))
	assert.Equal(t, 1, srv.Stats().Listeners)
}

func TestVersionMismatchClosesConnection(t *testing.T) {
	srv, path := startServer(t, helloHandlers())
	c := dial(t, path)

	bad := ft.BeginRequest(1, protocol.RoleResponder, true)
	bad[0] = 9
	_, err := c.Write(bad)
	require.NoError(t, err)

	data, eof := pump(t, srv, c, nil)
	assert.True(t, eof)
	assert.Empty(t, data)
}

func TestPeerCloseDropsConnection(t *testing.T) {
	srv, path := startServer(t, helloHandlers())
	c := dial(t, path)
	spin(t, srv, func() bool { return srv.Stats().Connections == 1 })

	_, err := c.Write(ft.BeginRequest(1, protocol.RoleResponder, true))
	require.NoError(t, err)
	spin(t, srv, func() bool { return srv.Stats().Requests == 1 })

	require.NoError(t, c.Close())
	spin(t, srv, func() bool { return srv.Stats().Connections == 0 })
}

func TestProcessTimesOutWithoutWork(t *testing.T) {
	srv, _ := startServer(t, helloHandlers())
	start := time.Now()
	require.NoError(t, srv.Process(10))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestRunStopsOnCancel(t *testing.T) {
	srv, _ := startServer(t, helloHandlers())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, srv.Run(ctx, -1))

	empty := New(responder.Handlers{})
	assert.ErrorIs(t, empty.Run(context.Background(), 10), ErrNoListeners)
}

func TestCloseUnlinksAndAbandonKeeps(t *testing.T) {
	dir := t.TempDir()

	gone := filepath.Join(dir, "gone.sock")
	l, err := listen.Unix(gone)
	require.NoError(t, err)
	srv := New(responder.Handlers{})
	srv.Listen(l)
	require.NoError(t, srv.Close())
	_, err = os.Stat(gone)
	assert.ErrorIs(t, err, os.ErrNotExist)

	kept := filepath.Join(dir, "kept.sock")
	l, err = listen.Unix(kept)
	require.NoError(t, err)
	srv = New(responder.Handlers{})
	srv.Listen(l)
	srv.Abandon()
	require.NoError(t, srv.Close())
	_, err = os.Stat(kept)
	assert.NoError(t, err)
}

func TestProcessForeverStopsOnListenerFailure(t *testing.T) {
	l, err := listen.TCP(0)
	require.NoError(t, err)
	fd := l.Socket.Release()
	require.NoError(t, unix.Close(fd))

	srv := New(responder.Handlers{}, WithLogger(testlog.Start(t)))
	srv.Listen(l)

	err = srv.ProcessForever()
	var op *OpError
	require.ErrorAs(t, err, &op)
	assert.Equal(t, "accept", op.Op)
	assert.ErrorIs(t, err, unix.EBADF)
}

func TestOpErrorCarriesErrno(t *testing.T) {
	err := error(&OpError{Op: "poll", Err: unix.EBADF})
	assert.ErrorIs(t, err, unix.EBADF)
	var op *OpError
	require.ErrorAs(t, err, &op)
	assert.Equal(t, "poll", op.Op)
}
