package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/danmuck/fcgictl/internal/protocol"
	"github.com/danmuck/fcgictl/internal/responder"
	ft "github.com/danmuck/fcgictl/internal/testutil/fcgitest"
)

func run(t *testing.T, input []byte) *ft.Out {
	t.Helper()
	c := responder.NewConn(statusHandlers())
	c.Feed(input)
	out := ft.ByRequest(t, ft.Records(t, c.Output()))[1]
	if out == nil || !out.Ended {
		t.Fatalf("request 1 did not end")
	}
	return out
}

func TestStatusPageListsParams(t *testing.T) {
	out := run(t, ft.Join(
		ft.BeginRequest(1, protocol.RoleResponder, true),
		ft.Params(1, "SCRIPT_NAME", "/status", "REQUEST_METHOD", "POST"),
		ft.Stdin(1, "abc"),
		ft.StdinClose(1),
	))
	body := string(out.Stdout)
	if !strings.HasPrefix(body, "Status: 200 OK\r\n") {
		t.Fatalf("unexpected head: %q", body)
	}
	if !strings.Contains(body, "REQUEST_METHOD=POST\nSCRIPT_NAME=/status\n") {
		t.Fatalf("params not sorted or missing: %q", body)
	}
	if !strings.Contains(body, "stdin: 3 bytes") {
		t.Fatalf("stdin size missing: %q", body)
	}
	if out.End.AppStatus != 0 {
		t.Fatalf("unexpected status: %d", out.End.AppStatus)
	}
}

func TestStatusRejectsLargeContentLength(t *testing.T) {
	out := run(t, ft.Join(
		ft.BeginRequest(1, protocol.RoleResponder, true),
		ft.Params(1, "CONTENT_LENGTH", "99999999"),
	))
	if !strings.Contains(string(out.Stdout), "413") || out.End.AppStatus != 1 {
		t.Fatalf("expected 413 rejection, got %q status=%d", out.Stdout, out.End.AppStatus)
	}
	if string(out.Stderr) != "request body too large\n" {
		t.Fatalf("unexpected stderr: %q", out.Stderr)
	}
}

func TestStatusRejectsBadContentLength(t *testing.T) {
	out := run(t, ft.Join(
		ft.BeginRequest(1, protocol.RoleResponder, true),
		ft.Params(1, "CONTENT_LENGTH", "-4"),
	))
	if !strings.Contains(string(out.Stdout), "400 Bad Request") {
		t.Fatalf("expected 400, got %q", out.Stdout)
	}
}

func TestStatusRejectsOversizedBody(t *testing.T) {
	big := string(bytes.Repeat([]byte{'b'}, 60000))
	chunks := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		chunks = append(chunks, big)
	}
	out := run(t, ft.Join(
		ft.BeginRequest(1, protocol.RoleResponder, true),
		ft.Params(1),
		ft.Stdin(1, chunks...),
	))
	if out.End.AppStatus != 1 {
		t.Fatalf("expected rejection, got status %d", out.End.AppStatus)
	}
}
