package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/danmuck/fcgictl/internal/responder"
)

const maxBodyBytes = 1 << 20

// statusHandlers answers every request with a plain-text dump of its params
// and the size of its body.
func statusHandlers() responder.Handlers {
	return responder.Handlers{
		Request:  responder.HandlerFunc(checkContentLength),
		Data:     responder.HandlerFunc(checkBodySize),
		Complete: responder.HandlerFunc(writeStatusPage),
	}
}

func checkContentLength(r *responder.Request) int {
	raw, ok := r.Params["CONTENT_LENGTH"]
	if !ok || raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return reject(r, "400 Bad Request", "invalid CONTENT_LENGTH")
	}
	if n > maxBodyBytes {
		return reject(r, "413 Content Too Large", "request body too large")
	}
	return 0
}

func checkBodySize(r *responder.Request) int {
	if len(r.In) > maxBodyBytes {
		return reject(r, "413 Content Too Large", "request body too large")
	}
	return 0
}

func writeStatusPage(r *responder.Request) int {
	names := make([]string, 0, len(r.Params))
	for name := range r.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	r.Out.WriteString("Status: 200 OK\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&r.Out, "request %d\n", r.ID)
	for _, name := range names {
		fmt.Fprintf(&r.Out, "%s=%s\n", name, r.Params[name])
	}
	fmt.Fprintf(&r.Out, "stdin: %d bytes\n", len(r.In))
	return 0
}

// reject writes an error page and finishes the request with status 1.
func reject(r *responder.Request, status, msg string) int {
	fmt.Fprintf(&r.Out, "Status: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\n", status, msg)
	r.Err.WriteString(msg + "\n")
	return 1
}
