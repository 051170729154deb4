// Package fcgitest builds web-server side records and splits application
// replies for tests.
package fcgitest

import (
	"encoding/binary"
	"testing"

	"github.com/danmuck/fcgictl/internal/protocol"
	"github.com/danmuck/fcgictl/internal/protocol/frame"
	"github.com/danmuck/fcgictl/internal/protocol/pairs"
)

func BeginRequest(id uint16, role protocol.Role, keepConn bool) []byte {
	body := make([]byte, protocol.BeginRequestBodyLen)
	binary.BigEndian.PutUint16(body[0:2], uint16(role))
	if keepConn {
		body[2] = protocol.FlagKeepConn
	}
	return frame.Emit(nil, id, body, protocol.TypeBeginRequest)
}

func AbortRequest(id uint16) []byte {
	return frame.Emit(nil, id, nil, protocol.TypeAbortRequest)
}

// Params encodes kv (name, value, name, value, ...) into one params record
// followed by the empty close record.
func Params(id uint16, kv ...string) []byte {
	var body []byte
	for i := 0; i+1 < len(kv); i += 2 {
		body = pairs.Append(body, kv[i], kv[i+1])
	}
	out := []byte{}
	if len(body) > 0 {
		out = frame.Emit(out, id, body, protocol.TypeParams)
	}
	return frame.Emit(out, id, nil, protocol.TypeParams)
}

// Stdin emits each chunk as its own stdin record. It does not close the stream.
func Stdin(id uint16, chunks ...string) []byte {
	var out []byte
	for _, c := range chunks {
		out = frame.Emit(out, id, []byte(c), protocol.TypeStdin)
	}
	return out
}

func StdinClose(id uint16) []byte {
	return frame.Emit(nil, id, nil, protocol.TypeStdin)
}

func GetValues(names ...string) []byte {
	var body []byte
	for _, n := range names {
		body = pairs.Append(body, n, "")
	}
	return frame.Emit(nil, protocol.NullRequestID, body, protocol.TypeGetValues)
}

// Raw emits a record of any type with the given content.
func Raw(t protocol.RecordType, id uint16, content []byte) []byte {
	return frame.Emit(nil, id, content, t)
}

func Join(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Records splits b into complete records, failing the test on malformed input.
func Records(t testing.TB, b []byte) []frame.Record {
	t.Helper()
	var out []frame.Record
	for len(b) > 0 {
		rec, n, err := frame.Next(b)
		if err != nil {
			t.Fatalf("split records: %v (remaining=%d)", err, len(b))
		}
		if n%8 != 0 {
			t.Fatalf("record of %d bytes is not 8-byte aligned", n)
		}
		out = append(out, rec)
		b = b[n:]
	}
	return out
}

// Out is the reply layout of one request.
type Out struct {
	Stdout   []byte
	Stderr   []byte
	Records  int
	Ended    bool
	End      frame.EndRequestBody
	AfterEnd int
}

// ByRequest groups reply records per request id.
func ByRequest(t testing.TB, recs []frame.Record) map[uint16]*Out {
	t.Helper()
	out := make(map[uint16]*Out)
	for _, rec := range recs {
		o := out[rec.Header.RequestID]
		if o == nil {
			o = &Out{}
			out[rec.Header.RequestID] = o
		}
		o.Records++
		if o.Ended {
			o.AfterEnd++
		}
		switch rec.Header.Type {
		case protocol.TypeStdout:
			o.Stdout = append(o.Stdout, rec.Content...)
		case protocol.TypeStderr:
			o.Stderr = append(o.Stderr, rec.Content...)
		case protocol.TypeEndRequest:
			body, err := frame.DecodeEndRequest(rec.Content)
			if err != nil {
				t.Fatalf("decode end request: %v", err)
			}
			o.Ended = true
			o.End = body
		}
	}
	return out
}
