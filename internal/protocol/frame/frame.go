package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/fcgictl/internal/protocol"
)

// Header is the fixed 8-byte record header.
type Header struct {
	Version       uint8
	Type          protocol.RecordType
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

// Len is the full record size described by h.
func (h Header) Len() int {
	return protocol.HeaderLen + int(h.ContentLength) + int(h.PaddingLength)
}

// Record is one complete record borrowed from an input buffer.
type Record struct {
	Header  Header
	Content []byte
}

func EncodeHeader(h Header) []byte {
	return AppendHeader(make([]byte, 0, protocol.HeaderLen), h)
}

func AppendHeader(dst []byte, h Header) []byte {
	var buf [protocol.HeaderLen]byte
	buf[0] = h.Version
	buf[1] = byte(h.Type)
	binary.BigEndian.PutUint16(buf[2:4], h.RequestID)
	binary.BigEndian.PutUint16(buf[4:6], h.ContentLength)
	buf[6] = h.PaddingLength
	buf[7] = h.Reserved
	return append(dst, buf[:]...)
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < protocol.HeaderLen {
		return Header{}, fmt.Errorf("frame: %w: %d bytes", protocol.ErrShortHeader, len(b))
	}
	return Header{
		Version:       b[0],
		Type:          protocol.RecordType(b[1]),
		RequestID:     binary.BigEndian.Uint16(b[2:4]),
		ContentLength: binary.BigEndian.Uint16(b[4:6]),
		PaddingLength: b[6],
		Reserved:      b[7],
	}, nil
}

// Next extracts the record at the front of b. It returns
// protocol.ErrIncomplete while the header, content or padding is still
// arriving, and protocol.ErrUnsupportedVersion for a non-version-1 header.
// On success n is the number of bytes the record occupies.
func Next(b []byte) (rec Record, n int, err error) {
	if len(b) < protocol.HeaderLen {
		return Record{}, 0, protocol.ErrIncomplete
	}
	h, _ := DecodeHeader(b)
	if h.Version != protocol.Version1 {
		return Record{}, 0, fmt.Errorf("frame: %w: %d", protocol.ErrUnsupportedVersion, h.Version)
	}
	if len(b) < h.Len() {
		return Record{}, 0, protocol.ErrIncomplete
	}
	content := b[protocol.HeaderLen : protocol.HeaderLen+int(h.ContentLength)]
	return Record{Header: h, Content: content}, h.Len(), nil
}

// Padding is the number of zero bytes that align a record with n content bytes.
func Padding(n int) uint8 {
	return uint8((8 - n%8) % 8)
}

var zeros [8]byte

// Emit appends data to dst as one or more records of type t. Content is
// split at protocol.MaxContentLen and every record is padded to a multiple
// of 8. Empty data still produces one record, the stream close marker.
func Emit(dst []byte, requestID uint16, data []byte, t protocol.RecordType) []byte {
	for {
		chunk := data
		if len(chunk) > protocol.MaxContentLen {
			chunk = chunk[:protocol.MaxContentLen]
		}
		pad := Padding(len(chunk))
		dst = AppendHeader(dst, Header{
			Version:       protocol.Version1,
			Type:          t,
			RequestID:     requestID,
			ContentLength: uint16(len(chunk)),
			PaddingLength: pad,
		})
		dst = append(dst, chunk...)
		dst = append(dst, zeros[:pad]...)

		data = data[len(chunk):]
		if len(data) == 0 {
			return dst
		}
	}
}

// AppendEndRequest appends an end-request record.
func AppendEndRequest(dst []byte, requestID uint16, appStatus uint32, status protocol.ProtocolStatus) []byte {
	dst = AppendHeader(dst, Header{
		Version:       protocol.Version1,
		Type:          protocol.TypeEndRequest,
		RequestID:     requestID,
		ContentLength: protocol.EndRequestBodyLen,
	})
	var body [protocol.EndRequestBodyLen]byte
	binary.BigEndian.PutUint32(body[0:4], appStatus)
	body[4] = byte(status)
	return append(dst, body[:]...)
}

// AppendUnknownType appends the reply for a record type the application
// does not understand.
func AppendUnknownType(dst []byte, t protocol.RecordType) []byte {
	dst = AppendHeader(dst, Header{
		Version:       protocol.Version1,
		Type:          protocol.TypeUnknownType,
		RequestID:     protocol.NullRequestID,
		ContentLength: protocol.UnknownTypeBodyLen,
	})
	var body [protocol.UnknownTypeBodyLen]byte
	body[0] = byte(t)
	return append(dst, body[:]...)
}

// BeginManagement appends a management record header of type t with a zero
// content length and returns the offset of that header. Content appended
// afterwards is sealed by FinishManagement.
func BeginManagement(dst []byte, t protocol.RecordType) ([]byte, int) {
	base := len(dst)
	return AppendHeader(dst, Header{Version: protocol.Version1, Type: t}), base
}

// FinishManagement patches the content and padding length of the record
// started at base and appends its padding.
func FinishManagement(dst []byte, base int) ([]byte, error) {
	n := len(dst) - base - protocol.HeaderLen
	if n < 0 {
		return dst, fmt.Errorf("frame: %w", protocol.ErrShortHeader)
	}
	if n > protocol.MaxContentLen {
		return dst[:base], fmt.Errorf("frame: %w: %d", protocol.ErrContentTooLarge, n)
	}
	pad := Padding(n)
	binary.BigEndian.PutUint16(dst[base+4:base+6], uint16(n))
	dst[base+6] = pad
	return append(dst, zeros[:pad]...), nil
}

// BeginRequestBody is the decoded body of a begin-request record.
type BeginRequestBody struct {
	Role  protocol.Role
	Flags uint8
}

// KeepConn reports whether the peer asked to keep the connection open.
func (b BeginRequestBody) KeepConn() bool {
	return b.Flags&protocol.FlagKeepConn != 0
}

func DecodeBeginRequest(content []byte) (BeginRequestBody, error) {
	if len(content) < protocol.BeginRequestBodyLen {
		return BeginRequestBody{}, fmt.Errorf("frame: %w: begin_request %d bytes", protocol.ErrShortBody, len(content))
	}
	return BeginRequestBody{
		Role:  protocol.Role(binary.BigEndian.Uint16(content[0:2])),
		Flags: content[2],
	}, nil
}

// EndRequestBody is the decoded body of an end-request record.
type EndRequestBody struct {
	AppStatus      uint32
	ProtocolStatus protocol.ProtocolStatus
}

func DecodeEndRequest(content []byte) (EndRequestBody, error) {
	if len(content) < protocol.EndRequestBodyLen {
		return EndRequestBody{}, fmt.Errorf("frame: %w: end_request %d bytes", protocol.ErrShortBody, len(content))
	}
	return EndRequestBody{
		AppStatus:      binary.BigEndian.Uint32(content[0:4]),
		ProtocolStatus: protocol.ProtocolStatus(content[4]),
	}, nil
}
