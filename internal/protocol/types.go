package protocol

import "strconv"

// Wire constants for FastCGI version 1.
const (
	Version1      uint8  = 1
	HeaderLen            = 8
	MaxContentLen        = 0xffff
	NullRequestID uint16 = 0
)

// RecordType is the type byte of a record header.
type RecordType uint8

const (
	TypeBeginRequest    RecordType = 1
	TypeAbortRequest    RecordType = 2
	TypeEndRequest      RecordType = 3
	TypeParams          RecordType = 4
	TypeStdin           RecordType = 5
	TypeStdout          RecordType = 6
	TypeStderr          RecordType = 7
	TypeData            RecordType = 8
	TypeGetValues       RecordType = 9
	TypeGetValuesResult RecordType = 10
	TypeUnknownType     RecordType = 11
)

var recordTypeNames = map[RecordType]string{
	TypeBeginRequest:    "begin_request",
	TypeAbortRequest:    "abort_request",
	TypeEndRequest:      "end_request",
	TypeParams:          "params",
	TypeStdin:           "stdin",
	TypeStdout:          "stdout",
	TypeStderr:          "stderr",
	TypeData:            "data",
	TypeGetValues:       "get_values",
	TypeGetValuesResult: "get_values_result",
	TypeUnknownType:     "unknown_type",
}

func (t RecordType) String() string {
	if name, ok := recordTypeNames[t]; ok {
		return name
	}
	return "type_" + strconv.Itoa(int(t))
}

// Role is the begin-request role field.
type Role uint16

const (
	RoleResponder  Role = 1
	RoleAuthorizer Role = 2
	RoleFilter     Role = 3
)

// FlagKeepConn asks the application to keep the connection open after the reply.
const FlagKeepConn uint8 = 1

// ProtocolStatus is the end-request protocol status byte.
type ProtocolStatus uint8

const (
	StatusRequestComplete ProtocolStatus = 0
	StatusCantMpxConn     ProtocolStatus = 1
	StatusOverloaded      ProtocolStatus = 2
	StatusUnknownRole     ProtocolStatus = 3
)

// Capability names answered in a get-values-result record.
const (
	CapMaxConns  = "FCGI_MAX_CONNS"
	CapMaxReqs   = "FCGI_MAX_REQS"
	CapMpxsConns = "FCGI_MPXS_CONNS"
)

// Fixed body sizes.
const (
	BeginRequestBodyLen = 8
	EndRequestBodyLen   = 8
	UnknownTypeBodyLen  = 8
)
