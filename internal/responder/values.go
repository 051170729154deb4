package responder

import "github.com/danmuck/fcgictl/internal/protocol"

// Values are the fixed answers to a get-values query.
type Values struct {
	MaxConns  string
	MaxReqs   string
	MpxsConns string
}

func DefaultValues() Values {
	return Values{MaxConns: "100", MaxReqs: "1000", MpxsConns: "1"}
}

// lookup returns the answer for a recognized capability name.
func (v Values) lookup(name string) (string, bool) {
	switch name {
	case protocol.CapMaxConns:
		return v.MaxConns, true
	case protocol.CapMaxReqs:
		return v.MaxReqs, true
	case protocol.CapMpxsConns:
		return v.MpxsConns, true
	}
	return "", false
}

var capabilityOrder = []string{protocol.CapMaxConns, protocol.CapMaxReqs, protocol.CapMpxsConns}
