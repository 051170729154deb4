package protocol

import "errors"

var (
	ErrShortHeader        = errors.New("protocol: short record header")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrIncomplete         = errors.New("protocol: incomplete record")
	ErrContentTooLarge    = errors.New("protocol: content too large")
	ErrShortBody          = errors.New("protocol: short record body")
)
