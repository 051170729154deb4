// Package pairs implements the FastCGI name-value list encoding used by
// params and get-values records.
package pairs

import "encoding/binary"

// MaxLen is the largest length a four-byte length field can carry.
const MaxLen = 1<<31 - 1

const longFlag = 0x80

// Pairs is a decoded name-value list. Keys are unique.
type Pairs map[string]string

// Decode parses a complete name-value list. Decoding stops at the first
// entry whose length fields or bytes extend past the end of b, and the
// entries read so far are returned. When a name repeats, the first value wins.
func Decode(b []byte) Pairs {
	out := make(Pairs)
	i := 0
	for i < len(b) {
		nameLen, n, ok := readLength(b[i:])
		if !ok {
			break
		}
		i += n
		if i >= len(b) {
			break
		}
		valueLen, n, ok := readLength(b[i:])
		if !ok {
			break
		}
		i += n

		if len(b)-i < nameLen {
			break
		}
		name := string(b[i : i+nameLen])
		i += nameLen

		if len(b)-i < valueLen {
			break
		}
		if _, dup := out[name]; !dup {
			out[name] = string(b[i : i+valueLen])
		}
		i += valueLen
	}
	return out
}

// Encode returns the wire form of one name-value entry.
func Encode(name, value string) []byte {
	return Append(make([]byte, 0, encodedLen(name, value)), name, value)
}

// Append appends the wire form of one name-value entry to dst.
func Append(dst []byte, name, value string) []byte {
	dst = appendLength(dst, len(name))
	dst = appendLength(dst, len(value))
	dst = append(dst, name...)
	return append(dst, value...)
}

// AppendAll appends every entry of p to dst. Entry order follows map iteration.
func AppendAll(dst []byte, p Pairs) []byte {
	for name, value := range p {
		dst = Append(dst, name, value)
	}
	return dst
}

func encodedLen(name, value string) int {
	return fieldLen(len(name)) + fieldLen(len(value)) + len(name) + len(value)
}

func fieldLen(n int) int {
	if n > 0x7f {
		return 4
	}
	return 1
}

func appendLength(dst []byte, n int) []byte {
	if n <= 0x7f {
		return append(dst, byte(n))
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(n)&MaxLen)
	buf[0] |= longFlag
	return append(dst, buf[:]...)
}

// readLength reads one length field and reports how many bytes it used.
func readLength(b []byte) (length, size int, ok bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	if b[0]&longFlag == 0 {
		return int(b[0]), 1, true
	}
	if len(b) < 4 {
		return 0, 0, false
	}
	return int(binary.BigEndian.Uint32(b[:4]) & MaxLen), 4, true
}
