// Package protocol implements the framing of the metadata RPC wire protocol.
//
// A connection starts with a fixed 7-byte preamble, then carries length-prefixed frames
// in both directions. The 4-byte big-endian length solves TCP's sticky packet problem:
// the receiver reads the length first, then exactly that many bytes.
//
// Preamble (client → server, once):
//
//	0        4    5    6    7
//	┌────────┬────┬────┬────┐
//	│ "hrpc" │ 09 │ sc │ ap │   version 9, service class, auth protocol (0 = none)
//	└────────┴────┴────┴────┘
//
// Frame:
//
//	0         4
//	┌─────────┬──────────────────────────────────────────────────────┐
//	│  length │ section | section | ...            (length bytes)     │
//	│ uint32  │ each section = varint(len) + len bytes (a protobuf)   │
//	└─────────┴──────────────────────────────────────────────────────┘
//
// A call frame has three sections (request header, method header, payload); the
// connection context frame and response frames have two; a ping frame has one.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	Version          byte = 9
	ServiceClass     byte = 0
	AuthNone         byte = 0
	AuthSASL         byte = 0xDF // -33
	PreambleSize          = 7
	LengthSize            = 4
	DefaultMaxLength      = 64 << 20
)

var magic = [4]byte{'h', 'r', 'p', 'c'}

// Preamble returns the bytes that open every connection.
func Preamble(serviceClass, auth byte) []byte {
	return []byte{magic[0], magic[1], magic[2], magic[3], Version, serviceClass, auth}
}

// ReadPreamble reads and validates a connection preamble.
// Used by servers; non-protocol peers (e.g. HTTP clients hitting the wrong port) are rejected here.
func ReadPreamble(r io.Reader) (serviceClass, auth byte, err error) {
	buf := make([]byte, PreambleSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, 0, err
	}
	if buf[0] != magic[0] || buf[1] != magic[1] || buf[2] != magic[2] || buf[3] != magic[3] {
		return 0, 0, errors.Errorf("invalid magic: %q", buf[0:4])
	}
	if buf[4] != Version {
		return 0, 0, errors.Errorf("unsupported version: %d", buf[4])
	}
	return buf[5], buf[6], nil
}

// AppendFrame appends a complete frame made of the given sections to dst.
func AppendFrame(dst []byte, sections ...[]byte) []byte {
	n := 0
	for _, s := range sections {
		n += protowire.SizeBytes(len(s))
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(n))
	for _, s := range sections {
		dst = protowire.AppendBytes(dst, s)
	}
	return dst
}

// Encode writes a complete frame to w.
// The caller must serialize writers sharing one connection, otherwise frames interleave.
func Encode(w io.Writer, sections ...[]byte) error {
	_, err := w.Write(AppendFrame(nil, sections...))
	return err
}

// FrameLength validates a 4-byte length prefix.
func FrameLength(prefix []byte, max uint32) (uint32, error) {
	if len(prefix) != LengthSize {
		return 0, errors.Errorf("length prefix must be %d bytes, got %d", LengthSize, len(prefix))
	}
	n := binary.BigEndian.Uint32(prefix)
	if max > 0 && n > max {
		return 0, errors.Errorf("frame length %d exceeds limit %d", n, max)
	}
	return n, nil
}

// Decode reads one frame body from r, enforcing max (0 = DefaultMaxLength).
func Decode(r io.Reader, max uint32) ([]byte, error) {
	if max == 0 {
		max = DefaultMaxLength
	}
	prefix := make([]byte, LengthSize)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	n, err := FrameLength(prefix, max)
	if err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Sections splits a frame body into its delimited sections.
// The returned slices alias body.
func Sections(body []byte) ([][]byte, error) {
	var out [][]byte
	for len(body) > 0 {
		s, n := protowire.ConsumeBytes(body)
		if n < 0 {
			return nil, errors.Wrapf(protowire.ParseError(n), "section %d", len(out))
		}
		out = append(out, s)
		body = body[n:]
	}
	return out, nil
}
