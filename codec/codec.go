// Package codec turns typed requests and responses into the opaque payload bytes
// carried by a call frame.
//
// The engine itself never looks inside a payload. A Method binds a remote method name
// to the codec and the concrete request/response types used for it, so the set of
// callable methods is a static table built at startup rather than discovered by reflection.
package codec

import (
	"fmt"
	"sync"
)

type CodecType byte

const (
	CodecTypeProto  CodecType = 0
	CodecTypeJSON   CodecType = 1
	CodecTypeBinary CodecType = 2
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeProto:
		return "proto"
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

var (
	codecsMu sync.RWMutex
	codecs   = map[CodecType]Codec{
		CodecTypeProto:  &ProtoCodec{},
		CodecTypeJSON:   &JSONCodec{},
		CodecTypeBinary: &BinaryCodec{},
	}
)

// GetCodec returns the codec registered for codecType, or nil.
func GetCodec(codecType CodecType) Codec {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	return codecs[codecType]
}
