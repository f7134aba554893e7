package codec

import (
	"github.com/pkg/errors"
)

// Bytes is an opaque payload passed through unchanged.
type Bytes []byte

// BinaryCodec passes raw payloads through. Requests may be Bytes, *Bytes or []byte;
// responses must be *Bytes or *[]byte.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case Bytes:
		return b, nil
	case *Bytes:
		if b == nil {
			return nil, nil
		}
		return *b, nil
	case []byte:
		return b, nil
	}
	return nil, errors.New("BinaryCodec: v must be Bytes, *Bytes or []byte")
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// copy: data aliases the frame buffer
	switch b := v.(type) {
	case *Bytes:
		*b = append((*b)[:0], data...)
		return nil
	case *[]byte:
		*b = append((*b)[:0], data...)
		return nil
	}
	return errors.New("BinaryCodec: v must be *Bytes or *[]byte")
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
