package codec

import (
	"fmt"
	"sort"
	"sync"
)

// Method describes one remote method: its wire name, the codec of its payloads,
// and constructors for its request and response types.
//
//	var GetFileInfo = codec.NewMethod("getFileInfo", codec.CodecTypeProto,
//		func() *pb.GetFileInfoRequestProto { return new(pb.GetFileInfoRequestProto) },
//		func() *pb.GetFileInfoResponseProto { return new(pb.GetFileInfoResponseProto) })
type Method[Req, Resp any] struct {
	name        string
	codec       Codec
	newRequest  func() Req
	newResponse func() Resp
}

func NewMethod[Req, Resp any](name string, ct CodecType, newRequest func() Req, newResponse func() Resp) *Method[Req, Resp] {
	c := GetCodec(ct)
	if c == nil {
		panic(fmt.Sprintf("codec: no codec registered for %s", ct))
	}
	return &Method[Req, Resp]{name: name, codec: c, newRequest: newRequest, newResponse: newResponse}
}

func (m *Method[Req, Resp]) Name() string         { return m.name }
func (m *Method[Req, Resp]) CodecType() CodecType { return m.codec.Type() }

func (m *Method[Req, Resp]) EncodeRequest(req Req) ([]byte, error) {
	return m.codec.Encode(req)
}

func (m *Method[Req, Resp]) DecodeRequest(data []byte) (Req, error) {
	req := m.newRequest()
	err := m.codec.Decode(data, req)
	return req, err
}

func (m *Method[Req, Resp]) EncodeResponse(resp Resp) ([]byte, error) {
	return m.codec.Encode(resp)
}

func (m *Method[Req, Resp]) DecodeResponse(data []byte) (Resp, error) {
	resp := m.newResponse()
	err := m.codec.Decode(data, resp)
	return resp, err
}

// Descriptor is the untyped view of a Method, used by tables.
type Descriptor interface {
	Name() string
	CodecType() CodecType
}

// Table is the registered set of methods of one protocol.
type Table struct {
	Protocol string
	Version  uint64

	mu      sync.RWMutex
	methods map[string]Descriptor
}

func NewTable(protocol string, version uint64, methods ...Descriptor) *Table {
	t := &Table{Protocol: protocol, Version: version, methods: make(map[string]Descriptor)}
	for _, m := range methods {
		t.Register(m)
	}
	return t
}

// Register adds m. Registering the same name twice panics: tables are built at startup.
func (t *Table) Register(m Descriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.methods[m.Name()]; dup {
		panic(fmt.Sprintf("codec: method %q registered twice", m.Name()))
	}
	t.methods[m.Name()] = m
}

func (t *Table) Lookup(name string) (Descriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.methods[name]
	return m, ok
}

// Names returns the registered method names in sorted order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.methods))
	for n := range t.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
