// Package wsproto encodes and decodes the provider's websocket framing: a
// protobuf WebSocketMessage carrying either a request or a response.
package wsproto

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when a frame cannot be decoded.
var ErrMalformed = errors.New("wsproto: malformed message")

type MessageType int32

const (
	TypeUnknown  MessageType = 0
	TypeRequest  MessageType = 1
	TypeResponse MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeResponse:
		return "RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// Request is a WebSocketRequestMessage. Nil fields are absent on the wire.
type Request struct {
	Verb    *string
	Path    *string
	Body    []byte
	Headers []string
	ID      *uint64
}

// Response is a WebSocketResponseMessage. Nil fields are absent on the wire.
type Response struct {
	ID      *uint64
	Status  *uint32
	Message *string
	Headers []string
	Body    []byte
}

// Message is the envelope of every binary frame exchanged with the provider.
type Message struct {
	Type     *MessageType
	Request  *Request
	Response *Response
}

// Kind returns the message type, TypeUnknown when absent.
func (m *Message) Kind() MessageType {
	if m == nil || m.Type == nil {
		return TypeUnknown
	}
	return *m.Type
}

// NewRequest builds a request message.
func NewRequest(verb, path string, id uint64) *Message {
	t := TypeRequest
	return &Message{
		Type: &t,
		Request: &Request{
			Verb: &verb,
			Path: &path,
			ID:   &id,
		},
	}
}

// NewResponse builds a response message answering the request with the
// given id. A nil id is left absent.
func NewResponse(id *uint64, status uint32, message string) *Message {
	t := TypeResponse
	resp := &Response{Status: &status, Message: &message}
	if id != nil {
		v := *id
		resp.ID = &v
	}
	return &Message{Type: &t, Response: resp}
}

// Matches reports whether the request has exactly the given verb and path.
func (r *Request) Matches(verb, path string) bool {
	if r == nil || r.Verb == nil || r.Path == nil {
		return false
	}
	return *r.Verb == verb && *r.Path == path
}

// Header returns the value of the first "name:value" header matching name,
// compared case-insensitively.
func (r *Request) Header(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	for _, h := range r.Headers {
		k, v, ok := strings.Cut(h, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// Marshal encodes m in field-number order, omitting absent fields.
func Marshal(m *Message) []byte {
	var b []byte
	if m.Type != nil {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*m.Type))
	}
	if m.Request != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalRequest(m.Request))
	}
	if m.Response != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalResponse(m.Response))
	}
	return b
}

func marshalRequest(r *Request) []byte {
	var b []byte
	if r.Verb != nil {
		b = appendString(b, 1, *r.Verb)
	}
	if r.Path != nil {
		b = appendString(b, 2, *r.Path)
	}
	if r.Body != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Body)
	}
	if r.ID != nil {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, *r.ID)
	}
	for _, h := range r.Headers {
		b = appendString(b, 5, h)
	}
	return b
}

func marshalResponse(r *Response) []byte {
	var b []byte
	if r.ID != nil {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, *r.ID)
	}
	if r.Status != nil {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*r.Status))
	}
	if r.Message != nil {
		b = appendString(b, 3, *r.Message)
	}
	if r.Body != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Body)
	}
	for _, h := range r.Headers {
		b = appendString(b, 5, h)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Unmarshal decodes a frame. Unknown fields are skipped.
func Unmarshal(data []byte) (*Message, error) {
	m := &Message{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v field) error {
		switch num {
		case 1:
			x, err := v.varint(typ)
			if err != nil {
				return err
			}
			t := MessageType(int32(x))
			m.Type = &t
		case 2:
			raw, err := v.bytes(typ)
			if err != nil {
				return err
			}
			if m.Request, err = unmarshalRequest(raw); err != nil {
				return err
			}
		case 3:
			raw, err := v.bytes(typ)
			if err != nil {
				return err
			}
			if m.Response, err = unmarshalResponse(raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalRequest(data []byte) (*Request, error) {
	r := &Request{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v field) error {
		switch num {
		case 1:
			s, err := v.str(typ)
			if err != nil {
				return err
			}
			r.Verb = &s
		case 2:
			s, err := v.str(typ)
			if err != nil {
				return err
			}
			r.Path = &s
		case 3:
			raw, err := v.bytes(typ)
			if err != nil {
				return err
			}
			r.Body = append([]byte{}, raw...)
		case 4:
			x, err := v.varint(typ)
			if err != nil {
				return err
			}
			r.ID = &x
		case 5:
			s, err := v.str(typ)
			if err != nil {
				return err
			}
			r.Headers = append(r.Headers, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func unmarshalResponse(data []byte) (*Response, error) {
	r := &Response{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v field) error {
		switch num {
		case 1:
			x, err := v.varint(typ)
			if err != nil {
				return err
			}
			r.ID = &x
		case 2:
			x, err := v.varint(typ)
			if err != nil {
				return err
			}
			status := uint32(x)
			r.Status = &status
		case 3:
			s, err := v.str(typ)
			if err != nil {
				return err
			}
			r.Message = &s
		case 4:
			raw, err := v.bytes(typ)
			if err != nil {
				return err
			}
			r.Body = append([]byte{}, raw...)
		case 5:
			s, err := v.str(typ)
			if err != nil {
				return err
			}
			r.Headers = append(r.Headers, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// field is the raw value of one decoded field.
type field []byte

func (f field) varint(typ protowire.Type) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: expected varint, got wire type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeVarint(f)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, nil
}

func (f field) bytes(typ protowire.Type) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, fmt.Errorf("%w: expected bytes, got wire type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeBytes(f)
	if n < 0 {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, nil
}

func (f field) str(typ protowire.Type) (string, error) {
	b, err := f.bytes(typ)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// walk calls fn for every field of a protobuf message. The field passed to fn
// starts at the value (after the tag).
func walk(data []byte, fn func(protowire.Number, protowire.Type, field) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]
		size := protowire.ConsumeFieldValue(num, typ, data)
		if size < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(size))
		}
		if err := fn(num, typ, field(data[:size])); err != nil {
			return err
		}
		data = data[size:]
	}
	return nil
}
