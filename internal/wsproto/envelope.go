package wsproto

import "google.golang.org/protobuf/encoding/protowire"

// Provider paths handled by a session.
const (
	VerbPut         = "PUT"
	VerbGet         = "GET"
	PathMessage     = "/api/v1/message"
	PathKeepalive   = "/v1/keepalive"
	TimestampHeader = "X-Signal-Timestamp"
)

type EnvelopeType int32

const (
	EnvelopeUnknown            EnvelopeType = 0
	EnvelopeCiphertext         EnvelopeType = 1
	EnvelopeKeyExchange        EnvelopeType = 2
	EnvelopePrekeyBundle       EnvelopeType = 3
	EnvelopeReceipt            EnvelopeType = 5
	EnvelopeUnidentifiedSender EnvelopeType = 6
	EnvelopePlaintextContent   EnvelopeType = 8
)

func (t EnvelopeType) String() string {
	switch t {
	case EnvelopeCiphertext:
		return "ciphertext"
	case EnvelopeKeyExchange:
		return "key_exchange"
	case EnvelopePrekeyBundle:
		return "prekey_bundle"
	case EnvelopeReceipt:
		return "receipt"
	case EnvelopeUnidentifiedSender:
		return "unidentified_sender"
	case EnvelopePlaintextContent:
		return "plaintext_content"
	default:
		return "unknown"
	}
}

// Envelope holds the metadata of one delivered message. Content stays
// encrypted and is never inspected.
type Envelope struct {
	Type            EnvelopeType
	Timestamp       uint64
	ServerTimestamp uint64
	Content         []byte
	urgent          *bool
}

// Urgent reports the urgent flag, true when the provider left it unset.
func (e *Envelope) Urgent() bool {
	if e.urgent == nil {
		return true
	}
	return *e.urgent
}

// SetUrgent overrides the urgent flag.
func (e *Envelope) SetUrgent(v bool) { e.urgent = &v }

// MarshalEnvelope encodes the fields of e this package knows about.
func MarshalEnvelope(e *Envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Type))
	if e.Timestamp != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, e.Timestamp)
	}
	if e.Content != nil {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Content)
	}
	if e.ServerTimestamp != 0 {
		b = protowire.AppendTag(b, 10, protowire.VarintType)
		b = protowire.AppendVarint(b, e.ServerTimestamp)
	}
	if e.urgent != nil {
		b = protowire.AppendTag(b, 14, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(*e.urgent))
	}
	return b
}

// UnmarshalEnvelope decodes a message-delivery request body.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v field) error {
		switch num {
		case 1:
			x, err := v.varint(typ)
			if err != nil {
				return err
			}
			e.Type = EnvelopeType(int32(x))
		case 5:
			x, err := v.varint(typ)
			if err != nil {
				return err
			}
			e.Timestamp = x
		case 8:
			raw, err := v.bytes(typ)
			if err != nil {
				return err
			}
			e.Content = append([]byte{}, raw...)
		case 10:
			x, err := v.varint(typ)
			if err != nil {
				return err
			}
			e.ServerTimestamp = x
		case 14:
			x, err := v.varint(typ)
			if err != nil {
				return err
			}
			e.SetUrgent(protowire.DecodeBool(x))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}
