package amqp

import (
	"bytes"
	"fmt"

	"github.com/israelio/amqp10-go-client/internal/protocol"
)

// Message is an outgoing or incoming delivery. Payload holds the encoded
// bare message sections; the engine does not interpret it.
type Message struct {
	Payload []byte
	Format  uint32

	// DeliveryTag is generated when left empty
	DeliveryTag []byte

	// Settled requests a pre-settled send on links in mixed mode
	Settled bool
}

// NewMessage wraps body in a single data section
func NewMessage(body []byte) *Message {
	var buf bytes.Buffer
	// a data section never fails to encode
	_ = protocol.WriteValue(&buf, &protocol.Described{
		Descriptor: uint64(protocol.DescriptorData),
		Value:      body,
	})
	return &Message{Payload: buf.Bytes()}
}

// Data returns the concatenated contents of the data sections in the
// payload. Other sections are skipped.
func (m *Message) Data() ([]byte, error) {
	dec := protocol.NewDecoder(m.Payload)
	var out []byte
	for dec.Len() > 0 {
		v, err := dec.ReadValue()
		if err != nil {
			return nil, fmt.Errorf("decode message section: %w", err)
		}
		d, ok := v.(*protocol.Described)
		if !ok {
			return nil, fmt.Errorf("message section is not described: %T", v)
		}
		if code, _ := d.Descriptor.(uint64); code != protocol.DescriptorData {
			continue
		}
		b, ok := d.Value.([]byte)
		if !ok {
			return nil, fmt.Errorf("data section holds %T", d.Value)
		}
		out = append(out, b...)
	}
	return out, nil
}
