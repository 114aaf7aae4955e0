package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/israelio/amqp10-go-client/internal/protocol"
)

// ErrMalformedFrame is returned for frames whose header cannot be valid
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is a single AMQP frame. Body is nil for an empty (heartbeat) frame
// and *ProtocolHeader for the protocol preamble.
type Frame struct {
	Type    uint8
	Channel uint16
	Body    Performative
}

// Header is the fixed 8 byte frame header
type Header struct {
	Size       uint32
	DataOffset uint8
	Type       uint8
	Channel    uint16
}

// Kind returns the kind of the frame body
func (f *Frame) Kind() Kind {
	if f.Body == nil {
		return KindEmpty
	}
	return f.Body.Kind()
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s(channel=%d)", f.Kind(), f.Channel)
}

// NewFrame creates an AMQP frame on the given channel
func NewFrame(channel uint16, body Performative) *Frame {
	return &Frame{
		Type:    protocol.FrameTypeAMQP,
		Channel: channel,
		Body:    body,
	}
}

// NewEmptyFrame creates a heartbeat frame
func NewEmptyFrame() *Frame {
	return &Frame{Type: protocol.FrameTypeAMQP}
}

// NewHeaderFrame creates a protocol header frame
func NewHeaderFrame(h ProtocolHeader) *Frame {
	return &Frame{Body: &h}
}

// ParseHeader parses and validates a frame header
func ParseHeader(b []byte) (Header, error) {
	if len(b) < protocol.FrameHeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, got %d", ErrMalformedFrame, protocol.FrameHeaderSize, len(b))
	}
	h := Header{
		Size:       binary.BigEndian.Uint32(b[0:4]),
		DataOffset: b[4],
		Type:       b[5],
		Channel:    binary.BigEndian.Uint16(b[6:8]),
	}
	if h.Size < protocol.FrameHeaderSize {
		return h, fmt.Errorf("%w: size %d below header size", ErrMalformedFrame, h.Size)
	}
	if h.DataOffset < protocol.MinDataOffset {
		return h, fmt.Errorf("%w: data offset %d below minimum", ErrMalformedFrame, h.DataOffset)
	}
	if uint32(h.DataOffset)*4 > h.Size {
		return h, fmt.Errorf("%w: data offset %d beyond frame size %d", ErrMalformedFrame, h.DataOffset, h.Size)
	}
	return h, nil
}

// ParseProtocolHeader parses the 8 byte protocol preamble
func ParseProtocolHeader(b []byte) (*ProtocolHeader, error) {
	if len(b) < protocol.ProtocolHeaderSize || string(b[:4]) != "AMQP" {
		return nil, fmt.Errorf("%w: invalid protocol header % x", ErrMalformedFrame, b)
	}
	return &ProtocolHeader{
		ProtocolID: b[4],
		Major:      b[5],
		Minor:      b[6],
		Revision:   b[7],
	}, nil
}

// Marshal encodes a frame to its wire representation
func Marshal(f *Frame) ([]byte, error) {
	if h, ok := f.Body.(*ProtocolHeader); ok {
		var buf bytes.Buffer
		if err := h.marshal(&buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	var buf bytes.Buffer
	buf.Write(make([]byte, protocol.FrameHeaderSize))
	if f.Body != nil {
		if err := f.Body.marshal(&buf); err != nil {
			return nil, fmt.Errorf("marshal %s: %w", f.Body.Kind(), err)
		}
	}

	b := buf.Bytes()
	binary.BigEndian.PutUint32(b[0:4], uint32(len(b)))
	b[4] = protocol.MinDataOffset
	b[5] = f.Type
	binary.BigEndian.PutUint16(b[6:8], f.Channel)
	return b, nil
}

// Unmarshal decodes one complete frame. b must hold exactly the frame bytes.
func Unmarshal(b []byte) (*Frame, error) {
	if len(b) >= 4 && string(b[:4]) == "AMQP" {
		h, err := ParseProtocolHeader(b)
		if err != nil {
			return nil, err
		}
		return &Frame{Body: h}, nil
	}

	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	if int(h.Size) != len(b) {
		return nil, fmt.Errorf("%w: size %d does not match %d bytes", ErrMalformedFrame, h.Size, len(b))
	}

	f := &Frame{Type: h.Type, Channel: h.Channel}
	body := b[int(h.DataOffset)*4:]
	if len(body) == 0 {
		return f, nil
	}
	if h.Type != protocol.FrameTypeAMQP {
		return nil, fmt.Errorf("unsupported frame type 0x%02x", h.Type)
	}

	f.Body, err = UnmarshalPerformative(body)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// UnmarshalPerformative decodes a frame body
func UnmarshalPerformative(body []byte) (Performative, error) {
	dec := protocol.NewDecoder(body)
	code, fields, err := dec.ReadDescribedList()
	if err != nil {
		return nil, fmt.Errorf("decode performative: %w", err)
	}

	switch code {
	case protocol.DescriptorOpen:
		return unmarshalOpen(fields)
	case protocol.DescriptorBegin:
		return unmarshalBegin(fields)
	case protocol.DescriptorAttach:
		return unmarshalAttach(fields)
	case protocol.DescriptorFlow:
		return unmarshalFlow(fields)
	case protocol.DescriptorTransfer:
		return unmarshalTransfer(fields, dec.Remaining())
	case protocol.DescriptorDisposition:
		return unmarshalDisposition(fields)
	case protocol.DescriptorDetach:
		return unmarshalDetach(fields)
	case protocol.DescriptorEnd:
		d := fieldDecoder{fields: fields, name: "end"}
		e := &End{Error: d.amqpError(0)}
		return e, d.err
	case protocol.DescriptorClose:
		d := fieldDecoder{fields: fields, name: "close"}
		c := &Close{Error: d.amqpError(0)}
		return c, d.err
	default:
		return nil, fmt.Errorf("unknown performative descriptor 0x%02x", code)
	}
}

// TransferOverhead returns the encoded size of t without its payload, plus
// the frame header
func TransferOverhead(t *Transfer) (int, error) {
	payload := t.Payload
	t.Payload = nil
	defer func() { t.Payload = payload }()

	var buf bytes.Buffer
	if err := t.marshal(&buf); err != nil {
		return 0, err
	}
	return protocol.FrameHeaderSize + buf.Len(), nil
}
