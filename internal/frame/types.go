package frame

import (
	"bytes"
	"fmt"

	"github.com/israelio/amqp10-go-client/internal/protocol"
)

// Role identifies the direction of a link endpoint
type Role bool

// Link roles
const (
	RoleSender   Role = false
	RoleReceiver Role = true
)

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

// SenderSettleMode is the settlement policy of a sending link
type SenderSettleMode uint8

// Sender settle modes
const (
	SenderSettleModeUnsettled SenderSettleMode = 0
	SenderSettleModeSettled   SenderSettleMode = 1
	SenderSettleModeMixed     SenderSettleMode = 2
)

func (m SenderSettleMode) String() string {
	switch m {
	case SenderSettleModeUnsettled:
		return "unsettled"
	case SenderSettleModeSettled:
		return "settled"
	case SenderSettleModeMixed:
		return "mixed"
	default:
		return fmt.Sprintf("SenderSettleMode(%d)", uint8(m))
	}
}

// ReceiverSettleMode is the settlement policy of a receiving link
type ReceiverSettleMode uint8

// Receiver settle modes
const (
	ReceiverSettleModeFirst  ReceiverSettleMode = 0
	ReceiverSettleModeSecond ReceiverSettleMode = 1
)

func (m ReceiverSettleMode) String() string {
	switch m {
	case ReceiverSettleModeFirst:
		return "first"
	case ReceiverSettleModeSecond:
		return "second"
	default:
		return fmt.Sprintf("ReceiverSettleMode(%d)", uint8(m))
	}
}

// Error is the AMQP error composite carried by Detach, End, Close and
// Rejected
type Error struct {
	Condition   protocol.Symbol
	Description string
	Info        protocol.Fields
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Condition)
	}
	return fmt.Sprintf("%s: %s", e.Condition, e.Description)
}

// MarshalAMQP implements protocol.Marshaler
func (e *Error) MarshalAMQP(buf *bytes.Buffer) error {
	return protocol.WriteDescribedList(buf, protocol.DescriptorError,
		e.Condition,
		optString(e.Description),
		e.Info,
	)
}

func unmarshalError(v any) (*Error, error) {
	if v == nil {
		return nil, nil
	}
	fields, err := describedFields(v, protocol.DescriptorError)
	if err != nil {
		return nil, err
	}
	e := &Error{}
	if e.Condition, err = protocol.ToSymbol(field(fields, 0)); err != nil {
		return nil, fmt.Errorf("error condition: %w", err)
	}
	if e.Description, err = protocol.ToString(field(fields, 1)); err != nil {
		return nil, fmt.Errorf("error description: %w", err)
	}
	if e.Info, err = protocol.ToFields(field(fields, 2)); err != nil {
		return nil, fmt.Errorf("error info: %w", err)
	}
	return e, nil
}

// Source describes the node a link consumes from
type Source struct {
	Address               string
	Durable               uint32
	ExpiryPolicy          protocol.Symbol
	Timeout               uint32
	Dynamic               bool
	DynamicNodeProperties protocol.Fields
	DistributionMode      protocol.Symbol
	Filter                protocol.Fields
	DefaultOutcome        DeliveryState
	Outcomes              []protocol.Symbol
	Capabilities          []protocol.Symbol
}

// MarshalAMQP implements protocol.Marshaler
func (s *Source) MarshalAMQP(buf *bytes.Buffer) error {
	return protocol.WriteDescribedList(buf, protocol.DescriptorSource,
		optString(s.Address),
		optUint(s.Durable),
		optSymbol(s.ExpiryPolicy),
		optUint(s.Timeout),
		optBool(s.Dynamic),
		s.DynamicNodeProperties,
		optSymbol(s.DistributionMode),
		s.Filter,
		s.DefaultOutcome,
		s.Outcomes,
		s.Capabilities,
	)
}

func unmarshalSource(v any) (*Source, error) {
	if v == nil {
		return nil, nil
	}
	fields, err := describedFields(v, protocol.DescriptorSource)
	if err != nil {
		return nil, err
	}
	s := &Source{}
	d := fieldDecoder{fields: fields, name: "source"}
	s.Address = d.string(0)
	s.Durable = d.uint32(1, 0)
	s.ExpiryPolicy = d.symbol(2)
	s.Timeout = d.uint32(3, 0)
	s.Dynamic = d.bool(4)
	s.DynamicNodeProperties = d.fieldMap(5)
	s.DistributionMode = d.symbol(6)
	s.Filter = d.fieldMap(7)
	s.DefaultOutcome = d.deliveryState(8)
	s.Outcomes = d.symbols(9)
	s.Capabilities = d.symbols(10)
	return s, d.err
}

// Target describes the node a link produces to
type Target struct {
	Address               string
	Durable               uint32
	ExpiryPolicy          protocol.Symbol
	Timeout               uint32
	Dynamic               bool
	DynamicNodeProperties protocol.Fields
	Capabilities          []protocol.Symbol
}

// MarshalAMQP implements protocol.Marshaler
func (t *Target) MarshalAMQP(buf *bytes.Buffer) error {
	return protocol.WriteDescribedList(buf, protocol.DescriptorTarget,
		optString(t.Address),
		optUint(t.Durable),
		optSymbol(t.ExpiryPolicy),
		optUint(t.Timeout),
		optBool(t.Dynamic),
		t.DynamicNodeProperties,
		t.Capabilities,
	)
}

func unmarshalTarget(v any) (*Target, error) {
	if v == nil {
		return nil, nil
	}
	fields, err := describedFields(v, protocol.DescriptorTarget)
	if err != nil {
		return nil, err
	}
	t := &Target{}
	d := fieldDecoder{fields: fields, name: "target"}
	t.Address = d.string(0)
	t.Durable = d.uint32(1, 0)
	t.ExpiryPolicy = d.symbol(2)
	t.Timeout = d.uint32(3, 0)
	t.Dynamic = d.bool(4)
	t.DynamicNodeProperties = d.fieldMap(5)
	t.Capabilities = d.symbols(6)
	return t, d.err
}

// DeliveryState is the outcome or interim state of a delivery
type DeliveryState interface {
	protocol.Marshaler
	deliveryState()
}

// Received is the interim state reporting partial receipt
type Received struct {
	SectionNumber uint32
	SectionOffset uint64
}

// Accepted is the terminal outcome for a successfully processed delivery
type Accepted struct{}

// Rejected is the terminal outcome for an invalid delivery
type Rejected struct {
	Error *Error
}

// Released is the terminal outcome for a delivery that was not processed
type Released struct{}

// Modified is the terminal outcome for a delivery returned with changes
type Modified struct {
	DeliveryFailed     bool
	UndeliverableHere  bool
	MessageAnnotations protocol.Fields
}

func (*Received) deliveryState() {}
func (*Accepted) deliveryState() {}
func (*Rejected) deliveryState() {}
func (*Released) deliveryState() {}
func (*Modified) deliveryState() {}

// MarshalAMQP implements protocol.Marshaler
func (r *Received) MarshalAMQP(buf *bytes.Buffer) error {
	return protocol.WriteDescribedList(buf, protocol.DescriptorReceived, r.SectionNumber, r.SectionOffset)
}

// MarshalAMQP implements protocol.Marshaler
func (*Accepted) MarshalAMQP(buf *bytes.Buffer) error {
	return protocol.WriteDescribedList(buf, protocol.DescriptorAccepted)
}

// MarshalAMQP implements protocol.Marshaler
func (r *Rejected) MarshalAMQP(buf *bytes.Buffer) error {
	return protocol.WriteDescribedList(buf, protocol.DescriptorRejected, r.Error)
}

// MarshalAMQP implements protocol.Marshaler
func (*Released) MarshalAMQP(buf *bytes.Buffer) error {
	return protocol.WriteDescribedList(buf, protocol.DescriptorReleased)
}

// MarshalAMQP implements protocol.Marshaler
func (m *Modified) MarshalAMQP(buf *bytes.Buffer) error {
	return protocol.WriteDescribedList(buf, protocol.DescriptorModified,
		optBool(m.DeliveryFailed),
		optBool(m.UndeliverableHere),
		m.MessageAnnotations,
	)
}

func unmarshalDeliveryState(v any) (DeliveryState, error) {
	if v == nil {
		return nil, nil
	}
	desc, ok := v.(*protocol.Described)
	if !ok {
		return nil, fmt.Errorf("delivery state: expected described type, got %T", v)
	}
	code, ok := desc.Descriptor.(uint64)
	if !ok {
		return nil, fmt.Errorf("delivery state: unsupported descriptor %v", desc.Descriptor)
	}
	fields, err := describedFields(v, code)
	if err != nil {
		return nil, err
	}
	d := fieldDecoder{fields: fields, name: "delivery state"}

	switch code {
	case protocol.DescriptorReceived:
		r := &Received{SectionNumber: d.uint32(0, 0), SectionOffset: d.uint64(1, 0)}
		return r, d.err
	case protocol.DescriptorAccepted:
		return &Accepted{}, nil
	case protocol.DescriptorRejected:
		e, err := unmarshalError(field(fields, 0))
		if err != nil {
			return nil, err
		}
		return &Rejected{Error: e}, nil
	case protocol.DescriptorReleased:
		return &Released{}, nil
	case protocol.DescriptorModified:
		m := &Modified{
			DeliveryFailed:     d.bool(0),
			UndeliverableHere:  d.bool(1),
			MessageAnnotations: d.fieldMap(2),
		}
		return m, d.err
	default:
		return nil, fmt.Errorf("unknown delivery state descriptor 0x%02x", code)
	}
}

// IsTerminal reports whether s settles a delivery for good
func IsTerminal(s DeliveryState) bool {
	switch s.(type) {
	case *Accepted, *Rejected, *Released, *Modified:
		return true
	default:
		return false
	}
}
