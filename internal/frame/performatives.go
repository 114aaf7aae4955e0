package frame

import (
	"bytes"
	"fmt"
	"time"

	"github.com/israelio/amqp10-go-client/internal/protocol"
)

// Kind identifies the body carried by a frame
type Kind uint8

// Frame body kinds
const (
	KindEmpty Kind = iota
	KindHeader
	KindOpen
	KindBegin
	KindAttach
	KindFlow
	KindTransfer
	KindDisposition
	KindDetach
	KindEnd
	KindClose
)

var kindNames = [...]string{
	KindEmpty:       "Empty",
	KindHeader:      "Header",
	KindOpen:        "Open",
	KindBegin:       "Begin",
	KindAttach:      "Attach",
	KindFlow:        "Flow",
	KindTransfer:    "Transfer",
	KindDisposition: "Disposition",
	KindDetach:      "Detach",
	KindEnd:         "End",
	KindClose:       "Close",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Performative is the closed set of frame bodies. The unexported method keeps
// the set limited to the types in this package.
type Performative interface {
	Kind() Kind
	marshal(buf *bytes.Buffer) error
}

// ProtocolHeader is the 8 byte preamble exchanged before any frame
type ProtocolHeader struct {
	ProtocolID uint8
	Major      uint8
	Minor      uint8
	Revision   uint8
}

// AMQPHeader is the header for plain AMQP 1.0.0
var AMQPHeader = ProtocolHeader{
	ProtocolID: protocol.ProtocolIDAMQP,
	Major:      protocol.ProtocolVersionMajor,
	Minor:      protocol.ProtocolVersionMinor,
	Revision:   protocol.ProtocolVersionRevision,
}

// Kind implements Performative
func (*ProtocolHeader) Kind() Kind { return KindHeader }

func (h *ProtocolHeader) marshal(buf *bytes.Buffer) error {
	buf.WriteString("AMQP")
	buf.Write([]byte{h.ProtocolID, h.Major, h.Minor, h.Revision})
	return nil
}

func (h ProtocolHeader) String() string {
	return fmt.Sprintf("AMQP %d %d.%d.%d", h.ProtocolID, h.Major, h.Minor, h.Revision)
}

// Open negotiates connection parameters
type Open struct {
	ContainerID         string
	Hostname            string
	MaxFrameSize        uint32
	ChannelMax          uint16
	IdleTimeout         time.Duration
	OutgoingLocales     []protocol.Symbol
	IncomingLocales     []protocol.Symbol
	OfferedCapabilities []protocol.Symbol
	DesiredCapabilities []protocol.Symbol
	Properties          protocol.Fields
}

// Kind implements Performative
func (*Open) Kind() Kind { return KindOpen }

func (o *Open) marshal(buf *bytes.Buffer) error {
	return protocol.WriteDescribedList(buf, protocol.DescriptorOpen,
		o.ContainerID,
		optString(o.Hostname),
		o.MaxFrameSize,
		o.ChannelMax,
		optMilliseconds(o.IdleTimeout),
		o.OutgoingLocales,
		o.IncomingLocales,
		o.OfferedCapabilities,
		o.DesiredCapabilities,
		o.Properties,
	)
}

func unmarshalOpen(fields []any) (*Open, error) {
	d := fieldDecoder{fields: fields, name: "open"}
	o := &Open{
		ContainerID:         d.string(0),
		Hostname:            d.string(1),
		MaxFrameSize:        d.uint32(2, protocol.MaxFrameSizeUnlimited),
		ChannelMax:          d.uint16(3, protocol.DefaultChannelMax),
		IdleTimeout:         d.milliseconds(4),
		OutgoingLocales:     d.symbols(5),
		IncomingLocales:     d.symbols(6),
		OfferedCapabilities: d.symbols(7),
		DesiredCapabilities: d.symbols(8),
		Properties:          d.fieldMap(9),
	}
	if d.err == nil && !d.present(0) {
		d.err = fmt.Errorf("open: container-id is mandatory")
	}
	return o, d.err
}

// Begin maps a session onto a channel
type Begin struct {
	RemoteChannel       *uint16
	NextOutgoingID      uint32
	IncomingWindow      uint32
	OutgoingWindow      uint32
	HandleMax           uint32
	OfferedCapabilities []protocol.Symbol
	DesiredCapabilities []protocol.Symbol
	Properties          protocol.Fields
}

// Kind implements Performative
func (*Begin) Kind() Kind { return KindBegin }

func (b *Begin) marshal(buf *bytes.Buffer) error {
	return protocol.WriteDescribedList(buf, protocol.DescriptorBegin,
		b.RemoteChannel,
		b.NextOutgoingID,
		b.IncomingWindow,
		b.OutgoingWindow,
		b.HandleMax,
		b.OfferedCapabilities,
		b.DesiredCapabilities,
		b.Properties,
	)
}

func unmarshalBegin(fields []any) (*Begin, error) {
	d := fieldDecoder{fields: fields, name: "begin"}
	b := &Begin{
		NextOutgoingID:      d.uint32(1, 0),
		IncomingWindow:      d.uint32(2, 0),
		OutgoingWindow:      d.uint32(3, 0),
		HandleMax:           d.uint32(4, protocol.DefaultHandleMax),
		OfferedCapabilities: d.symbols(5),
		DesiredCapabilities: d.symbols(6),
		Properties:          d.fieldMap(7),
	}
	if d.present(0) {
		ch := d.uint16(0, 0)
		b.RemoteChannel = &ch
	}
	return b, d.err
}

// Attach attaches a link endpoint to a session
type Attach struct {
	Name                 string
	Handle               uint32
	Role                 Role
	SenderSettleMode     SenderSettleMode
	ReceiverSettleMode   ReceiverSettleMode
	Source               *Source
	Target               *Target
	Unsettled            map[any]any
	IncompleteUnsettled  bool
	InitialDeliveryCount *uint32
	MaxMessageSize       uint64
	OfferedCapabilities  []protocol.Symbol
	DesiredCapabilities  []protocol.Symbol
	Properties           protocol.Fields
}

// Kind implements Performative
func (*Attach) Kind() Kind { return KindAttach }

func (a *Attach) marshal(buf *bytes.Buffer) error {
	return protocol.WriteDescribedList(buf, protocol.DescriptorAttach,
		a.Name,
		a.Handle,
		bool(a.Role),
		uint8(a.SenderSettleMode),
		uint8(a.ReceiverSettleMode),
		a.Source,
		a.Target,
		a.Unsettled,
		optBool(a.IncompleteUnsettled),
		a.InitialDeliveryCount,
		optUlong(a.MaxMessageSize),
		a.OfferedCapabilities,
		a.DesiredCapabilities,
		a.Properties,
	)
}

func unmarshalAttach(fields []any) (*Attach, error) {
	d := fieldDecoder{fields: fields, name: "attach"}
	a := &Attach{
		Name:                 d.string(0),
		Handle:               d.uint32(1, 0),
		Role:                 Role(d.bool(2)),
		SenderSettleMode:     SenderSettleMode(d.uint8(3, uint8(SenderSettleModeMixed))),
		ReceiverSettleMode:   ReceiverSettleMode(d.uint8(4, uint8(ReceiverSettleModeFirst))),
		IncompleteUnsettled:  d.bool(8),
		InitialDeliveryCount: d.uint32Ptr(9),
		MaxMessageSize:       d.uint64(10, 0),
		OfferedCapabilities:  d.symbols(11),
		DesiredCapabilities:  d.symbols(12),
		Properties:           d.fieldMap(13),
	}
	if d.err != nil {
		return nil, d.err
	}

	var err error
	if a.Source, err = unmarshalSource(field(fields, 5)); err != nil {
		return nil, fmt.Errorf("attach: %w", err)
	}
	if a.Target, err = unmarshalTarget(field(fields, 6)); err != nil {
		return nil, fmt.Errorf("attach: %w", err)
	}
	if u, ok := field(fields, 7).(map[any]any); ok {
		a.Unsettled = u
	}
	return a, nil
}

// Flow updates session windows and, when Handle is set, link credit
type Flow struct {
	NextIncomingID *uint32
	IncomingWindow uint32
	NextOutgoingID uint32
	OutgoingWindow uint32
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
	Properties     protocol.Fields
}

// Kind implements Performative
func (*Flow) Kind() Kind { return KindFlow }

func (f *Flow) marshal(buf *bytes.Buffer) error {
	return protocol.WriteDescribedList(buf, protocol.DescriptorFlow,
		f.NextIncomingID,
		f.IncomingWindow,
		f.NextOutgoingID,
		f.OutgoingWindow,
		f.Handle,
		f.DeliveryCount,
		f.LinkCredit,
		f.Available,
		optBool(f.Drain),
		optBool(f.Echo),
		f.Properties,
	)
}

func unmarshalFlow(fields []any) (*Flow, error) {
	d := fieldDecoder{fields: fields, name: "flow"}
	f := &Flow{
		NextIncomingID: d.uint32Ptr(0),
		IncomingWindow: d.uint32(1, 0),
		NextOutgoingID: d.uint32(2, 0),
		OutgoingWindow: d.uint32(3, 0),
		Handle:         d.uint32Ptr(4),
		DeliveryCount:  d.uint32Ptr(5),
		LinkCredit:     d.uint32Ptr(6),
		Available:      d.uint32Ptr(7),
		Drain:          d.bool(8),
		Echo:           d.bool(9),
		Properties:     d.fieldMap(10),
	}
	return f, d.err
}

// Transfer carries one frame worth of a delivery. Payload holds the message
// bytes that follow the performative in the frame body.
type Transfer struct {
	Handle             uint32
	DeliveryID         *uint32
	DeliveryTag        []byte
	MessageFormat      *uint32
	Settled            bool
	More               bool
	ReceiverSettleMode *ReceiverSettleMode
	State              DeliveryState
	Resume             bool
	Aborted            bool
	Batchable          bool
	Payload            []byte
}

// Kind implements Performative
func (*Transfer) Kind() Kind { return KindTransfer }

func (t *Transfer) marshal(buf *bytes.Buffer) error {
	var rsm any
	if t.ReceiverSettleMode != nil {
		rsm = uint8(*t.ReceiverSettleMode)
	}
	err := protocol.WriteDescribedList(buf, protocol.DescriptorTransfer,
		t.Handle,
		t.DeliveryID,
		t.DeliveryTag,
		t.MessageFormat,
		optBool(t.Settled),
		optBool(t.More),
		rsm,
		t.State,
		optBool(t.Resume),
		optBool(t.Aborted),
		optBool(t.Batchable),
	)
	if err != nil {
		return err
	}
	buf.Write(t.Payload)
	return nil
}

func unmarshalTransfer(fields []any, payload []byte) (*Transfer, error) {
	d := fieldDecoder{fields: fields, name: "transfer"}
	t := &Transfer{
		Handle:        d.uint32(0, 0),
		DeliveryID:    d.uint32Ptr(1),
		DeliveryTag:   d.binary(2),
		MessageFormat: d.uint32Ptr(3),
		Settled:       d.bool(4),
		More:          d.bool(5),
		State:         d.deliveryState(7),
		Resume:        d.bool(8),
		Aborted:       d.bool(9),
		Batchable:     d.bool(10),
	}
	if d.present(6) {
		m := ReceiverSettleMode(d.uint8(6, 0))
		t.ReceiverSettleMode = &m
	}
	if len(payload) > 0 {
		t.Payload = append([]byte(nil), payload...)
	}
	return t, d.err
}

// Disposition settles or updates the state of a range of deliveries
type Disposition struct {
	Role      Role
	First     uint32
	Last      *uint32
	Settled   bool
	State     DeliveryState
	Batchable bool
}

// Kind implements Performative
func (*Disposition) Kind() Kind { return KindDisposition }

func (d *Disposition) marshal(buf *bytes.Buffer) error {
	return protocol.WriteDescribedList(buf, protocol.DescriptorDisposition,
		bool(d.Role),
		d.First,
		d.Last,
		optBool(d.Settled),
		d.State,
		optBool(d.Batchable),
	)
}

func unmarshalDisposition(fields []any) (*Disposition, error) {
	d := fieldDecoder{fields: fields, name: "disposition"}
	disp := &Disposition{
		Role:      Role(d.bool(0)),
		First:     d.uint32(1, 0),
		Last:      d.uint32Ptr(2),
		Settled:   d.bool(3),
		State:     d.deliveryState(4),
		Batchable: d.bool(5),
	}
	return disp, d.err
}

// LastID returns the inclusive end of the disposition range
func (d *Disposition) LastID() uint32 {
	if d.Last == nil {
		return d.First
	}
	return *d.Last
}

// Detach detaches a link endpoint, optionally closing the link
type Detach struct {
	Handle uint32
	Closed bool
	Error  *Error
}

// Kind implements Performative
func (*Detach) Kind() Kind { return KindDetach }

func (d *Detach) marshal(buf *bytes.Buffer) error {
	return protocol.WriteDescribedList(buf, protocol.DescriptorDetach, d.Handle, optBool(d.Closed), d.Error)
}

func unmarshalDetach(fields []any) (*Detach, error) {
	d := fieldDecoder{fields: fields, name: "detach"}
	det := &Detach{
		Handle: d.uint32(0, 0),
		Closed: d.bool(1),
		Error:  d.amqpError(2),
	}
	return det, d.err
}

// End unmaps a session
type End struct {
	Error *Error
}

// Kind implements Performative
func (*End) Kind() Kind { return KindEnd }

func (e *End) marshal(buf *bytes.Buffer) error {
	return protocol.WriteDescribedList(buf, protocol.DescriptorEnd, e.Error)
}

// Close closes the connection
type Close struct {
	Error *Error
}

// Kind implements Performative
func (*Close) Kind() Kind { return KindClose }

func (c *Close) marshal(buf *bytes.Buffer) error {
	return protocol.WriteDescribedList(buf, protocol.DescriptorClose, c.Error)
}
