package frame

import (
	"fmt"
	"time"

	"github.com/israelio/amqp10-go-client/internal/protocol"
)

func field(fields []any, i int) any {
	if i < len(fields) {
		return fields[i]
	}
	return nil
}

func describedFields(v any, code uint64) ([]any, error) {
	desc, ok := v.(*protocol.Described)
	if !ok {
		return nil, fmt.Errorf("expected described type 0x%02x, got %T", code, v)
	}
	if got, ok := desc.Descriptor.(uint64); !ok || got != code {
		return nil, fmt.Errorf("expected descriptor 0x%02x, got %v", code, desc.Descriptor)
	}
	switch body := desc.Value.(type) {
	case nil:
		return nil, nil
	case []any:
		return body, nil
	default:
		return nil, fmt.Errorf("descriptor 0x%02x: expected list body, got %T", code, desc.Value)
	}
}

// Absent values are written as null so trailing defaults can be dropped.

func optString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func optSymbol(s protocol.Symbol) any {
	if s == "" {
		return nil
	}
	return s
}

func optUint(v uint32) any {
	if v == 0 {
		return nil
	}
	return v
}

func optUlong(v uint64) any {
	if v == 0 {
		return nil
	}
	return v
}

func optBool(b bool) any {
	if !b {
		return nil
	}
	return true
}

func optMilliseconds(d time.Duration) any {
	if d <= 0 {
		return nil
	}
	return protocol.Milliseconds(d)
}

// fieldDecoder converts positional list fields and keeps the first error
type fieldDecoder struct {
	fields []any
	name   string
	err    error
}

func (d *fieldDecoder) fail(i int, err error) {
	if d.err == nil {
		d.err = fmt.Errorf("%s field %d: %w", d.name, i, err)
	}
}

func (d *fieldDecoder) present(i int) bool {
	return field(d.fields, i) != nil
}

func (d *fieldDecoder) uint64(i int, def uint64) uint64 {
	v := field(d.fields, i)
	if v == nil {
		return def
	}
	n, err := protocol.ToUint64(v)
	if err != nil {
		d.fail(i, err)
	}
	return n
}

func (d *fieldDecoder) uint32(i int, def uint32) uint32 {
	v := field(d.fields, i)
	if v == nil {
		return def
	}
	n, err := protocol.ToUint32(v)
	if err != nil {
		d.fail(i, err)
	}
	return n
}

func (d *fieldDecoder) uint32Ptr(i int) *uint32 {
	if !d.present(i) {
		return nil
	}
	n := d.uint32(i, 0)
	return &n
}

func (d *fieldDecoder) uint16(i int, def uint16) uint16 {
	v := field(d.fields, i)
	if v == nil {
		return def
	}
	n, err := protocol.ToUint16(v)
	if err != nil {
		d.fail(i, err)
	}
	return n
}

func (d *fieldDecoder) uint8(i int, def uint8) uint8 {
	v := field(d.fields, i)
	if v == nil {
		return def
	}
	n, err := protocol.ToUint8(v)
	if err != nil {
		d.fail(i, err)
	}
	return n
}

func (d *fieldDecoder) bool(i int) bool {
	b, err := protocol.ToBool(field(d.fields, i))
	if err != nil {
		d.fail(i, err)
	}
	return b
}

func (d *fieldDecoder) string(i int) string {
	s, err := protocol.ToString(field(d.fields, i))
	if err != nil {
		d.fail(i, err)
	}
	return s
}

func (d *fieldDecoder) symbol(i int) protocol.Symbol {
	s, err := protocol.ToSymbol(field(d.fields, i))
	if err != nil {
		d.fail(i, err)
	}
	return s
}

func (d *fieldDecoder) symbols(i int) []protocol.Symbol {
	s, err := protocol.ToSymbols(field(d.fields, i))
	if err != nil {
		d.fail(i, err)
	}
	return s
}

func (d *fieldDecoder) binary(i int) []byte {
	b, err := protocol.ToBinary(field(d.fields, i))
	if err != nil {
		d.fail(i, err)
	}
	return b
}

func (d *fieldDecoder) fieldMap(i int) protocol.Fields {
	f, err := protocol.ToFields(field(d.fields, i))
	if err != nil {
		d.fail(i, err)
	}
	return f
}

func (d *fieldDecoder) milliseconds(i int) time.Duration {
	ms, err := protocol.ToMilliseconds(field(d.fields, i))
	if err != nil {
		d.fail(i, err)
	}
	return ms
}

func (d *fieldDecoder) deliveryState(i int) DeliveryState {
	s, err := unmarshalDeliveryState(field(d.fields, i))
	if err != nil {
		d.fail(i, err)
	}
	return s
}

func (d *fieldDecoder) amqpError(i int) *Error {
	e, err := unmarshalError(field(d.fields, i))
	if err != nil {
		d.fail(i, err)
	}
	return e
}
