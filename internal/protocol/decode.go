package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrShortBuffer is returned when a value runs past the end of the input
var ErrShortBuffer = errors.New("amqp: short buffer")

// Decoder reads AMQP encoded values from a byte slice
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder creates a decoder over b
func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// Len returns the number of unread bytes
func (d *Decoder) Len() int {
	return len(d.buf) - d.off
}

// Remaining returns the unread bytes without consuming them
func (d *Decoder) Remaining() []byte {
	return d.buf[d.off:]
}

func (d *Decoder) next(n int) ([]byte, error) {
	if n < 0 || d.Len() < n {
		return nil, ErrShortBuffer
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *Decoder) readByte() (byte, error) {
	b, err := d.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) readUint16() (uint16, error) {
	b, err := d.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *Decoder) readUint32() (uint32, error) {
	b, err := d.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *Decoder) readUint64() (uint64, error) {
	b, err := d.next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// PeekDescribed reports whether the next value is a described type
func (d *Decoder) PeekDescribed() bool {
	return d.Len() > 0 && d.buf[d.off] == TypeDescribed
}

// ReadDescribedList reads a described list and returns its numeric
// descriptor and field values. Absent trailing fields are not padded.
func (d *Decoder) ReadDescribedList() (uint64, []any, error) {
	v, err := d.ReadValue()
	if err != nil {
		return 0, nil, err
	}
	desc, ok := v.(*Described)
	if !ok {
		return 0, nil, fmt.Errorf("expected described type, got %T", v)
	}
	code, ok := desc.Descriptor.(uint64)
	if !ok {
		return 0, nil, fmt.Errorf("unsupported descriptor %v", desc.Descriptor)
	}
	if desc.Value == nil {
		return code, nil, nil
	}
	fields, ok := desc.Value.([]any)
	if !ok {
		return 0, nil, fmt.Errorf("descriptor 0x%02x: expected list body, got %T", code, desc.Value)
	}
	return code, fields, nil
}

// ReadValue reads the next value including its constructor
func (d *Decoder) ReadValue() (any, error) {
	code, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if code == TypeDescribed {
		descriptor, err := d.ReadValue()
		if err != nil {
			return nil, fmt.Errorf("descriptor: %w", err)
		}
		value, err := d.ReadValue()
		if err != nil {
			return nil, fmt.Errorf("described value: %w", err)
		}
		return &Described{Descriptor: descriptor, Value: value}, nil
	}
	return d.readWithCode(code)
}

func (d *Decoder) readWithCode(code byte) (any, error) {
	switch code {
	case TypeNull:
		return nil, nil
	case TypeBoolTrue:
		return true, nil
	case TypeBoolFalse:
		return false, nil
	case TypeBool:
		b, err := d.readByte()
		return b != 0, err
	case TypeUbyte:
		return d.readByte()
	case TypeUshort:
		return d.readUint16()
	case TypeUint0:
		return uint32(0), nil
	case TypeSmallUint:
		b, err := d.readByte()
		return uint32(b), err
	case TypeUint:
		return d.readUint32()
	case TypeUlong0:
		return uint64(0), nil
	case TypeSmallUlong:
		b, err := d.readByte()
		return uint64(b), err
	case TypeUlong:
		return d.readUint64()
	case TypeByte:
		b, err := d.readByte()
		return int8(b), err
	case TypeShort:
		v, err := d.readUint16()
		return int16(v), err
	case TypeSmallInt:
		b, err := d.readByte()
		return int32(int8(b)), err
	case TypeInt:
		v, err := d.readUint32()
		return int32(v), err
	case TypeSmallLong:
		b, err := d.readByte()
		return int64(int8(b)), err
	case TypeLong:
		v, err := d.readUint64()
		return int64(v), err
	case TypeFloat:
		v, err := d.readUint32()
		return math.Float32frombits(v), err
	case TypeDouble:
		v, err := d.readUint64()
		return math.Float64frombits(v), err
	case TypeChar:
		v, err := d.readUint32()
		return Char(v), err
	case TypeTimestamp:
		v, err := d.readUint64()
		return time.UnixMilli(int64(v)).UTC(), err
	case TypeUUID:
		b, err := d.next(16)
		if err != nil {
			return nil, err
		}
		var u UUID
		copy(u[:], b)
		return u, nil
	case TypeVbin8, TypeVbin32:
		b, err := d.readVariable(code == TypeVbin32)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), b...), nil
	case TypeStr8, TypeStr32:
		b, err := d.readVariable(code == TypeStr32)
		return string(b), err
	case TypeSym8, TypeSym32:
		b, err := d.readVariable(code == TypeSym32)
		return Symbol(b), err
	case TypeList0:
		return []any{}, nil
	case TypeList8, TypeList32:
		return d.readCompound(code == TypeList32)
	case TypeMap8, TypeMap32:
		items, err := d.readCompound(code == TypeMap32)
		if err != nil {
			return nil, err
		}
		if len(items)%2 != 0 {
			return nil, fmt.Errorf("map with odd element count %d", len(items))
		}
		m := make(map[any]any, len(items)/2)
		for i := 0; i < len(items); i += 2 {
			k := items[i]
			switch k.(type) {
			case []any, map[any]any, []byte, *Described:
				return nil, fmt.Errorf("unsupported map key type %T", k)
			}
			m[k] = items[i+1]
		}
		return m, nil
	case TypeArray8, TypeArray32:
		return d.readArray(code == TypeArray32)
	default:
		return nil, fmt.Errorf("unknown type constructor 0x%02x", code)
	}
}

func (d *Decoder) readVariable(wide bool) ([]byte, error) {
	var n int
	if wide {
		v, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		n = int(v)
	} else {
		v, err := d.readByte()
		if err != nil {
			return nil, err
		}
		n = int(v)
	}
	return d.next(n)
}

// readSizeCount reads the size and count prefix shared by lists, maps and arrays
func (d *Decoder) readSizeCount(wide bool) (int, int, error) {
	if wide {
		size, err := d.readUint32()
		if err != nil {
			return 0, 0, err
		}
		count, err := d.readUint32()
		if err != nil {
			return 0, 0, err
		}
		if int(size) < 4 || d.Len() < int(size)-4 {
			return 0, 0, ErrShortBuffer
		}
		return int(size) - 4, int(count), nil
	}
	size, err := d.readByte()
	if err != nil {
		return 0, 0, err
	}
	count, err := d.readByte()
	if err != nil {
		return 0, 0, err
	}
	if size < 1 || d.Len() < int(size)-1 {
		return 0, 0, ErrShortBuffer
	}
	return int(size) - 1, int(count), nil
}

func (d *Decoder) readCompound(wide bool) ([]any, error) {
	size, count, err := d.readSizeCount(wide)
	if err != nil {
		return nil, err
	}
	// every element needs at least one constructor byte
	if count > size {
		return nil, fmt.Errorf("compound count %d exceeds size %d", count, size)
	}
	body, _ := d.next(size)
	sub := NewDecoder(body)
	items := make([]any, 0, count)
	for i := 0; i < count; i++ {
		v, err := sub.ReadValue()
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		items = append(items, v)
	}
	return items, nil
}

func (d *Decoder) readArray(wide bool) ([]any, error) {
	size, count, err := d.readSizeCount(wide)
	if err != nil {
		return nil, err
	}
	body, _ := d.next(size)
	sub := NewDecoder(body)

	code, err := sub.readByte()
	if err != nil {
		return nil, err
	}
	var descriptor any
	if code == TypeDescribed {
		if descriptor, err = sub.ReadValue(); err != nil {
			return nil, err
		}
		if code, err = sub.readByte(); err != nil {
			return nil, err
		}
	}

	items := make([]any, 0, min(count, sub.Len()+1))
	for i := 0; i < count; i++ {
		v, err := sub.readWithCode(code)
		if err != nil {
			return nil, fmt.Errorf("array element %d: %w", i, err)
		}
		if descriptor != nil {
			v = &Described{Descriptor: descriptor, Value: v}
		}
		items = append(items, v)
	}
	return items, nil
}
