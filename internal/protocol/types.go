package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"time"
	"unicode/utf8"
)

// Symbol is an AMQP symbolic value (ASCII)
type Symbol string

// Fields is an AMQP map keyed by symbols
type Fields map[Symbol]any

// UUID is an AMQP 16 byte universally unique identifier
type UUID [16]byte

// Char is a single unicode code point encoded as UTF-32BE
type Char rune

// Described is a value carrying a descriptor. Descriptor is either a uint64
// code or a Symbol.
type Described struct {
	Descriptor any
	Value      any
}

// Marshaler is implemented by composite types that encode themselves
type Marshaler interface {
	MarshalAMQP(buf *bytes.Buffer) error
}

// WriteNull writes the null constructor
func WriteNull(buf *bytes.Buffer) {
	buf.WriteByte(TypeNull)
}

// WriteBool writes a boolean using the compact constructors
func WriteBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(TypeBoolTrue)
		return
	}
	buf.WriteByte(TypeBoolFalse)
}

// WriteUbyte writes an unsigned byte
func WriteUbyte(buf *bytes.Buffer, v uint8) {
	buf.WriteByte(TypeUbyte)
	buf.WriteByte(v)
}

// WriteUshort writes an unsigned short
func WriteUshort(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(TypeUshort)
	buf.Write(binary.BigEndian.AppendUint16(nil, v))
}

// WriteUint writes an unsigned int in its smallest encoding
func WriteUint(buf *bytes.Buffer, v uint32) {
	switch {
	case v == 0:
		buf.WriteByte(TypeUint0)
	case v < 256:
		buf.WriteByte(TypeSmallUint)
		buf.WriteByte(byte(v))
	default:
		buf.WriteByte(TypeUint)
		buf.Write(binary.BigEndian.AppendUint32(nil, v))
	}
}

// WriteUlong writes an unsigned long in its smallest encoding
func WriteUlong(buf *bytes.Buffer, v uint64) {
	switch {
	case v == 0:
		buf.WriteByte(TypeUlong0)
	case v < 256:
		buf.WriteByte(TypeSmallUlong)
		buf.WriteByte(byte(v))
	default:
		buf.WriteByte(TypeUlong)
		buf.Write(binary.BigEndian.AppendUint64(nil, v))
	}
}

// WriteInt writes a signed int in its smallest encoding
func WriteInt(buf *bytes.Buffer, v int32) {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		buf.WriteByte(TypeSmallInt)
		buf.WriteByte(byte(int8(v)))
		return
	}
	buf.WriteByte(TypeInt)
	buf.Write(binary.BigEndian.AppendUint32(nil, uint32(v)))
}

// WriteLong writes a signed long in its smallest encoding
func WriteLong(buf *bytes.Buffer, v int64) {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		buf.WriteByte(TypeSmallLong)
		buf.WriteByte(byte(int8(v)))
		return
	}
	buf.WriteByte(TypeLong)
	buf.Write(binary.BigEndian.AppendUint64(nil, uint64(v)))
}

// WriteBinary writes a variable width binary value
func WriteBinary(buf *bytes.Buffer, v []byte) {
	writeVariable(buf, TypeVbin8, TypeVbin32, v)
}

// WriteString writes a UTF-8 string
func WriteString(buf *bytes.Buffer, v string) error {
	if !utf8.ValidString(v) {
		return fmt.Errorf("string is not valid utf-8")
	}
	writeVariable(buf, TypeStr8, TypeStr32, []byte(v))
	return nil
}

// WriteSymbol writes a symbol
func WriteSymbol(buf *bytes.Buffer, v Symbol) {
	writeVariable(buf, TypeSym8, TypeSym32, []byte(v))
}

func writeVariable(buf *bytes.Buffer, code8, code32 byte, v []byte) {
	if len(v) < 256 {
		buf.WriteByte(code8)
		buf.WriteByte(byte(len(v)))
	} else {
		buf.WriteByte(code32)
		buf.Write(binary.BigEndian.AppendUint32(nil, uint32(len(v))))
	}
	buf.Write(v)
}

// WriteTimestamp writes milliseconds since the unix epoch
func WriteTimestamp(buf *bytes.Buffer, t time.Time) {
	buf.WriteByte(TypeTimestamp)
	buf.Write(binary.BigEndian.AppendUint64(nil, uint64(t.UnixMilli())))
}

// WriteSymbolArray writes symbols as an array with a shared constructor
func WriteSymbolArray(buf *bytes.Buffer, syms []Symbol) {
	code := byte(TypeSym8)
	for _, s := range syms {
		if len(s) >= 256 {
			code = TypeSym32
			break
		}
	}

	var body bytes.Buffer
	for _, s := range syms {
		if code == TypeSym8 {
			body.WriteByte(byte(len(s)))
		} else {
			body.Write(binary.BigEndian.AppendUint32(nil, uint32(len(s))))
		}
		body.WriteString(string(s))
	}
	writeArray(buf, code, len(syms), body.Bytes())
}

func writeArray(buf *bytes.Buffer, elemCode byte, count int, elems []byte) {
	// size covers count and element constructor
	if count < 256 && len(elems)+2 < 256 {
		buf.WriteByte(TypeArray8)
		buf.WriteByte(byte(len(elems) + 2))
		buf.WriteByte(byte(count))
	} else {
		buf.WriteByte(TypeArray32)
		buf.Write(binary.BigEndian.AppendUint32(nil, uint32(len(elems)+5)))
		buf.Write(binary.BigEndian.AppendUint32(nil, uint32(count)))
	}
	buf.WriteByte(elemCode)
	buf.Write(elems)
}

// WriteList writes values as a list
func WriteList(buf *bytes.Buffer, values []any) error {
	if len(values) == 0 {
		buf.WriteByte(TypeList0)
		return nil
	}

	var body bytes.Buffer
	for i, v := range values {
		if err := WriteValue(&body, v); err != nil {
			return fmt.Errorf("list element %d: %w", i, err)
		}
	}
	writeCompound(buf, TypeList8, TypeList32, len(values), body.Bytes())
	return nil
}

func writeCompound(buf *bytes.Buffer, code8, code32 byte, count int, body []byte) {
	// size covers the count field
	if count < 256 && len(body)+1 < 256 {
		buf.WriteByte(code8)
		buf.WriteByte(byte(len(body) + 1))
		buf.WriteByte(byte(count))
	} else {
		buf.WriteByte(code32)
		buf.Write(binary.BigEndian.AppendUint32(nil, uint32(len(body)+4)))
		buf.Write(binary.BigEndian.AppendUint32(nil, uint32(count)))
	}
	buf.Write(body)
}

// WriteMap writes alternating keys and values as a map
func WriteMap(buf *bytes.Buffer, kv []any) error {
	var body bytes.Buffer
	for i, v := range kv {
		if err := WriteValue(&body, v); err != nil {
			return fmt.Errorf("map entry %d: %w", i/2, err)
		}
	}
	writeCompound(buf, TypeMap8, TypeMap32, len(kv), body.Bytes())
	return nil
}

// WriteFields writes a symbol keyed map
func WriteFields(buf *bytes.Buffer, f Fields) error {
	kv := make([]any, 0, len(f)*2)
	for k, v := range f {
		kv = append(kv, k, v)
	}
	return WriteMap(buf, kv)
}

// WriteDescribedList writes a described list, dropping trailing null fields
func WriteDescribedList(buf *bytes.Buffer, descriptor uint64, fields ...any) error {
	n := len(fields)
	for n > 0 && isNil(fields[n-1]) {
		n--
	}

	buf.WriteByte(TypeDescribed)
	WriteUlong(buf, descriptor)
	return WriteList(buf, fields[:n])
}

// WriteValue encodes a Go value using the AMQP type that matches it
func WriteValue(buf *bytes.Buffer, v any) error {
	if isNil(v) {
		WriteNull(buf)
		return nil
	}

	switch t := v.(type) {
	case Marshaler:
		return t.MarshalAMQP(buf)
	case bool:
		WriteBool(buf, t)
	case *bool:
		WriteBool(buf, *t)
	case uint8:
		WriteUbyte(buf, t)
	case uint16:
		WriteUshort(buf, t)
	case *uint16:
		WriteUshort(buf, *t)
	case uint32:
		WriteUint(buf, t)
	case *uint32:
		WriteUint(buf, *t)
	case uint64:
		WriteUlong(buf, t)
	case *uint64:
		WriteUlong(buf, *t)
	case uint:
		WriteUlong(buf, uint64(t))
	case int8:
		buf.WriteByte(TypeByte)
		buf.WriteByte(byte(t))
	case int16:
		buf.WriteByte(TypeShort)
		buf.Write(binary.BigEndian.AppendUint16(nil, uint16(t)))
	case int32:
		WriteInt(buf, t)
	case int64:
		WriteLong(buf, t)
	case int:
		WriteLong(buf, int64(t))
	case float32:
		buf.WriteByte(TypeFloat)
		buf.Write(binary.BigEndian.AppendUint32(nil, math.Float32bits(t)))
	case float64:
		buf.WriteByte(TypeDouble)
		buf.Write(binary.BigEndian.AppendUint64(nil, math.Float64bits(t)))
	case Char:
		buf.WriteByte(TypeChar)
		buf.Write(binary.BigEndian.AppendUint32(nil, uint32(t)))
	case time.Time:
		WriteTimestamp(buf, t)
	case UUID:
		buf.WriteByte(TypeUUID)
		buf.Write(t[:])
	case []byte:
		WriteBinary(buf, t)
	case string:
		return WriteString(buf, t)
	case Symbol:
		WriteSymbol(buf, t)
	case []Symbol:
		WriteSymbolArray(buf, t)
	case []any:
		return WriteList(buf, t)
	case Fields:
		return WriteFields(buf, t)
	case map[string]any:
		kv := make([]any, 0, len(t)*2)
		for k, val := range t {
			kv = append(kv, k, val)
		}
		return WriteMap(buf, kv)
	case map[any]any:
		kv := make([]any, 0, len(t)*2)
		for k, val := range t {
			kv = append(kv, k, val)
		}
		return WriteMap(buf, kv)
	case *Described:
		buf.WriteByte(TypeDescribed)
		if err := WriteValue(buf, t.Descriptor); err != nil {
			return fmt.Errorf("descriptor: %w", err)
		}
		return WriteValue(buf, t.Value)
	default:
		return fmt.Errorf("unsupported value type: %T", v)
	}
	return nil
}

// isNil reports whether v is nil or a nil pointer, map or slice held in an interface
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
