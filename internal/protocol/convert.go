package protocol

import (
	"fmt"
	"time"
)

// Field conversion helpers used when mapping decoded list fields onto typed
// structs. Integer helpers need a value; the others map nil to the zero value.

// ToUint64 converts any unsigned decoded integer
func ToUint64(v any) (uint64, error) {
	switch t := v.(type) {
	case uint8:
		return uint64(t), nil
	case uint16:
		return uint64(t), nil
	case uint32:
		return uint64(t), nil
	case uint64:
		return t, nil
	default:
		return 0, fmt.Errorf("expected unsigned integer, got %T", v)
	}
}

// ToUint32 converts a decoded unsigned integer that must fit in 32 bits
func ToUint32(v any) (uint32, error) {
	n, err := ToUint64(v)
	if err != nil {
		return 0, err
	}
	if n > 1<<32-1 {
		return 0, fmt.Errorf("value %d overflows uint32", n)
	}
	return uint32(n), nil
}

// ToUint16 converts a decoded unsigned integer that must fit in 16 bits
func ToUint16(v any) (uint16, error) {
	n, err := ToUint64(v)
	if err != nil {
		return 0, err
	}
	if n > 1<<16-1 {
		return 0, fmt.Errorf("value %d overflows uint16", n)
	}
	return uint16(n), nil
}

// ToUint8 converts a decoded unsigned integer that must fit in 8 bits
func ToUint8(v any) (uint8, error) {
	n, err := ToUint64(v)
	if err != nil {
		return 0, err
	}
	if n > 1<<8-1 {
		return 0, fmt.Errorf("value %d overflows uint8", n)
	}
	return uint8(n), nil
}

// ToBool converts a decoded boolean
func ToBool(v any) (bool, error) {
	if v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expected boolean, got %T", v)
	}
	return b, nil
}

// ToString converts a decoded string; symbols are accepted as well
func ToString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case Symbol:
		return string(t), nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

// ToSymbol converts a decoded symbol
func ToSymbol(v any) (Symbol, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case Symbol:
		return t, nil
	case string:
		return Symbol(t), nil
	default:
		return "", fmt.Errorf("expected symbol, got %T", v)
	}
}

// ToSymbols converts a multiple symbol field, which may be a single symbol
// or an array of them
func ToSymbols(v any) ([]Symbol, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case Symbol:
		return []Symbol{t}, nil
	case []any:
		out := make([]Symbol, 0, len(t))
		for _, e := range t {
			s, err := ToSymbol(e)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected symbol array, got %T", v)
	}
}

// ToBinary converts decoded binary data
func ToBinary(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	default:
		return nil, fmt.Errorf("expected binary, got %T", v)
	}
}

// ToFields converts a decoded map with symbol keys
func ToFields(v any) (Fields, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[any]any:
		out := make(Fields, len(t))
		for k, val := range t {
			s, err := ToSymbol(k)
			if err != nil {
				return nil, fmt.Errorf("fields key: %w", err)
			}
			out[s] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected map, got %T", v)
	}
}

// ToMilliseconds converts a decoded uint millisecond count to a duration
func ToMilliseconds(v any) (time.Duration, error) {
	if v == nil {
		return 0, nil
	}
	n, err := ToUint32(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

// Milliseconds converts a duration into the uint wire representation
func Milliseconds(d time.Duration) uint32 {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > 1<<32-1 {
		return 1<<32 - 1
	}
	return uint32(ms)
}
