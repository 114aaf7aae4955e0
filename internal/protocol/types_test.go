package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// TestCompactEncodings tests that values use their smallest constructor
func TestCompactEncodings(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  []byte
	}{
		{"null", nil, []byte{TypeNull}},
		{"true", true, []byte{TypeBoolTrue}},
		{"false", false, []byte{TypeBoolFalse}},
		{"uint zero", uint32(0), []byte{TypeUint0}},
		{"small uint", uint32(255), []byte{TypeSmallUint, 0xff}},
		{"uint", uint32(256), []byte{TypeUint, 0, 0, 1, 0}},
		{"ulong zero", uint64(0), []byte{TypeUlong0}},
		{"small ulong", uint64(0x10), []byte{TypeSmallUlong, 0x10}},
		{"small int", int32(-1), []byte{TypeSmallInt, 0xff}},
		{"small long", int64(127), []byte{TypeSmallLong, 0x7f}},
		{"ushort", uint16(0x0102), []byte{TypeUshort, 1, 2}},
		{"str8", "hi", []byte{TypeStr8, 2, 'h', 'i'}},
		{"sym8", Symbol("x"), []byte{TypeSym8, 1, 'x'}},
		{"vbin8", []byte{9}, []byte{TypeVbin8, 1, 9}},
		{"empty list", []any{}, []byte{TypeList0}},
		{"symbol array", []Symbol{"a", "bc"}, []byte{TypeArray8, 7, 2, TypeSym8, 1, 'a', 2, 'b', 'c'}},
		{"nil pointer", (*uint32)(nil), []byte{TypeNull}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteValue(&buf, tt.value); err != nil {
				t.Fatalf("WriteValue failed: %v", err)
			}
			if !bytes.Equal(buf.Bytes(), tt.want) {
				t.Errorf("Encoding: got % x, want % x", buf.Bytes(), tt.want)
			}
		})
	}
}

// TestWideEncodings tests the 32-bit size forms for long values
func TestWideEncodings(t *testing.T) {
	long := strings.Repeat("a", 300)

	t.Run("str32", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteValue(&buf, long); err != nil {
			t.Fatalf("WriteValue failed: %v", err)
		}
		if buf.Bytes()[0] != TypeStr32 {
			t.Errorf("Constructor: got 0x%02x, want 0x%02x", buf.Bytes()[0], TypeStr32)
		}
		got, err := NewDecoder(buf.Bytes()).ReadValue()
		if err != nil {
			t.Fatalf("ReadValue failed: %v", err)
		}
		if got != long {
			t.Errorf("Decoded string length: got %d, want %d", len(got.(string)), len(long))
		}
	})

	t.Run("list32", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteList(&buf, []any{long, uint32(1)}); err != nil {
			t.Fatalf("WriteList failed: %v", err)
		}
		if buf.Bytes()[0] != TypeList32 {
			t.Errorf("Constructor: got 0x%02x, want 0x%02x", buf.Bytes()[0], TypeList32)
		}
		got, err := NewDecoder(buf.Bytes()).ReadValue()
		if err != nil {
			t.Fatalf("ReadValue failed: %v", err)
		}
		if diff := cmp.Diff([]any{long, uint32(1)}, got); diff != "" {
			t.Errorf("List mismatch (-want +got):\n%s", diff)
		}
	})
}

// TestCompositeDecoding tests maps, described values and nesting
func TestCompositeDecoding(t *testing.T) {
	ts := time.UnixMilli(1700000000123).UTC()
	value := []any{
		Fields{"k": "v"},
		&Described{Descriptor: uint64(DescriptorData), Value: []byte("payload")},
		ts,
		UUID{1, 2, 3},
		float64(2.5),
		Char('λ'),
		int8(-3),
		int16(-300),
	}

	var buf bytes.Buffer
	if err := WriteValue(&buf, value); err != nil {
		t.Fatalf("WriteValue failed: %v", err)
	}

	got, err := NewDecoder(buf.Bytes()).ReadValue()
	if err != nil {
		t.Fatalf("ReadValue failed: %v", err)
	}
	want := []any{
		map[any]any{Symbol("k"): "v"},
		&Described{Descriptor: uint64(DescriptorData), Value: []byte("payload")},
		ts,
		UUID{1, 2, 3},
		float64(2.5),
		Char('λ'),
		int8(-3),
		int16(-300),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Composite mismatch (-want +got):\n%s", diff)
	}
}

// TestDescribedListTrimsTrailingNulls tests trailing absent fields are dropped
func TestDescribedListTrimsTrailingNulls(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteDescribedList(&buf, DescriptorEnd, nil, nil); err != nil {
		t.Fatalf("WriteDescribedList failed: %v", err)
	}
	want := []byte{TypeDescribed, TypeSmallUlong, DescriptorEnd, TypeList0}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("Encoding: got % x, want % x", buf.Bytes(), want)
	}

	code, fields, err := NewDecoder(buf.Bytes()).ReadDescribedList()
	if err != nil {
		t.Fatalf("ReadDescribedList failed: %v", err)
	}
	if code != DescriptorEnd {
		t.Errorf("Descriptor: got 0x%02x, want 0x%02x", code, DescriptorEnd)
	}
	if len(fields) != 0 {
		t.Errorf("Fields: got %d, want 0", len(fields))
	}
}

// TestDecodeErrors tests truncated and unknown input
func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"truncated uint", []byte{TypeUint, 0, 0}},
		{"truncated string", []byte{TypeStr8, 5, 'a'}},
		{"list size past end", []byte{TypeList8, 10, 1, TypeNull}},
		{"unknown constructor", []byte{0xff}},
		{"odd map", []byte{TypeMap8, 2, 1, TypeNull}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDecoder(tt.b).ReadValue(); err == nil {
				t.Error("Expected decode error")
			}
		})
	}

	if _, err := NewDecoder([]byte{TypeUint, 0}).ReadValue(); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("Short buffer: got %v, want ErrShortBuffer", err)
	}
}

// TestConversions tests the field conversion helpers
func TestConversions(t *testing.T) {
	if _, err := ToUint16(uint32(70000)); err == nil {
		t.Error("ToUint16 should reject overflow")
	}
	if v, err := ToUint32(uint8(7)); err != nil || v != 7 {
		t.Errorf("ToUint32: got %d, %v, want 7", v, err)
	}
	syms, err := ToSymbols(Symbol("single"))
	if err != nil || len(syms) != 1 || syms[0] != "single" {
		t.Errorf("ToSymbols single: got %v, %v", syms, err)
	}
	d, err := ToMilliseconds(uint32(1500))
	if err != nil || d != 1500*time.Millisecond {
		t.Errorf("ToMilliseconds: got %v, %v", d, err)
	}
	if Milliseconds(-time.Second) != 0 {
		t.Error("Milliseconds should clamp negative durations")
	}
}

// BenchmarkWriteList benchmarks list encoding
func BenchmarkWriteList(b *testing.B) {
	values := []any{"container", "host", uint32(65536), uint16(255), uint32(60000)}
	var buf bytes.Buffer

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		if err := WriteList(&buf, values); err != nil {
			b.Fatal(err)
		}
	}
}
