package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		U32(1, 9),
		I32(2, -1),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(out))
	}
	if out[2].ID != 9999 || out[2].Type != TypeBytes || !bytes.Equal(out[2].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[2])
	}
}

func TestTypedGetters(t *testing.T) {
	fields, err := DecodeFields(EncodeFields([]Field{
		U32(1, 0x00010000),
		I32(2, -5),
		Bytes(3, []byte{1, 2, 3}),
	}))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if v, err := GetU32(fields, 1); err != nil || v != 0x00010000 {
		t.Fatalf("GetU32: v=%#x err=%v", v, err)
	}
	if v, err := GetI32(fields, 2); err != nil || v != -5 {
		t.Fatalf("GetI32: v=%d err=%v", v, err)
	}
	if v, err := GetBytes(fields, 3); err != nil || !bytes.Equal(v, []byte{1, 2, 3}) {
		t.Fatalf("GetBytes: v=% x err=%v", v, err)
	}
	if v, err := GetBytes(fields, 4); err != nil || len(v) != 0 {
		t.Fatalf("absent bytes should be empty: v=% x err=%v", v, err)
	}
	if _, err := GetU32(fields, 9); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	if _, err := GetU32(fields, 2); !errors.Is(err, ErrFieldType) {
		t.Fatalf("expected ErrFieldType, got %v", err)
	}
	if _, err := GetBytes(fields, 1); !errors.Is(err, ErrFieldType) {
		t.Fatalf("expected ErrFieldType for bytes, got %v", err)
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=bytes, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeBytes, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}
