package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrMissingField     = errors.New("tlv: missing field")
	ErrFieldType        = errors.New("tlv: field type mismatch")
)

// Type IDs from tlv contract.
const (
	TypeU32   uint8 = 3
	TypeI32   uint8 = 8
	TypeBytes uint8 = 7
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func U32(id uint16, v uint32) Field {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return Field{ID: id, Type: TypeU32, Value: b}
}

func I32(id uint16, v int32) Field {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return Field{ID: id, Type: TypeI32, Value: b}
}

func Bytes(id uint16, v []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: v}
}

func EncodeField(f Field) []byte {
	buf := make([]byte, HeaderLen+len(f.Value))
	binary.BigEndian.PutUint16(buf[0:2], f.ID)
	buf[2] = f.Type
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Value)))
	copy(buf[7:], f.Value)
	return buf
}

func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint32(len(payload)-i) < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func EncodeFields(fields []Field) []byte {
	out := make([]byte, 0)
	for _, f := range fields {
		out = append(out, EncodeField(f)...)
	}
	return out
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func GetU32(fields []Field, id uint16) (uint32, error) {
	f, err := typed(fields, id, TypeU32, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

func GetI32(fields []Field, id uint16) (int32, error) {
	f, err := typed(fields, id, TypeI32, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(f.Value)), nil
}

// GetBytes returns an empty slice when the field is absent.
func GetBytes(fields []Field, id uint16) ([]byte, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return []byte{}, nil
	}
	if f.Type != TypeBytes {
		return nil, fmt.Errorf("%w: id=%d type=%d", ErrFieldType, id, f.Type)
	}
	return f.Value, nil
}

func typed(fields []Field, id uint16, typ uint8, size int) (Field, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return Field{}, fmt.Errorf("%w: id=%d", ErrMissingField, id)
	}
	if f.Type != typ || len(f.Value) != size {
		return Field{}, fmt.Errorf("%w: id=%d type=%d len=%d", ErrFieldType, id, f.Type, len(f.Value))
	}
	return f, nil
}
