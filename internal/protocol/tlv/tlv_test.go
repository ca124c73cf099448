package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(1, "input-link"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestSignedTimeTagSurvivesU64Slot(t *testing.T) {
	f := I64(5, -42)
	if f.Type != TypeU64 {
		t.Fatalf("unexpected type: %d", f.Type)
	}
	got, err := I64FromBytes(f.Value)
	if err != nil {
		t.Fatalf("decode i64: %v", err)
	}
	if got != -42 {
		t.Fatalf("unexpected value: %d", got)
	}
}

func TestGetAllKeepsWireOrder(t *testing.T) {
	fields := []Field{String(6, "a"), String(1, "x"), String(6, "b"), String(6, "c")}
	got := GetAll(fields, 6)
	if len(got) != 3 {
		t.Fatalf("expected 3 repeated fields, got %d", len(got))
	}
	if string(got[0].Value) != "a" || string(got[2].Value) != "c" {
		t.Fatalf("order not preserved: %+v", got)
	}
}

func TestBoolRejectsNonCanonicalByte(t *testing.T) {
	f := Bool(8, true)
	if f.Type != TypeBool || len(f.Value) != 1 {
		t.Fatalf("unexpected field: %+v", f)
	}
	got, err := BoolFromBytes(f.Value)
	if err != nil || !got {
		t.Fatalf("decode bool: %v %v", got, err)
	}
	if _, err := BoolFromBytes([]byte{2}); err == nil {
		t.Fatalf("expected error for byte 2")
	}
	if _, err := BoolFromBytes(nil); err == nil {
		t.Fatalf("expected error for empty value")
	}
}
