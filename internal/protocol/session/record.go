package session

import (
	"fmt"
	"strings"

	"github.com/danmuck/wmlink/internal/protocol/schema"
	"github.com/danmuck/wmlink/internal/protocol/tlv"
)

// Agent command names understood by the kernel.
const (
	CmdGetInputLink = "get-input-link"
	CmdGetAllInput  = "get-all-input"
	CmdGetAllOutput = "get-all-output"
	CmdInput        = "input"
)

// Response params.
const (
	ParamID         = "id"
	ParamOutputLink = "output-link"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Action is the tag-level change a record describes.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// Value type names carried in Record.Type. An empty type means string.
const (
	TypeIdentifier = "id"
	TypeString     = "string"
	TypeInt        = "int"
	TypeFloat      = "float"
)

// Record is one WME on the wire: (id ^attribute value) with a type and time tag.
// HasValue and HasTimeTag distinguish absent fields from zero values.
type Record struct {
	Action     Action
	ID         string
	Attribute  string
	Value      string
	Type       string
	TimeTag    int64
	HasValue   bool
	HasTimeTag bool
}

func AddRecord(id, attribute, value, typ string, tag int64) Record {
	return Record{
		Action:     ActionAdd,
		ID:         id,
		Attribute:  attribute,
		Value:      value,
		Type:       typ,
		TimeTag:    tag,
		HasValue:   true,
		HasTimeTag: true,
	}
}

func RemoveRecord(id, attribute, value, typ string, tag int64) Record {
	r := AddRecord(id, attribute, value, typ, tag)
	r.Action = ActionRemove
	return r
}

// Missing lists required fields absent from r.
func (r Record) Missing() []string {
	var out []string
	if strings.TrimSpace(r.ID) == "" {
		out = append(out, "id")
	}
	if strings.TrimSpace(r.Attribute) == "" {
		out = append(out, "attribute")
	}
	if !r.HasValue {
		out = append(out, "value")
	}
	if !r.HasTimeTag {
		out = append(out, "time_tag")
	}
	return out
}

func (r Record) String() string {
	typ := r.Type
	if typ == "" {
		typ = TypeString
	}
	return fmt.Sprintf("%s (%s ^%s %s:%s) tag=%d", r.Action, r.ID, r.Attribute, typ, r.Value, r.TimeTag)
}

// Param is one ordered key/value pair on a request or response.
type Param struct {
	Key   string
	Value string
}

func encodeRecord(r Record) tlv.Field {
	fields := []tlv.Field{
		tlv.String(schema.FieldRecordAction, string(r.Action)),
		tlv.String(schema.FieldRecordID, r.ID),
		tlv.String(schema.FieldRecordAttribute, r.Attribute),
	}
	if r.HasValue {
		fields = append(fields, tlv.String(schema.FieldRecordValue, r.Value))
	}
	if r.Type != "" {
		fields = append(fields, tlv.String(schema.FieldRecordType, r.Type))
	}
	if r.HasTimeTag {
		fields = append(fields, tlv.I64(schema.FieldRecordTimeTag, r.TimeTag))
	}
	return tlv.Bytes(schema.FieldRecord, tlv.EncodeFields(fields))
}

func decodeRecord(f tlv.Field) (Record, error) {
	if err := tlv.MustType(f, tlv.TypeBytes); err != nil {
		return Record{}, err
	}
	fields, err := tlv.DecodeFields(f.Value)
	if err != nil {
		return Record{}, fmt.Errorf("session: decode record: %w", err)
	}
	var r Record
	for _, nested := range fields {
		switch nested.ID {
		case schema.FieldRecordAction:
			r.Action = Action(nested.Value)
		case schema.FieldRecordID:
			r.ID = string(nested.Value)
		case schema.FieldRecordAttribute:
			r.Attribute = string(nested.Value)
		case schema.FieldRecordValue:
			r.Value = string(nested.Value)
			r.HasValue = true
		case schema.FieldRecordType:
			r.Type = string(nested.Value)
		case schema.FieldRecordTimeTag:
			tag, err := tlv.I64FromBytes(nested.Value)
			if err != nil {
				return Record{}, fmt.Errorf("session: decode record time_tag: %w", err)
			}
			r.TimeTag = tag
			r.HasTimeTag = true
		}
	}
	return r, nil
}

func encodeParam(p Param) tlv.Field {
	return tlv.Bytes(schema.FieldParam, tlv.EncodeFields([]tlv.Field{
		tlv.String(schema.FieldParamKey, p.Key),
		tlv.String(schema.FieldParamValue, p.Value),
	}))
}

func decodeParam(f tlv.Field) (Param, error) {
	fields, err := tlv.DecodeFields(f.Value)
	if err != nil {
		return Param{}, fmt.Errorf("session: decode param: %w", err)
	}
	key, ok := tlv.GetField(fields, schema.FieldParamKey)
	if !ok {
		return Param{}, fmt.Errorf("session: param missing key")
	}
	p := Param{Key: string(key.Value)}
	if v, ok := tlv.GetField(fields, schema.FieldParamValue); ok {
		p.Value = string(v.Value)
	}
	return p, nil
}

func lookupParam(params []Param, key string) (string, bool) {
	for _, p := range params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}
