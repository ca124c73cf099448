package schema

import (
	"fmt"

	"github.com/danmuck/wmlink/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs from tlv contract.
const (
	MsgAgentCommand  uint32 = 1
	MsgAgentResponse uint32 = 2
	MsgOutput        uint32 = 3
	MsgError         uint32 = 7
)

// Top-level field IDs.
const (
	FieldCommand     uint16 = 1
	FieldAgent       uint16 = 2
	FieldStatus      uint16 = 3
	FieldMessage     uint16 = 4
	FieldParam       uint16 = 5
	FieldRecord      uint16 = 6
	FieldTimestampMS uint16 = 7
	FieldReinit      uint16 = 8
)

// Record field IDs, nested inside one FieldRecord bytes value.
const (
	FieldRecordAction    uint16 = 100
	FieldRecordID        uint16 = 101
	FieldRecordAttribute uint16 = 102
	FieldRecordValue     uint16 = 103
	FieldRecordType      uint16 = 104
	FieldRecordTimeTag   uint16 = 105
)

// Param field IDs, nested inside one FieldParam bytes value.
const (
	FieldParamKey   uint16 = 200
	FieldParamValue uint16 = 201
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgAgentCommand: {
		{FieldCommand, tlv.TypeString},
		{FieldAgent, tlv.TypeString},
	},
	MsgAgentResponse: {
		{FieldStatus, tlv.TypeString},
	},
	MsgOutput: {
		{FieldAgent, tlv.TypeString},
	},
	MsgError: {
		{FieldStatus, tlv.TypeString},
		{FieldMessage, tlv.TypeString},
	},
}

// optional lists fields that are not required but must carry the declared type when present.
var optional = map[uint16]uint8{
	FieldMessage:     tlv.TypeString,
	FieldParam:       tlv.TypeBytes,
	FieldRecord:      tlv.TypeBytes,
	FieldTimestampMS: tlv.TypeU64,
	FieldReinit:      tlv.TypeBool,
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	log.Trace().Uint32("message_type", messageType).Int("fields", len(fields)).Msg("schema.Validate")
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, f := range fields {
		want, known := optional[f.ID]
		if known && f.Type != want {
			return ValidationError{MessageType: messageType, FieldID: f.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
