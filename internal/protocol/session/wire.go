package session

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/wmlink/internal/protocol/frame"
	"github.com/danmuck/wmlink/internal/protocol/schema"
	"github.com/danmuck/wmlink/internal/protocol/tlv"
)

var ErrRemoteStatus = errors.New("session: remote returned error status")

// Request is one agent command Client->Kernel.
type Request struct {
	Command string
	Agent   string
	Params  []Param
	Records []Record
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Command) == "" {
		return fmt.Errorf("request missing command")
	}
	if strings.TrimSpace(r.Agent) == "" {
		return fmt.Errorf("request missing agent")
	}
	return nil
}

func (r Request) Param(key string) (string, bool) {
	return lookupParam(r.Params, key)
}

// Response is the kernel reply to one Request, matched by message id.
type Response struct {
	Status  string
	Message string
	Params  []Param
	Records []Record
}

func (r Response) Param(key string) (string, bool) {
	return lookupParam(r.Params, key)
}

// Err is nil when Status is ok.
func (r Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("%w: status=%q", ErrRemoteStatus, r.Status)
	}
	return fmt.Errorf("%w: %s", ErrRemoteStatus, r.Message)
}

func OK(params ...Param) Response {
	return Response{Status: StatusOK, Params: params}
}

func Failure(format string, args ...any) Response {
	return Response{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

// OutputNotice is a kernel-initiated push carrying one batch of output-link changes.
// Reinit marks the push sent when the kernel reinitializes the agent; it
// carries no records and the client refreshes its mirror.
type OutputNotice struct {
	Agent       string
	Records     []Record
	TimestampMS uint64
	Reinit      bool
}

func EncodeRequestFrame(messageID uint64, req Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldCommand, req.Command),
		tlv.String(schema.FieldAgent, req.Agent),
	}
	fields = appendBody(fields, req.Params, req.Records)
	return writeMessage(messageID, schema.MsgAgentCommand, 0, fields)
}

func DecodeRequestFrame(f frame.Frame) (Request, error) {
	fields, err := decodeMessage(f, schema.MsgAgentCommand)
	if err != nil {
		return Request{}, err
	}
	req := Request{
		Command: getString(fields, schema.FieldCommand),
		Agent:   getString(fields, schema.FieldAgent),
	}
	if req.Params, req.Records, err = readBody(fields); err != nil {
		return Request{}, err
	}
	return req, nil
}

func EncodeResponseFrame(messageID uint64, resp Response) ([]byte, error) {
	if strings.TrimSpace(resp.Status) == "" {
		return nil, fmt.Errorf("response missing status")
	}
	fields := []tlv.Field{tlv.String(schema.FieldStatus, resp.Status)}
	if resp.Message != "" {
		fields = append(fields, tlv.String(schema.FieldMessage, resp.Message))
	}
	fields = appendBody(fields, resp.Params, resp.Records)
	flags := frame.FlagIsResponse
	if resp.Status != StatusOK {
		flags |= frame.FlagIsError
	}
	return writeMessage(messageID, schema.MsgAgentResponse, flags, fields)
}

func DecodeResponseFrame(f frame.Frame) (Response, error) {
	fields, err := decodeMessage(f, schema.MsgAgentResponse)
	if err != nil {
		return Response{}, err
	}
	resp := Response{
		Status:  getString(fields, schema.FieldStatus),
		Message: getString(fields, schema.FieldMessage),
	}
	if resp.Params, resp.Records, err = readBody(fields); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// EncodeOutputFrame writes a push frame. Push frames use message id 0.
func EncodeOutputFrame(notice OutputNotice) ([]byte, error) {
	if strings.TrimSpace(notice.Agent) == "" {
		return nil, fmt.Errorf("output notice missing agent")
	}
	fields := []tlv.Field{tlv.String(schema.FieldAgent, notice.Agent)}
	if notice.TimestampMS != 0 {
		fields = append(fields, tlv.U64(schema.FieldTimestampMS, notice.TimestampMS))
	}
	if notice.Reinit {
		fields = append(fields, tlv.Bool(schema.FieldReinit, true))
	}
	fields = appendBody(fields, nil, notice.Records)
	return writeMessage(0, schema.MsgOutput, frame.FlagIsPush, fields)
}

func DecodeOutputFrame(f frame.Frame) (OutputNotice, error) {
	fields, err := decodeMessage(f, schema.MsgOutput)
	if err != nil {
		return OutputNotice{}, err
	}
	notice := OutputNotice{Agent: getString(fields, schema.FieldAgent)}
	if ts, ok := tlv.GetField(fields, schema.FieldTimestampMS); ok {
		if notice.TimestampMS, err = tlv.U64FromBytes(ts.Value); err != nil {
			return OutputNotice{}, err
		}
	}
	if rf, ok := tlv.GetField(fields, schema.FieldReinit); ok {
		if notice.Reinit, err = tlv.BoolFromBytes(rf.Value); err != nil {
			return OutputNotice{}, err
		}
	}
	if _, notice.Records, err = readBody(fields); err != nil {
		return OutputNotice{}, err
	}
	return notice, nil
}

func appendBody(fields []tlv.Field, params []Param, records []Record) []tlv.Field {
	for _, p := range params {
		fields = append(fields, encodeParam(p))
	}
	for _, r := range records {
		fields = append(fields, encodeRecord(r))
	}
	return fields
}

func readBody(fields []tlv.Field) ([]Param, []Record, error) {
	var params []Param
	for _, f := range tlv.GetAll(fields, schema.FieldParam) {
		p, err := decodeParam(f)
		if err != nil {
			return nil, nil, err
		}
		params = append(params, p)
	}
	var records []Record
	for _, f := range tlv.GetAll(fields, schema.FieldRecord) {
		r, err := decodeRecord(f)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, r)
	}
	return params, records, nil
}

func writeMessage(messageID uint64, messageType uint32, flags uint32, fields []tlv.Field) ([]byte, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err := frame.WriteFrame(&buf, frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: messageType,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, frame.DefaultLimits())
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMessage(f frame.Frame, messageType uint32) ([]tlv.Field, error) {
	if f.Header.MessageType != messageType {
		return nil, fmt.Errorf("session: unexpected message_type=%d want=%d", f.Header.MessageType, messageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func getString(fields []tlv.Field, id uint16) string {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return ""
	}
	return string(f.Value)
}
