package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	controlTypeAttach    = "agent.attach"
	controlTypeAttachAck = "agent.attach.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxControlLine = 128 * 1024
)

var (
	ErrInvalidAttach          = errors.New("session: invalid attach")
	ErrInvalidAttachAck       = errors.New("session: invalid attach ack")
	ErrAttachRejected         = errors.New("session: attach rejected")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Attach is the Client->Kernel session-start payload. It binds the
// connection to one agent for its lifetime.
type Attach struct {
	ClientID string `json:"client_id"`
	Agent    string `json:"agent"`
	Token    string `json:"token,omitempty"`
}

func (a Attach) Validate() error {
	if strings.TrimSpace(a.ClientID) == "" {
		return fmt.Errorf("%w: missing client_id", ErrInvalidAttach)
	}
	if strings.TrimSpace(a.Agent) == "" {
		return fmt.Errorf("%w: missing agent", ErrInvalidAttach)
	}
	return nil
}

// AttachAck is the Kernel->Client attach response.
type AttachAck struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	SessionID   string `json:"session_id"`
	Agent       string `json:"agent"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a AttachAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidAttachAck)
	}
	if status == AckStatusAccepted && strings.TrimSpace(a.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidAttachAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidAttachAck)
	}
	return nil
}

// Err maps a rejected ack to ErrAttachRejected.
func (a AttachAck) Err() error {
	if a.Status == AckStatusAccepted {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrAttachRejected, a.Message)
}

type controlEnvelope struct {
	Type   string     `json:"type"`
	Attach *Attach    `json:"attach,omitempty"`
	Ack    *AttachAck `json:"attach_ack,omitempty"`
}

func WriteAttach(w io.Writer, a Attach) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeAttach, Attach: &a})
}

func ReadAttach(r *bufio.Reader) (Attach, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Attach{}, err
	}
	if env.Type != controlTypeAttach || env.Attach == nil {
		return Attach{}, fmt.Errorf("%w: unexpected control type", ErrInvalidAttach)
	}
	if err := env.Attach.Validate(); err != nil {
		return Attach{}, err
	}
	return *env.Attach, nil
}

func WriteAttachAck(w io.Writer, ack AttachAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeAttachAck, Ack: &ack})
}

func ReadAttachAck(r *bufio.Reader) (AttachAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return AttachAck{}, err
	}
	if env.Type != controlTypeAttachAck || env.Ack == nil {
		return AttachAck{}, fmt.Errorf("%w: unexpected control type", ErrInvalidAttachAck)
	}
	if err := env.Ack.Validate(); err != nil {
		return AttachAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return controlEnvelope{}, err
	}
	if len(line) > maxControlLine {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
