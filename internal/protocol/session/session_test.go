package session

import (
	"bufio"
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/wmlink/internal/protocol/frame"
	"github.com/danmuck/wmlink/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestOutboxResolveDeliversOnce(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox()
	reply := o.Track(PendingRequest{MessageID: 7, Command: CmdInput, Agent: "soar1", SentAt: time.Unix(1700000000, 0)})
	if _, ok := o.Get(7); !ok {
		t.Fatalf("expected pending request")
	}
	if !o.Resolve(7, OK()) {
		t.Fatalf("resolve should find waiter")
	}
	if o.Resolve(7, OK()) {
		t.Fatalf("second resolve should find nothing")
	}
	select {
	case resp := <-reply:
		if resp.Status != StatusOK {
			t.Fatalf("unexpected status=%q", resp.Status)
		}
	default:
		t.Fatalf("reply not delivered")
	}
}

func TestOutboxFailDrainsPending(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox()
	a := o.Track(PendingRequest{MessageID: 2})
	b := o.Track(PendingRequest{MessageID: 1})
	if got := o.List(); len(got) != 2 || got[0].MessageID != 1 {
		t.Fatalf("unexpected list: %+v", got)
	}
	if n := o.Fail("connection closed"); n != 2 {
		t.Fatalf("failed=%d", n)
	}
	for _, ch := range []<-chan Response{a, b} {
		resp := <-ch
		if resp.Err() == nil || !errors.Is(resp.Err(), ErrRemoteStatus) {
			t.Fatalf("expected remote status error, got %v", resp.Err())
		}
	}
	if len(o.List()) != 0 {
		t.Fatalf("outbox should be empty")
	}
}

func TestAttachRoundTrip(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteAttach(&buf, Attach{ClientID: "client.a", Agent: "soar1", Token: "secret"}); err != nil {
		t.Fatalf("write attach: %v", err)
	}
	got, err := ReadAttach(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read attach: %v", err)
	}
	if got.Agent != "soar1" || got.Token != "secret" || got.ClientID != "client.a" {
		t.Fatalf("unexpected attach: %+v", got)
	}
}

func TestAttachRequiresAgent(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteAttach(&buf, Attach{ClientID: "client.a"}); !errors.Is(err, ErrInvalidAttach) {
		t.Fatalf("expected ErrInvalidAttach, got %v", err)
	}
}

func TestAttachAckRoundTrip(t *testing.T) {
	testlog.Start(t)
	ack := AttachAck{
		Status:      AckStatusAccepted,
		Message:     "ok",
		SessionID:   "3f1c",
		Agent:       "soar1",
		TimestampMS: 1700000000000,
	}
	var buf bytes.Buffer
	if err := WriteAttachAck(&buf, ack); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	got, err := ReadAttachAck(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if got.Err() != nil || got.SessionID != "3f1c" {
		t.Fatalf("unexpected ack: %+v", got)
	}

	rejected := AttachAck{Status: AckStatusRejected, Message: "unknown agent", TimestampMS: 1}
	if !errors.Is(rejected.Err(), ErrAttachRejected) {
		t.Fatalf("expected ErrAttachRejected, got %v", rejected.Err())
	}
}

func TestEncodeDecodeRequestFrame(t *testing.T) {
	testlog.Start(t)
	payload, err := EncodeRequestFrame(42, Request{
		Command: CmdInput,
		Agent:   "soar1",
		Params:  []Param{{Key: "reason", Value: "commit"}},
		Records: []Record{
			AddRecord("I2", "count", "3", TypeInt, -12),
			RemoveRecord("I2", "name", "old", "", -4),
		},
	})
	if err != nil {
		t.Fatalf("encode request frame: %v", err)
	}
	fr, err := frame.ReadFrame(bytes.NewReader(payload), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if fr.Header.MessageID != 42 {
		t.Fatalf("message id=%d", fr.Header.MessageID)
	}
	got, err := DecodeRequestFrame(fr)
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if got.Command != CmdInput || got.Agent != "soar1" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if v, ok := got.Param("reason"); !ok || v != "commit" {
		t.Fatalf("unexpected param %q ok=%v", v, ok)
	}
	if len(got.Records) != 2 {
		t.Fatalf("records=%d", len(got.Records))
	}
	first := got.Records[0]
	if first.Action != ActionAdd || first.TimeTag != -12 || first.Type != TypeInt || !first.HasValue {
		t.Fatalf("unexpected first record: %+v", first)
	}
	if got.Records[1].Action != ActionRemove || got.Records[1].Type != "" {
		t.Fatalf("unexpected second record: %+v", got.Records[1])
	}
}

func TestDecodeRecordKeepsMissingFields(t *testing.T) {
	testlog.Start(t)
	payload, err := EncodeOutputFrame(OutputNotice{
		Agent:       "soar1",
		TimestampMS: 1700000000123,
		Records:     []Record{{Action: ActionAdd, ID: "O1", Attribute: "move"}},
	})
	if err != nil {
		t.Fatalf("encode output: %v", err)
	}
	fr, err := frame.ReadFrame(bytes.NewReader(payload), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if fr.Header.Flags&frame.FlagIsPush == 0 {
		t.Fatalf("push flag not set")
	}
	got, err := DecodeOutputFrame(fr)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got.TimestampMS != 1700000000123 || len(got.Records) != 1 {
		t.Fatalf("unexpected notice: %+v", got)
	}
	missing := got.Records[0].Missing()
	if len(missing) != 2 || missing[0] != "value" || missing[1] != "time_tag" {
		t.Fatalf("unexpected missing=%v", missing)
	}
}

func TestOutputFrameCarriesReinit(t *testing.T) {
	testlog.Start(t)
	payload, err := EncodeOutputFrame(OutputNotice{Agent: "soar1", Reinit: true})
	if err != nil {
		t.Fatalf("encode output: %v", err)
	}
	fr, err := frame.ReadFrame(bytes.NewReader(payload), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	got, err := DecodeOutputFrame(fr)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if !got.Reinit || len(got.Records) != 0 {
		t.Fatalf("unexpected notice: %+v", got)
	}

	payload, err = EncodeOutputFrame(OutputNotice{Agent: "soar1"})
	if err != nil {
		t.Fatalf("encode output: %v", err)
	}
	fr, err = frame.ReadFrame(bytes.NewReader(payload), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if got, err = DecodeOutputFrame(fr); err != nil || got.Reinit {
		t.Fatalf("plain notice decoded as reinit: %+v err=%v", got, err)
	}
}

func TestEncodeDecodeResponseFrameError(t *testing.T) {
	testlog.Start(t)
	payload, err := EncodeResponseFrame(5, Failure("unknown command %q", "bogus"))
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	fr, err := frame.ReadFrame(bytes.NewReader(payload), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if fr.Header.Flags&frame.FlagIsError == 0 || fr.Header.Flags&frame.FlagIsResponse == 0 {
		t.Fatalf("unexpected flags=%#x", fr.Header.Flags)
	}
	got, err := DecodeResponseFrame(fr)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !errors.Is(got.Err(), ErrRemoteStatus) {
		t.Fatalf("expected ErrRemoteStatus, got %v", got.Err())
	}
}

func TestDecodeRequestRejectsWrongType(t *testing.T) {
	testlog.Start(t)
	payload, err := EncodeResponseFrame(1, OK(Param{Key: ParamID, Value: "I2"}))
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	fr, err := frame.ReadFrame(bytes.NewReader(payload), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if _, err := DecodeRequestFrame(fr); err == nil {
		t.Fatalf("expected message type error")
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 1, rng)
	if got < 125*time.Millisecond || got > 375*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestValidateClientTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateServerTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}
