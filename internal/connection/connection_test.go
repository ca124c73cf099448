package connection

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/wmlink/internal/kernel"
	"github.com/danmuck/wmlink/internal/kernel/server"
	"github.com/danmuck/wmlink/internal/protocol/frame"
	"github.com/danmuck/wmlink/internal/protocol/session"
	"github.com/danmuck/wmlink/internal/testutil/testlog"
	"github.com/danmuck/wmlink/internal/testutil/tlstest"
	"github.com/danmuck/wmlink/internal/wm"
)

func testSessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.HandshakeTimeout = 500 * time.Millisecond
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = 500 * time.Millisecond
	cfg.Backoff.InitialDelay = 10 * time.Millisecond
	cfg.Backoff.Multiplier = 1.5
	cfg.Backoff.MaxDelay = 20 * time.Millisecond
	cfg.Backoff.Jitter = false
	return cfg
}

func startKernel(t *testing.T) (*kernel.Kernel, string) {
	t.Helper()
	k, err := kernel.New(nil)
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	if err := k.CreateAgent("soar"); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	srv, err := server.New(server.DefaultConfig(), k)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve exit err: %v", err)
		}
		_ = k.Close()
	})
	return k, ln.Addr().String()
}

func connect(t *testing.T, addr string) *Remote {
	t.Helper()
	client, err := NewClient(ClientConfig{
		Address:            addr,
		Agent:              "soar",
		Session:            testSessionConfig(),
		MaxConnectAttempts: 1,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func waitSubscribed(t *testing.T, k *kernel.Kernel) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := k.Snapshot("soar")
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if snap.Subscribers > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no output subscriber")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	testlog.Start(t)
	if _, err := NewClient(ClientConfig{Agent: "soar"}); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
	if _, err := NewClient(ClientConfig{Address: "127.0.0.1:1"}); !errors.Is(err, ErrAgentRequired) {
		t.Fatalf("expected ErrAgentRequired, got %v", err)
	}
}

func TestConnectGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	client, err := NewClient(ClientConfig{Address: addr, Agent: "soar", Session: testSessionConfig(), MaxConnectAttempts: 2})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Connect(context.Background()); err == nil {
		t.Fatalf("expected dial failure")
	}
}

func TestRemoteMirrorCommitAndOutput(t *testing.T) {
	testlog.Start(t)
	k, addr := startKernel(t)
	r := connect(t, addr)
	if r.SessionID() == "" {
		t.Fatalf("expected session id")
	}
	ctx := context.Background()

	mem, err := wm.New("soar", r)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	il, err := mem.GetInputLink(ctx)
	if err != nil {
		t.Fatalf("input link: %v", err)
	}
	if _, err := mem.CreateStringWME(il, "name", "robot"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mem.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	snap, err := k.Snapshot("soar")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Input) != 1 || snap.Input[0].Value != "robot" {
		t.Fatalf("kernel input not committed: %+v", snap.Input)
	}

	waitSubscribed(t, k)
	if _, _, err := k.AddOutput("soar", kernel.OutputLinkID, "move", "north", ""); err != nil {
		t.Fatalf("add output: %v", err)
	}
	if _, err := k.FlushOutput("soar"); err != nil {
		t.Fatalf("flush: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	notice, err := r.NextOutput(waitCtx)
	if err != nil {
		t.Fatalf("next output: %v", err)
	}
	report, err := mem.ReceiveOutput(notice.Records)
	if err != nil {
		t.Fatalf("receive output: %v", err)
	}
	if report.Added != 2 {
		t.Fatalf("expected root and move added, got %+v", report)
	}
	if w := mem.FindByAttribute(mem.GetOutputLink(), "move", 0); w == nil || w.Value().Str() != "north" {
		t.Fatalf("move not mirrored")
	}
}

func TestRemoteQueuesPushesDuringRequests(t *testing.T) {
	testlog.Start(t)
	k, addr := startKernel(t)
	r := connect(t, addr)
	waitSubscribed(t, k)
	ctx := context.Background()

	if _, err := k.FlushOutput("soar"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	resp, err := r.SendAgentCommand(ctx, session.Request{Command: session.CmdGetAllOutput})
	if err != nil || resp.Err() != nil {
		t.Fatalf("get-all-output resp=%+v err=%v", resp, err)
	}
	if len(resp.Records) != 1 {
		t.Fatalf("expected output link record, got %d", len(resp.Records))
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	notice, err := r.NextOutput(waitCtx)
	if err != nil {
		t.Fatalf("next output: %v", err)
	}
	if len(notice.Records) != 1 {
		t.Fatalf("expected queued declaration push, got %+v", notice)
	}
	if len(r.Outbox()) != 0 {
		t.Fatalf("expected empty outbox")
	}
}

func TestRemoteRequestTimeout(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- serveSilentKernel(ln) }()

	cfg := testSessionConfig()
	cfg.ReadTimeout = 60 * time.Millisecond
	client, err := NewClient(ClientConfig{Address: ln.Addr().String(), Agent: "soar", Session: cfg, MaxConnectAttempts: 1})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	r, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err = r.SendAgentCommand(context.Background(), session.Request{Command: session.CmdGetInputLink})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	if len(r.Outbox()) != 0 {
		t.Fatalf("timed out request still tracked")
	}

	_ = r.Close()
	_, err = r.SendAgentCommand(context.Background(), session.Request{Command: session.CmdGetInputLink})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	_ = ln.Close()
	if err := <-done; err != nil {
		t.Fatalf("silent endpoint exit err: %v", err)
	}
}

// serveSilentKernel accepts one attach and then reads frames without
// ever answering them.
func serveSilentKernel(ln net.Listener) error {
	defer ln.Close()
	conn, err := ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	attach, err := session.ReadAttach(reader)
	if err != nil {
		return err
	}
	if err := session.WriteAttachAck(conn, session.AttachAck{
		Status:      session.AckStatusAccepted,
		Message:     "attached",
		SessionID:   "silent-1",
		Agent:       attach.Agent,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}); err != nil {
		return err
	}
	for {
		if _, err := frame.ReadFrame(reader, frame.DefaultLimits()); err != nil {
			return nil
		}
	}
}

func TestEmbeddedDirectAndPump(t *testing.T) {
	testlog.Start(t)
	k, err := kernel.New(nil)
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	defer k.Close()
	if err := k.CreateAgent("soar"); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	e, err := NewEmbedded(k, "soar", true)
	if err != nil {
		t.Fatalf("embedded: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	mem, err := wm.New("soar", e)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	if !mem.IsDirect() {
		t.Fatalf("expected direct memory")
	}
	il, err := mem.GetInputLink(ctx)
	if err != nil {
		t.Fatalf("input link: %v", err)
	}
	w, err := mem.CreateIntWME(il, "count", 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if mem.IsCommitRequired() {
		t.Fatalf("direct mode never queues")
	}
	if err := mem.UpdateInt(w, 2); err != nil {
		t.Fatalf("update: %v", err)
	}
	snap, _ := k.Snapshot("soar")
	if len(snap.Input) != 1 || snap.Input[0].Value != "2" {
		t.Fatalf("kernel input not updated directly: %+v", snap.Input)
	}

	seen := make(chan string, 1)
	mem.AddOutputHandler("move", func(_ *wm.Memory, w *wm.WME) {
		seen <- w.Value().Str()
	})
	if _, _, err := k.AddOutput("soar", kernel.OutputLinkID, "move", "west", ""); err != nil {
		t.Fatalf("add output: %v", err)
	}
	if _, err := k.FlushOutput("soar"); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	pumped := make(chan error, 1)
	go func() { pumped <- Pump(pumpCtx, e, mem) }()
	select {
	case got := <-seen:
		if got != "west" {
			t.Fatalf("expected move=west, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pump never delivered output")
	}
	cancel()
	if err := <-pumped; err != nil {
		t.Fatalf("pump exit err: %v", err)
	}
}

func TestPumpResyncsFailedBatch(t *testing.T) {
	testlog.Start(t)
	k, err := kernel.New(nil)
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	defer k.Close()
	if err := k.CreateAgent("soar"); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	e, err := NewEmbedded(k, "soar", false)
	if err != nil {
		t.Fatalf("embedded: %v", err)
	}
	mem, err := wm.New("soar", e)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	if _, _, err := k.AddOutput("soar", kernel.OutputLinkID, "status", "ok", ""); err != nil {
		t.Fatalf("add output: %v", err)
	}

	src := &scriptedSource{notices: []session.OutputNotice{{
		Agent:   "soar",
		Records: []session.Record{session.AddRecord("Z1", "lost", "x", "", 99)},
	}}}
	if err := Pump(context.Background(), src, mem); !errors.Is(err, errScriptDone) {
		t.Fatalf("expected script end, got %v", err)
	}
	if mem.GetOutputLink() == nil {
		t.Fatalf("resync did not establish output link")
	}
	if mem.FindByAttribute(mem.GetOutputLink(), "status", 0) == nil {
		t.Fatalf("resync did not replay kernel output")
	}
	if mem.LastError() != nil {
		t.Fatalf("expected error cleared after resync, got %v", mem.LastError())
	}
}

func TestPumpRefreshesAfterReinit(t *testing.T) {
	testlog.Start(t)
	k, err := kernel.New(nil)
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	defer k.Close()
	if err := k.CreateAgent("soar"); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	e, err := NewEmbedded(k, "soar", false)
	if err != nil {
		t.Fatalf("embedded: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	mem, err := wm.New("soar", e)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	il, err := mem.GetInputLink(ctx)
	if err != nil {
		t.Fatalf("input link: %v", err)
	}
	if _, err := mem.CreateStringWME(il, "name", "box"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mem.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	seen := make(chan string, 2)
	mem.AddOutputHandler("move", func(_ *wm.Memory, w *wm.WME) { seen <- "move" })
	mem.AddOutputHandler("status", func(_ *wm.Memory, w *wm.WME) { seen <- "status" })
	if _, _, err := k.AddOutput("soar", kernel.OutputLinkID, "move", "west", ""); err != nil {
		t.Fatalf("add output: %v", err)
	}
	if _, err := k.FlushOutput("soar"); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	pumped := make(chan error, 1)
	go func() { pumped <- Pump(pumpCtx, e, mem) }()
	wait := func(want string) {
		t.Helper()
		select {
		case got := <-seen:
			if got != want {
				t.Fatalf("expected %s, got %s", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("pump never delivered %s", want)
		}
	}
	wait("move")

	newID, err := k.Reinit("soar")
	if err != nil {
		t.Fatalf("reinit: %v", err)
	}
	if _, _, err := k.AddOutput("soar", kernel.OutputLinkID, "status", "fresh", ""); err != nil {
		t.Fatalf("add output after reinit: %v", err)
	}
	if _, err := k.FlushOutput("soar"); err != nil {
		t.Fatalf("flush after reinit: %v", err)
	}
	wait("status")
	cancel()
	if err := <-pumped; err != nil {
		t.Fatalf("pump exit err: %v", err)
	}

	out := mem.GetOutputLink()
	if out == nil {
		t.Fatalf("output link not re-established")
	}
	if mem.FindByAttribute(out, "move", 0) != nil {
		t.Fatalf("stale output survived reinit")
	}
	if mem.FindByAttribute(out, "status", 0) == nil {
		t.Fatalf("post-reinit output missing")
	}
	il, err = mem.GetInputLink(ctx)
	if err != nil {
		t.Fatalf("input link after reinit: %v", err)
	}
	if got := il.Value().String(); got != newID {
		t.Fatalf("expected input link %s, got %s", newID, got)
	}
	snap, _ := k.Snapshot("soar")
	if len(snap.Input) != 1 || snap.Input[0].ID != newID {
		t.Fatalf("input not replayed under new link: %+v", snap.Input)
	}
	if _, err := mem.CreateIntWME(il, "count", 1); err != nil {
		t.Fatalf("create after reinit: %v", err)
	}
	if err := mem.Commit(ctx); err != nil {
		t.Fatalf("commit after reinit: %v", err)
	}
}

func TestPumpStopsOnReinitWithPendingInput(t *testing.T) {
	testlog.Start(t)
	k, err := kernel.New(nil)
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	defer k.Close()
	if err := k.CreateAgent("soar"); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	e, err := NewEmbedded(k, "soar", false)
	if err != nil {
		t.Fatalf("embedded: %v", err)
	}
	defer e.Close()
	mem, err := wm.New("soar", e)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	il, err := mem.GetInputLink(context.Background())
	if err != nil {
		t.Fatalf("input link: %v", err)
	}
	if _, err := mem.CreateStringWME(il, "name", "box"); err != nil {
		t.Fatalf("create: %v", err)
	}

	src := &scriptedSource{notices: []session.OutputNotice{{Agent: "soar", Reinit: true}}}
	err = Pump(context.Background(), src, mem)
	if !errors.Is(err, wm.ErrCommitPending) {
		t.Fatalf("expected commit pending, got %v", err)
	}
}

var errScriptDone = errors.New("script done")

type scriptedSource struct {
	notices []session.OutputNotice
}

func (s *scriptedSource) NextOutput(context.Context) (session.OutputNotice, error) {
	if len(s.notices) == 0 {
		return session.OutputNotice{}, errScriptDone
	}
	n := s.notices[0]
	s.notices = s.notices[1:]
	return n, nil
}

func TestRemoteMutualTLSProduction(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "wmlink-test-ca")
	kernelSession, clientSession := ca.MutualSession(t, dir, session.SecurityModeProduction)

	k, err := kernel.New(nil)
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	defer k.Close()
	if err := k.CreateAgent("soar"); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	cfg := server.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Session = kernelSession
	srv, err := server.New(cfg, k)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	plain := testSessionConfig()
	plain.SecurityMode = session.SecurityModeProduction
	client, err := NewClient(ClientConfig{Address: ln.Addr().String(), Agent: "soar", Session: plain, MaxConnectAttempts: 1})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Connect(context.Background()); !errors.Is(err, session.ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired without tls, got %v", err)
	}

	client, err = NewClient(ClientConfig{Address: ln.Addr().String(), Agent: "soar", Session: clientSession, MaxConnectAttempts: 1})
	if err != nil {
		t.Fatalf("new tls client: %v", err)
	}
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer connectCancel()
	r, err := client.Connect(connectCtx)
	if err != nil {
		t.Fatalf("connect over mtls: %v", err)
	}
	defer r.Close()
	resp, err := r.SendAgentCommand(connectCtx, session.Request{Command: session.CmdGetInputLink})
	if err != nil {
		t.Fatalf("get input link: %v", err)
	}
	if id, _ := resp.Param(session.ParamID); id != "I2" {
		t.Fatalf("expected I2 over mtls, got %q", id)
	}
}
