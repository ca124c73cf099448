package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/wmlink/internal/kernel"
	"github.com/danmuck/wmlink/internal/kernel/server"
	"github.com/danmuck/wmlink/internal/protocol/session"
	"github.com/danmuck/wmlink/internal/testutil/testlog"
	"gopkg.in/yaml.v3"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func startKernel(t *testing.T) (*kernel.Kernel, string) {
	t.Helper()
	k, err := kernel.New(nil)
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	t.Cleanup(func() { _ = k.Close() })
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
		<-done
	})
	return k, ln.Addr().String()
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	if root.Use != "wmctl" {
		t.Fatalf("unexpected use %q", root.Use)
	}
	for _, name := range []string{"probe", "push", "watch", "version"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Fatalf("missing subcommand %s: %v", name, err)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "wmctl ") {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestLoadClientConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wmctl.toml")
	content := `
address = "embedded"
agent = "eaters"
direct = true
track_output = false
read_timeout = "2s"
max_connect_attempts = 0
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadClientConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Address != embeddedAddress || cfg.Agent != "eaters" || !cfg.Direct {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.TrackOutput || !cfg.BlinkIfNoChange {
		t.Fatalf("unexpected flags %+v", cfg)
	}
	if cfg.ReadTimeout != 2*time.Second || cfg.ConnectTimeout != 5*time.Second {
		t.Fatalf("unexpected timeouts %+v", cfg)
	}
	if cfg.MaxConnectAttempts != 0 {
		t.Fatalf("unexpected attempts %d", cfg.MaxConnectAttempts)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadClientConfigErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wmctl.toml")
	if err := os.WriteFile(path, []byte("connect_timeout = \"later\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadClientConfig(path); err == nil {
		t.Fatalf("expected duration error")
	}
	cfg := defaultClientConfig()
	cfg.Direct = true
	if err := cfg.validate(); err == nil {
		t.Fatalf("expected direct mode to require embedded")
	}
}

func TestPushAndProbeEmbedded(t *testing.T) {
	testlog.Start(t)
	out, err := execute(t, "push", "--address", "embedded", "--direct", "--type", "int", "count", "3")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if !strings.Contains(out, "^count 3") {
		t.Fatalf("unexpected push output %q", out)
	}
	if _, err := execute(t, "push", "--address", "embedded", "--type", "int", "count", "many"); err == nil {
		t.Fatalf("expected bad int to fail")
	}

	out, err = execute(t, "probe", "--address", "embedded", "--format", "json")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	var d dump
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		t.Fatalf("decode probe: %v\n%s", err, out)
	}
	if d.Agent != "soar" || d.Output.Attribute != kernel.OutputLinkAttr {
		t.Fatalf("unexpected dump %+v", d)
	}
}

func TestPushAndProbeRemote(t *testing.T) {
	testlog.Start(t)
	k, addr := startKernel(t)

	if _, err := execute(t, "push", "--address", addr, "--type", "id", "position"); err != nil {
		t.Fatalf("push id: %v", err)
	}
	if _, err := execute(t, "push", "--address", addr, "name", "box"); err != nil {
		t.Fatalf("push string: %v", err)
	}
	snap, err := k.Snapshot("soar")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Input) != 2 {
		t.Fatalf("expected 2 input wmes, got %+v", snap.Input)
	}

	out, err := execute(t, "probe", "--address", addr)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	var d dump
	if err := yaml.Unmarshal([]byte(out), &d); err != nil {
		t.Fatalf("decode probe: %v\n%s", err, out)
	}
	if len(d.Input.Children) != 2 || d.Input.Children[0].Attribute != "name" {
		t.Fatalf("unexpected input dump %+v", d.Input)
	}
	if _, err := execute(t, "probe", "--address", addr, "--format", "xml"); err == nil {
		t.Fatalf("expected unknown format error")
	}
}

func TestWatchPrintsOutputChanges(t *testing.T) {
	testlog.Start(t)
	k, addr := startKernel(t)
	if _, err := k.FlushOutput("soar"); err != nil {
		t.Fatalf("flush: %v", err)
	}

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := execute(t, "watch", "--address", addr, "--limit", "2")
		done <- result{out, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := k.Snapshot("soar")
		if err != nil {
			t.Errorf("snapshot: %v", err)
			return
		}
		if snap.Subscribers > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watch never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The watcher synchronizes after attaching; give that request a moment
	// before publishing the batch.
	time.Sleep(50 * time.Millisecond)

	_, moveID, err := k.AddOutput("soar", kernel.OutputLinkID, "move", "", session.TypeIdentifier)
	if err != nil {
		t.Fatalf("add output: %v", err)
	}
	if _, _, err := k.AddOutput("soar", moveID, "direction", "north", ""); err != nil {
		t.Fatalf("add child: %v", err)
	}
	if _, err := k.FlushOutput("soar"); err != nil {
		t.Fatalf("flush: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("watch: %v", r.err)
		}
		if strings.Count(r.out, "added") != 2 || !strings.Contains(r.out, "^direction north") {
			t.Fatalf("unexpected watch output %q", r.out)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("watch did not exit")
	}
}
