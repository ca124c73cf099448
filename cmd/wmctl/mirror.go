package main

import (
	"context"

	"github.com/danmuck/wmlink/internal/connection"
	"github.com/danmuck/wmlink/internal/kernel"
	"github.com/danmuck/wmlink/internal/wm"
)

// mirror is an open memory plus the transport feeding it.
type mirror struct {
	mem    *wm.Memory
	source connection.OutputSource
	close  func() error
}

func openMirror(ctx context.Context, cfg clientConfig) (*mirror, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opts := []wm.Option{
		wm.WithBlinkIfNoChange(cfg.BlinkIfNoChange),
		wm.WithOutputTracking(cfg.TrackOutput),
	}
	if cfg.Address == embeddedAddress {
		return openEmbedded(cfg, opts)
	}

	ccfg := connection.DefaultClientConfig()
	ccfg.Address = cfg.Address
	ccfg.Agent = cfg.Agent
	ccfg.Token = cfg.Token
	ccfg.MaxConnectAttempts = cfg.MaxConnectAttempts
	ccfg.Session.ConnectTimeout = cfg.ConnectTimeout
	ccfg.Session.ReadTimeout = cfg.ReadTimeout
	client, err := connection.NewClient(ccfg)
	if err != nil {
		return nil, err
	}
	remote, err := client.Connect(ctx)
	if err != nil {
		return nil, err
	}
	mem, err := wm.New(cfg.Agent, remote, opts...)
	if err != nil {
		_ = remote.Close()
		return nil, err
	}
	return &mirror{mem: mem, source: remote, close: remote.Close}, nil
}

func openEmbedded(cfg clientConfig, opts []wm.Option) (*mirror, error) {
	k, err := kernel.New(nil)
	if err != nil {
		return nil, err
	}
	if err := k.CreateAgent(cfg.Agent); err != nil {
		_ = k.Close()
		return nil, err
	}
	emb, err := connection.NewEmbedded(k, cfg.Agent, cfg.Direct)
	if err != nil {
		_ = k.Close()
		return nil, err
	}
	mem, err := wm.New(cfg.Agent, emb, opts...)
	if err != nil {
		_ = emb.Close()
		_ = k.Close()
		return nil, err
	}
	closeAll := func() error {
		_ = emb.Close()
		return k.Close()
	}
	return &mirror{mem: mem, source: emb, close: closeAll}, nil
}

// dump is the probe output shape.
type dump struct {
	Agent  string  `json:"agent" yaml:"agent"`
	Direct bool    `json:"direct" yaml:"direct"`
	Input  wm.Node `json:"input" yaml:"input"`
	Output wm.Node `json:"output" yaml:"output"`
}

func (m *mirror) dump(ctx context.Context) (dump, error) {
	il, err := m.mem.GetInputLink(ctx)
	if err != nil {
		return dump{}, err
	}
	return dump{
		Agent:  m.mem.Agent(),
		Direct: m.mem.IsDirect(),
		Input:  m.mem.Snapshot(il),
		Output: m.mem.Snapshot(m.mem.GetOutputLink()),
	}, nil
}
