package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// embeddedAddress runs the commands against an in-process kernel.
const embeddedAddress = "embedded"

type clientConfig struct {
	Address            string
	Agent              string
	Token              string
	Direct             bool
	BlinkIfNoChange    bool
	TrackOutput        bool
	ConnectTimeout     time.Duration
	ReadTimeout        time.Duration
	MaxConnectAttempts int
}

type fileConfig struct {
	Address            string `toml:"address"`
	Agent              string `toml:"agent"`
	Token              string `toml:"token"`
	Direct             bool   `toml:"direct"`
	BlinkIfNoChange    bool   `toml:"blink_if_no_change"`
	TrackOutput        bool   `toml:"track_output"`
	ConnectTimeout     string `toml:"connect_timeout"`
	ReadTimeout        string `toml:"read_timeout"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		Address:            "127.0.0.1:9400",
		Agent:              "soar",
		BlinkIfNoChange:    true,
		TrackOutput:        true,
		ConnectTimeout:     5 * time.Second,
		ReadTimeout:        15 * time.Second,
		MaxConnectAttempts: 3,
	}
}

// loadClientConfig overlays the keys present in path on the defaults. An
// empty path returns the defaults.
func loadClientConfig(path string) (clientConfig, error) {
	cfg := defaultClientConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return clientConfig{}, fmt.Errorf("load wmctl config: %w", err)
	}

	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("agent") {
		if agent := strings.TrimSpace(raw.Agent); agent != "" {
			cfg.Agent = agent
		}
	}
	if meta.IsDefined("token") {
		cfg.Token = raw.Token
	}
	if meta.IsDefined("direct") {
		cfg.Direct = raw.Direct
	}
	if meta.IsDefined("blink_if_no_change") {
		cfg.BlinkIfNoChange = raw.BlinkIfNoChange
	}
	if meta.IsDefined("track_output") {
		cfg.TrackOutput = raw.TrackOutput
	}
	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return clientConfig{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}
	if meta.IsDefined("read_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReadTimeout))
		if err != nil {
			return clientConfig{}, fmt.Errorf("parse read_timeout: %w", err)
		}
		cfg.ReadTimeout = d
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	return cfg, nil
}

func (c clientConfig) validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return fmt.Errorf("wmctl config missing address")
	}
	if strings.TrimSpace(c.Agent) == "" {
		return fmt.Errorf("wmctl config missing agent")
	}
	if c.Direct && c.Address != embeddedAddress {
		return fmt.Errorf("direct mode requires address %q", embeddedAddress)
	}
	return nil
}
