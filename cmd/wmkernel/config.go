package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/wmlink/internal/protocol/session"
)

// sessionFile is the [session] table of the kernel config. The rest of the
// file is read by internal/config.
type sessionFile struct {
	Session struct {
		ConnectTimeout   string `toml:"connect_timeout"`
		HandshakeTimeout string `toml:"handshake_timeout"`
		ReadTimeout      string `toml:"read_timeout"`
		WriteTimeout     string `toml:"write_timeout"`
		IdleTimeout      string `toml:"idle_timeout"`
		SecurityMode     string `toml:"security_mode"`
		TLSEnabled       bool   `toml:"tls_enabled"`
		TLSMutual        bool   `toml:"tls_mutual"`
		TLSCertFile      string `toml:"tls_cert_file"`
		TLSKeyFile       string `toml:"tls_key_file"`
		TLSCAFile        string `toml:"tls_ca_file"`
	} `toml:"session"`
}

type sessionSettings struct {
	Session     session.Config
	IdleTimeout time.Duration
}

func loadSessionSettings(path string) (sessionSettings, error) {
	out := sessionSettings{Session: session.DefaultConfig()}

	var raw sessionFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return sessionSettings{}, fmt.Errorf("load kernel session config: %w", err)
	}
	s := raw.Session

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", s.ConnectTimeout, &out.Session.ConnectTimeout},
		{"handshake_timeout", s.HandshakeTimeout, &out.Session.HandshakeTimeout},
		{"read_timeout", s.ReadTimeout, &out.Session.ReadTimeout},
		{"write_timeout", s.WriteTimeout, &out.Session.WriteTimeout},
		{"idle_timeout", s.IdleTimeout, &out.IdleTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return sessionSettings{}, fmt.Errorf("parse session.%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("session", "security_mode") {
		out.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(s.SecurityMode))
	}
	if meta.IsDefined("session", "tls_enabled") {
		out.Session.TLS.Enabled = s.TLSEnabled
	}
	if meta.IsDefined("session", "tls_mutual") {
		out.Session.TLS.Mutual = s.TLSMutual
	}
	if meta.IsDefined("session", "tls_cert_file") {
		out.Session.TLS.CertFile = strings.TrimSpace(s.TLSCertFile)
	}
	if meta.IsDefined("session", "tls_key_file") {
		out.Session.TLS.KeyFile = strings.TrimSpace(s.TLSKeyFile)
	}
	if meta.IsDefined("session", "tls_ca_file") {
		out.Session.TLS.CAFile = strings.TrimSpace(s.TLSCAFile)
	}
	return out, nil
}
