package config

import (
	"errors"
	"strings"

	"github.com/danmuck/wmlink/internal/auth"
	"github.com/danmuck/wmlink/internal/kernel"
	"github.com/danmuck/wmlink/internal/kernel/server"
	"github.com/danmuck/wmlink/internal/protocol/session"
)

// ServerConfig maps the file onto the session server, keeping sess for
// transport timeouts and TLS.
func (c KernelConfig) ServerConfig(sess session.Config) server.Config {
	return server.Config{
		Name:        c.Name,
		ListenAddr:  c.Addr,
		AdminAddr:   c.AdminAddr,
		CORSOrigins: c.CorsOrigins,
		Validator:   auth.ForToken(c.Token),
		Session:     sess,
	}
}

// OpenKernel opens the configured store and makes sure every listed agent
// exists. Agents restored from the store are kept as they are.
func (c KernelConfig) OpenKernel() (*kernel.Kernel, error) {
	store, err := kernel.OpenStore(c.Store, c.SQLitePath)
	if err != nil {
		return nil, err
	}
	k, err := kernel.New(store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	for _, name := range c.Agents {
		if err := k.CreateAgent(strings.TrimSpace(name)); err != nil && !errors.Is(err, kernel.ErrAgentExists) {
			_ = k.Close()
			return nil, err
		}
	}
	return k, nil
}
