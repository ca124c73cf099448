package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// KernelConfig is the wmkernel server file.
type KernelConfig struct {
	Name        string   `toml:"name"`
	Addr        string   `toml:"addr"`
	AdminAddr   string   `toml:"admin_addr"`
	CorsOrigins []string `toml:"cors_origins"`
	Token       string   `toml:"token"`
	Store       string   `toml:"store"`
	SQLitePath  string   `toml:"sqlite_path"`
	Agents      []string `toml:"agents"`
}

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

func DefaultKernelConfig() KernelConfig {
	return KernelConfig{
		Name:   "wmkernel",
		Addr:   ":9400",
		Store:  StoreMemory,
		Agents: []string{"soar"},
	}
}

func LoadKernelConfig(path string) (KernelConfig, error) {
	cfg := DefaultKernelConfig()
	if err := loadToml(path, &cfg); err != nil {
		return KernelConfig{}, err
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	if cfg.Store == "" {
		cfg.Store = StoreMemory
	}
	if cfg.Store == StoreSQLite && strings.TrimSpace(cfg.SQLitePath) == "" {
		cfg.SQLitePath = "wmkernel.db"
	}
	if err := ValidateKernelConfig(cfg); err != nil {
		return KernelConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateKernelConfig(cfg KernelConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("kernel config missing name")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("kernel config missing addr")
	}
	if admin := strings.TrimSpace(cfg.AdminAddr); admin != "" && admin == strings.TrimSpace(cfg.Addr) {
		return fmt.Errorf("kernel config admin_addr must differ from addr")
	}
	switch cfg.Store {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return fmt.Errorf("kernel config sqlite store requires sqlite_path")
		}
	default:
		return fmt.Errorf("kernel config unknown store %q", cfg.Store)
	}
	seen := make(map[string]bool, len(cfg.Agents))
	for i, name := range cfg.Agents {
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("agents[%d] is empty", i)
		}
		if seen[name] {
			return fmt.Errorf("agents[%d] duplicates %q", i, name)
		}
		seen[name] = true
	}
	return nil
}
