package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/wmlink/internal/config"
	"github.com/danmuck/wmlink/internal/kernel/server"
	"github.com/danmuck/wmlink/internal/logging"
	"github.com/danmuck/wmlink/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "wmkernel.toml", "kernel config file")
	initTemplate := flag.Bool("init", false, "write a config template to -config and exit")
	flag.Parse()

	if err := run(*path, *initTemplate); err != nil {
		fmt.Fprintf(os.Stderr, "wmkernel: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, initTemplate bool) error {
	if initTemplate {
		return config.WriteTemplate(path, "kernel", false)
	}
	logging.ConfigureRuntime()
	observability.RegisterMetrics()

	cfg, err := config.LoadKernelConfig(path)
	if err != nil {
		return err
	}
	settings, err := loadSessionSettings(path)
	if err != nil {
		return err
	}

	k, err := cfg.OpenKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	srvCfg := cfg.ServerConfig(settings.Session)
	srvCfg.IdleTimeout = settings.IdleTimeout
	srv, err := server.New(srvCfg, k)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info().Msgf("wmkernel.run start name=%q store=%q agents=%v", cfg.Name, cfg.Store, k.Agents())
	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("wmkernel.run stopped")
	return nil
}
