package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/octoporty/octoporty/internal/agentdriver"
	"github.com/octoporty/octoporty/internal/config"
	"github.com/octoporty/octoporty/internal/confsource"
	"github.com/octoporty/octoporty/internal/forwarder"
	"github.com/octoporty/octoporty/internal/logger"
)

var configPath string

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the configured Gateway and start forwarding",
		RunE:  runServe,
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a config file (optional; AGENT__* env vars take precedence)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(&cfg.Logger); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	log := logger.NewLogger()
	log.Infow("starting agent", "version", cfg.Agent.Version, "gateway_url", cfg.Agent.GatewayUrl)

	confSource, err := confsource.NewFileSource(cfg.Agent.ConfigStoreDSN, log)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	defer confSource.Close()

	fwd := forwarder.New(log)

	driver := agentdriver.New(agentdriver.Options{
		GatewayURL:   cfg.Agent.GatewayUrl,
		ApiKey:       cfg.Agent.ApiKey,
		AgentVersion: cfg.Agent.Version,
	}, confSource, fwd, log)

	logStateTransitions(driver, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		driver.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down agent")
	driver.Shutdown()
	cancel()
	<-done

	log.Infow("agent exited gracefully")
	return nil
}

func logStateTransitions(driver *agentdriver.Driver, log logger.Interface) {
	changes, _ := driver.Subscribe()
	go func() {
		for change := range changes {
			log.Infow("agent state changed", "from", change.From.String(), "to", change.To.String())
		}
	}()
}
