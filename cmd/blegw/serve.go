package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iotworks/blegw/internal/agent"
	"github.com/iotworks/blegw/internal/arbiter"
	"github.com/iotworks/blegw/internal/bleadapter"
	"github.com/iotworks/blegw/internal/devicefactory"
	"github.com/iotworks/blegw/internal/mempool"
	"github.com/iotworks/blegw/internal/scanner"
	"github.com/iotworks/blegw/internal/session"
	"github.com/iotworks/blegw/internal/sink"
	"github.com/iotworks/blegw/pkg/config"
)

// serveCmd runs the gateway loop until SIGINT/SIGTERM.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway loop",
	Long: `Run continuous discovery, dispatch a worker per discovered sensor, and
deliver harvested measurements to the configured sink. Stops cleanly on
SIGINT or SIGTERM: discovery ends first, then in-flight workers finish.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snk, err := buildSink(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := snk.Close(); err != nil {
			logger.WithField("error", err).Warn("Sink close failed")
		}
	}()

	if cfg.AgentEnabled {
		pairing := agent.New(agent.Policy{PinCode: cfg.AgentPin}, logger)
		if err := pairing.Register(); err != nil {
			logger.WithField("error", err).Warn("Pairing agent unavailable, continuing without it")
		} else {
			defer func() { _ = pairing.Unregister() }()
		}
	}

	pool := mempool.New()
	arb := arbiter.New(cfg.ArbiterCapacity, logger)
	defer arb.Close()

	adapter := bleadapter.New(logger)
	defer func() { _ = adapter.Stop() }()

	dial := func(ctx context.Context, addr string) (session.GATTClient, error) {
		return adapter.Dial(ctx, addr)
	}
	factory := devicefactory.New(dial, arb, pool, session.Options{
		ConnectAttempts: cfg.ConnectAttempts,
		ConnectBackoff:  cfg.ConnectBackoff,
		StabilizeDelay:  cfg.StabilizeDelay,
		TokenTimeout:    cfg.TokenTimeout,
		ResponseTimeout: cfg.ResponseTimeout,
		MTU:             cfg.MTU,
	}, logger)

	scan := scanner.New(adapter, factory.Build, snk, scanner.Options{
		RestartInterval: cfg.ScanRestartInterval,
		ErrorPause:      cfg.ScanErrorPause,
		Mode:            scanner.Mode(cfg.Mode),
		NamePrefix:      cfg.NamePrefix,
		ServiceUUID:     cfg.ServiceUUID,
		MinRSSI:         cfg.MinRSSI,
	}, logger)

	if err := scan.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("Gateway stopped")
	return nil
}

// buildSink selects the configured sink implementation.
func buildSink(cfg *config.Config, logger *logrus.Logger) (sink.Sink, error) {
	switch cfg.SinkType {
	case "sqlite":
		return sink.NewSQLite(cfg.SQLitePath, logger)
	default:
		if cfg.SinkPath != "" {
			f, err := os.OpenFile(cfg.SinkPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, err
			}
			return sink.NewJSONL(f, logger), nil
		}
		return sink.NewJSONL(os.Stdout, logger), nil
	}
}
