package cli

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/config"
	"github.com/doomervibe/fleuve/internal/engine"
	"github.com/doomervibe/fleuve/internal/messaging"
	"github.com/doomervibe/fleuve/internal/workflows/order"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the example order service",
		Long: `Run the example order service: an engine bundle for the order
workflow type with its side-effect adapter. The adapter hooks log their
steps instead of calling real integrations, so the service exercises
the full pipeline against any Postgres from a bare checkout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, level, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfgFile != "" {
		mgr, err := watchConfig(cfgFile, level, logger)
		if err != nil {
			return err
		}
		defer func() { _ = mgr.Stop() }()
	}

	opts := engine.Options{
		Config:     cfg,
		Definition: order.Definition{},
		Register:   order.Register,
		Adapter:    &order.Adapter{Logger: logger},
		Logger:     logger,
	}
	if cfg.External.Enabled {
		opts.Parser = messaging.JSONParser(order.PaymentNotice{})
	}

	eng, err := engine.New(ctx, opts)
	if err != nil {
		return err
	}
	logger.Info("Order service starting",
		zap.String("environment", cfg.Environment),
		zap.Bool("outbox", cfg.Outbox.Enabled),
		zap.Bool("external", cfg.External.Enabled),
		zap.Int("partition", cfg.Partition.Index),
		zap.Int("partitions", cfg.Partition.Total))
	return eng.Run(ctx)
}
