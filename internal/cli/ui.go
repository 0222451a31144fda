package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/codec"
	"github.com/doomervibe/fleuve/internal/config"
	"github.com/doomervibe/fleuve/internal/repo"
	"github.com/doomervibe/fleuve/internal/store"
	"github.com/doomervibe/fleuve/internal/ui"
	"github.com/doomervibe/fleuve/internal/workflows/order"
)

func newUICmd() *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "ui",
		Short: "Start the monitoring API server",
		Long: `Start the monitoring API server. The server reads the event store
directly and stays up independently of any engine process. Connection
settings come from the config file or DATABASE_URL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.UI.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.UI.Port = port
			}
			return runUI(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "listen host")
	cmd.Flags().IntVar(&port, "port", 8001, "listen port")
	return cmd
}

func runUI(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
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

	if cfg.DatabaseURL == "" {
		return errors.New("database_url required (set DATABASE_URL or the config key)")
	}
	pg, err := store.OpenURL(cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer func() { _ = pg.Close() }()
	if err := pg.EnsureSchema(); err != nil {
		return err
	}

	states, err := stateLoaders(pg, cfg, logger)
	if err != nil {
		return err
	}
	srv, err := ui.NewServer(ui.Options{
		DB:         pg.DB(),
		States:     states,
		AuthSecret: cfg.UI.AuthSecret,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.UI.Host, cfg.UI.Port)
	logger.Info("Monitoring server listening",
		zap.String("addr", addr), zap.Bool("auth", cfg.UI.AuthSecret != ""))
	return srv.Run(ctx, addr)
}

// stateLoaders builds one decoding repository per workflow type this
// binary links. Types without a loader still list raw events; only the
// decoded state view needs a codec.
func stateLoaders(pg *store.Postgres, cfg *config.Config, logger *zap.Logger) (map[string]ui.StateLoader, error) {
	reg := codec.NewRegistry()
	if err := order.Register(reg); err != nil {
		return nil, err
	}
	cdc, err := codec.New(reg, codec.Options{
		Compression:   cfg.Compression,
		EncryptionKey: cfg.EncryptionKey,
	})
	if err != nil {
		return nil, err
	}
	st := store.New(pg.DB(), logger)
	return map[string]ui.StateLoader{
		"order": repo.New(st, cdc, order.Definition{}, logger),
	}, nil
}
