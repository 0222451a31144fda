// Package cli wires the fleuve binary's commands. The root command only
// prints help; `ui` runs the monitoring server and `serve` runs the
// example order service end to end.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/doomervibe/fleuve/internal/config"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fleuve",
		Short:         "Durable event-sourced workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: CONFIG_FILE env or ./fleuve.yaml)")
	root.AddCommand(newUICmd(), newServeCmd())
	return root
}

// Execute runs the CLI under ctx and returns the process exit code. The
// caller owns signal handling; a cancelled ctx drains the running command.
func Execute(ctx context.Context) int {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Println("Error:", err)
		return 1
	}
	return 0
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFile(cfgFile)
	}
	return config.Load(), nil
}

// newLogger builds the process logger from the configured environment and
// level. Development gets the console encoder, everything else JSON. The
// returned AtomicLevel lets the config watcher retune verbosity live.
func newLogger(cfg *config.Config) (*zap.Logger, zap.AtomicLevel, error) {
	var zc zap.Config
	if cfg.Environment == "development" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("parse log_level: %w", err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return logger, zc.Level, nil
}

// watchConfig hot-reloads an explicit config file. Log level applies
// immediately; other keys apply on the next restart.
func watchConfig(path string, level zap.AtomicLevel, logger *zap.Logger) (*config.Manager, error) {
	mgr, err := config.NewManager(path, logger)
	if err != nil {
		return nil, err
	}
	mgr.OnChange(func(next *config.Config) {
		lv, err := zapcore.ParseLevel(next.LogLevel)
		if err != nil {
			return
		}
		if level.Level() != lv {
			level.SetLevel(lv)
			logger.Info("Log level changed", zap.String("level", next.LogLevel))
		}
	})
	if err := mgr.Start(); err != nil {
		return nil, err
	}
	return mgr, nil
}
