package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pocketDCA/internal/config"
)

func runOperator(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	cfg.RunOperator = true

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.OperatorAddress == "" {
		return fmt.Errorf("operator-address is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("operator start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("operator", cfg.OperatorAddress),
		zap.Uint64("slippage_bps", cfg.SlippageBps),
		zap.Duration("tick_interval", cfg.TickInterval),
		zap.Float64("rate_limit", cfg.RateLimit),
	)

	if err := a.newRunner().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
