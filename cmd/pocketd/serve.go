package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pocketDCA/internal/api"
	"pocketDCA/internal/config"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server, err := api.NewServer(api.Options{
		Orchestrator: a.orch,
		Tokens:       a.engine,
		DB:           a.db,
		Logger:       logger.Named("api"),
		MaxSkew:      cfg.MaxSkew,
		FeeTier:      cfg.FeeTier,
	})
	if err != nil {
		return err
	}

	logger.Info("pocketd serve start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("listen", cfg.ListenAddr),
		zap.String("state_dir", cfg.StateDir),
		zap.Bool("operator", cfg.RunOperator),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	running := 1
	go func() {
		errCh <- server.ListenAndServe(ctx, cfg.ListenAddr)
	}()
	if cfg.RunOperator {
		runner := a.newRunner()
		running++
		go func() {
			errCh <- runner.Run(ctx)
		}()
	}

	// The first component to stop takes the others down with it.
	var firstErr error
	for i := 0; i < running; i++ {
		err := <-errCh
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
