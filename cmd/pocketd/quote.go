package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/bvkgo/kv"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"pocketDCA/internal/capability"
	"pocketDCA/internal/chain"
	"pocketDCA/internal/config"
	"pocketDCA/internal/custody"
	"pocketDCA/internal/dex"
	"pocketDCA/internal/kvstore"
	"pocketDCA/internal/ledger"
	"pocketDCA/internal/model"
)

type quoteOutput struct {
	Router        string `json:"router"`
	RouterVersion string `json:"router_version"`
	TokenIn       string `json:"token_in"`
	TokenOut      string `json:"token_out"`
	FeeTier       uint32 `json:"fee_tier"`
	AmountIn      string `json:"amount_in"`
	AmountOut     string `json:"amount_out"`
}

func runQuote(cmd *cobra.Command, _ []string) error {
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

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	routerHex, _ := cmd.Flags().GetString("router")
	tokenInHex, _ := cmd.Flags().GetString("token-in")
	tokenOutHex, _ := cmd.Flags().GetString("token-out")
	for name, value := range map[string]string{"router": routerHex, "token-in": tokenInHex, "token-out": tokenOutHex} {
		if !common.IsHexAddress(value) {
			return fmt.Errorf("%s must be a hex address, got %q", name, value)
		}
	}
	rawAmount, _ := cmd.Flags().GetString("amount")
	amount, ok := new(big.Int).SetString(rawAmount, 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("amount must be a positive integer, got %q", rawAmount)
	}
	version, _ := cmd.Flags().GetUint8("router-version")
	feeTier, _ := cmd.Flags().GetUint32("fee-tier")

	ctx := context.Background()
	db, err := kvstore.Open(cfg.StateDir)
	if err != nil {
		return err
	}
	defer db.Close()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	backends, err := dex.NewChainBackends(chainClient, common.HexToAddress(cfg.WrappedNative), logger.Named("dex"))
	if err != nil {
		return err
	}
	relayer := capability.NewRelayer()
	engine, err := custody.New(custody.Options{
		Ledger:   ledger.New(ledger.Options{Relayer: relayer, Logger: logger.Named("ledger")}),
		Backends: backends,
		Permit2:  common.HexToAddress(cfg.Permit2),
		Relayer:  relayer,
		Logger:   logger.Named("custody"),
	})
	if err != nil {
		return err
	}

	router := common.HexToAddress(routerHex)
	req := custody.SwapRequest{
		TokenIn:  common.HexToAddress(tokenInHex),
		TokenOut: common.HexToAddress(tokenOutHex),
		AmountIn: amount,
		FeeTier:  feeTier,
	}
	var out *big.Int
	err = kv.WithReader(ctx, db, func(ctx context.Context, r kv.Reader) error {
		route, err := engine.RouteFor(ctx, r, router, model.RouterVersion(version))
		if err != nil {
			return err
		}
		req.Route = route
		_, out, err = engine.Quote(ctx, req)
		return err
	})
	if err != nil {
		return fmt.Errorf("quote: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(quoteOutput{
		Router:        router.Hex(),
		RouterVersion: model.RouterVersion(version).String(),
		TokenIn:       req.TokenIn.Hex(),
		TokenOut:      req.TokenOut.Hex(),
		FeeTier:       feeTier,
		AmountIn:      amount.String(),
		AmountOut:     model.AmountString(out),
	})
}
