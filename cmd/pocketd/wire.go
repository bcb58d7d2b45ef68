package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"pocketDCA/internal/capability"
	"pocketDCA/internal/chain"
	"pocketDCA/internal/config"
	"pocketDCA/internal/custody"
	"pocketDCA/internal/dex"
	"pocketDCA/internal/kvstore"
	"pocketDCA/internal/ledger"
	"pocketDCA/internal/operator"
	"pocketDCA/internal/orchestrator"
	"pocketDCA/internal/storage"
	"pocketDCA/internal/storage/amqp"
	"pocketDCA/internal/storage/postgres"
)

// app holds the wired components of a running node.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	db      *kvstore.DB
	chain   *chain.Client
	engine  *custody.Engine
	orch    *orchestrator.Orchestrator
	pg      *postgres.Store
	closers []func()
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	db, err := kvstore.Open(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, func() { _ = db.Close() })

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("connect rpc: %w", err)
	}
	a.chain = chainClient
	a.closers = append(a.closers, chainClient.Close)
	if err := chainClient.WithSigner(ctx, strings.TrimPrefix(cfg.CustodyKey, "0x")); err != nil {
		return nil, err
	}

	wrapped := common.HexToAddress(cfg.WrappedNative)
	backends, err := dex.NewChainBackends(chainClient, wrapped, logger.Named("dex"))
	if err != nil {
		return nil, err
	}

	relayer := capability.NewRelayer()
	l := ledger.New(ledger.Options{
		Admin:   common.HexToAddress(cfg.Admin),
		Relayer: relayer,
		Logger:  logger.Named("ledger"),
	})
	a.engine, err = custody.New(custody.Options{
		Ledger:         l,
		Backends:       backends,
		Account:        chainClient.From(),
		Permit2:        common.HexToAddress(cfg.Permit2),
		Relayer:        relayer,
		Logger:         logger.Named("custody"),
		DeadlineWindow: cfg.DeadlineWindow,
	})
	if err != nil {
		return nil, err
	}

	sink, err := a.openSinks(ctx)
	if err != nil {
		return nil, err
	}
	a.orch, err = orchestrator.New(orchestrator.Options{
		DB:      db,
		Ledger:  l,
		Custody: a.engine,
		Relayer: relayer,
		Sink:    sink,
		Logger:  logger.Named("orchestrator"),
	})
	if err != nil {
		return nil, err
	}

	if err := a.bootstrap(ctx); err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func (a *app) openSinks(ctx context.Context) (storage.EventSink, error) {
	var sinks storage.Multi
	if a.cfg.EventsOut != "" {
		sinks = append(sinks, storage.NewJsonlStorage(a.cfg.EventsOut))
	}
	if a.cfg.PGDSN != "" {
		store, err := postgres.NewStore(ctx, a.cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.pg = store
		a.closers = append(a.closers, store.Close)
		sinks = append(sinks, store)
	}
	if a.cfg.AMQPURL != "" {
		pub, err := amqp.Dial(amqp.Config{URL: a.cfg.AMQPURL, Exchange: a.cfg.AMQPExchange, Queue: a.cfg.AMQPQueue})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = pub.Close() })
		sinks = append(sinks, pub)
	}
	if len(sinks) == 0 {
		return storage.Discard{}, nil
	}
	a.logger.Info("event sinks ready",
		zap.String("jsonl", a.cfg.EventsOut),
		zap.Bool("postgres", a.pg != nil),
		zap.Bool("amqp", a.cfg.AMQPURL != ""),
	)
	return sinks, nil
}

// bootstrap applies the allow-list, operator roles and quoter bindings from
// config as the admin.
func (a *app) bootstrap(ctx context.Context) error {
	admin := common.HexToAddress(a.cfg.Admin)

	whitelist, err := parseAddresses(a.cfg.Whitelist)
	if err != nil {
		return fmt.Errorf("whitelist: %w", err)
	}
	for _, addr := range whitelist {
		if err := a.orch.WhitelistAddress(ctx, admin, addr, true); err != nil {
			return fmt.Errorf("whitelist %s: %w", addr.Hex(), err)
		}
	}

	operators, err := parseAddresses(a.cfg.Operators)
	if err != nil {
		return fmt.Errorf("operators: %w", err)
	}
	if a.cfg.RunOperator {
		operators = append(operators, common.HexToAddress(a.cfg.OperatorAddress))
	}
	for _, addr := range operators {
		if err := a.orch.GrantRole(ctx, admin, ledger.RoleOperator, addr); err != nil {
			return fmt.Errorf("grant operator %s: %w", addr.Hex(), err)
		}
	}

	for routerHex, quoterHex := range a.cfg.Quoters {
		if !common.IsHexAddress(routerHex) || !common.IsHexAddress(quoterHex) {
			return fmt.Errorf("invalid quoter binding %s=%s", routerHex, quoterHex)
		}
		if err := a.orch.SetQuoter(ctx, admin, common.HexToAddress(routerHex), common.HexToAddress(quoterHex)); err != nil {
			return fmt.Errorf("set quoter for %s: %w", routerHex, err)
		}
	}

	a.logger.Info("bootstrap complete",
		zap.String("custody", a.engine.Account().Hex()),
		zap.Int("whitelist", len(whitelist)),
		zap.Int("operators", len(operators)),
		zap.Int("quoters", len(a.cfg.Quoters)),
	)
	return nil
}

func (a *app) newRunner() *operator.Runner {
	var state operator.StateStore = &operator.FileStateStore{Path: a.cfg.OperatorState}
	if a.pg != nil {
		state = &operator.DBStateStore{Store: a.pg, Name: "operator:" + strings.ToLower(a.cfg.OperatorAddress)}
	}
	return operator.NewRunner(operator.RunConfig{
		Operator:     common.HexToAddress(a.cfg.OperatorAddress),
		FeeTier:      a.cfg.FeeTier,
		SlippageBps:  a.cfg.SlippageBps,
		Interval:     a.cfg.TickInterval,
		ChunkSize:    a.cfg.ChunkSize,
		MaxRetries:   a.cfg.MaxRetries,
		RetryBackoff: a.cfg.RetryBackoff,
		RateLimit:    a.cfg.RateLimit,
		Burst:        a.cfg.RateBurst,
	}, a.orch, state, a.logger.Named("operator"), nil)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// parseAddresses converts string addresses into common.Address.
func parseAddresses(inputs []string) ([]common.Address, error) {
	addresses := make([]common.Address, 0, len(inputs))
	for _, input := range inputs {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if !common.IsHexAddress(input) {
			return nil, fmt.Errorf("invalid address: %s", input)
		}
		addresses = append(addresses, common.HexToAddress(input))
	}
	return addresses, nil
}
