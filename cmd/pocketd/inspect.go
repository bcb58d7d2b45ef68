package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/bvkgo/kv"
	"github.com/spf13/cobra"

	"pocketDCA/internal/config"
	"pocketDCA/internal/kvstore"
	"pocketDCA/internal/ledger"
	"pocketDCA/internal/model"
	"pocketDCA/internal/stats"
	"pocketDCA/internal/storage"
)

type inspectOutput struct {
	Pocket         *model.Pocket             `json:"pocket"`
	StopConditions []model.StopCondition     `json:"stop_conditions"`
	TradingInfo    model.TradingInfo         `json:"trading_info"`
	Stats          stats.PocketStats         `json:"stats"`
	Events         []model.PocketEventRecord `json:"events"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	baseDecimals, _ := cmd.Flags().GetUint8("base-decimals")
	targetDecimals, _ := cmd.Flags().GetUint8("target-decimals")

	ctx := context.Background()
	db, err := kvstore.Open(cfg.StateDir)
	if err != nil {
		return err
	}
	defer db.Close()

	l := ledger.New(ledger.Options{})
	id := args[0]
	var out inspectOutput
	err = kv.WithReader(ctx, db, func(ctx context.Context, r kv.Reader) error {
		var err error
		if out.Pocket, err = l.ReadPocket(ctx, r, id); err != nil {
			return err
		}
		if out.StopConditions, err = l.StopConditions(ctx, r, id); err != nil {
			return err
		}
		out.TradingInfo, err = l.TradingInfo(ctx, r, id)
		return err
	})
	if err != nil {
		return err
	}
	out.Stats = stats.Compute(out.Pocket, baseDecimals, targetDecimals, nil)

	if cfg.EventsOut != "" {
		events, err := storage.NewJsonlStorage(cfg.EventsOut).ReadEvents(id)
		if err != nil {
			return err
		}
		out.Events = events
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
