package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "pocketd",
		Short:        "Recurring-investment pocket service",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("state-dir", "./data/state", "state database directory")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pocket API and optionally the operator loop",
		RunE:  runServe,
	}
	chainFlags(serveCmd)
	sinkFlags(serveCmd)
	operatorFlags(serveCmd)
	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
	serveCmd.Flags().Bool("run-operator", false, "run the operator loop in-process")
	serveCmd.Flags().Duration("max-skew", 5*time.Minute, "accepted age of signed requests")
	root.AddCommand(serveCmd)

	operatorCmd := &cobra.Command{
		Use:   "operator",
		Short: "Run the automation loop only",
		RunE:  runOperator,
	}
	chainFlags(operatorCmd)
	sinkFlags(operatorCmd)
	operatorFlags(operatorCmd)
	root.AddCommand(operatorCmd)

	quoteCmd := &cobra.Command{
		Use:   "quote",
		Short: "Quote a swap through the configured router",
		RunE:  runQuote,
	}
	chainFlags(quoteCmd)
	quoteCmd.Flags().String("router", "", "router address")
	quoteCmd.Flags().Uint8("router-version", 1, "router version (0 universal, 1 v2, 2 v3)")
	quoteCmd.Flags().String("token-in", "", "input token address")
	quoteCmd.Flags().String("token-out", "", "output token address")
	quoteCmd.Flags().String("amount", "", "input amount in raw units")
	quoteCmd.Flags().Uint32("fee-tier", 3000, "pool fee tier for v3 routes")
	root.AddCommand(quoteCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect <pocket-id>",
		Short: "Print a pocket, its statistics and its events",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	inspectCmd.Flags().String("events-out", "./data/events.jsonl", "event JSONL path")
	inspectCmd.Flags().Uint8("base-decimals", 18, "base token decimals")
	inspectCmd.Flags().Uint8("target-decimals", 18, "target token decimals")
	root.AddCommand(inspectCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres event store schema",
		RunE:  runMigrate,
	}
	migrateCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	root.AddCommand(migrateCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func chainFlags(cmd *cobra.Command) {
	cmd.Flags().String("rpc", "", "EVM RPC URL")
	cmd.Flags().String("custody-key", "", "custody account private key (hex)")
	cmd.Flags().String("admin", "", "admin address")
	cmd.Flags().String("permit2", "", "permit2 contract address")
	cmd.Flags().String("wrapped-native", "", "wrapped native token address")
	cmd.Flags().StringSlice("whitelist", nil, "tokens and routers to allow (comma-separated)")
	cmd.Flags().StringSlice("operators", nil, "operator addresses (comma-separated)")
	cmd.Flags().StringSlice("quoters", nil, "router=quoter bindings (comma-separated)")
	cmd.Flags().Uint64("deadline-window", 300, "router deadline window in seconds")
}

func sinkFlags(cmd *cobra.Command) {
	cmd.Flags().String("events-out", "./data/events.jsonl", "event JSONL path, empty disables")
	cmd.Flags().String("pg-dsn", "", "Postgres DSN for the event store")
	cmd.Flags().String("amqp-url", "", "AMQP broker URL for event publishing")
	cmd.Flags().String("amqp-exchange", "pocket.events", "AMQP topic exchange")
	cmd.Flags().String("amqp-queue", "", "optional durable queue bound to every event")
}

func operatorFlags(cmd *cobra.Command) {
	cmd.Flags().String("operator-address", "", "address the loop acts as")
	cmd.Flags().Uint32("fee-tier", 3000, "pool fee tier for v3 routes")
	cmd.Flags().Uint64("slippage-bps", 50, "tolerated slippage against the quote")
	cmd.Flags().Duration("tick-interval", 30*time.Second, "time between scans")
	cmd.Flags().Float64("rate-limit", 5, "pocket actions per second, 0 disables")
	cmd.Flags().Int("rate-burst", 1, "rate limiter burst")
	cmd.Flags().Int("chunk-size", 50, "pockets per logged chunk")
	cmd.Flags().Int("max-retries", 5, "maximum quote retry attempts")
	cmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	cmd.Flags().String("operator-state", "./data/operator.json", "operator state file when no pg-dsn is set")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
