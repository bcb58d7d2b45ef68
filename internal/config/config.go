package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL     string
	StateDir   string
	ListenAddr string
	LogLevel   string

	Admin         string
	CustodyKey    string
	Permit2       string
	WrappedNative string
	Whitelist     []string
	Operators     []string
	// Quoters maps a router address to its quoter address.
	Quoters        map[string]string
	DeadlineWindow uint64

	PGDSN        string
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string
	EventsOut    string

	RunOperator     bool
	OperatorAddress string
	FeeTier         uint32
	SlippageBps     uint64
	TickInterval    time.Duration
	RateLimit       float64
	RateBurst       int
	ChunkSize       int
	MaxRetries      int
	RetryBackoff    time.Duration
	OperatorState   string

	MaxSkew time.Duration
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POCKET")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("state-dir", "./data/state")
	v.SetDefault("listen", ":8080")
	v.SetDefault("log-level", "info")
	v.SetDefault("deadline-window", uint64(300))
	v.SetDefault("amqp-exchange", "pocket.events")
	v.SetDefault("events-out", "./data/events.jsonl")
	v.SetDefault("run-operator", false)
	v.SetDefault("fee-tier", uint32(3000))
	v.SetDefault("slippage-bps", uint64(50))
	v.SetDefault("tick-interval", 30*time.Second)
	v.SetDefault("rate-limit", 5.0)
	v.SetDefault("rate-burst", 1)
	v.SetDefault("chunk-size", 50)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("operator-state", "./data/operator.json")
	v.SetDefault("max-skew", 5*time.Minute)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	quoters, err := getStringMap(v, "quoters")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RPCURL:     v.GetString("rpc"),
		StateDir:   v.GetString("state-dir"),
		ListenAddr: v.GetString("listen"),
		LogLevel:   v.GetString("log-level"),

		Admin:          v.GetString("admin"),
		CustodyKey:     v.GetString("custody-key"),
		Permit2:        v.GetString("permit2"),
		WrappedNative:  v.GetString("wrapped-native"),
		Whitelist:      getStringSlice(v, "whitelist"),
		Operators:      getStringSlice(v, "operators"),
		Quoters:        quoters,
		DeadlineWindow: v.GetUint64("deadline-window"),

		PGDSN:        v.GetString("pg-dsn"),
		AMQPURL:      v.GetString("amqp-url"),
		AMQPExchange: v.GetString("amqp-exchange"),
		AMQPQueue:    v.GetString("amqp-queue"),
		EventsOut:    v.GetString("events-out"),

		RunOperator:     v.GetBool("run-operator"),
		OperatorAddress: v.GetString("operator-address"),
		FeeTier:         v.GetUint32("fee-tier"),
		SlippageBps:     v.GetUint64("slippage-bps"),
		TickInterval:    v.GetDuration("tick-interval"),
		RateLimit:       v.GetFloat64("rate-limit"),
		RateBurst:       v.GetInt("rate-burst"),
		ChunkSize:       v.GetInt("chunk-size"),
		MaxRetries:      v.GetInt("max-retries"),
		RetryBackoff:    v.GetDuration("retry-backoff"),
		OperatorState:   v.GetString("operator-state"),

		MaxSkew: v.GetDuration("max-skew"),
	}

	return cfg, nil
}

// Validate checks what every chain-backed command needs.
func (c Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc is required")
	}
	if c.CustodyKey == "" {
		return fmt.Errorf("custody-key is required")
	}
	for name, value := range map[string]string{
		"admin":          c.Admin,
		"permit2":        c.Permit2,
		"wrapped-native": c.WrappedNative,
	} {
		if !common.IsHexAddress(value) {
			return fmt.Errorf("%s must be a hex address, got %q", name, value)
		}
	}
	if c.RunOperator && !common.IsHexAddress(c.OperatorAddress) {
		return fmt.Errorf("operator-address must be a hex address when the operator runs")
	}
	if c.SlippageBps > 10_000 {
		return fmt.Errorf("slippage-bps must be at most 10000")
	}
	return nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

// getStringMap accepts a YAML mapping or "key=value" pairs separated by
// commas.
func getStringMap(v *viper.Viper, key string) (map[string]string, error) {
	if !v.IsSet(key) {
		return nil, nil
	}

	val := v.Get(key)
	out := make(map[string]string)
	switch typed := val.(type) {
	case map[string]interface{}:
		for k, item := range typed {
			out[strings.TrimSpace(k)] = strings.TrimSpace(fmt.Sprintf("%v", item))
		}
		return out, nil
	case map[string]string:
		for k, item := range typed {
			out[strings.TrimSpace(k)] = strings.TrimSpace(item)
		}
		return out, nil
	}

	for _, pair := range getStringSlice(v, key) {
		k, value, ok := strings.Cut(pair, "=")
		k, value = strings.TrimSpace(k), strings.TrimSpace(value)
		if !ok || k == "" || value == "" {
			return nil, fmt.Errorf("invalid %s entry %q, want key=value", key, pair)
		}
		out[k] = value
	}
	return out, nil
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
