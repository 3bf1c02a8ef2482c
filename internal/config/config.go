// Package config loads server settings from an optional config file and
// FRACEX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr          string
	DatabaseURL       string // empty selects the in-memory ledger
	FeeRate           decimal.Decimal
	JWTSecret         string
	MatchWorkers      int
	MatchQueueSize    int
	MaxTxRetries      int
	SimulatorInterval time.Duration
	BookBroadcast     time.Duration
	LogLevel          string
	LogFormat         string
	KafkaBrokers      []string // empty disables the Kafka publisher
	KafkaTopic        string
}

// Load reads configuration. path may be empty; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FRACEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("database_url", "")
	v.SetDefault("fee_rate", "0.005")
	v.SetDefault("jwt_secret", "my-secret-key")
	v.SetDefault("match_workers", 4)
	v.SetDefault("match_queue_size", 1024)
	v.SetDefault("max_tx_retries", 5)
	v.SetDefault("simulator_interval", "24h")
	v.SetDefault("book_broadcast", "5s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_topic", "fracex.events")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	fee, err := decimal.NewFromString(v.GetString("fee_rate"))
	if err != nil {
		return nil, fmt.Errorf("fee_rate: %w", err)
	}
	if fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("fee_rate %s out of range", fee)
	}

	cfg := &Config{
		HTTPAddr:          v.GetString("http_addr"),
		DatabaseURL:       v.GetString("database_url"),
		FeeRate:           fee,
		JWTSecret:         v.GetString("jwt_secret"),
		MatchWorkers:      v.GetInt("match_workers"),
		MatchQueueSize:    v.GetInt("match_queue_size"),
		MaxTxRetries:      v.GetInt("max_tx_retries"),
		SimulatorInterval: v.GetDuration("simulator_interval"),
		BookBroadcast:     v.GetDuration("book_broadcast"),
		LogLevel:          v.GetString("log_level"),
		LogFormat:         v.GetString("log_format"),
		KafkaTopic:        v.GetString("kafka_topic"),
	}
	for _, b := range strings.Split(v.GetString("kafka_brokers"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}
	return cfg, nil
}
