package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Defaults returns the configuration used when no file sets a value.
func Defaults() AppConfig {
	return AppConfig{
		Logging: LoggingConfig{Level: "info"},
		Keeper: KeeperConfig{
			Deployment:    "deployments/base-sepolia.json",
			StateFile:     "state/state.json",
			PrivateKeyEnv: "KEEPER_PRIVATE_KEY",

			PollSeconds:    30,
			Confirmations:  2,
			LogChunk:       2000,
			MaxConcurrency: 10,

			MaxTxsPerCycle:      25,
			MinSubmitIntervalMs: 250,
			TxTimeoutSeconds:    120,
			PendingTTLSeconds:   900,

			BackoffBaseSeconds:         300,
			BackoffMaxSeconds:          21600,
			PlanInactiveBackoffSeconds: 1800,
			RPCErrorBackoffSeconds:     30,
			JitterSeconds:              30,
		},
	}
}

// Load reads configuration from a YAML file on top of Defaults. An empty
// path returns the defaults.
func Load(path string) (*AppConfig, error) {
	cfg := Defaults()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// Validate rejects settings the keeper cannot run with and clamps the rest
// to their floors.
func (k *KeeperConfig) Validate() error {
	if k.LogChunk == 0 {
		return errors.New("log chunk size must be > 0")
	}
	if k.MaxConcurrency <= 0 {
		return errors.New("max concurrency must be > 0")
	}
	if k.MaxTxsPerCycle <= 0 {
		return errors.New("max txs per cycle must be > 0")
	}
	if k.StateFile == "" {
		return errors.New("state file must be set")
	}

	k.PollSeconds = max(k.PollSeconds, 1)
	k.TxTimeoutSeconds = max(k.TxTimeoutSeconds, 5)
	k.PendingTTLSeconds = max(k.PendingTTLSeconds, 30)
	k.RPCErrorBackoffSeconds = max(k.RPCErrorBackoffSeconds, 1)
	k.BackoffMaxSeconds = max(k.BackoffMaxSeconds, 1)

	if k.BackoffBaseSeconds > k.BackoffMaxSeconds {
		slog.Warn("Backoff base exceeds max, clamping base to max",
			"base", k.BackoffBaseSeconds, "max", k.BackoffMaxSeconds)
	}
	if k.PlanInactiveBackoffSeconds > k.BackoffMaxSeconds {
		slog.Warn("Plan inactive backoff exceeds max, clamping to max",
			"plan_inactive", k.PlanInactiveBackoffSeconds, "max", k.BackoffMaxSeconds)
	}
	k.BackoffBaseSeconds = min(max(k.BackoffBaseSeconds, 1), k.BackoffMaxSeconds)
	k.PlanInactiveBackoffSeconds = min(max(k.PlanInactiveBackoffSeconds, 1), k.BackoffMaxSeconds)
	return nil
}

// PollInterval returns the sleep between cycles.
func (k *KeeperConfig) PollInterval() time.Duration { return seconds(k.PollSeconds) }

// TxTimeout returns the per-transaction receipt wait.
func (k *KeeperConfig) TxTimeout() time.Duration { return seconds(k.TxTimeoutSeconds) }

// PendingTTL returns how long a receiptless in-flight entry is kept.
func (k *KeeperConfig) PendingTTL() time.Duration { return seconds(k.PendingTTLSeconds) }

// MinSubmitInterval returns the spacing between consecutive sends.
func (k *KeeperConfig) MinSubmitInterval() time.Duration {
	return time.Duration(k.MinSubmitIntervalMs) * time.Millisecond
}

func seconds(n uint64) time.Duration { return time.Duration(n) * time.Second }
