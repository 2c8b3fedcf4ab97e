package config

import (
	redisclient "github.com/vietddude/keeper/internal/infra/redis"
	"github.com/vietddude/keeper/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Keeper   KeeperConfig       `yaml:"keeper"`
	Journal  JournalConfig      `yaml:"journal"`
	Redis    redisclient.Config `yaml:"redis"`
	Database postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP server settings. Port 0 disables the server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// JournalConfig selects where charge attempts are journaled.
type JournalConfig struct {
	File string `yaml:"file"` // JSONL path, empty disables
}

// KeeperConfig holds the cycle settings. Durations are whole seconds, as on
// the command line.
type KeeperConfig struct {
	Deployment    string `yaml:"deployment"`
	StateFile     string `yaml:"state_file"`
	RPCURL        string `yaml:"rpc_url"`
	PrivateKeyEnv string `yaml:"private_key_env"`

	PollSeconds    uint64 `yaml:"poll_seconds"`
	Confirmations  uint64 `yaml:"confirmations"`
	LogChunk       uint64 `yaml:"log_chunk"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	GasLimit       uint64 `yaml:"gas_limit"` // 0 estimates

	MaxTxsPerCycle      int    `yaml:"max_txs_per_cycle"`
	MinSubmitIntervalMs uint64 `yaml:"min_submit_interval_ms"`
	TxTimeoutSeconds    uint64 `yaml:"tx_timeout_seconds"`
	PendingTTLSeconds   uint64 `yaml:"pending_ttl_seconds"`
	ForcePending        bool   `yaml:"force_pending"`

	BackoffBaseSeconds         uint64 `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds          uint64 `yaml:"backoff_max_seconds"`
	PlanInactiveBackoffSeconds uint64 `yaml:"plan_inactive_backoff_seconds"`
	RPCErrorBackoffSeconds     uint64 `yaml:"rpc_error_backoff_seconds"`
	JitterSeconds              uint64 `yaml:"jitter_seconds"`

	Once          bool `yaml:"once"`
	DryRun        bool `yaml:"dry_run"`
	NoSimulate    bool `yaml:"no_simulate"`
	IgnoreBackoff bool `yaml:"ignore_backoff"`
}
